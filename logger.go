package resonance

// Logger is the printf-style logging interface used by every component of the bus.
// The adapters/zaplog package provides a zap-backed implementation; any other logging
// system can be plugged in by implementing these five methods.
type Logger interface {
	// Debugf logs per-event detail such as individual claims and acknowledgements.
	Debugf(format string, args ...interface{})

	// Infof logs lifecycle and throughput information.
	Infof(format string, args ...interface{})

	// Warnf logs recoverable problems: stale acknowledgements, retried failures, dead letters.
	Warnf(format string, args ...interface{})

	// Errorf logs failures the caller cannot recover from automatically.
	Errorf(format string, args ...interface{})

	// Info logs an unformatted info-level message.
	Info(message string)
}

// NoopLogger discards everything. It is the default of every component.
type NoopLogger struct{}

// Debugf implements Logger.
func (l *NoopLogger) Debugf(_ string, _ ...interface{}) {}

// Infof implements Logger.
func (l *NoopLogger) Infof(_ string, _ ...interface{}) {}

// Warnf implements Logger.
func (l *NoopLogger) Warnf(_ string, _ ...interface{}) {}

// Errorf implements Logger.
func (l *NoopLogger) Errorf(_ string, _ ...interface{}) {}

// Info implements Logger.
func (l *NoopLogger) Info(_ string) {}
