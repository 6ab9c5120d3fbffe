package resonance

import (
	"context"
	"time"
)

// Housekeeper periodically settles claims whose visibility timeout elapsed, so that
// dead letters for exhausted or expired events appear even on subscriptions nobody polls.
type Housekeeper struct {
	consumer *Consumer
	logger   Logger
}

// NewHousekeeper creates a Housekeeper. A nil logger means NoopLogger.
func NewHousekeeper(consumer *Consumer, logger Logger) *Housekeeper {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Housekeeper{consumer: consumer, logger: logger}
}

// RunOnce performs one housekeeping pass and returns the number of claims settled.
func (h *Housekeeper) RunOnce(ctx context.Context) (int, error) {
	return h.consumer.ReleaseExpiredClaims(ctx)
}

// Run performs a housekeeping pass every interval until ctx is canceled.
//
// This method blocks and should typically be run in a goroutine.
//
// Example:
//
//	go housekeeper.Run(ctx, 30*time.Second)
func (h *Housekeeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.logger.Info("Housekeeper started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Housekeeper stopped")
			return
		case <-ticker.C:
			if _, err := h.RunOnce(ctx); err != nil {
				h.logger.Errorf("Housekeeping pass failed: %v", err)
			}
		}
	}
}
