package resonance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors updated by the publisher, consumer and workers.
type Metrics struct {
	EventsPublished  *prometheus.CounterVec   // by topic
	EventsClaimed    *prometheus.CounterVec   // by subscription
	Acknowledgements *prometheus.CounterVec   // by outcome
	StaleAcks        prometheus.Counter       // acks rejected as stale or unknown
	DeadLettered     *prometheus.CounterVec   // by reason
	ClaimsExpired    prometheus.Counter       // claims settled by housekeeping
	CallbackDuration *prometheus.HistogramVec // by subscription and mode
	IdlePolls        *prometheus.CounterVec   // by subscription
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests and embedded uses want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_events_published_total",
			Help: "Events inserted by the publisher.",
		}, []string{"topic"}),
		EventsClaimed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_events_claimed_total",
			Help: "Claims issued by the consumer.",
		}, []string{"subscription"}),
		Acknowledgements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_acknowledgements_total",
			Help: "Accepted acknowledgements by outcome.",
		}, []string{"outcome"}),
		StaleAcks: factory.NewCounter(prometheus.CounterOpts{
			Name: "resonance_stale_acknowledgements_total",
			Help: "Acknowledgements rejected because the claim was unknown or no longer current.",
		}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_dead_lettered_total",
			Help: "Events dead-lettered for a subscription.",
		}, []string{"reason"}),
		ClaimsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "resonance_claims_expired_total",
			Help: "Timed-out claims settled by housekeeping.",
		}),
		CallbackDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "resonance_worker_callback_duration_seconds",
			Help:    "Time spent in consume actions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subscription", "mode"}),
		IdlePolls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resonance_worker_idle_polls_total",
			Help: "Worker polls that found nothing to claim.",
		}, []string{"subscription"}),
	}
}
