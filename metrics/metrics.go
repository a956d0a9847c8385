// Package metrics provides Prometheus metrics for the notification pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ItemsCollected prometheus.Counter
	ItemOutcomes   *prometheus.CounterVec   // by state: dispatched, failed, released
	Deliveries     *prometheus.CounterVec   // by path (immediate, queued) and status (success, error)
	DigestMessages *prometheus.CounterVec   // by status
	DigestPurged   prometheus.Counter
	UserCache      *prometheus.GaugeVec     // by tier (full, minimal)
	PhaseDuration  *prometheus.HistogramVec // by phase
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ItemsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forum_notifier_items_collected_total",
			Help: "Posts claimed for dispatch by the collector",
		}),
		ItemOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forum_notifier_item_outcomes_total",
			Help: "Final state of claimed posts per run",
		}, []string{"state"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forum_notifier_deliveries_total",
			Help: "Per-recipient deliveries by path and status",
		}, []string{"path", "status"}),
		DigestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forum_notifier_digest_messages_total",
			Help: "Digest messages by status",
		}, []string{"status"}),
		DigestPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forum_notifier_digest_entries_purged_total",
			Help: "Queued digest entries dropped by the retention window",
		}),
		UserCache: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "forum_notifier_user_cache_records",
			Help: "User records cached during the last run by tier",
		}, []string{"tier"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forum_notifier_phase_duration_seconds",
			Help:    "Wall-clock duration of pipeline phases",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"phase"}),
	}

	for _, c := range []prometheus.Collector{
		m.ItemsCollected, m.ItemOutcomes, m.Deliveries, m.DigestMessages,
		m.DigestPurged, m.UserCache, m.PhaseDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) Collected(n int) {
	if m == nil {
		return
	}
	m.ItemsCollected.Add(float64(n))
}

func (m *Metrics) Outcome(state string) {
	if m == nil {
		return
	}
	m.ItemOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) Delivery(path string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.Deliveries.WithLabelValues(path, status).Inc()
}

func (m *Metrics) Digest(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.DigestMessages.WithLabelValues(status).Inc()
}

func (m *Metrics) Purged(n int64) {
	if m == nil {
		return
	}
	m.DigestPurged.Add(float64(n))
}

func (m *Metrics) CacheSize(full, minimal int) {
	if m == nil {
		return
	}
	m.UserCache.WithLabelValues("full").Set(float64(full))
	m.UserCache.WithLabelValues("minimal").Set(float64(minimal))
}

// Phase returns a func that observes the elapsed time when called.
func (m *Metrics) Phase(name string) func() {
	start := time.Now()
	return func() {
		if m == nil {
			return
		}
		m.PhaseDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}
