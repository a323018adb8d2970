// Package metrics exposes Prometheus collectors for synchronization runs and
// provider traffic. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "banksync"

// Metrics groups the collectors.
type Metrics struct {
	syncRuns         *prometheus.CounterVec
	syncDuration     prometheus.Histogram
	accountFailures  prometheus.Counter
	providerRequests *prometheus.CounterVec
	tokenRefreshes   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Synchronization runs by outcome.",
		}, []string{"outcome"}),
		syncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Wall time of synchronization runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		accountFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_account_failures_total",
			Help:      "Accounts whose transaction sync failed within an otherwise running sync.",
		}),
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Outbound provider calls by operation and HTTP status (0 = transport error).",
		}, []string{"op", "code"}),
		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access tokens refreshed by the vault.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.syncRuns, m.syncDuration, m.accountFailures, m.providerRequests, m.tokenRefreshes)
	}
	return m
}

func (m *Metrics) ObserveSync(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(outcome).Inc()
	m.syncDuration.Observe(d.Seconds())
}

func (m *Metrics) AccountFailed() {
	if m == nil {
		return
	}
	m.accountFailures.Inc()
}

func (m *Metrics) ObserveProvider(op string, status int) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(op, strconv.Itoa(status)).Inc()
}

func (m *Metrics) TokenRefreshed() {
	if m == nil {
		return
	}
	m.tokenRefreshes.Inc()
}
