// Package metrics exposes prometheus collectors for the session core.
// Collectors live on their own registry so tests can build as many Metrics
// values as they like.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsByState   *prometheus.GaugeVec
	LoginsTotal       *prometheus.CounterVec
	PlatformErrors    *prometheus.CounterVec
	FlushedHours      prometheus.Counter
	FlushFailures     prometheus.Counter
	Notifications     *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hourboost_sessions",
			Help: "Tracked sessions by state",
		}, []string{"state"}),
		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hourboost_logins_total",
			Help: "Completed logon handshakes by result",
		}, []string{"result"}),
		PlatformErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hourboost_platform_errors_total",
			Help: "Platform errors by code and recovery action",
		}, []string{"code", "action"}),
		FlushedHours: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hourboost_flushed_hours_total",
			Help: "Connected hours persisted by usage flushes",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hourboost_flush_failures_total",
			Help: "Usage flushes that exhausted their retries",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hourboost_notifications_total",
			Help: "Owner notifications by outcome",
		}, []string{"outcome"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hourboost_reconnect_attempts_total",
			Help: "Automatic reconnect attempts after an unexpected drop",
		}),
	}
	reg.MustRegister(
		m.SessionsByState,
		m.LoginsTotal,
		m.PlatformErrors,
		m.FlushedHours,
		m.FlushFailures,
		m.Notifications,
		m.ReconnectAttempts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePlatformError(code, action string) {
	if m == nil {
		return
	}
	m.PlatformErrors.WithLabelValues(code, action).Inc()
}

func (m *Metrics) ObserveFlush(hours float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.FlushFailures.Inc()
		return
	}
	m.FlushedHours.Add(hours)
}

func (m *Metrics) ObserveNotification(outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// SetSessionStates replaces the per-state gauge values.
func (m *Metrics) SetSessionStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.SessionsByState.Reset()
	for state, n := range counts {
		m.SessionsByState.WithLabelValues(state).Set(float64(n))
	}
}
