package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "mixcore_client"

// Refresh outcomes
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
)

// Settings fetch outcomes
const (
	SettingsHit   = "hit"
	SettingsFetch = "fetch"
	SettingsError = "error"
)

// Metrics of the client. Nil *Metrics is valid and records nothing
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshTotal    *prometheus.CounterVec
	logoutTotal     prometheus.Counter
	settingsTotal   *prometheus.CounterVec
}

// New registers collectors within registry
// Use separate registry per instance: registering twice in one registry panics
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "requests_total",
			Help:      "Total number of REST calls to Mixcore by method and status",
		}, []string{"method", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "request_duration_seconds",
			Help:      "REST call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		refreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "token_refresh_total",
			Help:      "Token renewals by result",
		}, []string{"result"}),

		logoutTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "logout_total",
			Help:      "Number of times the session was cleared",
		}),

		settingsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "settings_requests_total",
			Help:      "Settings cache lookups by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveRequest records single REST call. Status 0 means no response was received
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}

	label := strconv.Itoa(status)
	if status == 0 {
		label = "none"
	}
	m.requestsTotal.WithLabelValues(method, label).Inc()
	m.requestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveLogout() {
	if m == nil {
		return
	}
	m.logoutTotal.Inc()
}

func (m *Metrics) ObserveSettings(outcome string) {
	if m == nil {
		return
	}
	m.settingsTotal.WithLabelValues(outcome).Inc()
}
