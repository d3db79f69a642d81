package vpn

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports orchestrator activity to Prometheus. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	attempts      *prometheus.CounterVec
	errors        *prometheus.CounterVec
	state         *prometheus.GaugeVec
	retryDelay    prometheus.Histogram
	staleEvents   prometheus.Counter
	retryFallback prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpn_orchestrator",
			Name:      "connection_attempts_total",
			Help:      "Connection attempts handed to the tunnel controller.",
		}, []string{"kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vpn_orchestrator",
			Name:      "connection_errors_total",
			Help:      "Connection errors by kind.",
		}, []string{"kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vpn_orchestrator",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		retryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "vpn_orchestrator",
			Name:      "retry_delay_seconds",
			Help:      "Backoff delays chosen for scheduled retries.",
			Buckets:   []float64{1, 5, 10, 20, 40, 80, 120},
		}),
		staleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vpn_orchestrator",
			Name:      "stale_events_total",
			Help:      "Engine events dropped because their attempt was superseded.",
		}),
		retryFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "vpn_orchestrator",
			Name:      "retry_timer_failures_total",
			Help:      "Retries run immediately because the wake timer could not be armed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.errors, m.state, m.retryDelay, m.staleEvents, m.retryFallback)
	}
	return m
}

func (m *Metrics) attempt(isRetry bool) {
	if m == nil {
		return
	}
	kind := "user"
	if isRetry {
		kind = "retry"
	}
	m.attempts.WithLabelValues(kind).Inc()
}

func (m *Metrics) error(kind ErrorKind) {
	if m == nil || kind == ErrorNone {
		return
	}
	m.errors.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for st := StateDisabled; st <= StateError; st++ {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(st.String()).Set(v)
	}
}

func (m *Metrics) retryScheduled(seconds float64) {
	if m == nil {
		return
	}
	m.retryDelay.Observe(seconds)
}

func (m *Metrics) stale() {
	if m == nil {
		return
	}
	m.staleEvents.Inc()
}

func (m *Metrics) timerFallback() {
	if m == nil {
		return
	}
	m.retryFallback.Inc()
}
