package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"

	"github.com/turingfp/micropay/pkg/session"
	"github.com/turingfp/micropay/pkg/transaction"
)

// Metrics holds all application metrics
type Metrics struct {
	// Session metrics
	SessionsTotal   *prometheus.CounterVec
	ActiveSessions  prometheus.Gauge
	SessionDuration *prometheus.HistogramVec

	// Transaction metrics
	TransactionsTotal *prometheus.CounterVec

	// Provider metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec

	// Callback metrics
	CallbacksTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec

	// Worker metrics
	WorkerMessagesProcessed  *prometheus.CounterVec
	WorkerProcessingDuration *prometheus.HistogramVec
	ReconciliationsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Session transitions by target status",
			},
			[]string{"status"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Sessions that left IDLE and are not yet resolved",
			},
		),
		SessionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Time from session creation to resolution",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		TransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Standalone transaction lifecycle events",
			},
			[]string{"event"},
		),
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_requests_total",
				Help:      "Provider adapter calls by operation and result",
			},
			[]string{"provider", "operation", "result"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Provider adapter call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"provider", "operation"},
		),
		CallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Received provider callbacks by normalized type and outcome",
			},
			[]string{"event_type", "result"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
		WorkerMessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_messages_processed_total",
				Help:      "Total number of worker messages processed",
			},
			[]string{"stream", "status"},
		),
		WorkerProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "worker_processing_duration_seconds",
				Help:      "Worker message processing duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"stream"},
		),
		ReconciliationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciliations_total",
				Help:      "Stale session reconciliations by outcome",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.SessionsTotal,
		m.ActiveSessions,
		m.SessionDuration,
		m.TransactionsTotal,
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.CallbacksTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
		m.WorkerMessagesProcessed,
		m.WorkerProcessingDuration,
		m.ReconciliationsTotal,
	)

	return m
}

// BreakerStateChange is a gobreaker OnStateChange hook feeding
// CircuitBreakerState.
func (m *Metrics) BreakerStateChange(name string, _, to gobreaker.State) {
	var v float64
	switch to {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// TransactionListener counts one transaction manager event.
func (m *Metrics) TransactionListener(event string) func(*transaction.Transaction) {
	counter := m.TransactionsTotal.WithLabelValues(event)
	return func(*transaction.Transaction) { counter.Inc() }
}

// SessionObserver returns a session.Observer feeding the session metrics.
func (m *Metrics) SessionObserver() session.Observer {
	return &metricsObserver{m: m, now: time.Now}
}

type metricsObserver struct {
	m   *Metrics
	now func() time.Time
}

func (o *metricsObserver) OnStatusChange(c session.StatusChange) {
	o.m.SessionsTotal.WithLabelValues(string(c.To)).Inc()
	if c.From == session.StatusIdle {
		o.m.ActiveSessions.Inc()
	}
	if c.To.IsTerminal() {
		o.m.ActiveSessions.Dec()
		o.m.SessionDuration.WithLabelValues(string(c.To)).
			Observe(o.now().Sub(c.Session.CreatedAt()).Seconds())
	}
}

func (o *metricsObserver) OnSuccess(session.Success) {}

func (o *metricsObserver) OnError(session.Failure) {}

func (o *metricsObserver) OnCancel(*session.Session) {}
