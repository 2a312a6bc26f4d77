package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors every component registers
// operations against. One instance is constructed at composition-root
// startup and passed by reference into C1-C10.
type Metrics struct {
	CommandsSent      *prometheus.CounterVec
	CommandsCompleted *prometheus.CounterVec
	CommandsFailed    *prometheus.CounterVec
	CommandsToTSQ     *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	TSQSize           *prometheus.GaugeVec
	BatchCompleteTime *prometheus.HistogramVec
	ProcessStepTime   *prometheus.HistogramVec
	ReplyRouterLag    prometheus.Histogram
	PoolExhaustions   prometheus.Counter
	WorkerInFlight    *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// NewMetrics constructs and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commandbus", Name: "commands_sent_total",
			Help: "Commands accepted by the bus, by domain and command type.",
		}, []string{"domain", "command_type"}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commandbus", Name: "commands_completed_total",
			Help: "Commands that reached COMPLETED.",
		}, []string{"domain", "command_type"}),
		CommandsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commandbus", Name: "commands_failed_total",
			Help: "Handler invocations that returned a non-success outcome.",
		}, []string{"domain", "command_type", "kind"}),
		CommandsToTSQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commandbus", Name: "commands_tsq_total",
			Help: "Commands routed to the troubleshooting queue.",
		}, []string{"domain", "command_type", "reason"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commandbus", Name: "handler_duration_seconds",
			Help:    "Wall time of a single handler invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain", "command_type"}),
		TSQSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "commandbus", Name: "tsq_size",
			Help: "Last-observed troubleshooting queue depth.",
		}, []string{"domain"}),
		BatchCompleteTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commandbus", Name: "batch_complete_seconds",
			Help:    "Time from batch creation to terminal status.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"domain"}),
		ProcessStepTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "commandbus", Name: "process_step_seconds",
			Help:    "Time from step execution to its reply.",
			Buckets: prometheus.DefBuckets,
		}, []string{"domain", "process_type"}),
		ReplyRouterLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "commandbus", Name: "reply_router_lag_seconds",
			Help:    "Time between reply enqueue and router pickup.",
			Buckets: prometheus.DefBuckets,
		}),
		PoolExhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commandbus", Name: "pool_exhaustions_total",
			Help: "Connection pool acquisition timeouts.",
		}),
		WorkerInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "commandbus", Name: "worker_in_flight",
			Help: "Commands currently being processed by a worker.",
		}, []string{"domain"}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commandbus", Name: "circuit_breaker_trips_total",
			Help: "Times a handler's circuit breaker opened.",
		}, []string{"domain", "command_type"}),
	}
	reg.MustRegister(
		m.CommandsSent, m.CommandsCompleted, m.CommandsFailed, m.CommandsToTSQ,
		m.HandlerDuration, m.TSQSize, m.BatchCompleteTime, m.ProcessStepTime,
		m.ReplyRouterLag, m.PoolExhaustions, m.WorkerInFlight, m.CircuitBreakerTrips,
	)
	return m
}
