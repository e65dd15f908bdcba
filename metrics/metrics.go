package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/sandbox"
)

const namespace = "codemode"

// Outcomes recorded besides the failure kinds
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
)

// Metrics holds the Code Mode collectors
type Metrics struct {
	// Execution metrics
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ToolCallsPerRun   prometheus.Histogram

	// Tool metrics
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec

	registerer prometheus.Registerer
}

// StatsSource reports pool occupancy
type StatsSource interface {
	Stats() sandbox.Stats
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registerer: reg,

		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of script executions by outcome",
			},
			[]string{"mode", "outcome"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Script execution duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"mode"},
		),
		ToolCallsPerRun: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_calls_per_execution",
				Help:      "Number of tool calls made by one execution",
				Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		ToolCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Total number of tool calls made by scripts",
			},
			[]string{"group", "method", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_call_duration_seconds",
				Help:      "Tool call duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"group", "method"},
		),
	}
}

// ObserveExecution records one finished execution. A nil result counts as
// rejected by the pool.
func (m *Metrics) ObserveExecution(mode sandbox.Mode, res *sandbox.Result, d time.Duration) {
	outcome := OutcomeRejected
	switch {
	case res == nil:
	case res.Success:
		outcome = OutcomeSuccess
	default:
		outcome = string(res.Kind)
	}
	m.Executions.WithLabelValues(string(mode), outcome).Inc()
	if res != nil {
		m.ExecutionDuration.WithLabelValues(string(mode)).Observe(d.Seconds())
	}
}

// ObserveToolCalls records the calls an execution made
func (m *Metrics) ObserveToolCalls(calls []bindings.CallRecord) {
	m.ToolCallsPerRun.Observe(float64(len(calls)))
	for _, c := range calls {
		status := "ok"
		if c.Error != "" {
			status = "error"
		}
		m.ToolCalls.WithLabelValues(c.Group, c.Method, status).Inc()
		m.ToolDuration.WithLabelValues(c.Group, c.Method).Observe(float64(c.DurationMs) / 1000)
	}
}

// RegisterPool exposes the occupancy of pool as gauges read at scrape time
func (m *Metrics) RegisterPool(pool StatsSource) error {
	labels := prometheus.Labels{"mode": string(pool.Stats().Mode)}
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_available",
			Help:        "Idle sandbox instances",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Stats().Available) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_in_use",
			Help:        "Sandbox instances running a script",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Stats().InUse) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "pool_max",
			Help:        "Maximum sandbox instances",
			ConstLabels: labels,
		}, func() float64 { return float64(pool.Stats().Max) }),
	}
	for _, g := range gauges {
		if err := m.registerer.Register(g); err != nil {
			return err
		}
	}
	return nil
}
