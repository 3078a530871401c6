// ABOUTME: Prometheus collectors for runs, tool calls, and inbound callbacks
// ABOUTME: Implements the observer hooks of the assistant and tools packages

package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "booking_bridge"

// Collector records bridge activity. A nil *Collector is a no-op.
type Collector struct {
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	toolCalls   *prometheus.CounterVec
	callbacks   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// Collectors already registered under the same name are reused.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Assistant runs by final status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Time from message receipt to final run status.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched, by tool and result.",
		}, []string{"tool", "result"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Inbound platform callbacks by outcome.",
		}, []string{"outcome"}),
	}

	var err error
	if c.runs, err = register(reg, c.runs); err != nil {
		return nil, err
	}
	if c.runDuration, err = register(reg, c.runDuration); err != nil {
		return nil, err
	}
	if c.toolCalls, err = register(reg, c.toolCalls); err != nil {
		return nil, err
	}
	if c.callbacks, err = register(reg, c.callbacks); err != nil {
		return nil, err
	}
	return c, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, col T) (T, error) {
	err := reg.Register(col)
	if err == nil {
		return col, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return col, fmt.Errorf("registering collector: %w", err)
}

// RunFinished records the outcome and latency of one assistant run.
func (c *Collector) RunFinished(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(elapsed.Seconds())
}

// ToolCall records one dispatched tool call.
func (c *Collector) ToolCall(name, result string) {
	if c == nil {
		return
	}
	c.toolCalls.WithLabelValues(name, result).Inc()
}

// Callback records how an inbound callback was handled.
func (c *Collector) Callback(outcome string) {
	if c == nil {
		return
	}
	c.callbacks.WithLabelValues(outcome).Inc()
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the metrics in g in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
