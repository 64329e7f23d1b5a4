// Package metrics provides Prometheus instrumentation for the reconciler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// A restart sleeps for settle and verify delays on top of engine calls.
	restartBuckets = []float64{1, 2, 5, 10, 15, 20, 30, 60, 120}

	httpBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0}
)

// Collector holds all Prometheus metrics for the reconciler. A nil
// *Collector is valid; the record helpers then do nothing.
type Collector struct {
	EngineUp          prometheus.Gauge
	TrackedContainers prometheus.Gauge
	RestartsInFlight  prometheus.Gauge

	EventsTotal          *prometheus.CounterVec
	RestartAttemptsTotal *prometheus.CounterVec
	RestartResultsTotal  *prometheus.CounterVec

	RestartDuration     prometheus.Histogram
	HTTPRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		EngineUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reviver",
			Name:      "engine_up",
			Help:      "Whether the container engine answered the last ping (1=yes, 0=no)",
		}),
		TrackedContainers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reviver",
			Name:      "tracked_containers",
			Help:      "Number of container configurations held in memory",
		}),
		RestartsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "reviver",
			Subsystem: "restart",
			Name:      "in_flight",
			Help:      "Number of restart workflows currently running",
		}),

		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviver",
			Name:      "engine_events_total",
			Help:      "Container events received from the engine",
		}, []string{"action"}),
		RestartAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviver",
			Subsystem: "restart",
			Name:      "attempts_total",
			Help:      "Restart workflows dispatched",
		}, []string{"trigger"}),
		RestartResultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reviver",
			Subsystem: "restart",
			Name:      "results_total",
			Help:      "Restart workflows finished, by result and failed step",
		}, []string{"result", "step"}),

		RestartDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reviver",
			Subsystem: "restart",
			Name:      "duration_seconds",
			Help:      "Restart workflow duration in seconds",
			Buckets:   restartBuckets,
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "reviver",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"}),

		registry: reg,
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.EngineUp,
		c.TrackedContainers,
		c.RestartsInFlight,
		c.EventsTotal,
		c.RestartAttemptsTotal,
		c.RestartResultsTotal,
		c.RestartDuration,
		c.HTTPRequestDuration,
	)

	return c
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func (c *Collector) SetEngineUp(up bool) {
	if c == nil {
		return
	}
	if up {
		c.EngineUp.Set(1)
	} else {
		c.EngineUp.Set(0)
	}
}

func (c *Collector) SetTracked(n int) {
	if c == nil {
		return
	}
	c.TrackedContainers.Set(float64(n))
}

func (c *Collector) ObserveEvent(action string) {
	if c == nil {
		return
	}
	c.EventsTotal.WithLabelValues(action).Inc()
}

// RestartStarted counts a dispatched restart and returns the func that
// records its outcome.
func (c *Collector) RestartStarted(trigger string) func(step string, err error) {
	if c == nil {
		return func(string, error) {}
	}
	c.RestartAttemptsTotal.WithLabelValues(trigger).Inc()
	c.RestartsInFlight.Inc()
	start := time.Now()
	return func(step string, err error) {
		c.RestartsInFlight.Dec()
		c.RestartDuration.Observe(time.Since(start).Seconds())
		result := "succeeded"
		if err != nil {
			result = "failed"
		}
		c.RestartResultsTotal.WithLabelValues(result, step).Inc()
	}
}

func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
