// Package metrics exposes workflow counters and histograms to Prometheus.
//
// Registers:
//
//	resolver_market_transitions_total{from,to}
//	resolver_disputes_submitted_total{type}
//	resolver_dispute_rejections_total{code}
//	resolver_decisions_total{decision}
//	resolver_settlements_total{disposition}
//	resolver_ledger_instructions_total{kind,status}
//	resolver_events_published_total{sink,result}
//	resolver_market_lock_wait_seconds
//	resolver_http_request_duration_seconds{method,route,code}
//	go_* and process_* system metrics
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the workflow collectors. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	submitted    *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	decisions    *prometheus.CounterVec
	settlements  *prometheus.CounterVec
	instructions *prometheus.CounterVec
	published    *prometheus.CounterVec
	lockWait     prometheus.Histogram
	httpDuration *prometheus.HistogramVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_market_transitions_total",
			Help: "Market lifecycle transitions by source and target status.",
		}, []string{"from", "to"}),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_disputes_submitted_total",
			Help: "Disputes accepted for review by type.",
		}, []string{"type"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_dispute_rejections_total",
			Help: "Dispute submissions refused by unmet guard.",
		}, []string{"code"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_decisions_total",
			Help: "Admin decisions applied.",
		}, []string{"decision"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_settlements_total",
			Help: "Stake settlements by disposition.",
		}, []string{"disposition"}),
		instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_ledger_instructions_total",
			Help: "Ledger instruction executions by kind and result.",
		}, []string{"kind", "status"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resolver_events_published_total",
			Help: "Event deliveries per sink.",
		}, []string{"sink", "result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resolver_market_lock_wait_seconds",
			Help:    "Time spent waiting for a per-market lock.",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "resolver_http_request_duration_seconds",
			Help:    "API request latency by route pattern and status code.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "code"}),
	}
	r.registry.MustRegister(
		r.transitions, r.submitted, r.rejected, r.decisions,
		r.settlements, r.instructions, r.published, r.lockWait, r.httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Transition(from, to string) {
	if r != nil {
		r.transitions.WithLabelValues(from, to).Inc()
	}
}

func (r *Recorder) DisputeSubmitted(disputeType string) {
	if r != nil {
		r.submitted.WithLabelValues(disputeType).Inc()
	}
}

func (r *Recorder) DisputeRejected(code string) {
	if r != nil {
		r.rejected.WithLabelValues(code).Inc()
	}
}

func (r *Recorder) Decision(decision string) {
	if r != nil {
		r.decisions.WithLabelValues(decision).Inc()
	}
}

func (r *Recorder) Settlement(disposition string) {
	if r != nil {
		r.settlements.WithLabelValues(disposition).Inc()
	}
}

func (r *Recorder) Instruction(kind, status string) {
	if r != nil {
		r.instructions.WithLabelValues(kind, status).Inc()
	}
}

func (r *Recorder) Published(sink string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.published.WithLabelValues(sink, result).Inc()
}

func (r *Recorder) LockWait(d time.Duration) {
	if r != nil {
		r.lockWait.Observe(d.Seconds())
	}
}

// HTTPRequest observes one API request. route is the mux pattern, not the
// raw path, to keep label cardinality bounded.
func (r *Recorder) HTTPRequest(method, route string, code int, d time.Duration) {
	if r == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	r.httpDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}
