// Package metrics exposes prometheus counters for run, build and report
// progress. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "regressoor"

// Metrics holds the counters updated by the core components.
type Metrics struct {
	gatherer      prometheus.Gatherer
	runs          *prometheus.CounterVec
	builds        *prometheus.CounterVec
	reports       *prometheus.CounterVec
	submissions   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	ticks         prometheus.Counter
}

// New registers the counters on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions by target status.",
		}, []string{"status"}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "build_transitions_total",
			Help:      "Software build status transitions by target status.",
		}, []string{"status"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_transitions_total",
			Help:      "Run report status transitions by target status.",
		}, []string{"status"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_submissions_total",
			Help:      "Workflow submissions by kind and outcome.",
		}, []string{"kind", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and outcome.",
		}, []string{"sink", "result"}),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poller_ticks_total",
			Help:      "Completed poller ticks.",
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(m.runs, m.builds, m.reports, m.submissions, m.notifications, m.ticks)
	m.gatherer = reg

	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}

	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IncRunTransition(status string) {
	if m == nil {
		return
	}

	m.runs.WithLabelValues(status).Inc()
}

func (m *Metrics) IncBuildTransition(status string) {
	if m == nil {
		return
	}

	m.builds.WithLabelValues(status).Inc()
}

func (m *Metrics) IncReportTransition(status string) {
	if m == nil {
		return
	}

	m.reports.WithLabelValues(status).Inc()
}

// IncSubmission counts a workflow submission; kind is test, eval, build or
// report.
func (m *Metrics) IncSubmission(kind string, err error) {
	if m == nil {
		return
	}

	m.submissions.WithLabelValues(kind, outcome(err)).Inc()
}

// IncNotification counts a delivery attempt on a sink.
func (m *Metrics) IncNotification(sink string, err error) {
	if m == nil {
		return
	}

	m.notifications.WithLabelValues(sink, outcome(err)).Inc()
}

func (m *Metrics) IncTick() {
	if m == nil {
		return
	}

	m.ticks.Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}

	return "ok"
}
