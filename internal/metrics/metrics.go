// Package metrics exposes scheduler and connection counters to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ghostbot"

// Metrics implements scheduler.Metrics and connmgr.Observer.
type Metrics struct {
	JobsDispatched  *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	JobsActive      prometheus.Gauge
	PollSeconds     prometheus.Histogram
	PollErrors      *prometheus.CounterVec
	ConnectAttempts *prometheus.CounterVec
	Connections     prometheus.Gauge
}

// New builds the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Pending jobs picked up by the scheduler, by command and outcome",
		}, []string{"command", "outcome"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that left the active set, by command and outcome",
		}, []string{"command", "outcome"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_active",
			Help:      "Jobs with live background work",
		}),
		PollSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one scheduler poll cycle",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Store failures during polling, by stage",
		}, []string{"stage"}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result",
		}, []string{"result"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Cached platform connections",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.JobsDispatched, m.JobsFinished, m.JobsActive, m.PollSeconds, m.PollErrors, m.ConnectAttempts, m.Connections)
	}
	return m
}

func (m *Metrics) JobDispatched(command, outcome string) {
	m.JobsDispatched.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) JobFinished(command, outcome string) {
	m.JobsFinished.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) ActiveJobs(n int) { m.JobsActive.Set(float64(n)) }

func (m *Metrics) PollDuration(d time.Duration) { m.PollSeconds.Observe(d.Seconds()) }

func (m *Metrics) PollError(stage string) { m.PollErrors.WithLabelValues(stage).Inc() }

func (m *Metrics) ConnectAttempt(_ int64, err error) {
	m.ConnectAttempts.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) OpenConnections(n int) { m.Connections.Set(float64(n)) }
