// Package monitor exposes Prometheus metrics for the SLA engine.
package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sla"

// Metrics groups the engine's collectors on a dedicated registry. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs            prometheus.Counter
	runDuration     prometheus.Histogram
	evaluated       prometheus.Counter
	transitions     *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	instanceErrors  prometheus.Counter
	lockedOrgs      prometheus.Counter
	events          *prometheus.CounterVec
	activeInstances *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Number of reconciliation passes executed.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		evaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_evaluated_total",
			Help:      "Number of instance evaluations.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Instance status transitions by target status.",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Escalation notifications by channel and result.",
		}, []string{"channel", "result"}),
		instanceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_errors_total",
			Help:      "Instances that failed during a pass.",
		}),
		lockedOrgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orgs_skipped_locked_total",
			Help:      "Organizations skipped because another run held their lock.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_events_total",
			Help:      "Activity events consumed by subject and result.",
		}, []string{"subject", "result"}),
		activeInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_instances",
			Help:      "Active instances seen by the last pass per organization.",
		}, []string{"org_id"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs,
		m.runDuration,
		m.evaluated,
		m.transitions,
		m.notifications,
		m.instanceErrors,
		m.lockedOrgs,
		m.events,
		m.activeInstances,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRun records a finished pass
func (m *Metrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.runDuration.Observe(d.Seconds())
}

// InstanceEvaluated counts one evaluation
func (m *Metrics) InstanceEvaluated() {
	if m == nil {
		return
	}
	m.evaluated.Inc()
}

// Transition counts a status change
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// Notification counts a channel delivery outcome: sent, failed or skipped
func (m *Metrics) Notification(channel, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result).Inc()
}

// InstanceError counts a failed instance
func (m *Metrics) InstanceError() {
	if m == nil {
		return
	}
	m.instanceErrors.Inc()
}

// OrgLocked counts an organization skipped on lock contention
func (m *Metrics) OrgLocked() {
	if m == nil {
		return
	}
	m.lockedOrgs.Inc()
}

// Event counts a consumed activity event
func (m *Metrics) Event(subject, result string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(subject, result).Inc()
}

// SetActiveInstances records the active instance count of an organization
func (m *Metrics) SetActiveInstances(orgID string, n int) {
	if m == nil {
		return
	}
	m.activeInstances.WithLabelValues(orgID).Set(float64(n))
}
