package metrics

import "github.com/prometheus/client_golang/prometheus"

// WorkflowMetrics covers the job driver, the work dispatcher and the webhook boundary.
type WorkflowMetrics struct {
	transitions     *prometheus.CounterVec
	stepErrors      *prometheus.CounterVec
	leaseContention *prometheus.CounterVec
	dispatch        *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	if reg == nil {
		return &WorkflowMetrics{}
	}
	m := &WorkflowMetrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_workflow_transitions_total",
			Help: "Job status transitions applied by the workflow machine.",
		}, []string{"kind", "from", "to"}),
		stepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_workflow_step_errors_total",
			Help: "Errors raised while advancing a job, by error code.",
		}, []string{"kind", "status", "code"}),
		leaseContention: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_workflow_lease_contention_total",
			Help: "Lease acquisitions that found the job already held.",
		}, []string{"source"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_dispatch_total",
			Help: "Work dispatch attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultflow_webhook_notifications_total",
			Help: "Custody notifications by handling outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.transitions, m.stepErrors, m.leaseContention, m.dispatch, m.notifications)
	return m
}

func (m *WorkflowMetrics) IncTransition(kind, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(normalizeLabel(kind), normalizeLabel(from), normalizeLabel(to)).Inc()
}

func (m *WorkflowMetrics) IncStepError(kind, status, code string) {
	if m == nil || m.stepErrors == nil {
		return
	}
	m.stepErrors.WithLabelValues(normalizeLabel(kind), normalizeLabel(status), normalizeLabel(code)).Inc()
}

func (m *WorkflowMetrics) IncLeaseContention(source string) {
	if m == nil || m.leaseContention == nil {
		return
	}
	m.leaseContention.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *WorkflowMetrics) IncDispatch(backend, outcome string) {
	if m == nil || m.dispatch == nil {
		return
	}
	m.dispatch.WithLabelValues(normalizeLabel(backend), normalizeLabel(outcome)).Inc()
}

func (m *WorkflowMetrics) IncNotification(outcome string) {
	if m == nil || m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(normalizeLabel(outcome)).Inc()
}
