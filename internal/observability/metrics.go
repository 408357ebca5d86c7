package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting application metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Lifecycle Manager agent population and kill-cascade sizes
//   - Tier Router arm selections and cost/savings accounting
//   - Policy Engine verdicts and audit throughput
//   - Guardian Pipeline findings by domain and severity
//   - Pattern Consolidator dream-cycle phase durations
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordTierSelection("sonnet", false)
//	defer metrics.DreamPhaseDuration("CRYSTALLIZE").Observe(time.Since(start).Seconds())
type Metrics struct {
	// AgentsByStatus is a gauge of tracked agents by lifecycle status.
	// Labels: status (alive|stale|dead|killed|completed|error)
	AgentsByStatus *prometheus.GaugeVec

	// KillCascadeSize observes the number of agents transitioned per kill cascade.
	KillCascadeSize prometheus.Histogram

	// SweepDuration measures healTree() sweep duration in seconds.
	SweepDuration prometheus.Histogram

	// TierSelections counts router tier selections.
	// Labels: tier, escalated (true|false)
	TierSelections *prometheus.CounterVec

	// TierRewardTotal accumulates recorded reward by tier.
	TierRewardTotal *prometheus.CounterVec

	// OpusSavingsUSD accumulates the running opus-baseline savings estimate.
	OpusSavingsUSD prometheus.Counter

	// PolicyVerdicts counts policy engine verdicts.
	// Labels: status (allow|deny|warn|modify)
	PolicyVerdicts *prometheus.CounterVec

	// AuditEntriesWritten counts audit log appends.
	AuditEntriesWritten prometheus.Counter

	// GuardianFindings counts findings by domain and severity.
	GuardianFindings *prometheus.CounterVec

	// GuardianScanDuration measures per-tool-call guardian scan latency.
	GuardianScanDuration prometheus.Histogram

	// ToolMasteryRate is a gauge of current success rate by tool.
	ToolMasteryRate *prometheus.GaugeVec

	// DreamPhaseDuration measures consolidator phase duration.
	// Labels: phase
	DreamPhaseDurationVec *prometheus.HistogramVec

	// VasanaCount is a gauge of current tendency count by project.
	VasanaCount *prometheus.GaugeVec

	// OrchestratorPhaseDuration measures orchestrator phase duration.
	// Labels: phase
	OrchestratorPhaseDuration *prometheus.HistogramVec

	// ActiveSessions is a gauge of live orchestrator sessions.
	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics. Call once at
// startup; pass nil-safe component constructors their own *Metrics or nil.
func NewMetrics() *Metrics {
	return &Metrics{
		AgentsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "canopy_agents_by_status",
				Help: "Current number of tracked agents by lifecycle status",
			},
			[]string{"status"},
		),
		KillCascadeSize: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "canopy_kill_cascade_size",
				Help:    "Number of agents transitioned to killed per cascade",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
			},
		),
		SweepDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "canopy_lifecycle_sweep_duration_seconds",
				Help:    "Duration of Lifecycle Manager healTree sweeps",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
			},
		),
		TierSelections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_router_tier_selections_total",
				Help: "Total tier router selections by tier and escalation",
			},
			[]string{"tier", "escalated"},
		),
		TierRewardTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_router_tier_reward_total",
				Help: "Accumulated reward recorded per tier",
			},
			[]string{"tier"},
		),
		OpusSavingsUSD: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "canopy_router_opus_baseline_usd_total",
				Help: "Accumulated opus-baseline cost used for savings accounting",
			},
		),
		PolicyVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_policy_verdicts_total",
				Help: "Total policy verdicts by final decision status",
			},
			[]string{"status"},
		),
		AuditEntriesWritten: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "canopy_policy_audit_entries_total",
				Help: "Total audit entries appended",
			},
		),
		GuardianFindings: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_guardian_findings_total",
				Help: "Total guardian findings by domain and severity",
			},
			[]string{"domain", "severity"},
		),
		GuardianScanDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "canopy_guardian_scan_duration_seconds",
				Help:    "Duration of a full three-guardian scan of one tool call",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
			},
		),
		ToolMasteryRate: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "canopy_tool_mastery_success_rate",
				Help: "Current success rate by tool",
			},
			[]string{"tool"},
		),
		DreamPhaseDurationVec: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canopy_consolidator_phase_duration_seconds",
				Help:    "Duration of each dream-cycle phase",
				Buckets: []float64{0.001, 0.01, 0.1, 1, 10, 60},
			},
			[]string{"phase"},
		),
		VasanaCount: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "canopy_consolidator_vasana_count",
				Help: "Current number of tendencies by project",
			},
			[]string{"project"},
		),
		OrchestratorPhaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "canopy_orchestrator_phase_duration_seconds",
				Help:    "Duration of each orchestrator phase",
				Buckets: []float64{0.01, 0.1, 1, 5, 30, 120, 600},
			},
			[]string{"phase"},
		),
		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "canopy_active_orchestrator_sessions",
				Help: "Current number of live orchestrator sessions",
			},
		),
	}
}

// RecordKillCascade records the size of one kill cascade.
func (m *Metrics) RecordKillCascade(size int) {
	if m == nil {
		return
	}
	m.KillCascadeSize.Observe(float64(size))
}

// RecordTierSelection records one router decision.
func (m *Metrics) RecordTierSelection(tier string, escalated bool) {
	if m == nil {
		return
	}
	label := "false"
	if escalated {
		label = "true"
	}
	m.TierSelections.WithLabelValues(tier, label).Inc()
}

// RecordPolicyVerdict records one enforce() final decision.
func (m *Metrics) RecordPolicyVerdict(status string) {
	if m == nil {
		return
	}
	m.PolicyVerdicts.WithLabelValues(status).Inc()
	m.AuditEntriesWritten.Inc()
}

// RecordGuardianFinding records one emitted finding.
func (m *Metrics) RecordGuardianFinding(domain, severity string) {
	if m == nil {
		return
	}
	m.GuardianFindings.WithLabelValues(domain, severity).Inc()
}

// DreamPhaseDuration returns the observer for a named dream-cycle phase.
func (m *Metrics) DreamPhaseDuration(phase string) prometheus.Observer {
	if m == nil {
		return nil
	}
	return m.DreamPhaseDurationVec.WithLabelValues(phase)
}

// OrchestratorPhase returns the observer for a named orchestrator phase.
func (m *Metrics) OrchestratorPhase(phase string) prometheus.Observer {
	if m == nil {
		return nil
	}
	return m.OrchestratorPhaseDuration.WithLabelValues(phase)
}
