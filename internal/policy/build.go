package policy

import (
	"github.com/canopyrt/canopy/internal/audit"
	"github.com/canopyrt/canopy/internal/config"
	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// SessionCounters supplies the live per-session counts SessionCountRule and
// CostBudgetRule need. The Session Store is the intended implementation.
type SessionCounters interface {
	FileActionCount(sessionID string) int
	CommandCount(sessionID string) int
	CostSpent(sessionID string) float64
}

// BuildFromConfig constructs the default policy set described by a
// config.PolicyConfig: path allow/deny lists, denied command fragments,
// per-session file/command caps, and a cost budget guard.
func BuildFromConfig(cfg config.PolicyConfig, counters SessionCounters) *Set {
	set := NewSet("default")

	if len(cfg.AllowedPaths) > 0 {
		set.Add(AllowedPathsRule("allowed-paths", 10, cfg.AllowedPaths))
	}
	if len(cfg.DeniedPaths) > 0 {
		set.Add(DeniedPathsRule("denied-paths", 20, cfg.DeniedPaths))
	}
	if len(cfg.DeniedCommands) > 0 {
		set.Add(DeniedCommandsRule("denied-commands", 30, cfg.DeniedCommands))
	}
	if cfg.MaxFilesPerSession > 0 && counters != nil {
		set.Add(NewRule("max-files", 40,
			func(a models.PolicyAction) bool { return a.Type == models.ActionFileWrite },
			func(a models.PolicyAction) models.PolicyVerdict {
				n := counters.FileActionCount(a.SessionID)
				if n >= cfg.MaxFilesPerSession {
					return models.PolicyVerdict{Status: models.VerdictDeny, Reason: "session file-write limit reached"}
				}
				return models.PolicyVerdict{Status: models.VerdictAllow}
			}))
	}
	if cfg.MaxCommandsPerSession > 0 && counters != nil {
		set.Add(SessionCountRule("max-commands", 50, models.ActionShellExec, cfg.MaxCommandsPerSession,
			counters.CommandCount))
	}
	if cfg.CostBudget > 0 && counters != nil {
		set.Add(CostBudgetRule("cost-budget", 60, cfg.CostBudget, counters.CostSpent))
	}

	return set
}

// NewEngine builds an Engine wired from runtime config: the default rule set
// plus an async-buffered audit.Logger writing to cfg.AuditLogPath.
func NewEngine(cfg config.PolicyConfig, counters SessionCounters, metrics *observability.Metrics) (*Engine, error) {
	set := BuildFromConfig(cfg, counters)

	auditCfg := audit.DefaultConfig()
	auditCfg.Enabled = true
	if cfg.AuditLogPath != "" {
		auditCfg.Output = "file:" + cfg.AuditLogPath
	}
	auditCfg.EventTypes = []audit.EventType{
		audit.EventPermissionGranted,
		audit.EventPermissionDenied,
		audit.EventPermissionRequest,
	}
	logger, err := audit.NewLogger(auditCfg)
	if err != nil {
		return nil, err
	}

	return New([]*Set{set}, WithStrict(cfg.Strict), WithAuditor(logger), WithMetrics(metrics)), nil
}
