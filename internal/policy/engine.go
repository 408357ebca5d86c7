package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/canopyrt/canopy/internal/audit"
	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// verdictRank orders verdict statuses by severity for final-decision
// resolution: deny always wins, then warn, then modify, then allow.
var verdictRank = map[models.VerdictStatus]int{
	models.VerdictDeny:   3,
	models.VerdictWarn:   2,
	models.VerdictModify: 1,
	models.VerdictAllow:  0,
}

// Set is a named, priority-ordered collection of rules.
type Set struct {
	Name  string
	rules []Rule
}

// NewSet creates an empty policy set.
func NewSet(name string) *Set {
	return &Set{Name: name}
}

// Add inserts a rule and keeps rules sorted ascending by priority, ties
// broken by registration order.
func (s *Set) Add(r Rule) *Set {
	s.rules = append(s.rules, r)
	sort.SliceStable(s.rules, func(i, j int) bool {
		return s.rules[i].Priority() < s.rules[j].Priority()
	})
	return s
}

// Engine is the Policy Engine (P): it evaluates PolicyActions against one or
// more policy sets and, in enforce mode, produces a single final decision
// plus an audit trail entry.
type Engine struct {
	mu      sync.RWMutex
	sets    []*Set
	strict  bool
	auditor *audit.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithStrict enables strict enforce mode: the first deny encountered in
// priority order short-circuits remaining rules.
func WithStrict(strict bool) Option {
	return func(e *Engine) { e.strict = strict }
}

// WithAuditor attaches an audit.Logger that receives one EventPermission*
// event per Enforce call.
func WithAuditor(a *audit.Logger) Option {
	return func(e *Engine) { e.auditor = a }
}

// WithMetrics attaches a Metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// New creates an Engine over the given policy sets, evaluated in the order
// given (all sets' rules are evaluated; priority ordering is per-set).
func New(sets []*Set, opts ...Option) *Engine {
	e := &Engine{sets: sets, clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs every rule in every set against action with no short-circuit
// and returns every non-nil verdict, in set then priority order. Use this to
// preview what enforcement would do without committing to a decision.
func (e *Engine) Evaluate(action models.PolicyAction) []models.PolicyVerdict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var verdicts []models.PolicyVerdict
	for _, set := range e.sets {
		for _, r := range set.rules {
			if v := r.Evaluate(action); v != nil {
				verdicts = append(verdicts, *v)
			}
		}
	}
	return verdicts
}

// Enforce runs every set's rules in priority order, chaining modify verdicts
// into the action as they're encountered, and returns the single highest-
// severity verdict as the final decision. In strict mode, the first deny
// stops rule evaluation immediately. One audit entry is written per call.
func (e *Engine) Enforce(ctx context.Context, action models.PolicyAction) models.EnforceResult {
	e.mu.RLock()
	strict := e.strict
	sets := e.sets
	e.mu.RUnlock()

	current := action
	var verdicts []models.PolicyVerdict
	var modified *models.PolicyAction
	final := models.VerdictAllow

	for _, set := range sets {
		stop := false
		for _, r := range set.rules {
			v := r.Evaluate(current)
			if v == nil {
				continue
			}
			verdicts = append(verdicts, *v)
			if verdictRank[v.Status] > verdictRank[final] {
				final = v.Status
			}
			if v.Status == models.VerdictModify && v.ModifiedAction != nil {
				current = *v.ModifiedAction
				modified = v.ModifiedAction
			}
			if strict && v.Status == models.VerdictDeny {
				stop = true
				break
			}
		}
		if stop {
			break
		}
	}

	result := models.EnforceResult{
		Allowed:       final != models.VerdictDeny,
		Verdicts:      verdicts,
		ModifiedAction: modified,
		FinalDecision: final,
	}

	e.writeAudit(ctx, action, result)
	if e.metrics != nil {
		e.metrics.RecordPolicyVerdict(string(final))
	}
	return result
}

func (e *Engine) writeAudit(ctx context.Context, action models.PolicyAction, result models.EnforceResult) {
	if e.auditor == nil {
		return
	}
	eventType := audit.EventPermissionGranted
	level := audit.LevelInfo
	if result.FinalDecision == models.VerdictDeny {
		eventType = audit.EventPermissionDenied
		level = audit.LevelWarn
	} else if result.FinalDecision == models.VerdictWarn {
		level = audit.LevelWarn
	}

	var matchedRules []string
	for _, v := range result.Verdicts {
		matchedRules = append(matchedRules, v.RuleID)
	}

	e.auditor.Log(ctx, &audit.Event{
		Type:      eventType,
		Level:     level,
		Timestamp: e.clock(),
		SessionID: action.SessionID,
		AgentID:   action.AgentID,
		Action:    string(action.Type),
		Details: map[string]any{
			"final_decision": string(result.FinalDecision),
			"matched_rules":  matchedRules,
			"allowed":        result.Allowed,
		},
	})
}
