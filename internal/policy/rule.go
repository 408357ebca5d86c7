// Package policy implements the Policy Engine: a registry of rules that
// evaluate a proposed PolicyAction and return allow/deny/warn/modify
// verdicts, plus an append-only audit trail of enforcement decisions.
//
// Rule matching follows the same deny-wins pattern-matching shape as the
// tool-access resolver this package was generalized from: glob-style
// path/command patterns, evaluated in priority order, with deny always
// taking precedence over allow.
package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/canopyrt/canopy/pkg/models"
)

// Rule evaluates one PolicyAction. A rule that does not apply to the given
// action returns nil rather than an allow verdict, so unrelated rules never
// contribute noise to the verdict list.
type Rule interface {
	ID() string
	Priority() int
	Evaluate(action models.PolicyAction) *models.PolicyVerdict
}

// predicateRule is the common shape behind the built-in rule constructors.
type predicateRule struct {
	id       string
	priority int
	matches  func(models.PolicyAction) bool
	verdict  func(models.PolicyAction) models.PolicyVerdict
}

func (r *predicateRule) ID() string       { return r.id }
func (r *predicateRule) Priority() int    { return r.priority }
func (r *predicateRule) Evaluate(a models.PolicyAction) *models.PolicyVerdict {
	if !r.matches(a) {
		return nil
	}
	v := r.verdict(a)
	v.RuleID = r.id
	return &v
}

// NewRule builds a custom rule from a match predicate and verdict producer.
func NewRule(id string, priority int, matches func(models.PolicyAction) bool, verdict func(models.PolicyAction) models.PolicyVerdict) Rule {
	return &predicateRule{id: id, priority: priority, matches: matches, verdict: verdict}
}

// AllowedPathsRule denies file_read/file_write actions whose path does not
// match any of the given glob patterns. An empty pattern list allows
// everything (no allowlist configured).
func AllowedPathsRule(id string, priority int, patterns []string) Rule {
	return &predicateRule{
		id:       id,
		priority: priority,
		matches: func(a models.PolicyAction) bool {
			return len(patterns) > 0 && (a.Type == models.ActionFileRead || a.Type == models.ActionFileWrite)
		},
		verdict: func(a models.PolicyAction) models.PolicyVerdict {
			if matchAnyGlob(patterns, a.FilePath) {
				return models.PolicyVerdict{Status: models.VerdictAllow, Reason: "path matches allowlist"}
			}
			return models.PolicyVerdict{
				Status: models.VerdictDeny,
				Reason: fmt.Sprintf("path %q does not match any allowed pattern", a.FilePath),
			}
		},
	}
}

// DeniedPathsRule denies file_read/file_write actions whose path matches any
// of the given glob patterns.
func DeniedPathsRule(id string, priority int, patterns []string) Rule {
	return &predicateRule{
		id:       id,
		priority: priority,
		matches: func(a models.PolicyAction) bool {
			return (a.Type == models.ActionFileRead || a.Type == models.ActionFileWrite) && matchAnyGlob(patterns, a.FilePath)
		},
		verdict: func(a models.PolicyAction) models.PolicyVerdict {
			return models.PolicyVerdict{
				Status: models.VerdictDeny,
				Reason: fmt.Sprintf("path %q matches denied pattern", a.FilePath),
			}
		},
	}
}

// DeniedCommandsRule denies shell_exec actions whose command contains any of
// the given substrings (case-insensitive).
func DeniedCommandsRule(id string, priority int, fragments []string) Rule {
	return &predicateRule{
		id:       id,
		priority: priority,
		matches: func(a models.PolicyAction) bool {
			if a.Type != models.ActionShellExec {
				return false
			}
			cmd := strings.ToLower(a.Command)
			for _, f := range fragments {
				if f != "" && strings.Contains(cmd, strings.ToLower(f)) {
					return true
				}
			}
			return false
		},
		verdict: func(a models.PolicyAction) models.PolicyVerdict {
			return models.PolicyVerdict{
				Status: models.VerdictDeny,
				Reason: fmt.Sprintf("command %q contains a denied fragment", a.Command),
			}
		},
	}
}

// CostBudgetRule warns on llm_call actions once a session has accumulated
// usdSpent at or beyond budget. The caller supplies current spend via a
// closure so the rule can read live session state each evaluation.
func CostBudgetRule(id string, priority int, budget float64, currentSpend func(sessionID string) float64) Rule {
	return &predicateRule{
		id:       id,
		priority: priority,
		matches: func(a models.PolicyAction) bool {
			return a.Type == models.ActionLLMCall && budget > 0
		},
		verdict: func(a models.PolicyAction) models.PolicyVerdict {
			spent := currentSpend(a.SessionID)
			if spent >= budget {
				return models.PolicyVerdict{
					Status: models.VerdictDeny,
					Reason: fmt.Sprintf("session cost budget exhausted (%.4f >= %.4f)", spent, budget),
				}
			}
			if spent >= 0.8*budget {
				return models.PolicyVerdict{
					Status: models.VerdictWarn,
					Reason: fmt.Sprintf("session cost approaching budget (%.4f of %.4f)", spent, budget),
				}
			}
			return models.PolicyVerdict{Status: models.VerdictAllow, Reason: "within cost budget"}
		},
	}
}

// SessionCountRule denies actions of matchType once a session has performed
// count-so-far >= max occurrences of it, as reported by counted.
func SessionCountRule(id string, priority int, matchType models.PolicyActionType, max int, counted func(sessionID string) int) Rule {
	return &predicateRule{
		id:       id,
		priority: priority,
		matches: func(a models.PolicyAction) bool {
			return max > 0 && a.Type == matchType
		},
		verdict: func(a models.PolicyAction) models.PolicyVerdict {
			n := counted(a.SessionID)
			if n >= max {
				return models.PolicyVerdict{
					Status: models.VerdictDeny,
					Reason: fmt.Sprintf("session limit reached: %d/%d %s actions", n, max, matchType),
				}
			}
			return models.PolicyVerdict{Status: models.VerdictAllow, Reason: "within session limit"}
		},
	}
}

// RedactSecretsRule modifies file_write/shell_exec actions whose content or
// command embeds a recognizable secret-looking token, replacing it with a
// redaction marker rather than denying the action outright.
func RedactSecretsRule(id string, priority int, patterns []string) Rule {
	return &predicateRule{
		id:       id,
		priority: priority,
		matches: func(a models.PolicyAction) bool {
			return a.Type == models.ActionFileWrite && containsAny(a.Content, patterns)
		},
		verdict: func(a models.PolicyAction) models.PolicyVerdict {
			redacted := a
			redacted.Content = redactAny(a.Content, patterns)
			return models.PolicyVerdict{
				Status:         models.VerdictModify,
				Reason:         "content contains a likely secret and was redacted",
				ModifiedAction: &redacted,
			}
		},
	}
}

func matchAnyGlob(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		if strings.HasSuffix(p, "/**") && strings.HasPrefix(path, strings.TrimSuffix(p, "**")) {
			return true
		}
	}
	return false
}

func containsAny(s string, fragments []string) bool {
	for _, f := range fragments {
		if f != "" && strings.Contains(s, f) {
			return true
		}
	}
	return false
}

func redactAny(s string, fragments []string) string {
	out := s
	for _, f := range fragments {
		if f != "" {
			out = strings.ReplaceAll(out, f, "[REDACTED]")
		}
	}
	return out
}
