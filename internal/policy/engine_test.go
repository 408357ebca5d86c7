package policy

import (
	"context"
	"testing"

	"github.com/canopyrt/canopy/pkg/models"
)

func TestEvaluate_RunsAllRulesNoShortCircuit(t *testing.T) {
	calls := 0
	track := func(status models.VerdictStatus) Rule {
		return NewRule("r", 1, func(models.PolicyAction) bool {
			calls++
			return true
		}, func(models.PolicyAction) models.PolicyVerdict {
			return models.PolicyVerdict{Status: status}
		})
	}
	set := NewSet("test").
		Add(track(models.VerdictDeny)).
		Add(track(models.VerdictAllow)).
		Add(track(models.VerdictWarn))

	e := New([]*Set{set})
	verdicts := e.Evaluate(models.PolicyAction{Type: models.ActionFileRead, FilePath: "/tmp/x"})

	if calls != 3 {
		t.Fatalf("expected all 3 rules to run under evaluate, got %d calls", calls)
	}
	if len(verdicts) != 3 {
		t.Fatalf("expected 3 verdicts, got %d", len(verdicts))
	}
}

func TestEnforce_StrictShortCircuitsOnFirstDeny(t *testing.T) {
	calls := 0
	mkRule := func(id string, priority int, status models.VerdictStatus) Rule {
		return NewRule(id, priority, func(models.PolicyAction) bool {
			calls++
			return true
		}, func(models.PolicyAction) models.PolicyVerdict {
			return models.PolicyVerdict{Status: status}
		})
	}
	set := NewSet("test").
		Add(mkRule("a", 1, models.VerdictDeny)).
		Add(mkRule("b", 2, models.VerdictAllow))

	e := New([]*Set{set}, WithStrict(true))
	result := e.Enforce(context.Background(), models.PolicyAction{Type: models.ActionShellExec, Command: "rm -rf /"})

	if calls != 1 {
		t.Fatalf("expected strict enforce to stop after first deny, got %d rule evaluations", calls)
	}
	if result.Allowed {
		t.Fatalf("expected denied result")
	}
	if result.FinalDecision != models.VerdictDeny {
		t.Fatalf("expected final decision deny, got %v", result.FinalDecision)
	}
}

func TestEnforce_NonStrictDenyWinsOverWarn(t *testing.T) {
	warnRule := NewRule("warn-rule", 1, func(models.PolicyAction) bool { return true },
		func(models.PolicyAction) models.PolicyVerdict {
			return models.PolicyVerdict{Status: models.VerdictWarn, Reason: "looks risky"}
		})
	denyRule := NewRule("deny-rule", 2, func(models.PolicyAction) bool { return true },
		func(models.PolicyAction) models.PolicyVerdict {
			return models.PolicyVerdict{Status: models.VerdictDeny, Reason: "blocked"}
		})

	set := NewSet("test").Add(warnRule).Add(denyRule)
	e := New([]*Set{set}, WithStrict(false))

	result := e.Enforce(context.Background(), models.PolicyAction{Type: models.ActionToolCall, Tool: "exec"})

	if len(result.Verdicts) != 2 {
		t.Fatalf("expected both rules to run in non-strict mode, got %d verdicts", len(result.Verdicts))
	}
	if result.FinalDecision != models.VerdictDeny {
		t.Fatalf("expected deny to outrank warn, got %v", result.FinalDecision)
	}
	if result.Allowed {
		t.Fatalf("expected denied result")
	}
}

func TestEnforce_ModifyChainsIntoSubsequentRules(t *testing.T) {
	redactRule := RedactSecretsRule("redact", 1, []string{"sk-secret-123"})
	var sawRedacted bool
	checkRule := NewRule("check", 2, func(models.PolicyAction) bool { return true },
		func(a models.PolicyAction) models.PolicyVerdict {
			sawRedacted = a.Content == "token=[REDACTED]"
			return models.PolicyVerdict{Status: models.VerdictAllow}
		})

	set := NewSet("test").Add(redactRule).Add(checkRule)
	e := New([]*Set{set})

	result := e.Enforce(context.Background(), models.PolicyAction{
		Type:    models.ActionFileWrite,
		Content: "token=sk-secret-123",
	})

	if !sawRedacted {
		t.Fatalf("expected downstream rule to observe redacted content")
	}
	if result.ModifiedAction == nil || result.ModifiedAction.Content != "token=[REDACTED]" {
		t.Fatalf("expected final modified action to carry redacted content, got %+v", result.ModifiedAction)
	}
	if result.FinalDecision != models.VerdictModify {
		t.Fatalf("expected final decision modify, got %v", result.FinalDecision)
	}
}

func TestDeniedPathsRule_BlocksMatchingGlob(t *testing.T) {
	rule := DeniedPathsRule("deny-secrets", 1, []string{"/etc/**", "*.pem"})
	set := NewSet("fs").Add(rule)
	e := New([]*Set{set})

	verdicts := e.Evaluate(models.PolicyAction{Type: models.ActionFileRead, FilePath: "id_rsa.pem"})
	if len(verdicts) != 1 || verdicts[0].Status != models.VerdictDeny {
		t.Fatalf("expected a deny verdict for .pem path, got %+v", verdicts)
	}

	verdicts = e.Evaluate(models.PolicyAction{Type: models.ActionFileRead, FilePath: "README.md"})
	if len(verdicts) != 0 {
		t.Fatalf("expected no verdicts for unrelated path, got %+v", verdicts)
	}
}

func TestSessionCountRule_DeniesOverLimit(t *testing.T) {
	count := 0
	rule := SessionCountRule("max-commands", 1, models.ActionShellExec, 2, func(string) int { return count })
	set := NewSet("limits").Add(rule)
	e := New([]*Set{set})

	action := models.PolicyAction{Type: models.ActionShellExec, Command: "ls"}

	count = 1
	if v := e.Evaluate(action); v[0].Status != models.VerdictAllow {
		t.Fatalf("expected allow under limit, got %v", v[0].Status)
	}
	count = 2
	if v := e.Evaluate(action); v[0].Status != models.VerdictDeny {
		t.Fatalf("expected deny at limit, got %v", v[0].Status)
	}
}
