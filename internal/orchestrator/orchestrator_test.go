package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/canopyrt/canopy/internal/guardian"
	"github.com/canopyrt/canopy/internal/lifecycle"
	"github.com/canopyrt/canopy/internal/metacognition"
	"github.com/canopyrt/canopy/internal/policy"
	"github.com/canopyrt/canopy/pkg/models"
)

type fakeRunner struct {
	planErr  error
	execErr  error
	reviewErr error
	toolCalls []ToolCallRequest
}

func (f *fakeRunner) RunPlanner(ctx context.Context, agentID, task string, budget int64) (*PlanOutput, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	return &PlanOutput{Steps: []string{"inspect", "implement", "test"}, Complexity: "small"}, nil
}

func (f *fakeRunner) RunExecutor(ctx context.Context, agentID, task string, budget int64, onToolCall func(ToolCallRequest) ToolCallOutcome) (*ExecutorOutput, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	out := onToolCall(ToolCallRequest{ToolName: "bash", Args: map[string]any{"command": "echo hi"}})
	f.toolCalls = append(f.toolCalls, ToolCallRequest{ToolName: "bash"})
	if out.Err != "" {
		return nil, &execFailure{out.Err}
	}
	return &ExecutorOutput{Summary: "did the thing", FilesChanged: []string{"main.go"}, TurnsUsed: 1}, nil
}

func (f *fakeRunner) RunReviewer(ctx context.Context, agentID, task, changeSummary string, budget int64) ([]ReviewFinding, error) {
	if f.reviewErr != nil {
		return nil, f.reviewErr
	}
	return []ReviewFinding{{Severity: "info", Category: "style", Message: "looks fine"}}, nil
}

type execFailure struct{ msg string }

func (e *execFailure) Error() string { return e.msg }

type fakeExecutor struct {
	output string
	err    error
}

func (f *fakeExecutor) Execute(ctx context.Context, toolName string, args map[string]any) (string, error) {
	return f.output, f.err
}

func newTestOrchestrator(t *testing.T, runner SubAgentRunner) (*Orchestrator, *lifecycle.Manager) {
	t.Helper()
	mgr := lifecycle.New(lifecycle.Config{}, nil)
	// A synthetic "supervisor" above root lets tests simulate root itself
	// being killed (KillAgent requires the killer to be an ancestor of the
	// target, and a node is never its own ancestor).
	if err := mgr.RegisterAgent(&models.HeartbeatRecord{AgentID: "supervisor", Depth: 0, TokenBudget: 100000}); err != nil {
		t.Fatalf("register supervisor: %v", err)
	}
	if err := mgr.RegisterAgent(&models.HeartbeatRecord{AgentID: "root", ParentID: "supervisor", Depth: 1, TokenBudget: 10000}); err != nil {
		t.Fatalf("register root: %v", err)
	}
	pol := policy.New(nil)
	guardians := guardian.New(guardian.Config{}, nil)
	metacog := metacognition.New(metacognition.Config{}, nil)
	exec := &fakeExecutor{output: "ok"}

	cfg := Config{Mode: ModeFull, Clock: func() time.Time { return time.Unix(0, 0) }}
	orch := New(cfg, "session-1", mgr, pol, guardians, metacog, runner, exec, nil, nil)
	return orch, mgr
}

func TestRun_FullModeSucceedsAndRegistersAllSubAgents(t *testing.T) {
	runner := &fakeRunner{}
	orch, mgr := newTestOrchestrator(t, runner)

	result := orch.Run(context.Background(), "root", "add a feature")
	if result.State != StateDoneSuccess {
		t.Fatalf("expected success, got %s (errors=%v)", result.State, result.Errors)
	}
	if result.Plan == nil || result.Execution == nil || result.Review == nil {
		t.Fatalf("expected plan, execution, and review to be populated: %+v", result)
	}
	if len(runner.toolCalls) != 1 {
		t.Fatalf("expected exactly one tool call routed through the orchestrator, got %d", len(runner.toolCalls))
	}

	var completed int
	for _, rec := range mgr.Snapshot() {
		if rec.AgentID == "root" {
			continue
		}
		if rec.Status == "completed" {
			completed++
		}
	}
	if completed != 3 {
		t.Fatalf("expected 3 completed sub-agents (planner, kartru, parikshaka), got %d", completed)
	}
}

func TestRun_PlanFailureFallsBackToExecuteMode(t *testing.T) {
	runner := &fakeRunner{planErr: &execFailure{"could not parse plan"}}
	orch, _ := newTestOrchestrator(t, runner)
	orch.cfg.TolerateFailures[PhasePlan] = true

	result := orch.Run(context.Background(), "root", "raw task")
	if result.State != StateDoneSuccess {
		t.Fatalf("expected fallback to execute mode to still succeed, got %s (%v)", result.State, result.Errors)
	}
	if result.Plan != nil {
		t.Fatalf("expected no plan after fallback, got %+v", result.Plan)
	}
}

func TestRun_UntoleratedExecuteFailureKillsSubAgentTreeAndReturnsFailed(t *testing.T) {
	runner := &fakeRunner{execErr: &execFailure{"executor crashed"}}
	orch, mgr := newTestOrchestrator(t, runner)

	result := orch.Run(context.Background(), "root", "add a feature")
	if result.State != StateDoneFailed {
		t.Fatalf("expected failed state, got %s", result.State)
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected at least one recorded error")
	}

	for _, rec := range mgr.Snapshot() {
		if rec.Purpose == ProfileKartru && rec.Status != "killed" {
			t.Fatalf("expected kartru sub-agent to be killed after unrecoverable failure, got %s", rec.Status)
		}
	}
}

func TestRun_AbortsImmediatelyIfRootAlreadyKilled(t *testing.T) {
	runner := &fakeRunner{}
	orch, mgr := newTestOrchestrator(t, runner)
	if _, err := mgr.KillAgent("supervisor", "root"); err != nil {
		t.Fatalf("kill root: %v", err)
	}

	result := orch.Run(context.Background(), "root", "add a feature")
	if result.State != StateAborted {
		t.Fatalf("expected aborted state, got %s", result.State)
	}
}

func TestRun_PlanOnlyModeStopsAfterPlanning(t *testing.T) {
	runner := &fakeRunner{}
	orch, _ := newTestOrchestrator(t, runner)
	orch.cfg.Mode = ModePlanOnly

	result := orch.Run(context.Background(), "root", "add a feature")
	if result.State != StateDoneSuccess {
		t.Fatalf("expected success, got %s", result.State)
	}
	if result.Execution != nil {
		t.Fatalf("expected no execution in plan-only mode, got %+v", result.Execution)
	}
}
