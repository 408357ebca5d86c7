package orchestrator

import "context"

// ToolCallRequest is one tool invocation the kartru sub-agent wants to make
// mid-execution. The orchestrator intercepts every one of these, runs it
// through the Policy Engine, Guardian Pipeline, and Metacognition Engine,
// then feeds the outcome back to the sub-agent via the callback's return
// value.
type ToolCallRequest struct {
	ToolName string
	Args     map[string]any
}

// ToolCallOutcome is fed back to the kartru sub-agent after the orchestrator
// has policy-checked and executed (or denied) one tool call.
type ToolCallOutcome struct {
	Output     string
	Err        string
	DurationMs int64
}

// PlanOutput is the planner sub-agent's parsed result.
type PlanOutput struct {
	Steps            []string
	Complexity       string // "small" | "medium" | "large"
	RequiresNewFiles bool
	RelevantFiles    []string
}

// ExecutorOutput is the kartru sub-agent's parsed result.
type ExecutorOutput struct {
	Summary      string
	FilesChanged []string
	TurnsUsed    int
}

// ReviewFinding is one issue raised by the parikshaka sub-agent.
type ReviewFinding struct {
	Severity   string
	Category   string
	File       string
	Line       int
	Message    string
	Suggestion string
}

// SubAgentRunner drives the three sub-agent profiles the orchestrator
// spawns. Concrete implementations wrap whatever LLM-backed agent runtime
// the deployment uses; the orchestrator only depends on this interface, so
// it can be exercised with a fake in tests.
type SubAgentRunner interface {
	// RunPlanner spawns a "planner" sub-agent over task and parses its
	// structured plan.
	RunPlanner(ctx context.Context, agentID, task string, budget int64) (*PlanOutput, error)

	// RunExecutor spawns a "kartru" sub-agent over task. Every tool_call the
	// sub-agent emits is routed through onToolCall before the sub-agent sees
	// a result, so the orchestrator can enforce policy and observe outcomes.
	RunExecutor(ctx context.Context, agentID, task string, budget int64, onToolCall func(ToolCallRequest) ToolCallOutcome) (*ExecutorOutput, error)

	// RunReviewer spawns a "parikshaka" sub-agent restricted to read-only
	// tools and returns its findings.
	RunReviewer(ctx context.Context, agentID, task, changeSummary string, budget int64) ([]ReviewFinding, error)
}

// ToolExecutor performs the side-effecting half of a policy-allowed tool
// call: actually running a shell command, writing a file, invoking an LLM,
// etc. The orchestrator never calls this directly without first consulting
// the Policy Engine.
type ToolExecutor interface {
	Execute(ctx context.Context, toolName string, args map[string]any) (output string, err error)
}

// VCS is the minimal git surface the branch and commit phases need.
type VCS interface {
	IsRepo(ctx context.Context) bool
	CurrentBranch(ctx context.Context) (string, error)
	CreateBranch(ctx context.Context, name string) error
	Commit(ctx context.Context, message string) (sha string, err error)
}
