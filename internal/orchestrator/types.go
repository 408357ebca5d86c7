package orchestrator

import "time"

// Phase is one stage of the plan->branch->execute->validate->review->commit
// state machine (spec.md §4.7).
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseBranch   Phase = "branch"
	PhaseExecute  Phase = "execute"
	PhaseValidate Phase = "validate"
	PhaseReview   Phase = "review"
	PhaseCommit   Phase = "commit"
)

// Mode selects which phases a Run executes.
type Mode string

const (
	// ModeFull runs every phase: plan, branch, execute, validate, review, commit.
	ModeFull Mode = "full"
	// ModeExecute skips planning and branch creation, running the task directly.
	ModeExecute Mode = "execute"
	// ModePlanOnly runs only the plan phase and returns its output.
	ModePlanOnly Mode = "plan-only"
)

// TerminalState is the final status of an orchestration run.
type TerminalState string

const (
	StateDoneSuccess TerminalState = "done-success"
	StateDonePartial TerminalState = "done-partial"
	StateDoneFailed  TerminalState = "done-failed"
	StateAborted     TerminalState = "aborted" // the Lifecycle Manager killed the root agent
)

// Sub-agent profile names spawned by the orchestrator, per spec.md §4.7.
const (
	ProfilePlanner    = "planner"
	ProfileKartru     = "kartru"     // the maker: executes the task
	ProfileParikshaka = "parikshaka" // the examiner: read-only review
)

// PhaseOutcome records one phase's timing and error, for the result's audit trail.
type PhaseOutcome struct {
	Phase     Phase
	Started   time.Time
	Duration  time.Duration
	Err       string
	Tolerated bool
}

// Result is the outcome of a full orchestration run.
type Result struct {
	Task          string
	Mode          Mode
	State         TerminalState
	Plan          *PlanOutput
	BranchCreated string
	OriginalBranch string
	Execution     *ExecutorOutput
	ValidationOK  bool
	ValidationLog string
	Review        []ReviewFinding
	CommitSHA     string
	Phases        []PhaseOutcome
	Errors        []string
}
