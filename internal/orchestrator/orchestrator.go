// Package orchestrator implements the Orchestrator (O): the
// plan->branch->execute->validate->review->commit state machine that drives
// a task through the planner, kartru, and parikshaka sub-agent profiles.
//
// The sub-agent registry/event-stream shape (register with the Lifecycle
// Manager, stream sub-agent tool calls through a callback, kill the
// remaining tree on an unrecoverable phase failure) is grounded on
// internal/multiagent/orchestrator.go's Process/processWithAgent/
// handleHandoff pattern: a channel-driven per-agent runtime with an
// injected provider, plus a policy resolver consulted before each tool
// call. Canopy generalizes that into a fixed six-phase pipeline instead of
// open-ended peer handoffs, per spec.md §4.7.
package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/canopyrt/canopy/internal/guardian"
	"github.com/canopyrt/canopy/internal/lifecycle"
	"github.com/canopyrt/canopy/internal/metacognition"
	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/internal/policy"
	"github.com/canopyrt/canopy/pkg/models"
)

// Config configures an Orchestrator run.
type Config struct {
	Mode             Mode
	CreateBranch     bool
	BranchPrefix     string
	AutoCommit       bool
	TestCommand      string
	TolerateFailures map[Phase]bool
	Clock            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeFull
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = "canopy/"
	}
	if c.TolerateFailures == nil {
		c.TolerateFailures = map[Phase]bool{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Orchestrator is the Orchestrator (O).
type Orchestrator struct {
	cfg Config

	lifecycle  *lifecycle.Manager
	policy     *policy.Engine
	guardians  *guardian.Pipeline
	metacog    *metacognition.Engine
	runner     SubAgentRunner
	executor   ToolExecutor
	vcs        VCS
	metrics    *observability.Metrics

	sessionID string
	seq       int64
	turn      int64
}

// New creates an Orchestrator. Any dependency may be nil except runner and
// executor; a nil vcs disables the branch/commit phases regardless of
// config.
func New(cfg Config, sessionID string, mgr *lifecycle.Manager, pol *policy.Engine, guardians *guardian.Pipeline, metacog *metacognition.Engine, runner SubAgentRunner, executor ToolExecutor, vcs VCS, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		lifecycle: mgr,
		policy:    pol,
		guardians: guardians,
		metacog:   metacog,
		runner:    runner,
		executor:  executor,
		vcs:       vcs,
		metrics:   metrics,
		sessionID: sessionID,
	}
}

func (o *Orchestrator) now() time.Time { return o.cfg.Clock() }

func (o *Orchestrator) nextID(profile, parentID string) string {
	n := atomic.AddInt64(&o.seq, 1)
	return fmt.Sprintf("%s-%s-%d", profile, parentID, n)
}

func (o *Orchestrator) tolerates(phase Phase) bool { return o.cfg.TolerateFailures[phase] }

func (o *Orchestrator) phaseDuration(phase Phase) func() {
	if o.metrics == nil {
		return func() {}
	}
	start := o.now()
	return func() {
		obs := o.metrics.OrchestratorPhase(string(phase))
		if obs != nil {
			obs.Observe(o.now().Sub(start).Seconds())
		}
	}
}

// Run drives task through the phase sequence implied by cfg.Mode, rooted at
// parentAgentID (an already-registered agent in the Lifecycle Manager).
func (o *Orchestrator) Run(ctx context.Context, parentAgentID, task string) *Result {
	result := &Result{Task: task, Mode: o.cfg.Mode}

	if o.lifecycle != nil {
		if rec := o.lifecycle.Get(parentAgentID); rec == nil || rec.Status == models.AgentKilled {
			result.State = StateAborted
			return result
		}
	}

	var spawned []string
	effectiveMode := o.cfg.Mode
	effectiveTask := task

	abort := func(phase Phase, reason string) {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", phase, reason))
		if o.lifecycle != nil {
			for _, id := range spawned {
				_, _ = o.lifecycle.KillAgent(parentAgentID, id)
			}
		}
	}

	if effectiveMode == ModeFull || effectiveMode == ModePlanOnly {
		plan, err := o.runPlan(ctx, parentAgentID, task, &spawned, result)
		if err != nil {
			if o.tolerates(PhasePlan) {
				effectiveMode = ModeExecute
			} else {
				abort(PhasePlan, err.Error())
				result.State = StateDoneFailed
				return result
			}
		} else {
			result.Plan = plan
		}
	}

	if effectiveMode == ModePlanOnly {
		result.State = StateDoneSuccess
		return result
	}

	if o.cfg.CreateBranch && o.vcs != nil && o.vcs.IsRepo(ctx) {
		if err := o.runBranch(ctx, task, result); err != nil {
			if !o.tolerates(PhaseBranch) {
				abort(PhaseBranch, err.Error())
				result.State = StateDonePartial
				return result
			}
			o.recordPhaseError(result, PhaseBranch, err, true)
		}
	}

	execOut, err := o.runExecute(ctx, parentAgentID, effectiveTask, &spawned, result)
	if err != nil {
		if !o.tolerates(PhaseExecute) {
			abort(PhaseExecute, err.Error())
			result.State = StateDoneFailed
			return result
		}
	} else {
		result.Execution = execOut
	}

	if o.cfg.Mode == ModeFull {
		if o.cfg.TestCommand != "" {
			if err := o.runValidate(ctx, parentAgentID, result); err != nil {
				if !o.tolerates(PhaseValidate) {
					abort(PhaseValidate, err.Error())
					result.State = StateDonePartial
					return result
				}
			}
		}

		findings, err := o.runReview(ctx, parentAgentID, task, result, &spawned)
		if err != nil {
			if !o.tolerates(PhaseReview) {
				abort(PhaseReview, err.Error())
				result.State = StateDonePartial
				return result
			}
		} else {
			result.Review = findings
		}

		if o.cfg.AutoCommit && o.vcs != nil {
			if err := o.runCommit(ctx, task, result); err != nil {
				if !o.tolerates(PhaseCommit) {
					abort(PhaseCommit, err.Error())
					result.State = StateDonePartial
					return result
				}
			}
		}
	}

	if len(result.Errors) > 0 {
		result.State = StateDonePartial
	} else {
		result.State = StateDoneSuccess
	}
	return result
}

func (o *Orchestrator) recordPhaseError(result *Result, phase Phase, err error, tolerated bool) {
	result.Phases = append(result.Phases, PhaseOutcome{Phase: phase, Started: o.now(), Err: err.Error(), Tolerated: tolerated})
	result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", phase, err.Error()))
}

func (o *Orchestrator) spawn(parentID, profile string) (string, error) {
	if o.lifecycle == nil {
		return o.nextID(profile, parentID), nil
	}
	check := o.lifecycle.CanSpawn(parentID)
	if !check.Allowed {
		return "", fmt.Errorf("cannot spawn %s: %s", profile, check.Reason)
	}
	budget, err := o.lifecycle.ComputeChildBudget(parentID)
	if err != nil {
		return "", err
	}
	parent := o.lifecycle.Get(parentID)
	depth := 1
	if parent != nil {
		depth = parent.Depth + 1
	}
	id := o.nextID(profile, parentID)
	hb := &models.HeartbeatRecord{
		AgentID:     id,
		ParentID:    parentID,
		Depth:       depth,
		Purpose:     profile,
		TokenBudget: budget,
	}
	if err := o.lifecycle.RegisterAgent(hb); err != nil {
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) finishSubAgent(id string, err error) {
	if o.lifecycle == nil {
		return
	}
	if err != nil {
		_ = o.lifecycle.MarkError(id)
	} else {
		_ = o.lifecycle.MarkCompleted(id)
	}
}

func (o *Orchestrator) budgetFor(parentID string) int64 {
	if o.lifecycle == nil {
		return 0
	}
	b, _ := o.lifecycle.ComputeChildBudget(parentID)
	return b
}

func (o *Orchestrator) runPlan(ctx context.Context, parentID, task string, spawned *[]string, result *Result) (*PlanOutput, error) {
	done := o.phaseDuration(PhasePlan)
	defer done()
	start := o.now()

	id, err := o.spawn(parentID, ProfilePlanner)
	if err != nil {
		result.Phases = append(result.Phases, PhaseOutcome{Phase: PhasePlan, Started: start, Duration: o.now().Sub(start), Err: err.Error()})
		return nil, err
	}
	*spawned = append(*spawned, id)

	plan, err := o.runner.RunPlanner(ctx, id, task, o.budgetFor(parentID))
	o.finishSubAgent(id, err)
	result.Phases = append(result.Phases, PhaseOutcome{Phase: PhasePlan, Started: start, Duration: o.now().Sub(start), Err: errString(err)})
	return plan, err
}

func (o *Orchestrator) runBranch(ctx context.Context, task string, result *Result) error {
	done := o.phaseDuration(PhaseBranch)
	defer done()
	start := o.now()

	orig, err := o.vcs.CurrentBranch(ctx)
	if err != nil {
		result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseBranch, Started: start, Duration: o.now().Sub(start), Err: err.Error()})
		return err
	}
	name := branchName(o.cfg.BranchPrefix, task)
	if err := o.vcs.CreateBranch(ctx, name); err != nil {
		result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseBranch, Started: start, Duration: o.now().Sub(start), Err: err.Error()})
		return err
	}
	result.OriginalBranch = orig
	result.BranchCreated = name
	result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseBranch, Started: start, Duration: o.now().Sub(start)})
	return nil
}

func (o *Orchestrator) runExecute(ctx context.Context, parentID, task string, spawned *[]string, result *Result) (*ExecutorOutput, error) {
	done := o.phaseDuration(PhaseExecute)
	defer done()
	start := o.now()

	id, err := o.spawn(parentID, ProfileKartru)
	if err != nil {
		result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseExecute, Started: start, Duration: o.now().Sub(start), Err: err.Error()})
		return nil, err
	}
	*spawned = append(*spawned, id)

	onToolCall := func(req ToolCallRequest) ToolCallOutcome {
		return o.handleToolCall(ctx, id, req)
	}
	out, err := o.runner.RunExecutor(ctx, id, task, o.budgetFor(parentID), onToolCall)
	o.finishSubAgent(id, err)
	result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseExecute, Started: start, Duration: o.now().Sub(start), Err: errString(err)})
	return out, err
}

func (o *Orchestrator) runValidate(ctx context.Context, agentID string, result *Result) error {
	done := o.phaseDuration(PhaseValidate)
	defer done()
	start := o.now()

	outcome := o.handleToolCall(ctx, agentID, ToolCallRequest{
		ToolName: "bash",
		Args:     map[string]any{"command": o.cfg.TestCommand},
	})
	result.ValidationLog = outcome.Output
	result.ValidationOK = outcome.Err == ""

	var err error
	if outcome.Err != "" {
		err = fmt.Errorf("%s", outcome.Err)
	}
	result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseValidate, Started: start, Duration: o.now().Sub(start), Err: outcome.Err})
	return err
}

func (o *Orchestrator) runReview(ctx context.Context, parentID, task string, result *Result, spawned *[]string) ([]ReviewFinding, error) {
	done := o.phaseDuration(PhaseReview)
	defer done()
	start := o.now()

	id, err := o.spawn(parentID, ProfileParikshaka)
	if err != nil {
		result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseReview, Started: start, Duration: o.now().Sub(start), Err: err.Error()})
		return nil, err
	}
	*spawned = append(*spawned, id)

	summary := ""
	if result.Execution != nil {
		summary = result.Execution.Summary
	}
	findings, err := o.runner.RunReviewer(ctx, id, task, summary, o.budgetFor(parentID))
	o.finishSubAgent(id, err)
	result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseReview, Started: start, Duration: o.now().Sub(start), Err: errString(err)})
	return findings, err
}

func (o *Orchestrator) runCommit(ctx context.Context, task string, result *Result) error {
	done := o.phaseDuration(PhaseCommit)
	defer done()
	start := o.now()

	message := task + "\n\n" + reviewSummary(result.Review)
	sha, err := o.vcs.Commit(ctx, message)
	result.Phases = append(result.Phases, PhaseOutcome{Phase: PhaseCommit, Started: start, Duration: o.now().Sub(start), Err: errString(err)})
	if err != nil {
		return err
	}
	result.CommitSHA = sha
	return nil
}

// handleToolCall is the single policy-gated path for every side-effecting
// action the orchestrator performs, whether it originates from the kartru
// sub-agent's tool calls or the validate phase's test command: Policy
// Engine first, then the real side effect, then Guardian Pipeline and
// Metacognition Engine observe the outcome.
func (o *Orchestrator) handleToolCall(ctx context.Context, agentID string, req ToolCallRequest) ToolCallOutcome {
	o.turn++
	action := models.PolicyAction{
		Type:      actionTypeFor(req.ToolName),
		Tool:      req.ToolName,
		Args:      req.Args,
		AgentID:   agentID,
		SessionID: o.sessionID,
	}
	if cmd, ok := req.Args["command"].(string); ok {
		action.Command = cmd
	}
	if path, ok := req.Args["path"].(string); ok {
		action.FilePath = path
	}

	if o.policy != nil {
		decision := o.policy.Enforce(ctx, action)
		if !decision.Allowed {
			return ToolCallOutcome{Err: "denied: " + denialReason(decision)}
		}
	}

	start := o.now()
	output, err := o.executor.Execute(ctx, req.ToolName, req.Args)
	duration := o.now().Sub(start)

	errStr := errString(err)
	if o.guardians != nil {
		o.guardians.Scan(guardian.ToolObservation{
			ToolName:   req.ToolName,
			Args:       req.Args,
			Output:     output,
			Err:        errStr,
			DurationMs: duration.Milliseconds(),
			TurnNumber: int(o.turn),
		})
	}
	if o.metacog != nil {
		o.metacog.RecordResult(metacognition.Result{
			ToolName:  req.ToolName,
			Success:   err == nil,
			LatencyMs: float64(duration.Milliseconds()),
		})
	}

	return ToolCallOutcome{Output: output, Err: errStr, DurationMs: duration.Milliseconds()}
}

func actionTypeFor(toolName string) models.PolicyActionType {
	switch toolName {
	case "bash", "exec", "shell":
		return models.ActionShellExec
	case "write", "edit":
		return models.ActionFileWrite
	case "read":
		return models.ActionFileRead
	default:
		return models.ActionToolCall
	}
}

func denialReason(res models.EnforceResult) string {
	for _, v := range res.Verdicts {
		if v.Status == models.VerdictDeny {
			return v.Reason
		}
	}
	return string(res.FinalDecision)
}

func reviewSummary(findings []ReviewFinding) string {
	if len(findings) == 0 {
		return "No review findings."
	}
	var critical, warning int
	for _, f := range findings {
		switch f.Severity {
		case "critical":
			critical++
		default:
			warning++
		}
	}
	return fmt.Sprintf("%d review finding(s): %d critical, %d other.", len(findings), critical, warning)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
