// Package router implements the Tier Router (R): a LinUCB contextual bandit
// over four cost/capability tiers, blended with a cost preference and a
// PILOT Lagrangian budget penalty, with a deterministic cold-start heuristic
// and a single-step cascade escalation.
//
// The arm bookkeeping and functional-options-free Config/New shape follow
// the teacher's provider router (internal/agent/routing/router.go); the
// LinUCB/Cholesky/BOCPD-adjacent numerics have no teacher precedent and are
// implemented directly against spec.md §4.2 on the standard library (see
// DESIGN.md).
package router

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

const pilotEta = 0.01

// Preference tunes the cost/reward tradeoff for a single classification call.
type Preference struct {
	// CostWeight is w in [0,1]; 0 = pure expected-reward ranking, 1 = pure
	// cheapest-tier ranking.
	CostWeight float64
}

// Config configures a Router. Zero values fall back to the documented
// defaults (config.RouterConfig.default in internal/config).
type Config struct {
	Alpha                 float64
	TierCosts             map[models.Tier]float64
	CascadeThreshold      float64
	DailyBudget           float64
	ExpectedDailyRequests int
	MaxConversationDepth  int
	MaxMemoryHits         int
	Clock                 func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Alpha <= 0 {
		c.Alpha = 0.5
	}
	if c.CascadeThreshold <= 0 {
		c.CascadeThreshold = 0.4
	}
	if len(c.TierCosts) == 0 {
		c.TierCosts = map[models.Tier]float64{
			models.TierNoLLM:  0.0,
			models.TierHaiku:  0.001,
			models.TierSonnet: 0.01,
			models.TierOpus:   0.05,
		}
	}
	if c.MaxConversationDepth <= 0 {
		c.MaxConversationDepth = 50
	}
	if c.MaxMemoryHits <= 0 {
		c.MaxMemoryHits = 20
	}
	if c.ExpectedDailyRequests <= 0 {
		c.ExpectedDailyRequests = 2000
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

func (c Config) budgetPerStep() float64 {
	if c.ExpectedDailyRequests <= 0 {
		return c.DailyBudget
	}
	return c.DailyBudget / float64(c.ExpectedDailyRequests)
}

func (c Config) costMax() float64 {
	max := 0.0
	for _, cost := range c.TierCosts {
		if cost > max {
			max = cost
		}
	}
	if max == 0 {
		max = 1
	}
	return max
}

// armState is the LinUCB + Thompson sampling state for one tier.
type armState struct {
	tier        models.Tier
	plays       int64
	totalReward float64
	totalCost   float64
	alpha       float64 // Thompson posterior alpha
	beta        float64 // Thompson posterior beta
	a           [][]float64
	b           []float64
}

func newArm(tier models.Tier) *armState {
	return &armState{
		tier:  tier,
		alpha: 1,
		beta:  1,
		a:     identity(models.ArmDims),
		b:     make([]float64, models.ArmDims),
	}
}

func (s *armState) theta() []float64 {
	l := cholesky(s.a)
	return choleskySolve(l, s.b)
}

// uncertainty returns sqrt(xᵀ·A⁻¹·x), solving A·z = x via the same Cholesky
// factor used for theta.
func (s *armState) uncertainty(x []float64) float64 {
	l := cholesky(s.a)
	z := choleskySolve(l, x)
	variance := dot(x, z)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Router is the Tier Router (R).
type Router struct {
	mu               sync.RWMutex
	cfg              Config
	arms             map[models.Tier]*armState
	totalPlays       int64
	opusBaselineCost float64
	lambda           float64
	metrics          *observability.Metrics
}

// New creates a Router with one arm per tier in models.Tiers.
func New(cfg Config, metrics *observability.Metrics) *Router {
	r := &Router{
		cfg:     cfg.withDefaults(),
		arms:    make(map[models.Tier]*armState, len(models.Tiers)),
		metrics: metrics,
	}
	for _, tier := range models.Tiers {
		r.arms[tier] = newArm(tier)
	}
	return r
}

func (r *Router) numArms() int { return len(models.Tiers) }

// Decide selects a tier for the given conversation context.
func (r *Router) Decide(conv ConversationSummary, pref Preference) *models.RouterDecision {
	ctx := ExtractContext(r.cfg, conv)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.totalPlays < int64(2*r.numArms()) {
		d := coldStartDecision(ctx)
		r.recordSelection(d.Tier)
		return d
	}

	x := withBias(ctx)
	costMax := r.cfg.costMax()
	w := clamp01(pref.CostWeight)

	type scored struct {
		tier    models.Tier
		score   float64
		ucb     float64
		sigma   float64
		armIdx  int
		cost    float64
	}
	var best *scored
	var results []scored
	for idx, tier := range models.Tiers {
		arm := r.arms[tier]
		theta := arm.theta()
		mu := dot(x, theta)
		sigma := arm.uncertainty(x)
		ucb := mu + r.cfg.Alpha*sigma
		cost := r.cfg.TierCosts[tier]
		costScore := 1 - cost/costMax
		blended := (1-w)*ucb + w*costScore
		score := blended - r.lambda*cost
		results = append(results, scored{tier: tier, score: score, ucb: ucb, sigma: sigma, armIdx: idx, cost: cost})
	}
	for i := range results {
		if best == nil || results[i].score > best.score {
			best = &results[i]
		}
	}

	confidence := 1 - best.sigma/(best.sigma+1)
	d := &models.RouterDecision{
		Tier:         best.tier,
		Confidence:   clamp01(confidence),
		CostEstimate: best.cost,
		Context:      ctx,
		Rationale:    linucbRationale(best.tier, best.ucb, best.sigma),
		ArmIndex:     best.armIdx,
	}
	r.recordSelection(d.Tier)
	return d
}

func linucbRationale(tier models.Tier, ucb, sigma float64) string {
	return fmt.Sprintf("LinUCB selected %s (ucb=%.3f, sigma=%.3f)", tier, ucb, sigma)
}

func (r *Router) recordSelection(tier string) {
	if r.metrics != nil {
		r.metrics.RecordTierSelection(tier, false)
	}
}

var tierRank = func() map[models.Tier]int {
	m := make(map[models.Tier]int, len(models.Tiers))
	for i, t := range models.Tiers {
		m[t] = i
	}
	return m
}()

// Cascade applies the §4.2 cascade rule: escalate by one tier if confidence
// is below threshold and the tier isn't already opus.
func (r *Router) Cascade(d *models.RouterDecision) *models.CascadeDecision {
	threshold := r.cfg.CascadeThreshold
	if d.Confidence >= threshold || d.Tier == models.TierOpus {
		return &models.CascadeDecision{Final: *d, Escalated: false, OriginalTier: d.Tier}
	}
	idx := tierRank[d.Tier]
	next := models.Tiers[idx+1]
	escalated := *d
	escalated.Tier = next
	escalated.Rationale = d.Rationale + fmt.Sprintf("; escalated %s->%s (confidence %.3f < %.3f)", d.Tier, next, d.Confidence, threshold)
	if r.metrics != nil {
		r.metrics.RecordTierSelection(string(next), true)
	}
	return &models.CascadeDecision{Final: escalated, Escalated: true, OriginalTier: d.Tier}
}

// RecordOutcome updates the chosen arm's LinUCB/Thompson state and the
// PILOT budget multiplier after observing reward r for ctx.
func (r *Router) RecordOutcome(tier models.Tier, ctx models.ContextVector, reward float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	x := withBias(ctx)
	arm, ok := r.arms[tier]
	if !ok {
		return
	}
	cost := r.cfg.TierCosts[tier]

	arm.alpha += reward
	arm.beta += 1 - reward
	addOuter(arm.a, x)
	for i := range arm.b {
		arm.b[i] += reward * x[i]
	}
	arm.plays++
	arm.totalReward += reward
	arm.totalCost += cost
	r.totalPlays++

	r.opusBaselineCost += r.cfg.TierCosts[models.TierOpus]

	budgetPerStep := r.cfg.budgetPerStep()
	r.lambda = math.Max(0, r.lambda+pilotEta*(cost-budgetPerStep))

	if r.metrics != nil {
		r.metrics.TierRewardTotal.WithLabelValues(string(tier)).Add(reward)
		r.metrics.OpusSavingsUSD.Add(r.cfg.TierCosts[models.TierOpus] - cost)
	}
}

// OpusBaselineCost returns the accumulated opus-baseline cost used for
// savings reporting.
func (r *Router) OpusBaselineCost() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.opusBaselineCost
}

// TotalPlays returns the sum of plays across all arms, which must always
// equal the router's own play counter.
func (r *Router) TotalPlays() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalPlays
}

// ArmSnapshot is a read-only view of one arm's state for diagnostics.
type ArmSnapshot struct {
	Tier        models.Tier
	Plays       int64
	TotalReward float64
	TotalCost   float64
	Alpha       float64
	Beta        float64
}

// Snapshot returns a stable-ordered (cheapest-first) view of all arms.
func (r *Router) Snapshot() []ArmSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ArmSnapshot, 0, len(r.arms))
	for _, tier := range models.Tiers {
		arm := r.arms[tier]
		out = append(out, ArmSnapshot{
			Tier: tier, Plays: arm.plays, TotalReward: arm.totalReward,
			TotalCost: arm.totalCost, Alpha: arm.alpha, Beta: arm.beta,
		})
	}
	sort.Slice(out, func(i, j int) bool { return tierRank[out[i].Tier] < tierRank[out[j].Tier] })
	return out
}

func coldStartDecision(ctx models.ContextVector) *models.RouterDecision {
	s := 0.25*ctx.Complexity + 0.2*ctx.Precision + 0.2*ctx.CodeRatio + 0.2*ctx.Creativity + 0.15*ctx.Urgency

	var tier models.Tier
	var rationale string
	switch {
	case s < 0.1:
		tier, rationale = models.TierNoLLM, "cold-start: low composite score"
	case s < 0.25:
		tier, rationale = models.TierHaiku, "cold-start: moderate composite score"
	case s < 0.55:
		tier, rationale = models.TierSonnet, "cold-start: elevated composite score"
	default:
		tier, rationale = models.TierOpus, "cold-start: high composite score"
	}

	if ctx.Complexity > 0.7 {
		tier, rationale = models.TierOpus, "cold-start override: High complexity"
	} else if ctx.Urgency > 0.3 && tier == models.TierNoLLM {
		tier, rationale = models.TierHaiku, "cold-start override: urgency promotes no-llm to haiku"
	}

	return &models.RouterDecision{
		Tier:         tier,
		Confidence:   clamp01(s),
		CostEstimate: 0,
		Context:      ctx,
		Rationale:    rationale,
		ArmIndex:     tierRank[tier],
	}
}
