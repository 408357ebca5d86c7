package router

import (
	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// State is the serializable form of a Router: totalPlays, opusBaselineCost,
// lambda, and per-arm {plays, totalReward, totalCost, alpha, beta, A, b}.
type State struct {
	TotalPlays       int64                             `json:"total_plays"`
	OpusBaselineCost float64                            `json:"opus_baseline_cost"`
	Lambda           float64                            `json:"lambda"`
	Arms             map[models.Tier]models.TierArmState `json:"arms"`
}

// Serialize snapshots the router's full state for persistence.
func (r *Router) Serialize() *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	arms := make(map[models.Tier]models.TierArmState, len(r.arms))
	for tier, arm := range r.arms {
		arms[tier] = models.TierArmState{
			Tier:        arm.tier,
			Plays:       arm.plays,
			TotalReward: arm.totalReward,
			TotalCost:   arm.totalCost,
			Alpha:       arm.alpha,
			Beta:        arm.beta,
			A:           cloneMatrix(arm.a),
			B:           append([]float64(nil), arm.b...),
		}
	}
	return &State{
		TotalPlays:       r.totalPlays,
		OpusBaselineCost: r.opusBaselineCost,
		Lambda:           r.lambda,
		Arms:             arms,
	}
}

// Deserialize rebuilds a Router from a previously serialized State. Arms not
// present in state fall back to a fresh prior, so the result always has one
// arm per tier in models.Tiers.
func Deserialize(cfg Config, metrics *observability.Metrics, state *State) *Router {
	r := New(cfg, metrics)
	if state == nil {
		return r
	}
	r.totalPlays = state.TotalPlays
	r.opusBaselineCost = state.OpusBaselineCost
	r.lambda = state.Lambda
	for tier, saved := range state.Arms {
		arm, ok := r.arms[tier]
		if !ok {
			continue
		}
		arm.plays = saved.Plays
		arm.totalReward = saved.TotalReward
		arm.totalCost = saved.TotalCost
		arm.alpha = saved.Alpha
		arm.beta = saved.Beta
		if saved.A != nil {
			arm.a = cloneMatrix(saved.A)
		}
		if saved.B != nil {
			arm.b = append([]float64(nil), saved.B...)
		}
	}
	return r
}
