package models

// Tier is one of the four model cost/capability tiers, ordered cheapest to most capable.
type Tier string

const (
	TierNoLLM  Tier = "no-llm"
	TierHaiku  Tier = "haiku"
	TierSonnet Tier = "sonnet"
	TierOpus   Tier = "opus"
)

// Tiers lists the four tiers in ascending cost order.
var Tiers = []Tier{TierNoLLM, TierHaiku, TierSonnet, TierOpus}

// ContextVector is the 7-dimensional feature vector extracted from a conversation,
// each component in [0,1].
type ContextVector struct {
	Complexity        float64
	Urgency           float64
	Creativity        float64
	Precision         float64
	CodeRatio         float64
	ConversationDepth float64
	MemoryLoad        float64
}

// ToSlice returns the 7 features in a fixed order, without the bias term.
func (c ContextVector) ToSlice() []float64 {
	return []float64{c.Complexity, c.Urgency, c.Creativity, c.Precision, c.CodeRatio, c.ConversationDepth, c.MemoryLoad}
}

// ArmDims is D = 7 context features + 1 bias term.
const ArmDims = 8

// RouterDecision is the result of a single tier selection.
type RouterDecision struct {
	Tier         Tier
	Confidence   float64
	CostEstimate float64
	Context      ContextVector
	Rationale    string
	ArmIndex     int
}

// CascadeDecision wraps RouterDecision with escalation bookkeeping.
type CascadeDecision struct {
	Final        RouterDecision
	Escalated    bool
	OriginalTier Tier
}

// TierArmState is the LinUCB + Thompson sampling state for one tier.
type TierArmState struct {
	Tier        Tier
	Plays       int64
	TotalReward float64
	TotalCost   float64
	Alpha       float64 // Thompson posterior alpha
	Beta        float64 // Thompson posterior beta
	A           [][]float64 // D x D, SPD
	B           []float64   // D
}
