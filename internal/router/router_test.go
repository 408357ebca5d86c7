package router

import (
	"strings"
	"testing"

	"github.com/canopyrt/canopy/pkg/models"
)

func TestColdStart_HighComplexityContextSelectsOpus(t *testing.T) {
	ctx := models.ContextVector{
		Complexity: 0.8, Urgency: 0.1, Creativity: 0.1, Precision: 0.1,
		CodeRatio: 0.2, ConversationDepth: 0.1, MemoryLoad: 0.1,
	}
	d := coldStartDecision(ctx)
	if d.Tier != models.TierOpus {
		t.Fatalf("expected opus, got %s", d.Tier)
	}
	if !strings.Contains(d.Rationale, "High complexity") {
		t.Fatalf("expected rationale to mention High complexity, got %q", d.Rationale)
	}
}

func TestDecide_UsesColdStartBelowTwicePerArmThreshold(t *testing.T) {
	r := New(Config{}, nil)
	conv := ConversationSummary{Turns: []Turn{{Role: "user", Content: "fix this bug please, it is urgent"}}}
	d := r.Decide(conv, Preference{})
	if d == nil {
		t.Fatal("expected a decision")
	}
	if r.TotalPlays() != 0 {
		t.Fatalf("cold-start decisions must not consume a play until RecordOutcome, got %d", r.TotalPlays())
	}
}

func TestRecordOutcome_ArmPlaysSumToTotalPlays(t *testing.T) {
	r := New(Config{}, nil)
	ctx := models.ContextVector{Complexity: 0.5}
	r.RecordOutcome(models.TierHaiku, ctx, 0.8)
	r.RecordOutcome(models.TierSonnet, ctx, 0.6)
	r.RecordOutcome(models.TierHaiku, ctx, 0.3)

	var sum int64
	for _, arm := range r.Snapshot() {
		sum += arm.Plays
	}
	if sum != r.TotalPlays() {
		t.Fatalf("sum(arm.plays)=%d != totalPlays=%d", sum, r.TotalPlays())
	}
}

func TestRecordOutcome_MatrixStaysSymmetricPositiveDefinite(t *testing.T) {
	r := New(Config{}, nil)
	ctx := models.ContextVector{Complexity: 0.9, Precision: 0.9, CodeRatio: 0.9}
	for i := 0; i < 50; i++ {
		r.RecordOutcome(models.TierOpus, ctx, float64(i%2))
	}
	arm := r.arms[models.TierOpus]
	l := cholesky(arm.a)
	for i := range l {
		if l[i][i] <= 0 {
			t.Fatalf("cholesky failed to produce a positive diagonal at %d; A is not SPD", i)
		}
	}
	for i := range arm.a {
		for j := range arm.a {
			if arm.a[i][j] != arm.a[j][i] {
				t.Fatalf("A is not symmetric at (%d,%d)", i, j)
			}
		}
	}
}

func TestCascade_EscalatesOnceWhenBelowThreshold(t *testing.T) {
	r := New(Config{CascadeThreshold: 0.9}, nil)
	d := &models.RouterDecision{Tier: models.TierHaiku, Confidence: 0.1}
	cascaded := r.Cascade(d)
	if !cascaded.Escalated || cascaded.Final.Tier != models.TierSonnet {
		t.Fatalf("expected escalation haiku->sonnet, got %+v", cascaded)
	}
}

func TestCascade_NoEscalationAtOpusOrAboveThreshold(t *testing.T) {
	r := New(Config{CascadeThreshold: 0.4}, nil)
	high := r.Cascade(&models.RouterDecision{Tier: models.TierHaiku, Confidence: 0.9})
	if high.Escalated {
		t.Fatalf("expected no escalation above threshold, got %+v", high)
	}
	atOpus := r.Cascade(&models.RouterDecision{Tier: models.TierOpus, Confidence: 0.0})
	if atOpus.Escalated {
		t.Fatalf("expected no escalation beyond opus, got %+v", atOpus)
	}
}

func TestSerializeDeserialize_RoundTripPreservesColdStartDecision(t *testing.T) {
	r := New(Config{}, nil)
	ctx := models.ContextVector{Complexity: 0.5, Precision: 0.5}
	for i := 0; i < 3; i++ {
		r.RecordOutcome(models.TierSonnet, ctx, 0.7)
	}
	state := r.Serialize()
	restored := Deserialize(Config{}, nil, state)

	if restored.TotalPlays() != r.TotalPlays() {
		t.Fatalf("totalPlays mismatch after round-trip: %d != %d", restored.TotalPlays(), r.TotalPlays())
	}

	conv := ConversationSummary{Turns: []Turn{{Role: "user", Content: "hello"}}}
	before := coldStartDecision(ExtractContext(r.cfg, conv))
	after := coldStartDecision(ExtractContext(restored.cfg, conv))
	if before.Tier != after.Tier {
		t.Fatalf("heuristic decision diverged after round-trip: %s != %s", before.Tier, after.Tier)
	}
}
