package consolidate

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/canopyrt/canopy/pkg/models"
)

// fixedSessionSource replays a canned set of sessions, for deterministic tests.
type fixedSessionSource struct {
	sessions []Session
}

func (f fixedSessionSource) RecentSessions(limit int) []Session {
	if limit >= len(f.sessions) {
		return f.sessions
	}
	return f.sessions[:limit]
}

func fiveReadEditBashSessions() []Session {
	sessions := make([]Session, 5)
	for i := range sessions {
		sessions[i] = Session{
			ID:      "session-" + string(rune('a'+i)),
			Project: "demo",
			Turns: []SessionTurn{
				{
					Role: "assistant",
					ToolCalls: []ToolCallRecord{
						{ToolName: "read", Args: map[string]any{"path": "main.go"}, Success: true},
						{ToolName: "edit", Args: map[string]any{"path": "main.go", "body": fmt.Sprintf("fix-%d", i)}, Success: true},
						{ToolName: "bash", Args: map[string]any{"cmd": "go build ./..."}, Success: true},
					},
				},
			},
		}
	}
	return sessions
}

func TestDreamCycle_StableToolSequenceCrystallizesAndProceduralizes(t *testing.T) {
	sessions := fiveReadEditBashSessions()
	clock := time.Now()

	cfg := Config{
		Clock: func() time.Time { return clock },
		Crystallize: CrystallizeConfig{
			StabilityWindow:      3,
			AccuracyThreshold:    0.5,
			RevertWindow:         2,
			ConfirmRatio:         0.9,
			PromotionMinProjects: 2,
			Clock:                func() time.Time { return clock },
		},
		Proceduralize: ProceduralizeConfig{
			MinSequenceLength: 2,
			MinSessionSpread:  3,
			MinSuccessRate:    0.6,
		},
	}
	c := New(cfg, fixedSessionSource{sessions: sessions}, nil, nil)

	// Run several dream cycles: CRYSTALLIZE requires a stability streak, so
	// one pass over the same stable sessions is not always enough.
	var lastEntry ConsolidationLogEntry
	for i := 0; i < 5; i++ {
		lastEntry = c.RunCycle()
	}
	_ = lastEntry

	var found *models.Vasana
	for _, v := range c.Vasanas().All() {
		if v.Tendency == "read-then-edit-then-bash" {
			found = v
			break
		}
	}
	if found == nil {
		t.Fatalf("expected a read-then-edit-then-bash vasana, got %+v", c.Vasanas().All())
	}
	if found.Strength < 0.5 {
		t.Fatalf("expected vasana strength >= 0.5, got %.3f", found.Strength)
	}
	if found.Stability < 0.6 {
		t.Fatalf("expected vasana stability >= 0.6, got %.3f", found.Stability)
	}

	var vidhi *models.Vidhi
	for _, v := range c.Vidhis().All() {
		if v.Name == "read-edit-bash" {
			vidhi = v
			break
		}
	}
	if vidhi == nil {
		t.Fatalf("expected a read-edit-bash vidhi, got %+v", c.Vidhis().All())
	}
	if len(vidhi.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(vidhi.Steps))
	}
	if vidhi.Confidence <= 0 {
		t.Fatalf("expected positive confidence, got %.3f", vidhi.Confidence)
	}
	var hasParam bool
	for _, step := range vidhi.Steps {
		for _, v := range step.ArgTemplate {
			if s, ok := v.(string); ok && strings.Contains(s, "_param_") {
				hasParam = true
			}
		}
	}
	if !hasParam {
		t.Fatalf("expected at least one step{i}_param_ argument, got %+v", vidhi.Steps)
	}
}

func TestVasanaStrengthAndStabilityStayInUnitRange(t *testing.T) {
	sessions := fiveReadEditBashSessions()
	clock := time.Now()
	cfg := Config{
		Clock: func() time.Time { return clock },
		Crystallize: CrystallizeConfig{
			StabilityWindow: 2,
			Clock:           func() time.Time { return clock },
		},
	}
	c := New(cfg, fixedSessionSource{sessions: sessions}, nil, nil)
	for i := 0; i < 8; i++ {
		c.RunCycle()
	}
	for _, v := range c.Vasanas().All() {
		if v.Strength < 0 || v.Strength > 1 {
			t.Fatalf("vasana strength out of range: %+v", v)
		}
		if v.Stability < 0 || v.Stability > 1 {
			t.Fatalf("vasana stability out of range: %+v", v)
		}
	}
}

func TestDecay_RemovesVasanasBelowFloor(t *testing.T) {
	now := time.Now()
	clock := now
	cfg := CrystallizeConfig{
		StabilityWindow: 1,
		DecayHalfLifeMs: 1000,
		Clock:           func() time.Time { return clock },
	}
	crystal := NewCrystallizer(cfg, nil)
	sk := &models.Samskara{ID: "s1", PatternType: models.PatternToolSequence, PatternContent: "read-then-edit", Project: "demo", Confidence: 0.9, ObservationCount: 5}
	crystal.Vasanas().crystallize(sk, 0.9, 2, 1, now)

	// Advance far beyond many half-lives so strength decays under the floor.
	clock = now.Add(1 * time.Hour)
	deleted := crystal.Decay()
	if len(deleted) != 1 {
		t.Fatalf("expected the vasana to decay away, got %d deleted, remaining=%+v", len(deleted), crystal.Vasanas().All())
	}
}

func TestRecombine_IsIdempotentAcrossRepeatedSessions(t *testing.T) {
	sessions := fiveReadEditBashSessions()
	store := NewSamskaraStore()
	Recombine(store, sessions)
	Recombine(store, sessions)

	var seq *models.Samskara
	for _, sk := range store.All() {
		if sk.PatternType == models.PatternToolSequence && sk.PatternContent == "read-then-edit-then-bash" {
			seq = sk
		}
	}
	if seq == nil {
		t.Fatal("expected a tool-sequence samskara")
	}
	if seq.ObservationCount != 10 {
		t.Fatalf("expected observation count to accumulate across both recombine passes (5 sessions x2), got %d", seq.ObservationCount)
	}
	if store.SessionSpread(seq.ID) != 5 {
		t.Fatalf("expected session spread of 5 distinct sessions, got %d", store.SessionSpread(seq.ID))
	}
}
