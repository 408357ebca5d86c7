package lifecycle

import (
	"testing"
	"time"

	"github.com/canopyrt/canopy/pkg/models"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestManager(now time.Time) *Manager {
	return New(Config{
		StaleThreshold:    10 * time.Second,
		DeadThreshold:     30 * time.Second,
		GlobalMaxAgents:   64,
		BudgetDecayFactor: 0.5,
		MaxAgentDepth:     6,
		MaxSubAgents:      8,
		MinSpawnBudget:    10,
		Clock:             fixedClock(now),
	}, nil)
}

func register(t *testing.T, m *Manager, id, parent string, depth int, budget int64) {
	t.Helper()
	if err := m.RegisterAgent(&models.HeartbeatRecord{
		AgentID:     id,
		ParentID:    parent,
		Depth:       depth,
		TokenBudget: budget,
	}); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestKillAgent_CascadeOrdersLeavesFirst(t *testing.T) {
	m := newTestManager(time.Now())
	register(t, m, "root", "", 0, 1000)
	register(t, m, "c1", "root", 1, 500)
	register(t, m, "c2", "root", 1, 500)
	register(t, m, "g", "c1", 2, 200)
	register(t, m, "gg", "g", 3, 100)

	result, err := m.KillAgent("root", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}

	// gg and g must be killed before c1, in depth-descending order.
	idx := map[string]int{}
	for i, id := range result.KilledIDs {
		idx[id] = i
	}
	if idx["gg"] >= idx["g"] || idx["g"] >= idx["c1"] {
		t.Fatalf("expected leaves-first ordering, got %v", result.KilledIDs)
	}
	if _, stillThere := idx["c2"]; stillThere {
		t.Fatalf("sibling c2 must not be affected by c1's cascade")
	}

	for _, id := range []string{"gg", "g", "c1"} {
		if rec := m.Get(id); rec.Status != models.AgentKilled {
			t.Fatalf("expected %s to be killed, got %v", id, rec.Status)
		}
	}
	if rec := m.Get("c2"); rec.Status != models.AgentAlive {
		t.Fatalf("expected c2 to remain alive, got %v", rec.Status)
	}
}

func TestKillAgent_RefusesAlreadyKilledOrCompleted(t *testing.T) {
	m := newTestManager(time.Now())
	register(t, m, "root", "", 0, 1000)
	register(t, m, "child", "root", 1, 500)

	if _, err := m.KillAgent("root", "child"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := m.KillAgent("root", "child")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Fatalf("expected refusal killing an already-killed agent")
	}

	if err := m.MarkCompleted("root"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// root has no ancestor to kill it, but a self-kill attempt should still
	// refuse once completed; use a synthetic ancestor check bypass via itself.
	result2, err := m.KillAgent("root", "root")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result2.Success {
		t.Fatalf("expected refusal killing a completed agent")
	}
}

func TestRegisterAgent_DuplicateIsNoOpError(t *testing.T) {
	m := newTestManager(time.Now())
	register(t, m, "root", "", 0, 1000)

	err := m.RegisterAgent(&models.HeartbeatRecord{AgentID: "root", TokenBudget: 999})
	if err == nil {
		t.Fatalf("expected error registering duplicate agent id")
	}
	if rec := m.Get("root"); rec.TokenBudget != 1000 {
		t.Fatalf("expected original record unchanged, got budget %d", rec.TokenBudget)
	}
}

func TestCanSpawn_FanOutLimit(t *testing.T) {
	now := time.Now()
	m := newTestManager(now)
	m.cfg.MaxSubAgents = 1
	register(t, m, "root", "", 0, 1000)

	if !m.CanSpawn("root").Allowed {
		t.Fatalf("expected first child spawn to be allowed")
	}
	register(t, m, "child", "root", 1, 500)

	if m.CanSpawn("root").Allowed {
		t.Fatalf("expected fan-out limit of 1 to block a second child")
	}
}

func TestCanSpawn_DepthLimit(t *testing.T) {
	now := time.Now()
	m := newTestManager(now)
	m.cfg.MaxAgentDepth = 1
	register(t, m, "root", "", 0, 1000)
	register(t, m, "child", "root", 1, 500)

	if !m.CanSpawn("root").Allowed {
		t.Fatalf("expected spawn from depth-0 root to be allowed under max depth 1")
	}
	if m.CanSpawn("child").Allowed {
		t.Fatalf("expected spawn from depth-1 child to be refused under max depth 1")
	}
}

func TestHealTree_OverBudgetReap(t *testing.T) {
	now := time.Now()
	m := newTestManager(now)
	register(t, m, "root", "", 0, 1000)
	if err := m.RecordHeartbeat("root", &HeartbeatUpdate{TokenUsage: int64Ptr(2000)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	report := m.HealTree()
	if report.OverBudgetKilled != 1 {
		t.Fatalf("expected one over-budget kill, got %d", report.OverBudgetKilled)
	}
	if m.Get("root") != nil {
		t.Fatalf("expected over-budget agent to be reaped from the tree")
	}
}

func TestHealTree_StaleThenDeadPromotion(t *testing.T) {
	start := time.Now()
	m := newTestManager(start)
	register(t, m, "root", "", 0, 1000)

	// Advance clock past stale threshold.
	m.cfg.Clock = fixedClock(start.Add(15 * time.Second))
	report := m.HealTree()
	if report.StaleCount != 1 {
		t.Fatalf("expected stale promotion, got report %+v", report)
	}
	if rec := m.Get("root"); rec.Status != models.AgentStale {
		t.Fatalf("expected stale status, got %v", rec.Status)
	}

	// Advance clock past dead threshold (measured from original lastBeat).
	m.cfg.Clock = fixedClock(start.Add(40 * time.Second))
	report = m.HealTree()
	if report.DeadCount != 1 {
		t.Fatalf("expected dead promotion, got report %+v", report)
	}

	// Next sweep reaps the dead agent.
	report = m.HealTree()
	if m.Get("root") != nil {
		t.Fatalf("expected dead agent to be reaped")
	}
	_ = report
}

func TestHealTree_OrphanCascadeKillsSubtree(t *testing.T) {
	now := time.Now()
	m := newTestManager(now)
	register(t, m, "root", "", 0, 1000)
	register(t, m, "c1", "root", 1, 500)
	register(t, m, "g", "c1", 2, 200)
	register(t, m, "gg", "g", 3, 100)

	// Directly remove c1's parent pointer target to simulate an orphan
	// without going through KillAgent: mark root dead and let the sweep's
	// dead-subtree-kill + reap run, leaving c1 orphaned relative to a gone
	// root on the next pass is the dead-cascade path; exercise the explicit
	// orphan branch by detaching c1 from its parent index while keeping its
	// ParentID pointing at a now-missing id.
	rec := m.Get("c1")
	rec.ParentID = "ghost-parent"
	m.mu.Lock()
	m.agents["c1"] = rec
	m.mu.Unlock()

	report := m.HealTree()
	if report.OrphansHandled == 0 {
		t.Fatalf("expected orphan handling to trigger")
	}
	for _, id := range []string{"c1", "g", "gg"} {
		if m.Get(id) != nil {
			t.Fatalf("expected cascade-orphaned subtree member %s to be reaped", id)
		}
	}
}

func int64Ptr(v int64) *int64 { return &v }
