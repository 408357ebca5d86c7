package store

import (
	"context"
	"testing"
	"time"

	"github.com/canopyrt/canopy/internal/consolidate"
	"github.com/canopyrt/canopy/pkg/models"
)

func TestAppendTurn_AssignsMonotonicNumbers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &models.Session{AgentID: "a1", Project: "demo"}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	for i := 0; i < 3; i++ {
		turn := &models.Turn{SessionID: sess.ID, Role: models.RoleUser}
		if err := s.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
		if turn.Number != i+1 {
			t.Fatalf("expected turn number %d, got %d", i+1, turn.Number)
		}
	}

	turns, err := s.ListTurns(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
}

func TestAppendTurn_RejectsNonMonotonicExplicitNumber(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &models.Session{AgentID: "a1", Project: "demo"}
	_ = s.CreateSession(ctx, sess)

	if err := s.AppendTurn(ctx, &models.Turn{SessionID: sess.ID, Number: 5}); err != ErrNonMonotonicTurn {
		t.Fatalf("expected ErrNonMonotonicTurn, got %v", err)
	}
}

func TestUpsertSamskara_IsIdempotentByID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sk := &models.Samskara{ID: "sk-1", PatternType: models.PatternToolSequence, Project: "demo", ObservationCount: 1}
	if err := s.UpsertSamskara(ctx, sk); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	sk.ObservationCount = 5
	if err := s.UpsertSamskara(ctx, sk); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	all, err := s.ListSamskaras(ctx, "demo")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one samskara after idempotent upsert, got %d", len(all))
	}
	if all[0].ObservationCount != 5 {
		t.Fatalf("expected updated observation count, got %d", all[0].ObservationCount)
	}
}

func TestConsolidateSource_RecentSessionsConvertsToolCallsAndSuccess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &models.Session{AgentID: "a1", Project: "demo"}
	_ = s.CreateSession(ctx, sess)

	turn := &models.Turn{
		SessionID: sess.ID,
		Role:      models.RoleAssistant,
		Parts: []models.TurnPart{
			{Type: models.PartText, Text: "reading the file"},
			{Type: models.PartToolResult, ToolResult: &models.ToolResult{ToolCallID: "call-1", IsError: false}},
		},
		ToolCalls: []models.ToolCall{
			{ID: "call-1", Name: "read", Input: []byte(`{"path":"main.go"}`)},
		},
	}
	if err := s.AppendTurn(ctx, turn); err != nil {
		t.Fatalf("append turn: %v", err)
	}

	src := &ConsolidateSource{Store: s, Ctx: ctx}
	sessions := src.RecentSessions(10)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if len(sessions[0].Turns) != 1 || len(sessions[0].Turns[0].ToolCalls) != 1 {
		t.Fatalf("expected 1 turn with 1 tool call, got %+v", sessions[0].Turns)
	}
	call := sessions[0].Turns[0].ToolCalls[0]
	if call.ToolName != "read" || !call.Success {
		t.Fatalf("expected successful read call, got %+v", call)
	}
	if call.Args["path"] != "main.go" {
		t.Fatalf("expected path arg to survive conversion, got %+v", call.Args)
	}
}

func TestConsolidateAuditLogger_WritesConsolidationRow(t *testing.T) {
	s := NewMemoryStore()
	logger := &ConsolidateAuditLogger{Store: s, Ctx: context.Background()}
	logger.LogConsolidation(consolidate.ConsolidationLogEntry{
		Timestamp:      time.Unix(0, 0),
		SamskarasFound: 2,
		VasanasTouched: 1,
		DurationMs:     10,
	})
	if len(s.consolidation) != 1 {
		t.Fatalf("expected 1 consolidation log row, got %d", len(s.consolidation))
	}
	if s.consolidation[0].SamskarasFound != 2 {
		t.Fatalf("expected samskaras found to survive conversion, got %d", s.consolidation[0].SamskarasFound)
	}
}
