package store

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/canopyrt/canopy/internal/consolidate"
	"github.com/canopyrt/canopy/pkg/models"
)

// ConsolidateSource adapts a Store into consolidate.SessionSource. The
// Consolidator's interface has no context or error return (it runs
// entirely in-process off a self-rescheduling timer, not a request path),
// so failures here are logged and degrade to an empty result rather than
// propagating — the next dream cycle simply tries again.
type ConsolidateSource struct {
	Store  Store
	Ctx    context.Context
	Logger *slog.Logger
}

func (a *ConsolidateSource) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *ConsolidateSource) ctx() context.Context {
	if a.Ctx != nil {
		return a.Ctx
	}
	return context.Background()
}

// RecentSessions implements consolidate.SessionSource.
func (a *ConsolidateSource) RecentSessions(limit int) []consolidate.Session {
	sessions, err := a.Store.RecentSessions(a.ctx(), limit)
	if err != nil {
		a.logger().Error("consolidate: recent sessions lookup failed", "error", err)
		return nil
	}

	out := make([]consolidate.Session, 0, len(sessions))
	for _, sess := range sessions {
		turns, err := a.Store.ListTurns(a.ctx(), sess.ID)
		if err != nil {
			a.logger().Error("consolidate: list turns failed", "session_id", sess.ID, "error", err)
			continue
		}
		out = append(out, consolidate.Session{
			ID:      sess.ID,
			Project: sess.Project,
			Turns:   turnsToSessionTurns(turns),
		})
	}
	return out
}

func turnsToSessionTurns(turns []*models.Turn) []consolidate.SessionTurn {
	out := make([]consolidate.SessionTurn, 0, len(turns))
	for _, t := range turns {
		resultByCallID := map[string]models.ToolResult{}
		var text string
		for _, part := range t.Parts {
			switch part.Type {
			case models.PartText:
				if text != "" {
					text += "\n"
				}
				text += part.Text
			case models.PartToolResult:
				if part.ToolResult != nil {
					resultByCallID[part.ToolResult.ToolCallID] = *part.ToolResult
				}
			}
		}

		calls := make([]consolidate.ToolCallRecord, 0, len(t.ToolCalls))
		for _, tc := range t.ToolCalls {
			var args map[string]any
			if len(tc.Input) > 0 {
				_ = json.Unmarshal(tc.Input, &args)
			}
			success := true
			if res, ok := resultByCallID[tc.ID]; ok {
				success = !res.IsError
			}
			calls = append(calls, consolidate.ToolCallRecord{
				ToolName: tc.Name,
				Args:     args,
				Success:  success,
			})
		}

		out = append(out, consolidate.SessionTurn{
			Role:      string(t.Role),
			Content:   text,
			ToolCalls: calls,
		})
	}
	return out
}

// ConsolidateAuditLogger adapts a Store into consolidate.AuditLogger.
type ConsolidateAuditLogger struct {
	Store  Store
	Ctx    context.Context
	Logger *slog.Logger
}

func (a *ConsolidateAuditLogger) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func (a *ConsolidateAuditLogger) ctx() context.Context {
	if a.Ctx != nil {
		return a.Ctx
	}
	return context.Background()
}

// LogConsolidation implements consolidate.AuditLogger.
func (a *ConsolidateAuditLogger) LogConsolidation(entry consolidate.ConsolidationLogEntry) {
	row := ConsolidationLogRow{
		Timestamp:      entry.Timestamp.UnixMilli(),
		SamskarasFound: entry.SamskarasFound,
		VasanasTouched: entry.VasanasTouched,
		VasanasDecayed: entry.VasanasDecayed,
		VidhisMined:    entry.VidhisMined,
		DurationMs:     entry.DurationMs,
	}
	if err := a.Store.LogConsolidation(a.ctx(), row); err != nil {
		a.logger().Error("consolidate: write consolidation log failed", "error", err)
	}
}

var (
	_ consolidate.SessionSource = (*ConsolidateSource)(nil)
	_ consolidate.AuditLogger   = (*ConsolidateAuditLogger)(nil)
)
