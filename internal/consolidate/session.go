package consolidate

// ToolCallRecord is one tool invocation within a turn, as replayed from the
// Session Store for REPLAY/RECOMBINE.
type ToolCallRecord struct {
	ToolName string
	Args     map[string]any
	Success  bool
}

// SessionTurn is one role/content/tool-calls triple replayed from a session.
type SessionTurn struct {
	Role      string
	Content   string
	ToolCalls []ToolCallRecord
}

// Session is one replayed conversation, scoped to a project for vasana
// promotion bookkeeping.
type Session struct {
	ID      string
	Project string
	Turns   []SessionTurn
}

// SessionSource is the Session Store's read side, as consumed by REPLAY.
type SessionSource interface {
	RecentSessions(limit int) []Session
}
