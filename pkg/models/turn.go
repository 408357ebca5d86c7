package models

import "time"

// PartType identifies the kind of content carried by a turn part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
)

// TurnPart is one piece of content within a turn.
type TurnPart struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCall   *ToolCall       `json:"tool_call,omitempty"`
	ToolResult *ToolResult     `json:"tool_result,omitempty"`
}

// CostBreakdown records the provider cost attributed to a turn.
type CostBreakdown struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	USD          float64 `json:"usd"`
	Tier         string  `json:"tier,omitempty"`
}

// Turn is one user<->assistant exchange within a session. Turns are append-only.
type Turn struct {
	SessionID string      `json:"session_id"`
	Number    int         `json:"number"` // monotonic per session
	Role      Role        `json:"role"`
	Parts     []TurnPart  `json:"parts"`
	Timestamp time.Time   `json:"timestamp"`
	ModelID   string      `json:"model_id,omitempty"`
	Cost      CostBreakdown `json:"cost"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
}
