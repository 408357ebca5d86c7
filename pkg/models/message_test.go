package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRole_Constants(t *testing.T) {
	tests := []struct {
		constant Role
		expected string
	}{
		{RoleUser, "user"},
		{RoleAssistant, "assistant"},
		{RoleSystem, "system"},
		{RoleTool, "tool"},
	}

	for _, tt := range tests {
		t.Run(string(tt.constant), func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("constant = %q, want %q", tt.constant, tt.expected)
			}
		})
	}
}

func TestToolCall_JSONRoundTrip(t *testing.T) {
	original := ToolCall{ID: "tc-1", Name: "search", Input: json.RawMessage(`{"q":"test"}`)}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var decoded ToolCall
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if decoded.Name != original.Name {
		t.Errorf("Name = %q, want %q", decoded.Name, original.Name)
	}
}

func TestToolResult_Struct(t *testing.T) {
	tr := ToolResult{ToolCallID: "tc-123", Content: "Search results here", IsError: false}
	if tr.IsError {
		t.Error("IsError should be false")
	}

	trError := ToolResult{ToolCallID: "tc-456", Content: "Error occurred", IsError: true}
	if !trError.IsError {
		t.Error("IsError should be true")
	}
}

func TestAttachment_Struct(t *testing.T) {
	att := Attachment{
		ID:       "att-123",
		Type:     "image",
		URL:      "http://example.com/image.png",
		Filename: "image.png",
		MimeType: "image/png",
		Size:     1024,
	}
	if att.Size != 1024 {
		t.Errorf("Size = %d, want 1024", att.Size)
	}
}

func TestSession_Struct(t *testing.T) {
	now := time.Now()
	session := Session{
		ID:        "session-123",
		AgentID:   "agent-456",
		Project:   "canopy-core",
		Title:     "Test Session",
		Metadata:  map[string]any{"test": true},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if session.ID != "session-123" {
		t.Errorf("ID = %q, want %q", session.ID, "session-123")
	}
	if session.Project != "canopy-core" {
		t.Errorf("Project = %q, want %q", session.Project, "canopy-core")
	}
}
