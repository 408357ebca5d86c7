package guardian

import (
	"testing"
	"time"

	"github.com/canopyrt/canopy/pkg/models"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestSecurityGuardian_CredentialFindingIdsAreUniqueWithinSameMillisecond(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := New(Config{Clock: fixedClock(now)}, nil)
	obs := ToolObservation{ToolName: "read_file", Output: `api_key = "sk-abcdefghijklmnopqrstuvwxyz"`}

	first := p.Scan(obs)
	second := p.Scan(obs)

	var firstID, secondID string
	for _, f := range first {
		if f.Title == "Credential pattern in tool output" {
			firstID = f.ID
		}
	}
	for _, f := range second {
		if f.Title == "Credential pattern in tool output" {
			secondID = f.ID
		}
	}
	if firstID == "" || secondID == "" {
		t.Fatalf("expected a credential finding in both scans, got %v / %v", first, second)
	}
	if firstID == secondID {
		t.Fatalf("expected distinct finding ids for same-millisecond scans, got %q twice", firstID)
	}
}

func TestSecurityGuardian_DangerousCommandOnlyAppliesToShellTools(t *testing.T) {
	p := New(Config{}, nil)
	shellFindings := p.Scan(ToolObservation{ToolName: "bash", Args: map[string]any{"command": "rm -rf /"}})
	var sawDangerous bool
	for _, f := range shellFindings {
		if f.Title == "Dangerous shell command" {
			sawDangerous = true
		}
	}
	if !sawDangerous {
		t.Fatalf("expected dangerous command finding for bash tool, got %v", shellFindings)
	}

	readFindings := p.Scan(ToolObservation{ToolName: "read_file", Args: map[string]any{"command": "rm -rf /"}})
	for _, f := range readFindings {
		if f.Title == "Dangerous shell command" {
			t.Fatalf("dangerous-command scanning must only apply to bash/exec/shell tools, got %v", f)
		}
	}
}

func TestRing_BoundedAtCapacity(t *testing.T) {
	r := NewRing(3)
	now := time.Now()
	for i := 0; i < 10; i++ {
		r.Push(models.Finding{ID: string(rune('a' + i)), Timestamp: now})
	}
	if r.Len() != 3 {
		t.Fatalf("expected ring bounded at capacity 3, got %d", r.Len())
	}
}

func TestPerformanceGuardian_WarnsAboveTwiceMovingAverage(t *testing.T) {
	p := New(Config{ConfidenceThreshold: 0.1}, nil)
	for i := 0; i < minLatencySamples+1; i++ {
		p.Scan(ToolObservation{ToolName: "grep", DurationMs: 10})
	}
	findings := p.Scan(ToolObservation{ToolName: "grep", DurationMs: 500})
	var sawSlow bool
	for _, f := range findings {
		if f.Title == "Tool call exceeded 2x moving average latency" {
			sawSlow = true
		}
	}
	if !sawSlow {
		t.Fatalf("expected a latency warning after a 50x spike, got %v", findings)
	}
}

func TestCorrectnessGuardian_DetectsCorrectionLoop(t *testing.T) {
	p := New(Config{ConfidenceThreshold: 0.1}, nil)
	var lastFindings []models.Finding
	for i := 0; i < correctionLoopThreshold; i++ {
		lastFindings = p.Scan(ToolObservation{ToolName: "bash", Err: "permission denied"})
	}
	var sawLoop bool
	for _, f := range lastFindings {
		if f.Severity == models.SeverityCritical && f.Domain == models.DomainCorrectness {
			sawLoop = true
		}
	}
	if !sawLoop {
		t.Fatalf("expected a critical correction-loop finding, got %v", lastFindings)
	}
}

func TestCriticalFindings_BroadcastsToSubscribers(t *testing.T) {
	p := New(Config{}, nil)
	var received []models.Finding
	p.Subscribe(func(f models.Finding) { received = append(received, f) })

	p.Scan(ToolObservation{ToolName: "bash", Args: map[string]any{"command": "rm -rf /"}})

	if len(received) == 0 {
		t.Fatalf("expected the critical dangerous-command finding to be broadcast")
	}
}
