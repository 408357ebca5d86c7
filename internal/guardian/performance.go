package guardian

import (
	"fmt"
	"sync"
	"time"

	"github.com/canopyrt/canopy/pkg/models"
)

const (
	contextWarnPct     = 0.80
	contextCriticalPct = 0.95
	minLatencySamples  = 5
)

// PerformanceGuardian tracks per-tool latency moving averages and flags
// slow calls, high context usage, and heavy per-turn token spend.
type PerformanceGuardian struct {
	ring                *Ring
	confidenceThreshold float64
	tokenThreshold      int64

	mu       sync.Mutex
	movingAvg map[string]float64
	samples   map[string]int64
}

// NewPerformanceGuardian creates a PerformanceGuardian.
func NewPerformanceGuardian(ringCapacity int, confidenceThreshold float64, tokenThreshold int64) *PerformanceGuardian {
	return &PerformanceGuardian{
		ring:                NewRing(ringCapacity),
		confidenceThreshold: confidenceThreshold,
		tokenThreshold:      tokenThreshold,
		movingAvg:           make(map[string]float64),
		samples:             make(map[string]int64),
	}
}

func (g *PerformanceGuardian) ID() string { return "performance" }

// Ring exposes the guardian's own finding ring for the pipeline's query API.
func (g *PerformanceGuardian) Ring() *Ring { return g.ring }

// Scan implements the Guardian interface.
func (g *PerformanceGuardian) Scan(obs ToolObservation, now time.Time) []models.Finding {
	var findings []models.Finding

	g.mu.Lock()
	n := g.samples[obs.ToolName]
	prevAvg := g.movingAvg[obs.ToolName]
	n++
	newAvg := prevAvg + (float64(obs.DurationMs)-prevAvg)/float64(n)
	g.samples[obs.ToolName] = n
	g.movingAvg[obs.ToolName] = newAvg
	g.mu.Unlock()

	if n > minLatencySamples && float64(obs.DurationMs) > 2*prevAvg && prevAvg > 0 {
		findings = append(findings, g.emit(models.SeverityWarning, 0.65,
			"Tool call exceeded 2x moving average latency",
			fmt.Sprintf("%s: %dms vs avg %.0fms", obs.ToolName, obs.DurationMs, prevAvg), obs.ToolName, now))
	}

	switch {
	case obs.ContextUsedPct >= contextCriticalPct:
		findings = append(findings, g.emit(models.SeverityCritical, 0.90,
			"Context window critically full", fmt.Sprintf("%.0f%% used", obs.ContextUsedPct*100), obs.ToolName, now))
	case obs.ContextUsedPct >= contextWarnPct:
		findings = append(findings, g.emit(models.SeverityWarning, 0.70,
			"Context window filling up", fmt.Sprintf("%.0f%% used", obs.ContextUsedPct*100), obs.ToolName, now))
	}

	if g.tokenThreshold > 0 && obs.TokensThisTurn > g.tokenThreshold {
		findings = append(findings, g.emit(models.SeverityInfo, 0.60,
			"High per-turn token usage",
			fmt.Sprintf("turn %d used %d tokens", obs.TurnNumber, obs.TokensThisTurn), obs.ToolName, now))
	}

	return g.filterByConfidence(findings)
}

func (g *PerformanceGuardian) filterByConfidence(findings []models.Finding) []models.Finding {
	out := findings[:0]
	for _, f := range findings {
		if f.Confidence >= g.confidenceThreshold {
			out = append(out, f)
		}
	}
	return out
}

func (g *PerformanceGuardian) emit(sev models.Severity, confidence float64, title, location, toolName string, now time.Time) models.Finding {
	f := models.Finding{
		GuardianID:  g.ID(),
		Domain:      models.DomainPerformance,
		Severity:    sev,
		Title:       title,
		Description: title + " (" + toolName + ")",
		Location:    location,
		Confidence:  confidence,
		Timestamp:   now,
	}
	f.ID = findingID(f.GuardianID, f.Title, f.Location, f.Timestamp, g.ring.nextSeq())
	g.ring.Push(f)
	return f
}
