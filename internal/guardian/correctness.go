package guardian

import (
	"strings"
	"sync"
	"time"

	"github.com/canopyrt/canopy/pkg/models"
)

// correctionPhrases are the small phrase list used to detect user
// corrections, per spec.md §4.4/§4.6 (shared with the Pattern Consolidator's
// correction-type samskara heuristic).
var correctionPhrases = []string{
	"that's wrong", "that is wrong", "no, actually", "not quite", "incorrect",
	"that's not right", "try again", "you made a mistake",
}

const correctionLoopThreshold = 3

// CorrectnessGuardian tracks consecutive tool errors and user-correction
// loops.
type CorrectnessGuardian struct {
	ring                *Ring
	confidenceThreshold float64

	mu              sync.Mutex
	lastErrorByTool map[string]string // toolName -> last error message
	consecutiveErrs map[string]int
	loopCount       map[string]int
}

// NewCorrectnessGuardian creates a CorrectnessGuardian.
func NewCorrectnessGuardian(ringCapacity int, confidenceThreshold float64) *CorrectnessGuardian {
	return &CorrectnessGuardian{
		ring:                NewRing(ringCapacity),
		confidenceThreshold: confidenceThreshold,
		lastErrorByTool:     make(map[string]string),
		consecutiveErrs:     make(map[string]int),
		loopCount:           make(map[string]int),
	}
}

func (g *CorrectnessGuardian) ID() string { return "correctness" }

// Ring exposes the guardian's own finding ring for the pipeline's query API.
func (g *CorrectnessGuardian) Ring() *Ring { return g.ring }

// Scan implements the Guardian interface.
func (g *CorrectnessGuardian) Scan(obs ToolObservation, now time.Time) []models.Finding {
	var findings []models.Finding

	g.mu.Lock()
	if obs.Err != "" {
		if g.lastErrorByTool[obs.ToolName] == obs.Err {
			g.consecutiveErrs[obs.ToolName]++
		} else {
			g.consecutiveErrs[obs.ToolName] = 1
		}
		g.lastErrorByTool[obs.ToolName] = obs.Err
		consecutive := g.consecutiveErrs[obs.ToolName]
		if consecutive >= 2 {
			findings = append(findings, g.emit(models.SeverityWarning, 0.65,
				"Tool errored on consecutive invocations", obs.ToolName, now))
		}
		if consecutive >= correctionLoopThreshold {
			g.loopCount[obs.ToolName]++
			findings = append(findings, g.emit(models.SeverityCritical, 0.85,
				"Correction loop detected: repeated identical tool error", obs.ToolName, now))
		}
	} else {
		g.consecutiveErrs[obs.ToolName] = 0
		g.lastErrorByTool[obs.ToolName] = ""
	}
	g.mu.Unlock()

	lower := strings.ToLower(obs.UserMessage)
	for _, phrase := range correctionPhrases {
		if strings.Contains(lower, phrase) {
			findings = append(findings, g.emit(models.SeverityWarning, 0.60,
				"User correction phrase detected: "+phrase, obs.ToolName, now))
			break
		}
	}

	return g.filterByConfidence(findings)
}

func (g *CorrectnessGuardian) filterByConfidence(findings []models.Finding) []models.Finding {
	out := findings[:0]
	for _, f := range findings {
		if f.Confidence >= g.confidenceThreshold {
			out = append(out, f)
		}
	}
	return out
}

func (g *CorrectnessGuardian) emit(sev models.Severity, confidence float64, title, toolName string, now time.Time) models.Finding {
	f := models.Finding{
		GuardianID:  g.ID(),
		Domain:      models.DomainCorrectness,
		Severity:    sev,
		Title:       title,
		Description: title,
		Location:    toolName,
		Confidence:  confidence,
		Timestamp:   now,
	}
	f.ID = findingID(f.GuardianID, f.Title, f.Location, f.Timestamp, g.ring.nextSeq())
	g.ring.Push(f)
	return f
}
