package router

import (
	"regexp"
	"strings"

	"github.com/canopyrt/canopy/pkg/models"
)

// Turn is one message in a conversation summary, in chronological order.
type Turn struct {
	Role    string
	Content string
}

// ConversationSummary is the raw material the Tier Router extracts a
// ContextVector from: the message history, the system prompt, the size of
// the tool catalog offered to the model, and how many memory hits were
// retrieved for this turn.
type ConversationSummary struct {
	Turns           []Turn
	SystemPrompt    string
	ToolCatalogSize int
	MemoryHits      int
}

var (
	codePattern       = regexp.MustCompile("(?i)```|\\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE)\\b")
	multiStepPattern  = regexp.MustCompile(`(?i)\bstep\s*\d|\bfirst\b.*\bthen\b|\b\d\.\s`)
	urgencyPattern    = regexp.MustCompile(`(?i)\b(urgent|asap|immediately|right now|critical|emergency)\b`)
	errorPattern      = regexp.MustCompile(`(?i)\b(error|exception|failed|failure|crash|traceback)\b`)
	creativityPattern = regexp.MustCompile(`(?i)\b(brainstorm|imagine|creative|story|poem|idea[s]?|come up with)\b`)
	precisionPattern  = regexp.MustCompile(`(?i)\b(calculate|exact|precisely|review this code|prove|what is the value|verify)\b`)
	codeLinePattern   = regexp.MustCompile(`^\s{2,}\S|^\s*(func|def|class|import|const|var|let)\b`)
)

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ExtractContext computes the seven-feature context vector (§4.2) from a
// conversation summary. Every feature lands in [0,1].
func ExtractContext(cfg Config, conv ConversationSummary) models.ContextVector {
	var all strings.Builder
	var lastUser string
	for _, t := range conv.Turns {
		all.WriteString(t.Content)
		all.WriteString("\n")
		if strings.EqualFold(t.Role, "user") {
			lastUser = t.Content
		}
	}
	text := all.String()
	lower := strings.ToLower(text)
	lastLower := strings.ToLower(lastUser)

	tokenEstimate := float64(len(text)) / 4.0 // rough chars-per-token
	lengthScore := clamp01(tokenEstimate / 2000.0)
	hasCode := codePattern.MatchString(text)
	hasMultiStep := multiStepPattern.MatchString(lower)
	complexity := 0.4*lengthScore + boolTo01(hasCode)*0.35 + boolTo01(hasMultiStep)*0.25

	urgency := 0.0
	if urgencyPattern.MatchString(lastLower) {
		urgency += 0.6
	}
	if errorPattern.MatchString(lastLower) {
		urgency += 0.4
	}

	creativity := 0.0
	if creativityPattern.MatchString(lastLower) {
		creativity = 0.7
	}

	precision := 0.0
	if precisionPattern.MatchString(lastLower) {
		precision = 0.7
	}
	if hasCode {
		precision += 0.2
	}

	codeRatio := codeRatioOf(text)

	conversationDepth := 0.0
	if cfg.MaxConversationDepth > 0 {
		conversationDepth = float64(len(conv.Turns)) / float64(cfg.MaxConversationDepth)
	}

	memoryLoad := 0.0
	if cfg.MaxMemoryHits > 0 {
		memoryLoad = float64(conv.MemoryHits) / float64(cfg.MaxMemoryHits)
	}

	return models.ContextVector{
		Complexity:        clamp01(complexity),
		Urgency:           clamp01(urgency),
		Creativity:        clamp01(creativity),
		Precision:         clamp01(precision),
		CodeRatio:         clamp01(codeRatio),
		ConversationDepth: clamp01(conversationDepth),
		MemoryLoad:        clamp01(memoryLoad),
	}
}

func codeRatioOf(text string) float64 {
	lines := strings.Split(text, "\n")
	if len(lines) == 0 {
		return 0
	}
	var codeLines int
	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			codeLines++
			continue
		}
		if inFence || codeLinePattern.MatchString(line) {
			codeLines++
		}
	}
	return float64(codeLines) / float64(len(lines))
}

func boolTo01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// withBias prepends the bias term to the 7 context features, yielding the
// D=8 vector LinUCB operates over.
func withBias(c models.ContextVector) []float64 {
	return append([]float64{1}, c.ToSlice()...)
}
