package metacognition

import (
	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// toolStateSnapshot is the serializable form of one tool's state, including
// enough trend/calibration history to re-seed detection after a restart.
type toolStateSnapshot struct {
	Mastery             models.ToolMastery `json:"mastery"`
	History             []float64          `json:"history"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	Calibration         []calibPoint       `json:"calibration"`
}

// State is the shape-preserving serialized form of an Engine.
type State struct {
	Tools        map[string]toolStateSnapshot `json:"tools"`
	Limitations  []string                     `json:"limitations"`
	TurnCount    int64                        `json:"turn_count"`
	AllToolsHist []float64                    `json:"all_tools_history"`
	RecoveryDists []int64                     `json:"recovery_distances"`
}

// Serialize snapshots the engine's full state for persistence.
func (e *Engine) Serialize() *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	tools := make(map[string]toolStateSnapshot, len(e.tools))
	for name, ts := range e.tools {
		tools[name] = toolStateSnapshot{
			Mastery:             ts.mastery,
			History:             append([]float64(nil), ts.history...),
			ConsecutiveFailures: ts.consecutiveFailures,
			Calibration:         append([]calibPoint(nil), ts.calibration...),
		}
	}
	return &State{
		Tools:         tools,
		Limitations:   append([]string(nil), e.limitations...),
		TurnCount:     e.turnCount,
		AllToolsHist:  append([]float64(nil), e.allToolsHist...),
		RecoveryDists: append([]int64(nil), e.recoveryDists...),
	}
}

// Deserialize rebuilds an Engine from a previously serialized State,
// re-seeding trend/calibration history so subsequent RecordResult calls
// produce consistent trend transitions.
func Deserialize(cfg Config, metrics *observability.Metrics, state *State) *Engine {
	e := New(cfg, metrics)
	if state == nil {
		return e
	}
	for name, snap := range state.Tools {
		e.tools[name] = &toolState{
			mastery:             snap.Mastery,
			history:             append([]float64(nil), snap.History...),
			consecutiveFailures: snap.ConsecutiveFailures,
			calibration:         append([]calibPoint(nil), snap.Calibration...),
		}
	}
	e.limitations = append([]string(nil), state.Limitations...)
	e.turnCount = state.TurnCount
	e.allToolsHist = append([]float64(nil), state.AllToolsHist...)
	e.recoveryDists = append([]int64(nil), state.RecoveryDists...)
	return e
}
