// Package metacognition implements the Metacognition Engine (M): per-tool
// mastery tracking with Wilson-score confidence intervals, trend detection,
// prediction calibration, auto-limitation on repeated failures, learning
// velocity, and a behavioral style fingerprint.
//
// The per-tool incremental-state map and functional-options-free Config/New
// shape follow the Lifecycle Manager's heartbeat registry
// (internal/lifecycle/manager.go); the Wilson score and BOCPD-adjacent
// numerics have no teacher precedent and are implemented directly against
// spec.md §4.5 on the standard library (see DESIGN.md).
package metacognition

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// Config configures an Engine.
type Config struct {
	CalibrationWindow int
	MaxLimitations    int
	TrendLookback     int
	Clock             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CalibrationWindow <= 0 {
		c.CalibrationWindow = 50
	}
	if c.MaxLimitations <= 0 {
		c.MaxLimitations = 20
	}
	if c.TrendLookback <= 0 {
		c.TrendLookback = 10
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

const trendThreshold = 0.05

type calibPoint struct {
	predicted float64
	actual    float64
}

type toolState struct {
	mastery             models.ToolMastery
	history             []float64 // success-rate history, oldest first, capped at TrendLookback+1
	consecutiveFailures int
	calibration         []calibPoint
}

// Result is a single tool-result observation fed into RecordResult.
type Result struct {
	ToolName         string
	Success          bool
	LatencyMs        float64
	PredictedSuccess *float64
}

// Engine is the Metacognition Engine (M).
type Engine struct {
	mu  sync.Mutex
	cfg Config

	tools       map[string]*toolState
	limitations []string

	turnCount      int64
	globalCallIdx  int64
	allToolsHist   []float64 // rolling avg-success-across-tools history, same cap as per-tool trend history
	recoveryDists  []int64

	metrics *observability.Metrics
}

// New creates an Engine.
func New(cfg Config, metrics *observability.Metrics) *Engine {
	return &Engine{
		cfg:     cfg.withDefaults(),
		tools:   make(map[string]*toolState),
		metrics: metrics,
	}
}

// IncrementTurn advances the turn counter used by the style fingerprint's
// toolDensity calculation. Call once per conversation turn.
func (e *Engine) IncrementTurn() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turnCount++
}

func (e *Engine) now() time.Time { return e.cfg.Clock() }

// RecordResult applies one tool-result observation and returns the emitted
// self-update event.
func (e *Engine) RecordResult(r Result) *models.SelfUpdateEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.globalCallIdx++
	ts, ok := e.tools[r.ToolName]
	if !ok {
		ts = &toolState{mastery: models.ToolMastery{ToolName: r.ToolName}}
		e.tools[r.ToolName] = ts
	}
	m := &ts.mastery

	m.Invocations++
	m.TotalInvocations++
	if r.Success {
		m.Successes++
	}
	m.SuccessRate = float64(m.Successes) / float64(m.Invocations)

	if m.Invocations == 1 {
		m.AvgLatencyMs = r.LatencyMs
	} else {
		m.AvgLatencyMs += (r.LatencyMs - m.AvgLatencyMs) / float64(m.Invocations)
	}

	m.ConfidenceLo, m.ConfidenceHi = wilsonScore(m.SuccessRate, m.Invocations)

	e.updateTrend(ts, m)
	e.updateFailureTracking(ts, r)

	if r.PredictedSuccess != nil {
		e.updateCalibration(ts, *r.PredictedSuccess, r.Success)
	}

	velocity := e.updateLearningVelocity()
	calibration := ts.currentCalibration()
	event := &models.SelfUpdateEvent{
		ToolName:         r.ToolName,
		Calibration:      calibration,
		LearningVelocity: velocity,
		TopTool:          e.topToolLocked(),
		Timestamp:        e.now(),
	}

	if e.metrics != nil {
		e.metrics.ToolMasteryRate.WithLabelValues(r.ToolName).Set(m.SuccessRate)
	}
	return event
}

func (e *Engine) updateTrend(ts *toolState, m *models.ToolMastery) {
	ts.history = append(ts.history, m.SuccessRate)
	maxLen := e.cfg.TrendLookback + 1
	if len(ts.history) > maxLen {
		ts.history = ts.history[len(ts.history)-maxLen:]
	}
	if len(ts.history) <= e.cfg.TrendLookback {
		m.Trend = models.TrendStable
		return
	}
	past := ts.history[0]
	current := ts.history[len(ts.history)-1]
	delta := current - past
	prevTrend := m.Trend
	switch {
	case delta > trendThreshold:
		m.Trend = models.TrendImproving
	case delta < -trendThreshold:
		m.Trend = models.TrendDeclining
	default:
		m.Trend = models.TrendStable
	}
	if prevTrend != models.TrendImproving && m.Trend == models.TrendImproving {
		m.LastImproved = e.now()
	}
}

func (e *Engine) updateFailureTracking(ts *toolState, r Result) {
	if r.Success {
		ts.consecutiveFailures = 0
		return
	}
	ts.consecutiveFailures++
	if ts.consecutiveFailures == 3 {
		e.addLimitation("repeated failures calling " + r.ToolName)
	}
}

func (e *Engine) addLimitation(s string) {
	for _, existing := range e.limitations {
		if existing == s {
			return
		}
	}
	e.limitations = append(e.limitations, s)
	if len(e.limitations) > e.cfg.MaxLimitations {
		e.limitations = e.limitations[len(e.limitations)-e.cfg.MaxLimitations:]
	}
}

func (e *Engine) updateCalibration(ts *toolState, predicted float64, actualSuccess bool) {
	actual := 0.0
	if actualSuccess {
		actual = 1.0
	}
	ts.calibration = append(ts.calibration, calibPoint{predicted: predicted, actual: actual})
	if len(ts.calibration) > e.cfg.CalibrationWindow {
		ts.calibration = ts.calibration[len(ts.calibration)-e.cfg.CalibrationWindow:]
	}
}

func (ts *toolState) currentCalibration() float64 {
	if len(ts.calibration) == 0 {
		return 0
	}
	var sumPred, sumActual float64
	for _, p := range ts.calibration {
		sumPred += p.predicted
		sumActual += p.actual
	}
	avgPred := sumPred / float64(len(ts.calibration))
	avgActual := sumActual / float64(len(ts.calibration))
	if avgActual == 0 {
		return math.Inf(1)
	}
	return avgPred / avgActual
}

func (e *Engine) updateLearningVelocity() float64 {
	var sum float64
	var n int
	for _, ts := range e.tools {
		sum += ts.mastery.SuccessRate
		n++
	}
	if n == 0 {
		return 0
	}
	currentAvg := sum / float64(n)
	e.allToolsHist = append(e.allToolsHist, currentAvg)
	maxLen := e.cfg.TrendLookback + 1
	if len(e.allToolsHist) > maxLen {
		e.allToolsHist = e.allToolsHist[len(e.allToolsHist)-maxLen:]
	}
	if len(e.allToolsHist) <= e.cfg.TrendLookback {
		return 0
	}
	pastAvg := e.allToolsHist[0]
	return (currentAvg - pastAvg) / float64(e.cfg.TrendLookback)
}

func (e *Engine) topToolLocked() string {
	var best string
	var bestRate float64 = -1
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rate := e.tools[name].mastery.SuccessRate
		if rate > bestRate {
			bestRate = rate
			best = name
		}
	}
	return best
}

// RecordRecovery records the number of retries between a tool's failure and
// its next success, feeding the style fingerprint's errorRecoverySpeed.
func (e *Engine) RecordRecovery(toolName string, retries int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recoveryDists = append(e.recoveryDists, retries)
}

// StyleFingerprint computes the three-value behavioral fingerprint (§4.5.8).
func (e *Engine) StyleFingerprint() models.StyleFingerprint {
	e.mu.Lock()
	defer e.mu.Unlock()

	var totalCalls int64
	for _, ts := range e.tools {
		totalCalls += ts.mastery.Invocations
	}
	uniqueTools := int64(len(e.tools))

	explorationVsExploitation := 0.0
	if totalCalls > 0 {
		explorationVsExploitation = float64(uniqueTools) / float64(totalCalls)
	}

	toolDensity := 0.0
	if e.turnCount > 0 {
		toolDensity = 1 - 1/(1+float64(totalCalls)/float64(e.turnCount))
	}

	errorRecoverySpeed := 0.0
	if len(e.recoveryDists) > 0 {
		var sum int64
		for _, d := range e.recoveryDists {
			sum += d
		}
		avg := float64(sum) / float64(len(e.recoveryDists))
		errorRecoverySpeed = 1 / (1 + avg)
	}

	return models.StyleFingerprint{
		ExplorationVsExploitation: clamp01(explorationVsExploitation),
		ToolDensity:               clamp01(toolDensity),
		ErrorRecoverySpeed:        clamp01(errorRecoverySpeed),
	}
}

// Mastery returns a copy of the current mastery estimate for a tool, or nil
// if the tool has never been observed.
func (e *Engine) Mastery(toolName string) *models.ToolMastery {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.tools[toolName]
	if !ok {
		return nil
	}
	m := ts.mastery
	return &m
}

// Limitations returns a copy of the current auto-limitation list.
func (e *Engine) Limitations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.limitations...)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
