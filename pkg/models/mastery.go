package models

import "time"

// Trend classifies the direction of a tool's recent success-rate movement.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// ToolMastery is the Metacognition Engine's per-tool skill estimate.
type ToolMastery struct {
	ToolName   string
	Invocations int64
	Successes   int64
	SuccessRate float64
	AvgLatencyMs float64

	ConfidenceLo float64
	ConfidenceHi float64

	Trend        Trend
	LastImproved time.Time

	TotalInvocations int64
}

// StyleFingerprint is the aggregate behavioral style derived across all tools.
type StyleFingerprint struct {
	ExplorationVsExploitation float64
	ToolDensity               float64
	ErrorRecoverySpeed        float64
}

// SelfUpdateEvent is emitted after a mastery update.
type SelfUpdateEvent struct {
	ToolName        string
	Calibration     float64
	LearningVelocity float64
	TopTool         string
	Timestamp       time.Time
}
