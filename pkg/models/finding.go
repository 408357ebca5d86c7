package models

import "time"

// FindingDomain categorizes which guardian produced a finding.
type FindingDomain string

const (
	DomainSecurity    FindingDomain = "security"
	DomainPerformance FindingDomain = "performance"
	DomainCorrectness FindingDomain = "correctness"
)

// Severity ranks the urgency of a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is one observation produced by a guardian scan.
type Finding struct {
	ID          string        `json:"id"` // deterministic FNV-1a hash
	GuardianID  string        `json:"guardian_id"`
	Domain      FindingDomain `json:"domain"`
	Severity    Severity      `json:"severity"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Location    string        `json:"location"`
	Suggestion  string        `json:"suggestion,omitempty"`
	Confidence  float64       `json:"confidence"`
	AutoFixable bool          `json:"auto_fixable"`
	Timestamp   time.Time     `json:"timestamp"`
}

// GuardianStats summarizes a guardian pipeline's activity.
type GuardianStats struct {
	ScansCompleted   int64
	CountBySeverity  map[Severity]int64
	TotalScanTime    time.Duration
}
