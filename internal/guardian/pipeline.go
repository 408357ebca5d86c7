package guardian

import (
	"sync"
	"time"

	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// ToolObservation is what each guardian scans after a tool execution.
type ToolObservation struct {
	ToolName       string
	Args           map[string]any
	Output         string
	Err            string
	DurationMs     int64
	ContextUsedPct float64
	TokensThisTurn int64
	TurnNumber     int
	UserMessage    string
}

// Guardian is the dynamic-dispatch shape every scanner implements (spec.md
// §9: a guardian is a (metadata, scanner) pair; the metadata here is the
// guardian's id and owned ring, Scan is the scanner function).
type Guardian interface {
	ID() string
	Ring() *Ring
	Scan(obs ToolObservation, now time.Time) []models.Finding
}

// Listener receives critical findings broadcast from the pipeline. A
// panicking listener is recovered and does not affect other listeners or
// later scans (spec.md §4.4).
type Listener func(models.Finding)

// Config configures a Pipeline.
type Config struct {
	RingCapacity        int
	ConfidenceThreshold float64
	TokenThreshold      int64
	Clock               func() time.Time
}

func (c Config) withDefaults() Config {
	if c.RingCapacity <= 0 {
		c.RingCapacity = defaultRingSize
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.5
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Pipeline runs the three guardians against every tool execution and
// exposes the combined query API.
type Pipeline struct {
	cfg Config

	security    *SecurityGuardian
	performance *PerformanceGuardian
	correctness *CorrectnessGuardian
	guardians   []Guardian

	mu             sync.RWMutex
	listeners      []Listener
	scansCompleted int64
	totalScanTime  time.Duration
	countBySev     map[models.Severity]int64

	metrics *observability.Metrics
}

// New creates a Pipeline with one ring per guardian.
func New(cfg Config, metrics *observability.Metrics) *Pipeline {
	cfg = cfg.withDefaults()
	sec := NewSecurityGuardian(cfg.RingCapacity, cfg.ConfidenceThreshold)
	perf := NewPerformanceGuardian(cfg.RingCapacity, cfg.ConfidenceThreshold, cfg.TokenThreshold)
	cor := NewCorrectnessGuardian(cfg.RingCapacity, cfg.ConfidenceThreshold)
	return &Pipeline{
		cfg:         cfg,
		security:    sec,
		performance: perf,
		correctness: cor,
		guardians:   []Guardian{sec, perf, cor},
		countBySev:  make(map[models.Severity]int64),
		metrics:     metrics,
	}
}

// Subscribe registers a listener invoked once per critical finding.
func (p *Pipeline) Subscribe(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Scan runs all three guardians against obs. Findings preserve per-guardian
// emission order; the returned slice is each guardian's findings
// concatenated, security first, then performance, then correctness — callers
// needing the combined newest-first view should call AllFindings instead.
func (p *Pipeline) Scan(obs ToolObservation) []models.Finding {
	start := p.cfg.Clock()
	var all []models.Finding
	for _, g := range p.guardians {
		findings := g.Scan(obs, start)
		all = append(all, findings...)
	}
	elapsed := p.cfg.Clock().Sub(start)

	p.mu.Lock()
	p.scansCompleted++
	p.totalScanTime += elapsed
	for _, f := range all {
		p.countBySev[f.Severity]++
	}
	listeners := append([]Listener(nil), p.listeners...)
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.GuardianScanDuration.Observe(elapsed.Seconds())
		for _, f := range all {
			p.metrics.RecordGuardianFinding(string(f.Domain), string(f.Severity))
		}
	}

	for _, f := range all {
		if f.Severity != models.SeverityCritical {
			continue
		}
		for _, l := range listeners {
			broadcast(l, f)
		}
	}
	return all
}

func broadcast(l Listener, f models.Finding) {
	defer func() { _ = recover() }()
	l(f)
}

// AllFindings returns the union of every guardian's ring, sorted
// newest-first, optionally capped to limit entries.
func (p *Pipeline) AllFindings(limit int) []models.Finding {
	var all []models.Finding
	for _, g := range p.guardians {
		all = append(all, g.Ring().Snapshot()...)
	}
	sortFindingsNewestFirst(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// FindingsByDomain returns all findings from the ring belonging to that
// domain, newest-first.
func (p *Pipeline) FindingsByDomain(domain models.FindingDomain) []models.Finding {
	var out []models.Finding
	for _, g := range p.guardians {
		for _, f := range g.Ring().Snapshot() {
			if f.Domain == domain {
				out = append(out, f)
			}
		}
	}
	sortFindingsNewestFirst(out)
	return out
}

// CriticalFindings returns every currently-held critical-severity finding,
// newest-first.
func (p *Pipeline) CriticalFindings() []models.Finding {
	var out []models.Finding
	for _, f := range p.AllFindings(0) {
		if f.Severity == models.SeverityCritical {
			out = append(out, f)
		}
	}
	return out
}

// Stats reports scans completed, counts by severity, and total scan time.
func (p *Pipeline) Stats() models.GuardianStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	counts := make(map[models.Severity]int64, len(p.countBySev))
	for k, v := range p.countBySev {
		counts[k] = v
	}
	return models.GuardianStats{
		ScansCompleted:  p.scansCompleted,
		CountBySeverity: counts,
		TotalScanTime:   p.totalScanTime,
	}
}
