// Package consolidate implements the Pattern Consolidator (V): an offline
// "dream cycle" that replays recent sessions, recombines them into
// candidate patterns (samskaras), crystallizes stable ones into durable
// tendencies (vasanas) via a BOCPD stability check, mines parameterized
// procedures (vidhis) by anti-unifying repeated tool-call sequences, and
// compresses state between cycles.
//
// The idle-triggered, self-rescheduling state machine is grounded on the
// Lifecycle Manager's healTree sweep (internal/lifecycle/manager.go,
// StartMonitoring/StopMonitoring): a time.AfterFunc that reschedules itself
// with an elapsed-adjusted delay and never overlaps. BOCPD/holdout-validation
// numerics have no teacher precedent and are implemented directly against
// spec.md §4.6 on the standard library (see DESIGN.md).
package consolidate

import (
	"context"
	"sync"
	"time"

	"github.com/canopyrt/canopy/internal/observability"
)

// State is the consolidator's current activity state.
type State string

const (
	StateListening State = "LISTENING"
	StateDreaming  State = "DREAMING"
	StateDeepSleep State = "DEEP_SLEEP"
)

// ConsolidationLogEntry is one append-only audit row written at the end of
// a dream cycle's COMPRESS phase.
type ConsolidationLogEntry struct {
	Timestamp      time.Time
	SamskarasFound int
	VasanasTouched int
	VasanasDecayed int
	VidhisMined    int
	DurationMs     int64
}

// AuditLogger receives one entry per completed dream cycle.
type AuditLogger interface {
	LogConsolidation(entry ConsolidationLogEntry)
}

// Config configures the Consolidator.
type Config struct {
	IdleThreshold       time.Duration // idle time before LISTENING -> DREAMING
	DeepSleepThreshold  time.Duration // additional idle time before DREAMING -> DEEP_SLEEP
	PollInterval        time.Duration // self-rescheduling timer tick while LISTENING
	MaxSessionsPerCycle int

	Crystallize   CrystallizeConfig
	Proceduralize ProceduralizeConfig

	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 5 * time.Minute
	}
	if c.DeepSleepThreshold <= 0 {
		c.DeepSleepThreshold = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.MaxSessionsPerCycle <= 0 {
		c.MaxSessionsPerCycle = 50
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Consolidator runs the five-phase dream cycle (REPLAY, RECOMBINE,
// CRYSTALLIZE, PROCEDURALIZE, COMPRESS) whenever the system has been idle
// for IdleThreshold, self-rescheduling like the Lifecycle Manager's sweep.
type Consolidator struct {
	mu          sync.Mutex
	cfg         Config
	state       State
	lastActive  time.Time
	dreaming    bool // process-wide exclusion: a second transition to DREAMING is rejected
	audit       AuditLogger

	sessions SessionSource
	samStore *SamskaraStore
	crystal  *Crystallizer
	vidhis   *VidhiStore

	timerMu     sync.Mutex
	timer       *time.Timer
	running     bool
	stopMonitor chan struct{}

	metrics *observability.Metrics
}

// New creates a Consolidator reading from sessions and logging to audit
// (either may be nil; a nil AuditLogger simply skips the COMPRESS log row).
func New(cfg Config, sessions SessionSource, audit AuditLogger, metrics *observability.Metrics) *Consolidator {
	cfg = cfg.withDefaults()
	return &Consolidator{
		cfg:        cfg,
		state:      StateListening,
		lastActive: cfg.Clock(),
		audit:      audit,
		sessions:   sessions,
		samStore:   NewSamskaraStore(),
		crystal:    NewCrystallizer(cfg.Crystallize, metrics),
		vidhis:     NewVidhiStore(cfg.Proceduralize),
		metrics:    metrics,
	}
}

func (c *Consolidator) now() time.Time { return c.cfg.Clock() }

// Touch records activity, resetting the idle clock and dropping back to
// LISTENING if a dream cycle is not already in progress.
func (c *Consolidator) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = c.now()
	if c.state != StateDreaming {
		c.state = StateListening
	}
}

// CurrentState returns the consolidator's current activity state.
func (c *Consolidator) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Samskaras returns the RECOMBINE-phase pattern store.
func (c *Consolidator) Samskaras() *SamskaraStore { return c.samStore }

// Vasanas returns the CRYSTALLIZE-phase tendency store.
func (c *Consolidator) Vasanas() *VasanaStore { return c.crystal.Vasanas() }

// Vidhis returns the PROCEDURALIZE-phase procedure store.
func (c *Consolidator) Vidhis() *VidhiStore { return c.vidhis }

// StartMonitoring begins the self-rescheduling idle poll that triggers dream
// cycles. Mirrors the Lifecycle Manager's StartMonitoring/StopMonitoring
// shape.
func (c *Consolidator) StartMonitoring(ctx context.Context) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopMonitor = make(chan struct{})
	stop := c.stopMonitor

	var schedule func()
	schedule = func() {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
		c.timer = time.AfterFunc(c.cfg.PollInterval, func() {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
			}
			tickStart := c.now()
			c.checkIdle()
			elapsed := c.now().Sub(tickStart)
			delay := c.cfg.PollInterval - elapsed
			if delay < 0 {
				delay = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
				c.timerMu.Lock()
				if c.running {
					c.timer = time.AfterFunc(delay, func() { schedule() })
				}
				c.timerMu.Unlock()
			}
		})
	}
	schedule()
}

// StopMonitoring stops the idle poll without running a final cycle.
func (c *Consolidator) StopMonitoring() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopMonitor)
	if c.timer != nil {
		c.timer.Stop()
	}
}

// checkIdle transitions LISTENING -> DREAMING once idle time crosses
// IdleThreshold, runs one dream cycle, then transitions to DEEP_SLEEP if
// idle time also crosses DeepSleepThreshold, else back to LISTENING.
func (c *Consolidator) checkIdle() {
	c.mu.Lock()
	idle := c.now().Sub(c.lastActive)
	if c.state == StateDreaming || idle < c.cfg.IdleThreshold {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if !c.beginDreaming() {
		return // another cycle is already in progress; rejected, not queued
	}
	defer c.endDreaming()

	c.RunCycle()

	c.mu.Lock()
	if c.now().Sub(c.lastActive) >= c.cfg.DeepSleepThreshold {
		c.state = StateDeepSleep
	} else {
		c.state = StateListening
	}
	c.mu.Unlock()
}

// beginDreaming enforces the process-wide mutual exclusion: only one dream
// cycle may run at a time, and a concurrent attempt is rejected outright
// rather than queued.
func (c *Consolidator) beginDreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dreaming {
		return false
	}
	c.dreaming = true
	c.state = StateDreaming
	return true
}

func (c *Consolidator) endDreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dreaming = false
}

// RunCycle runs the five dream-cycle phases in order: REPLAY, RECOMBINE,
// CRYSTALLIZE, PROCEDURALIZE, COMPRESS. Safe to call directly (e.g. from a
// CLI "consolidate" command) outside of the idle-triggered timer, but the
// caller is then responsible for the mutual-exclusion contract.
func (c *Consolidator) RunCycle() ConsolidationLogEntry {
	start := c.now()

	sessions := c.phaseReplay()
	samskarasFound := c.phaseRecombine(sessions)
	vasanasTouched := c.phaseCrystallize()
	vidhisMined := c.phaseProceduralize(sessions)
	vasanasDecayed := c.phaseCompress()

	entry := ConsolidationLogEntry{
		Timestamp:      c.now(),
		SamskarasFound: samskarasFound,
		VasanasTouched: vasanasTouched,
		VasanasDecayed: vasanasDecayed,
		VidhisMined:    vidhisMined,
		DurationMs:     c.now().Sub(start).Milliseconds(),
	}
	if c.audit != nil {
		c.audit.LogConsolidation(entry)
	}
	return entry
}

func (c *Consolidator) observeDuration(phase string, start time.Time) {
	if c.metrics == nil {
		return
	}
	obs := c.metrics.DreamPhaseDuration(phase)
	if obs != nil {
		obs.Observe(c.now().Sub(start).Seconds())
	}
}

func (c *Consolidator) phaseReplay() []Session {
	start := c.now()
	defer c.observeDuration("REPLAY", start)
	if c.sessions == nil {
		return nil
	}
	return c.sessions.RecentSessions(c.cfg.MaxSessionsPerCycle)
}

func (c *Consolidator) phaseRecombine(sessions []Session) int {
	start := c.now()
	defer c.observeDuration("RECOMBINE", start)
	before := len(c.samStore.All())
	Recombine(c.samStore, sessions)
	return len(c.samStore.All()) - before
}

func (c *Consolidator) phaseCrystallize() int {
	start := c.now()
	defer c.observeDuration("CRYSTALLIZE", start)
	touched := c.crystal.Run(c.samStore)
	return len(touched)
}

func (c *Consolidator) phaseProceduralize(sessions []Session) int {
	start := c.now()
	defer c.observeDuration("PROCEDURALIZE", start)
	mined := Proceduralize(c.vidhis, sessions)
	return len(mined)
}

// phaseCompress decays vasana strength and deletes dead ones; sliding
// per-tool history truncation lives in the Metacognition Engine, which owns
// that state directly.
func (c *Consolidator) phaseCompress() int {
	start := c.now()
	defer c.observeDuration("COMPRESS", start)
	deleted := c.crystal.Decay()
	return len(deleted)
}
