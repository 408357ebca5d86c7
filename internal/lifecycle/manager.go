// Package lifecycle implements the agent tree supervisor: heartbeat
// registration and liveness tracking, bounded kill cascades, spawn-limit
// enforcement, and the self-rescheduling healTree sweep.
//
// The agent map and sweep scheduler follow the shape of a heartbeat status
// registry plus a self-rescheduling timer, generalized from a per-message
// liveness tracker to a full parent/child agent tree.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canopyrt/canopy/internal/observability"
	"github.com/canopyrt/canopy/pkg/models"
)

// System-wide hard ceilings that no configuration may exceed.
const (
	SystemMaxDepth   = 10
	SystemMaxFanOut  = 16
)

// ErrDisposed is returned by every mutating operation once the manager has
// been disposed.
var ErrDisposed = fmt.Errorf("lifecycle: manager disposed")

// Config configures a Manager. Zero values fall back to conservative defaults.
type Config struct {
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	DeadThreshold     time.Duration
	GlobalMaxAgents   int
	BudgetDecayFactor float64
	MaxAgentDepth     int
	MaxSubAgents      int
	MinSpawnBudget    int64
	OrphanPolicy      models.OrphanPolicy

	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 30 * time.Second
	}
	if c.DeadThreshold <= 0 {
		c.DeadThreshold = 120 * time.Second
	}
	if c.GlobalMaxAgents <= 0 {
		c.GlobalMaxAgents = 64
	}
	if c.BudgetDecayFactor <= 0 || c.BudgetDecayFactor > 1 {
		c.BudgetDecayFactor = 0.5
	}
	if c.MaxAgentDepth <= 0 || c.MaxAgentDepth > SystemMaxDepth {
		c.MaxAgentDepth = SystemMaxDepth
	}
	if c.MaxSubAgents <= 0 || c.MaxSubAgents > SystemMaxFanOut {
		c.MaxSubAgents = SystemMaxFanOut
	}
	if c.MinSpawnBudget <= 0 {
		c.MinSpawnBudget = 1
	}
	if c.OrphanPolicy == "" {
		c.OrphanPolicy = models.OrphanCascade
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// HeartbeatUpdate carries the optional fields recordHeartbeat may merge.
type HeartbeatUpdate struct {
	TurnCount  *int
	TokenUsage *int64
}

// Manager is the Lifecycle Manager (L).
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	agents   map[string]*models.HeartbeatRecord
	children map[string]map[string]struct{} // parentID -> set of childIDs
	observers []models.StatusChangeObserver
	disposed bool

	sweepMu      sync.Mutex
	sweepTimer   *time.Timer
	sweepRunning bool
	stopMonitor  chan struct{}

	metrics *observability.Metrics
}

// New creates a Manager.
func New(cfg Config, metrics *observability.Metrics) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		agents:   make(map[string]*models.HeartbeatRecord),
		children: make(map[string]map[string]struct{}),
		metrics:  metrics,
	}
}

// Subscribe registers a status-change observer. Observers are invoked in
// registration order; a panicking observer is recovered and does not affect
// later observers or the sweep.
func (m *Manager) Subscribe(obs models.StatusChangeObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

func (m *Manager) notify(agentID string, oldStatus, newStatus models.AgentStatus, parentID string) {
	for _, obs := range m.observers {
		func() {
			defer func() { _ = recover() }()
			obs(agentID, oldStatus, newStatus, parentID)
		}()
	}
}

func (m *Manager) now() time.Time { return m.cfg.Clock() }

// RegisterAgent inserts a new heartbeat record. Fails with an error if the
// agentId is already present, leaving existing state unchanged.
func (m *Manager) RegisterAgent(hb *models.HeartbeatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	if _, exists := m.agents[hb.AgentID]; exists {
		return fmt.Errorf("lifecycle: agent %q already registered", hb.AgentID)
	}
	rec := hb.Clone()
	if rec.Status == "" {
		rec.Status = models.AgentAlive
	}
	if rec.LastBeat.IsZero() {
		rec.LastBeat = m.now()
	}
	m.agents[rec.AgentID] = rec
	if rec.ParentID != "" {
		if m.children[rec.ParentID] == nil {
			m.children[rec.ParentID] = make(map[string]struct{})
		}
		m.children[rec.ParentID][rec.AgentID] = struct{}{}
	}
	if m.metrics != nil {
		m.metrics.AgentsByStatus.WithLabelValues(string(rec.Status)).Inc()
	}
	return nil
}

// RecordHeartbeat updates lastBeat to now; if status was stale it resets to
// alive; merges optional turnCount/tokenUsage fields.
func (m *Manager) RecordHeartbeat(id string, partial *HeartbeatUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	rec, ok := m.agents[id]
	if !ok {
		return nil
	}
	old := rec.Status
	rec.LastBeat = m.now()
	if rec.Status == models.AgentStale {
		rec.Status = models.AgentAlive
	}
	if partial != nil {
		if partial.TurnCount != nil {
			rec.TurnCount = *partial.TurnCount
		}
		if partial.TokenUsage != nil {
			rec.TokenUsage = *partial.TokenUsage
		}
	}
	if old != rec.Status {
		m.notify(id, old, rec.Status, rec.ParentID)
	}
	return nil
}

func (m *Manager) transition(rec *models.HeartbeatRecord, newStatus models.AgentStatus) {
	old := rec.Status
	if old == newStatus {
		return
	}
	rec.Status = newStatus
	if m.metrics != nil {
		m.metrics.AgentsByStatus.WithLabelValues(string(old)).Dec()
		m.metrics.AgentsByStatus.WithLabelValues(string(newStatus)).Inc()
	}
	m.notify(rec.AgentID, old, newStatus, rec.ParentID)
}

// MarkCompleted transitions an agent to completed.
func (m *Manager) MarkCompleted(id string) error { return m.setStatus(id, models.AgentCompleted, "") }

// MarkError transitions an agent to error.
func (m *Manager) MarkError(id string) error { return m.setStatus(id, models.AgentError, "") }

// ReportStuck sets status to stale and records the reason.
func (m *Manager) ReportStuck(id, reason string) error {
	return m.setStatus(id, models.AgentStale, reason)
}

func (m *Manager) setStatus(id string, status models.AgentStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return ErrDisposed
	}
	rec, ok := m.agents[id]
	if !ok {
		return nil
	}
	if reason != "" {
		rec.StuckReason = reason
	}
	m.transition(rec, status)
	return nil
}

// isAncestorLocked reports whether ancestorID is a (possibly indirect)
// ancestor of targetID. Linear in depth, bounded by SystemMaxDepth.
func (m *Manager) isAncestorLocked(ancestorID, targetID string) bool {
	cur, ok := m.agents[targetID]
	if !ok {
		return false
	}
	for i := 0; i < SystemMaxDepth+1 && cur.ParentID != ""; i++ {
		if cur.ParentID == ancestorID {
			return true
		}
		parent, ok := m.agents[cur.ParentID]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}

// HealAgent transitions target to alive. Allowed only if healer is an
// ancestor of target and target is stale or error.
func (m *Manager) HealAgent(healerID, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return false, ErrDisposed
	}
	target, ok := m.agents[targetID]
	if !ok {
		return false, nil
	}
	if !m.isAncestorLocked(healerID, targetID) {
		return false, nil
	}
	if target.Status != models.AgentStale && target.Status != models.AgentError {
		return false, nil
	}
	m.transition(target, models.AgentAlive)
	return true, nil
}

// descendantsDepthDesc returns targetID's full descendant set (not including
// targetID) ordered by depth descending (leaves first).
func (m *Manager) descendantsDepthDesc(targetID string) []string {
	var out []string
	var walk func(id string)
	walk = func(id string) {
		for childID := range m.children[id] {
			out = append(out, childID)
			walk(childID)
		}
	}
	walk(targetID)
	sort.SliceStable(out, func(i, j int) bool {
		return m.agents[out[i]].Depth > m.agents[out[j]].Depth
	})
	return out
}

// KillAgent computes the descendant set of target, transitions every
// descendant then target to killed (leaves first), and returns freed tokens.
func (m *Manager) KillAgent(killerID, targetID string) (*models.KillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	target, ok := m.agents[targetID]
	if !ok {
		return &models.KillResult{Success: false, Reason: "unknown target"}, nil
	}
	if !m.isAncestorLocked(killerID, targetID) {
		return &models.KillResult{Success: false, Reason: "killer is not an ancestor of target"}, nil
	}
	if target.Status == models.AgentKilled || target.Status == models.AgentCompleted {
		return &models.KillResult{Success: false, Reason: "target already killed or completed"}, nil
	}

	order := m.descendantsDepthDesc(targetID)
	order = append(order, targetID)

	var freed int64
	var killedIDs []string
	for _, id := range order {
		rec := m.agents[id]
		if rec.Status == models.AgentKilled {
			continue
		}
		freed += rec.TokenBudget - rec.TokenUsage
		m.transition(rec, models.AgentKilled)
		killedIDs = append(killedIDs, id)
	}
	if freed < 0 {
		freed = 0
	}
	return &models.KillResult{Success: true, KilledIDs: killedIDs, FreedTokens: freed}, nil
}

func (m *Manager) directChildCountAliveLocked(parentID string) int {
	n := 0
	for childID := range m.children[parentID] {
		if rec, ok := m.agents[childID]; ok && rec.Status == models.AgentAlive {
			n++
		}
	}
	return n
}

// CanSpawn checks all four spawn limits plus parent status.
func (m *Manager) CanSpawn(parentID string) models.SpawnCheck {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return models.SpawnCheck{Allowed: false, Reason: "disposed"}
	}
	parent, ok := m.agents[parentID]
	if !ok {
		return models.SpawnCheck{Allowed: false, Reason: "unknown parent"}
	}
	if parent.Status != models.AgentAlive {
		return models.SpawnCheck{Allowed: false, Reason: "parent is not alive"}
	}
	if parent.Depth+1 > SystemMaxDepth || parent.Depth+1 > m.cfg.MaxAgentDepth {
		return models.SpawnCheck{Allowed: false, Reason: "max depth exceeded"}
	}
	maxFanOut := SystemMaxFanOut
	if m.cfg.MaxSubAgents < maxFanOut {
		maxFanOut = m.cfg.MaxSubAgents
	}
	if m.directChildCountAliveLocked(parentID) >= maxFanOut {
		return models.SpawnCheck{Allowed: false, Reason: "max fan-out exceeded"}
	}
	if m.globalLiveCountLocked() >= m.cfg.GlobalMaxAgents {
		return models.SpawnCheck{Allowed: false, Reason: "global agent limit exceeded"}
	}
	childBudget := m.computeChildBudgetLocked(parent)
	if childBudget < m.cfg.MinSpawnBudget {
		return models.SpawnCheck{Allowed: false, Reason: "insufficient token budget for child"}
	}
	return models.SpawnCheck{Allowed: true}
}

func (m *Manager) globalLiveCountLocked() int {
	n := 0
	for _, rec := range m.agents {
		if rec.Status == models.AgentAlive || rec.Status == models.AgentStale {
			n++
		}
	}
	return n
}

func (m *Manager) computeChildBudgetLocked(parent *models.HeartbeatRecord) int64 {
	return int64(float64(parent.TokenBudget) * m.cfg.BudgetDecayFactor)
}

// ComputeChildBudget returns floor(parent.tokenBudget * decayFactor).
func (m *Manager) ComputeChildBudget(parentID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	parent, ok := m.agents[parentID]
	if !ok {
		return 0, fmt.Errorf("lifecycle: unknown parent %q", parentID)
	}
	return m.computeChildBudgetLocked(parent), nil
}

// Get returns a defensive copy of an agent's record, or nil if unknown.
func (m *Manager) Get(id string) *models.HeartbeatRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

// Snapshot returns defensive copies of every tracked agent.
func (m *Manager) Snapshot() []*models.HeartbeatRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.HeartbeatRecord, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec.Clone())
	}
	return out
}

// reapLocked removes id from the tracked agent map and children index. Caller
// holds m.mu. The AgentsByStatus gauge is decremented since the agent is no
// longer tracked in any status bucket.
func (m *Manager) reapLocked(id string, rec *models.HeartbeatRecord) {
	delete(m.agents, id)
	delete(m.children, id)
	if m.metrics != nil {
		m.metrics.AgentsByStatus.WithLabelValues(string(rec.Status)).Dec()
	}
}

// HealTree runs one sweep: stale/dead promotion, dead-subtree kill, reap,
// orphan handling, and over-budget kill.
func (m *Manager) HealTree() *models.HealReport {
	start := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	report := &models.HealReport{}
	if m.disposed {
		report.Duration = m.now().Sub(start)
		return report
	}

	now := m.now()

	// 1. Promote alive->stale->dead by elapsed time since last beat.
	for _, rec := range m.agents {
		if rec.Status == models.AgentAlive && now.Sub(rec.LastBeat) >= m.cfg.StaleThreshold {
			m.transition(rec, models.AgentStale)
			report.StaleCount++
		}
		if rec.Status == models.AgentStale && now.Sub(rec.LastBeat) >= m.cfg.DeadThreshold {
			m.transition(rec, models.AgentDead)
			report.DeadCount++
		}
	}

	// 2. Dead agents take their descendants down with them.
	for id, rec := range m.agents {
		if rec.Status != models.AgentDead {
			continue
		}
		for _, descID := range m.descendantsDepthDesc(id) {
			if desc, ok := m.agents[descID]; ok && desc.Status != models.AgentKilled {
				m.transition(desc, models.AgentKilled)
			}
		}
	}

	// 3. Reap dead and killed agents.
	for id, rec := range m.agents {
		if rec.Status == models.AgentDead || rec.Status == models.AgentKilled {
			report.ReapedIDs = append(report.ReapedIDs, id)
			m.reapLocked(id, rec)
			if parentSet, ok := m.children[rec.ParentID]; ok {
				delete(parentSet, id)
			}
		}
	}
	sort.Strings(report.ReapedIDs)

	// 4. Handle orphans per configured policy.
	for id, rec := range m.agents {
		if rec.ParentID == "" {
			continue
		}
		if _, ok := m.agents[rec.ParentID]; ok {
			continue
		}
		report.OrphansHandled++
		switch m.cfg.OrphanPolicy {
		case models.OrphanReparent:
			// Nearest live ancestor is unreachable (parent gone); promote to root.
			rec.ParentID = ""
			rec.Depth = 0
		case models.OrphanPromote:
			rec.ParentID = ""
			rec.Depth = 0
		default: // cascade
			for _, descID := range m.descendantsDepthDesc(id) {
				if desc, ok := m.agents[descID]; ok {
					m.transition(desc, models.AgentKilled)
				}
			}
			m.transition(rec, models.AgentKilled)
		}
	}
	// Reap any newly-killed orphans from the cascade branch.
	for id, rec := range m.agents {
		if rec.Status == models.AgentKilled {
			report.ReapedIDs = append(report.ReapedIDs, id)
			m.reapLocked(id, rec)
		}
	}

	// 5. Over-budget kill.
	for id, rec := range m.agents {
		if rec.Status == models.AgentAlive && rec.TokenUsage > rec.TokenBudget {
			m.transition(rec, models.AgentKilled)
			report.OverBudgetKilled++
			report.ReapedIDs = append(report.ReapedIDs, id)
			m.reapLocked(id, rec)
		}
	}

	report.Duration = m.now().Sub(start)
	if m.metrics != nil {
		m.metrics.SweepDuration.Observe(report.Duration.Seconds())
	}
	return report
}

// StartMonitoring begins the self-rescheduling healTree sweep. The timer
// reschedules itself after each sweep completes using an elapsed-adjusted
// delay so sweeps never overlap, and stops cleanly when ctx is done or
// StopMonitoring is called.
func (m *Manager) StartMonitoring(ctx context.Context) {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if m.sweepRunning {
		return
	}
	m.sweepRunning = true
	m.stopMonitor = make(chan struct{})
	stop := m.stopMonitor

	var schedule func()
	schedule = func() {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}
		m.sweepTimer = time.AfterFunc(m.cfg.HeartbeatInterval, func() {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
			}
			sweepStart := m.now()
			m.HealTree()
			elapsed := m.now().Sub(sweepStart)
			delay := m.cfg.HeartbeatInterval - elapsed
			if delay < 0 {
				delay = 0
			}
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			default:
				m.sweepMu.Lock()
				if m.sweepRunning {
					m.sweepTimer = time.AfterFunc(delay, func() { schedule() })
				}
				m.sweepMu.Unlock()
			}
		})
	}
	schedule()
}

// StopMonitoring stops the periodic sweep. It does not dispose the manager.
func (m *Manager) StopMonitoring() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	if !m.sweepRunning {
		return
	}
	m.sweepRunning = false
	close(m.stopMonitor)
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}
}

// Dispose force-transitions every alive/stale agent to killed, notifies
// observers, and clears the heartbeat map. Subsequent mutating calls fail
// with ErrDisposed.
func (m *Manager) Dispose() {
	m.StopMonitoring()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	for _, rec := range m.agents {
		if rec.Status == models.AgentAlive || rec.Status == models.AgentStale {
			m.transition(rec, models.AgentKilled)
		}
	}
	m.agents = make(map[string]*models.HeartbeatRecord)
	m.children = make(map[string]map[string]struct{})
	m.disposed = true
	if m.metrics != nil {
		m.metrics.AgentsByStatus.Reset()
	}
}
