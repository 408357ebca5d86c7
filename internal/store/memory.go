package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canopyrt/canopy/pkg/models"
)

// MemoryStore is an in-memory Store, for testing and local runs without a
// database, following the shape of the teacher's own MemoryStore
// (internal/sessions/memory.go: mutex-guarded maps, copy-on-read/write so
// callers can't mutate internal state through a returned pointer).
type MemoryStore struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	order    []string // session ids, insertion order, for RecentSessions

	turns map[string][]*models.Turn // session id -> turns, ordered by Number

	samskaras map[string]*models.Samskara
	vasanas   map[string]*models.Vasana
	vidhis    map[string]*models.Vidhi

	audit         []*models.AuditEntry
	consolidation []ConsolidationLogRow
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  map[string]*models.Session{},
		turns:     map[string][]*models.Turn{},
		samskaras: map[string]*models.Samskara{},
		vasanas:   map[string]*models.Vasana{},
		vidhis:    map[string]*models.Vidhi{},
	}
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("store: session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := cloneSession(session)
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.UpdatedAt = clone.CreatedAt
	session.ID = clone.ID
	session.CreatedAt = clone.CreatedAt
	session.UpdatedAt = clone.UpdatedAt

	if _, exists := m.sessions[clone.ID]; !exists {
		m.order = append(m.order, clone.ID)
	}
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

// RecentSessions returns up to limit sessions, most recently updated first.
func (m *MemoryStore) RecentSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*models.Session, 0, len(m.sessions))
	for _, id := range m.order {
		all = append(all, m.sessions[id])
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*models.Session, len(all))
	for i, s := range all {
		out[i] = cloneSession(s)
	}
	return out, nil
}

func (m *MemoryStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.SessionID == "" {
		return fmt.Errorf("store: turn with session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.turns[turn.SessionID]
	next := len(existing) + 1
	if turn.Number == 0 {
		turn.Number = next
	} else if turn.Number != next {
		return ErrNonMonotonicTurn
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	clone := *turn
	m.turns[turn.SessionID] = append(existing, &clone)

	if s, ok := m.sessions[turn.SessionID]; ok {
		s.UpdatedAt = clone.Timestamp
	}
	return nil
}

func (m *MemoryStore) ListTurns(ctx context.Context, sessionID string) ([]*models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.turns[sessionID]
	out := make([]*models.Turn, len(src))
	for i, t := range src {
		c := *t
		out[i] = &c
	}
	return out, nil
}

func (m *MemoryStore) UpsertSamskara(ctx context.Context, s *models.Samskara) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("store: samskara id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.samskaras[s.ID] = &c
	return nil
}

func (m *MemoryStore) ListSamskaras(ctx context.Context, project string) ([]*models.Samskara, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Samskara
	for _, s := range m.samskaras {
		if project == "" || s.Project == project {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertVasana(ctx context.Context, v *models.Vasana) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("store: vasana id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *v
	c.SourceSamskaras = append([]string(nil), v.SourceSamskaras...)
	m.vasanas[v.ID] = &c
	return nil
}

func (m *MemoryStore) ListVasanas(ctx context.Context, project string) ([]*models.Vasana, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Vasana
	for _, v := range m.vasanas {
		if project == "" || v.Project == project {
			c := *v
			c.SourceSamskaras = append([]string(nil), v.SourceSamskaras...)
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpsertVidhi(ctx context.Context, v *models.Vidhi) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("store: vidhi id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *v
	m.vidhis[v.ID] = &c
	return nil
}

func (m *MemoryStore) ListVidhis(ctx context.Context, project string) ([]*models.Vidhi, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Vidhi
	for _, v := range m.vidhis {
		if project == "" || v.Project == project {
			c := *v
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) WriteAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("store: audit entry is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *entry
	m.audit = append(m.audit, &c)
	return nil
}

func (m *MemoryStore) LogConsolidation(ctx context.Context, entry ConsolidationLogRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consolidation = append(m.consolidation, entry)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
