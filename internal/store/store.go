// Package store implements the Session Store (S): append-only persistence
// for turns, audit entries, and consolidation-log rows, plus idempotent
// upsert storage for the patterns the Pattern Consolidator produces
// (samskaras, vasanas, vidhis).
//
// The interface shape — CRUD over a Session plus an append-only turn
// history — is grounded on the teacher's internal/sessions/store.go
// (Store.Create/Get/Update/Delete plus AppendMessage/GetHistory); this
// package generalizes "messages" to "turns" and adds the pattern and audit
// tables spec.md §4.8 calls for that the teacher's chat-session store has
// no equivalent of.
package store

import (
	"context"
	"errors"

	"github.com/canopyrt/canopy/pkg/models"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrNonMonotonicTurn is returned by AppendTurn when an explicit turn
// number is not exactly one past the session's current last turn.
var ErrNonMonotonicTurn = errors.New("store: turn number is not monotonic")

// Store is the Session Store's full interface: session CRUD, append-only
// turn history, idempotent pattern upsert/list, and append-only audit and
// consolidation logs.
type Store interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	RecentSessions(ctx context.Context, limit int) ([]*models.Session, error)

	// AppendTurn inserts turn at the next monotonic turn number for its
	// session. If turn.Number is zero, the next number is assigned
	// automatically and written back onto turn; otherwise turn.Number must
	// equal the session's current turn count + 1.
	AppendTurn(ctx context.Context, turn *models.Turn) error
	ListTurns(ctx context.Context, sessionID string) ([]*models.Turn, error)

	UpsertSamskara(ctx context.Context, s *models.Samskara) error
	ListSamskaras(ctx context.Context, project string) ([]*models.Samskara, error)

	UpsertVasana(ctx context.Context, v *models.Vasana) error
	ListVasanas(ctx context.Context, project string) ([]*models.Vasana, error)

	UpsertVidhi(ctx context.Context, v *models.Vidhi) error
	ListVidhis(ctx context.Context, project string) ([]*models.Vidhi, error)

	WriteAudit(ctx context.Context, entry *models.AuditEntry) error
	LogConsolidation(ctx context.Context, entry ConsolidationLogRow) error

	Close() error
}

// ConsolidationLogRow mirrors consolidate.ConsolidationLogEntry without
// internal/store importing internal/consolidate's package identity for
// anything beyond this plain data shape (see adapter.go, which does import
// it, for the conversion boundary).
type ConsolidationLogRow struct {
	Timestamp       int64 // unix millis
	SamskarasFound  int
	VasanasTouched  int
	VasanasDecayed  int
	VidhisMined     int
	DurationMs      int64
}
