package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go driver registered as "sqlite"

	"github.com/canopyrt/canopy/pkg/models"
)

// SQLiteStore is a Store backed by a SQLite database via the pure-Go
// modernc.org/sqlite driver (the teacher's own choice for an embeddable SQL
// store, see internal/memory/backend/sqlitevec/backend.go). Grounded on the
// teacher's CockroachDB-backed session store (internal/sessions/cockroach.go)
// for the CRUD/append shape, translated to SQLite's placeholder and
// upsert syntax.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and applies
// any pending migrations.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY under concurrent access
	migrator, err := NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrator.Up(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("store: session is required")
	}
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, project, title, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.AgentID, session.Project, session.Title, string(metadata), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, project, title, metadata, created_at, updated_at FROM sessions WHERE id = ?
	`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*models.Session, error) {
	var sess models.Session
	var metadata string
	if err := row.Scan(&sess.ID, &sess.AgentID, &sess.Project, &sess.Title, &metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("store: unmarshal session metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *SQLiteStore) RecentSessions(ctx context.Context, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, project, title, metadata, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query recent sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		var sess models.Session
		var metadata string
		if err := rows.Scan(&sess.ID, &sess.AgentID, &sess.Project, &sess.Title, &metadata, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		if metadata != "" {
			if err := json.Unmarshal([]byte(metadata), &sess.Metadata); err != nil {
				return nil, fmt.Errorf("store: unmarshal session metadata: %w", err)
			}
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	if turn == nil || turn.SessionID == "" {
		return fmt.Errorf("store: turn with session id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append turn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns WHERE session_id = ?`, turn.SessionID).Scan(&count); err != nil {
		return fmt.Errorf("store: count turns: %w", err)
	}
	next := count + 1
	if turn.Number == 0 {
		turn.Number = next
	} else if turn.Number != next {
		return ErrNonMonotonicTurn
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	parts, err := json.Marshal(turn.Parts)
	if err != nil {
		return fmt.Errorf("store: marshal turn parts: %w", err)
	}
	cost, err := json.Marshal(turn.Cost)
	if err != nil {
		return fmt.Errorf("store: marshal turn cost: %w", err)
	}
	toolCalls, err := json.Marshal(turn.ToolCalls)
	if err != nil {
		return fmt.Errorf("store: marshal turn tool calls: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (session_id, number, role, parts, timestamp, model_id, cost, tool_calls)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, turn.SessionID, turn.Number, string(turn.Role), string(parts), turn.Timestamp, turn.ModelID, string(cost), string(toolCalls)); err != nil {
		return fmt.Errorf("store: insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, turn.Timestamp, turn.SessionID); err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]*models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, number, role, parts, timestamp, model_id, cost, tool_calls
		FROM turns WHERE session_id = ? ORDER BY number ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query turns: %w", err)
	}
	defer rows.Close()

	var out []*models.Turn
	for rows.Next() {
		var t models.Turn
		var role, parts, cost, toolCalls string
		if err := rows.Scan(&t.SessionID, &t.Number, &role, &parts, &t.Timestamp, &t.ModelID, &cost, &toolCalls); err != nil {
			return nil, fmt.Errorf("store: scan turn: %w", err)
		}
		t.Role = models.Role(role)
		if err := json.Unmarshal([]byte(parts), &t.Parts); err != nil {
			return nil, fmt.Errorf("store: unmarshal turn parts: %w", err)
		}
		if err := json.Unmarshal([]byte(cost), &t.Cost); err != nil {
			return nil, fmt.Errorf("store: unmarshal turn cost: %w", err)
		}
		if err := json.Unmarshal([]byte(toolCalls), &t.ToolCalls); err != nil {
			return nil, fmt.Errorf("store: unmarshal turn tool calls: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSamskara(ctx context.Context, sk *models.Samskara) error {
	if sk == nil || sk.ID == "" {
		return fmt.Errorf("store: samskara id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO samskaras (id, session_id, pattern_type, pattern_content, observation_count, confidence, project)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			pattern_type = excluded.pattern_type,
			pattern_content = excluded.pattern_content,
			observation_count = excluded.observation_count,
			confidence = excluded.confidence,
			project = excluded.project
	`, sk.ID, sk.SessionID, string(sk.PatternType), sk.PatternContent, sk.ObservationCount, sk.Confidence, sk.Project)
	if err != nil {
		return fmt.Errorf("store: upsert samskara: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSamskaras(ctx context.Context, project string) ([]*models.Samskara, error) {
	query := `SELECT id, session_id, pattern_type, pattern_content, observation_count, confidence, project FROM samskaras`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query samskaras: %w", err)
	}
	defer rows.Close()

	var out []*models.Samskara
	for rows.Next() {
		var sk models.Samskara
		var patternType string
		if err := rows.Scan(&sk.ID, &sk.SessionID, &patternType, &sk.PatternContent, &sk.ObservationCount, &sk.Confidence, &sk.Project); err != nil {
			return nil, fmt.Errorf("store: scan samskara: %w", err)
		}
		sk.PatternType = models.PatternType(patternType)
		out = append(out, &sk)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertVasana(ctx context.Context, v *models.Vasana) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("store: vasana id is required")
	}
	sources, err := json.Marshal(v.SourceSamskaras)
	if err != nil {
		return fmt.Errorf("store: marshal vasana sources: %w", err)
	}
	var lastActivated any
	if !v.LastActivated.IsZero() {
		lastActivated = v.LastActivated
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vasanas (id, tendency, description, strength, stability, valence, source_samskaras, reinforcement_count, last_activated, predictive_accuracy, project)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tendency = excluded.tendency,
			description = excluded.description,
			strength = excluded.strength,
			stability = excluded.stability,
			valence = excluded.valence,
			source_samskaras = excluded.source_samskaras,
			reinforcement_count = excluded.reinforcement_count,
			last_activated = excluded.last_activated,
			predictive_accuracy = excluded.predictive_accuracy,
			project = excluded.project
	`, v.ID, v.Tendency, v.Description, v.Strength, v.Stability, string(v.Valence), string(sources), v.ReinforcementCount, lastActivated, v.PredictiveAccuracy, v.Project)
	if err != nil {
		return fmt.Errorf("store: upsert vasana: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVasanas(ctx context.Context, project string) ([]*models.Vasana, error) {
	query := `SELECT id, tendency, description, strength, stability, valence, source_samskaras, reinforcement_count, last_activated, predictive_accuracy, project FROM vasanas`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query vasanas: %w", err)
	}
	defer rows.Close()

	var out []*models.Vasana
	for rows.Next() {
		var v models.Vasana
		var valence, sources string
		var lastActivated sql.NullTime
		if err := rows.Scan(&v.ID, &v.Tendency, &v.Description, &v.Strength, &v.Stability, &valence, &sources, &v.ReinforcementCount, &lastActivated, &v.PredictiveAccuracy, &v.Project); err != nil {
			return nil, fmt.Errorf("store: scan vasana: %w", err)
		}
		v.Valence = models.Valence(valence)
		if lastActivated.Valid {
			v.LastActivated = lastActivated.Time
		}
		if err := json.Unmarshal([]byte(sources), &v.SourceSamskaras); err != nil {
			return nil, fmt.Errorf("store: unmarshal vasana sources: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertVidhi(ctx context.Context, v *models.Vidhi) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("store: vidhi id is required")
	}
	learnedFrom, err := json.Marshal(v.LearnedFrom)
	if err != nil {
		return fmt.Errorf("store: marshal vidhi learned_from: %w", err)
	}
	steps, err := json.Marshal(v.Steps)
	if err != nil {
		return fmt.Errorf("store: marshal vidhi steps: %w", err)
	}
	triggers, err := json.Marshal(v.Triggers)
	if err != nil {
		return fmt.Errorf("store: marshal vidhi triggers: %w", err)
	}
	paramSchema, err := json.Marshal(v.ParameterSchema)
	if err != nil {
		return fmt.Errorf("store: marshal vidhi parameter schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO vidhis (id, project, name, learned_from, confidence, steps, triggers, success_rate, parameter_schema)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			name = excluded.name,
			learned_from = excluded.learned_from,
			confidence = excluded.confidence,
			steps = excluded.steps,
			triggers = excluded.triggers,
			success_rate = excluded.success_rate,
			parameter_schema = excluded.parameter_schema
	`, v.ID, v.Project, v.Name, string(learnedFrom), v.Confidence, string(steps), string(triggers), v.SuccessRate, string(paramSchema))
	if err != nil {
		return fmt.Errorf("store: upsert vidhi: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListVidhis(ctx context.Context, project string) ([]*models.Vidhi, error) {
	query := `SELECT id, project, name, learned_from, confidence, steps, triggers, success_rate, parameter_schema FROM vidhis`
	args := []any{}
	if project != "" {
		query += ` WHERE project = ?`
		args = append(args, project)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query vidhis: %w", err)
	}
	defer rows.Close()

	var out []*models.Vidhi
	for rows.Next() {
		var v models.Vidhi
		var learnedFrom, steps, triggers, paramSchema string
		if err := rows.Scan(&v.ID, &v.Project, &v.Name, &learnedFrom, &v.Confidence, &steps, &triggers, &v.SuccessRate, &paramSchema); err != nil {
			return nil, fmt.Errorf("store: scan vidhi: %w", err)
		}
		if err := json.Unmarshal([]byte(learnedFrom), &v.LearnedFrom); err != nil {
			return nil, fmt.Errorf("store: unmarshal vidhi learned_from: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &v.Steps); err != nil {
			return nil, fmt.Errorf("store: unmarshal vidhi steps: %w", err)
		}
		if err := json.Unmarshal([]byte(triggers), &v.Triggers); err != nil {
			return nil, fmt.Errorf("store: unmarshal vidhi triggers: %w", err)
		}
		if err := json.Unmarshal([]byte(paramSchema), &v.ParameterSchema); err != nil {
			return nil, fmt.Errorf("store: unmarshal vidhi parameter schema: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) WriteAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("store: audit entry is required")
	}
	action, err := json.Marshal(entry.Action)
	if err != nil {
		return fmt.Errorf("store: marshal audit action: %w", err)
	}
	verdicts, err := json.Marshal(entry.Verdicts)
	if err != nil {
		return fmt.Errorf("store: marshal audit verdicts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (timestamp, session_id, agent_id, action, verdicts, final_decision)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Timestamp, entry.SessionID, entry.AgentID, string(action), string(verdicts), string(entry.FinalDecision))
	if err != nil {
		return fmt.Errorf("store: insert audit entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LogConsolidation(ctx context.Context, entry ConsolidationLogRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consolidation_log (timestamp_ms, samskaras_found, vasanas_touched, vasanas_decayed, vidhis_mined, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.Timestamp, entry.SamskarasFound, entry.VasanasTouched, entry.VasanasDecayed, entry.VidhisMined, entry.DurationMs)
	if err != nil {
		return fmt.Errorf("store: insert consolidation log: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
