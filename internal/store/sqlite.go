package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/onboarding-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for local
// development and single-node deployments; the lock table gives the same
// single-winner semantics as the Postgres store within one database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS threads (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	client_email   TEXT NOT NULL DEFAULT '',
	reminder_count INTEGER NOT NULL DEFAULT 0,
	last_activity  DATETIME NOT NULL,
	state          TEXT NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
CREATE INDEX IF NOT EXISTS idx_threads_email ON threads(client_email);
CREATE INDEX IF NOT EXISTS idx_threads_last_activity ON threads(last_activity);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	source     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_thread_created ON audit_log(thread_id, created_at);

CREATE TABLE IF NOT EXISTS thread_locks (
	thread_id TEXT PRIMARY KEY,
	token     TEXT NOT NULL,
	locked_at DATETIME NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateThread(ctx context.Context, state *model.PipelineState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal state")
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, status, client_email, reminder_count, last_activity, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		state.ThreadID, string(state.Status), state.ClientEmail,
		state.ReminderCount, state.LastActivity, string(stateJSON), now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: create thread %s", state.ThreadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrExists, "sqlite: create thread %s", state.ThreadID)
	}
	return nil
}

func (s *SQLiteStore) GetThread(ctx context.Context, threadID string) (*model.PipelineState, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM threads WHERE id = ?`,
		threadID,
	).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: get thread %s", threadID)
		}
		return nil, eris.Wrapf(err, "sqlite: get thread %s", threadID)
	}

	var st model.PipelineState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal state")
	}
	return &st, nil
}

func (s *SQLiteStore) PutThread(ctx context.Context, state *model.PipelineState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal state")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, client_email = ?, reminder_count = ?,
		        last_activity = ?, state = ?, updated_at = ?
		 WHERE id = ?`,
		string(state.Status), state.ClientEmail, state.ReminderCount,
		state.LastActivity, string(stateJSON), time.Now().UTC(), state.ThreadID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put thread %s", state.ThreadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: put thread %s", state.ThreadID)
	}
	return nil
}

func (s *SQLiteStore) FindThreadByEnvelope(ctx context.Context, envelopeID string) (*model.PipelineState, error) {
	var stateJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM threads WHERE json_extract(state, '$.contract_envelope_id') = ?`,
		envelopeID,
	).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: find thread by envelope %s", envelopeID)
		}
		return nil, eris.Wrapf(err, "sqlite: find thread by envelope %s", envelopeID)
	}

	var st model.PipelineState
	if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal state")
	}
	return &st, nil
}

func (s *SQLiteStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]model.PipelineState, error) {
	query := `SELECT state FROM threads WHERE true`
	args := []any{}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Email != "" {
		query += ` AND client_email = ?`
		args = append(args, filter.Email)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list threads")
	}
	defer rows.Close()

	var threads []model.PipelineState
	for rows.Next() {
		var stateJSON string
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan thread")
		}
		var st model.PipelineState
		if err := json.Unmarshal([]byte(stateJSON), &st); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal state")
		}
		threads = append(threads, st)
	}
	return threads, eris.Wrap(rows.Err(), "sqlite: list threads iterate")
}

func (s *SQLiteStore) ListStalled(ctx context.Context, before time.Time, stages []model.Stage, maxReminders int) ([]string, error) {
	if len(stages) == 0 {
		return nil, nil
	}

	query := `SELECT id FROM threads WHERE status IN (`
	args := []any{}
	for i, st := range stages {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) AND last_activity < ? AND reminder_count < ? ORDER BY last_activity ASC`
	args = append(args, before, maxReminders)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stalled")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stalled id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list stalled iterate")
}

// sqliteLock is a held row in thread_locks.
type sqliteLock struct {
	store    *SQLiteStore
	threadID string
	token    string
}

func (l *sqliteLock) Unlock(ctx context.Context) error {
	_, err := l.store.db.ExecContext(ctx,
		`DELETE FROM thread_locks WHERE thread_id = ? AND token = ?`,
		l.threadID, l.token,
	)
	return eris.Wrapf(err, "sqlite: unlock thread %s", l.threadID)
}

func (s *SQLiteStore) TryLock(ctx context.Context, threadID string) (Lock, error) {
	token := uuid.New().String()
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_locks (thread_id, token, locked_at) VALUES (?, ?, ?)
		 ON CONFLICT (thread_id) DO UPDATE SET token = excluded.token, locked_at = excluded.locked_at
		 WHERE thread_locks.locked_at < ?`,
		threadID, token, now, now.Add(-lockLease),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: lock thread %s", threadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return nil, eris.Wrapf(ErrBusy, "sqlite: lock thread %s", threadID)
	}
	return &sqliteLock{store: s, threadID: threadID, token: token}, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, event *model.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, thread_id, source, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.ThreadID, event.Source, event.EventType, payload, event.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append audit %s", event.ThreadID)
}

func (s *SQLiteStore) ListAuditByThread(ctx context.Context, threadID string) ([]model.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, source, event_type, payload, created_at
		 FROM audit_log WHERE thread_id = ? ORDER BY created_at ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audit %s", threadID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		e, err := scanSQLiteAudit(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list audit iterate")
}

func (s *SQLiteStore) LastAuditEvent(ctx context.Context, threadID string) (*model.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, source, event_type, payload, created_at
		 FROM audit_log WHERE thread_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		threadID,
	)
	e, err := scanSQLiteAudit(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: last audit %s", threadID)
	}
	return e, nil
}

func scanSQLiteAudit(scan func(dest ...any) error) (*model.AuditEvent, error) {
	var e model.AuditEvent
	var payload sql.NullString
	if err := scan(&e.ID, &e.ThreadID, &e.Source, &e.EventType, &payload, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan audit event")
	}
	if payload.Valid {
		e.Payload = []byte(payload.String)
	}
	return &e, nil
}
