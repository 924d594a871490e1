package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/onboarding-cli/internal/db"
	"github.com/sells-group/onboarding-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS threads (
	id             TEXT PRIMARY KEY,
	status         TEXT NOT NULL,
	client_email   TEXT NOT NULL DEFAULT '',
	reminder_count INTEGER NOT NULL DEFAULT 0,
	last_activity  TIMESTAMPTZ NOT NULL DEFAULT now(),
	state          JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);
CREATE INDEX IF NOT EXISTS idx_threads_email ON threads(client_email);
CREATE INDEX IF NOT EXISTS idx_threads_envelope ON threads((state->>'contract_envelope_id'));
CREATE INDEX IF NOT EXISTS idx_threads_last_activity ON threads(last_activity);

CREATE TABLE IF NOT EXISTS audit_log (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	source     TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_thread_created ON audit_log(thread_id, created_at);

CREATE TABLE IF NOT EXISTS thread_locks (
	thread_id TEXT PRIMARY KEY,
	token     TEXT NOT NULL,
	locked_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, state *model.PipelineState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal state")
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, status, client_email, reminder_count, last_activity, state, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		state.ThreadID, string(state.Status), state.ClientEmail,
		state.ReminderCount, state.LastActivity, stateJSON, now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: create thread %s", state.ThreadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrExists, "postgres: create thread %s", state.ThreadID)
	}
	return nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (*model.PipelineState, error) {
	var stateJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM threads WHERE id = $1`,
		threadID,
	).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: get thread %s", threadID)
		}
		return nil, eris.Wrapf(err, "postgres: get thread %s", threadID)
	}

	var st model.PipelineState
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal state")
	}
	return &st, nil
}

func (s *PostgresStore) PutThread(ctx context.Context, state *model.PipelineState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal state")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET status = $1, client_email = $2, reminder_count = $3,
		        last_activity = $4, state = $5, updated_at = $6
		 WHERE id = $7`,
		string(state.Status), state.ClientEmail, state.ReminderCount,
		state.LastActivity, stateJSON, time.Now().UTC(), state.ThreadID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: put thread %s", state.ThreadID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: put thread %s", state.ThreadID)
	}
	return nil
}

func (s *PostgresStore) FindThreadByEnvelope(ctx context.Context, envelopeID string) (*model.PipelineState, error) {
	var stateJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM threads WHERE state->>'contract_envelope_id' = $1`,
		envelopeID,
	).Scan(&stateJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: find thread by envelope %s", envelopeID)
		}
		return nil, eris.Wrapf(err, "postgres: find thread by envelope %s", envelopeID)
	}

	var st model.PipelineState
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal state")
	}
	return &st, nil
}

func (s *PostgresStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]model.PipelineState, error) {
	query := `SELECT state FROM threads WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Email != "" {
		query += fmt.Sprintf(` AND client_email = $%d`, argIdx)
		args = append(args, filter.Email)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list threads")
	}
	defer rows.Close()

	var threads []model.PipelineState
	for rows.Next() {
		var stateJSON []byte
		if err := rows.Scan(&stateJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan thread")
		}
		var st model.PipelineState
		if err := json.Unmarshal(stateJSON, &st); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal state")
		}
		threads = append(threads, st)
	}
	return threads, eris.Wrap(rows.Err(), "postgres: list threads iterate")
}

func (s *PostgresStore) ListStalled(ctx context.Context, before time.Time, stages []model.Stage, maxReminders int) ([]string, error) {
	stageStrs := make([]string, len(stages))
	for i, st := range stages {
		stageStrs[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM threads
		 WHERE status = ANY($1) AND last_activity < $2 AND reminder_count < $3
		 ORDER BY last_activity ASC`,
		stageStrs, before, maxReminders,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stalled")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stalled id")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list stalled iterate")
}

// pgLock is a held row in thread_locks.
type pgLock struct {
	store    *PostgresStore
	threadID string
	token    string
}

func (l *pgLock) Unlock(ctx context.Context) error {
	_, err := l.store.pool.Exec(ctx,
		`DELETE FROM thread_locks WHERE thread_id = $1 AND token = $2`,
		l.threadID, l.token,
	)
	return eris.Wrapf(err, "postgres: unlock thread %s", l.threadID)
}

func (s *PostgresStore) TryLock(ctx context.Context, threadID string) (Lock, error) {
	token := uuid.New().String()
	now := time.Now().UTC()

	// A single upsert takes the lock if the row is free or its lease expired.
	// The WHERE clause makes concurrent attempts against the same key resolve
	// to exactly one winner.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO thread_locks (thread_id, token, locked_at) VALUES ($1, $2, $3)
		 ON CONFLICT (thread_id) DO UPDATE SET token = $2, locked_at = $3
		 WHERE thread_locks.locked_at < $4`,
		threadID, token, now, now.Add(-lockLease),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: lock thread %s", threadID)
	}
	if tag.RowsAffected() == 0 {
		return nil, eris.Wrapf(ErrBusy, "postgres: lock thread %s", threadID)
	}
	return &pgLock{store: s, threadID: threadID, token: token}, nil
}

func (s *PostgresStore) AppendAudit(ctx context.Context, event *model.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, thread_id, source, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, event.ThreadID, event.Source, event.EventType,
		[]byte(event.Payload), event.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append audit %s", event.ThreadID)
}

func (s *PostgresStore) ListAuditByThread(ctx context.Context, threadID string) ([]model.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, thread_id, source, event_type, payload, created_at
		 FROM audit_log WHERE thread_id = $1 ORDER BY created_at ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audit %s", threadID)
	}
	defer rows.Close()

	var events []model.AuditEvent
	for rows.Next() {
		var e model.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.Source, &e.EventType, &payload, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list audit iterate")
}

func (s *PostgresStore) LastAuditEvent(ctx context.Context, threadID string) (*model.AuditEvent, error) {
	var e model.AuditEvent
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, thread_id, source, event_type, payload, created_at
		 FROM audit_log WHERE thread_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		threadID,
	).Scan(&e.ID, &e.ThreadID, &e.Source, &e.EventType, &payload, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: last audit %s", threadID)
	}
	e.Payload = payload
	return &e, nil
}
