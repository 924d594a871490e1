package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/onboarding-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func testState(threadID string) *model.PipelineState {
	now := time.Date(2025, 1, 10, 15, 0, 0, 0, time.UTC)
	return model.NewLeadState(threadID, "Jane Doe", "jane@example.com", "", "Calendly", nil, now)
}

func TestPostgresStore_CreateThread(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := testState("t-1")

	mock.ExpectExec(`INSERT INTO threads`).
		WithArgs("t-1", "new_lead", "jane@example.com", 0, st.LastActivity,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.CreateThread(context.Background(), st))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateThread_Duplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := testState("t-1")

	mock.ExpectExec(`INSERT INTO threads`).
		WithArgs("t-1", "new_lead", "jane@example.com", 0, st.LastActivity,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.CreateThread(context.Background(), st)
	require.Error(t, err)
	assert.True(t, IsExists(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetThread(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := testState("t-1")
	stateJSON, err := json.Marshal(st)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT state FROM threads WHERE id = \$1`).
		WithArgs("t-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(stateJSON))

	got, err := s.GetThread(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", got.ClientEmail)
	assert.Equal(t, model.StageNewLead, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetThread_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT state FROM threads WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetThread(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutThread_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := testState("t-1")

	mock.ExpectExec(`UPDATE threads SET`).
		WithArgs("new_lead", "jane@example.com", 0, st.LastActivity,
			pgxmock.AnyArg(), pgxmock.AnyArg(), "t-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.PutThread(context.Background(), st)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindThreadByEnvelope(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	st := testState("t-2")
	st.ContractEnvelopeID = "env-9"
	stateJSON, err := json.Marshal(st)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT state FROM threads WHERE state->>'contract_envelope_id' = \$1`).
		WithArgs("env-9").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow(stateJSON))

	got, err := s.FindThreadByEnvelope(context.Background(), "env-9")
	require.NoError(t, err)
	assert.Equal(t, "t-2", got.ThreadID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TryLock(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO thread_locks`).
		WithArgs("t-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM thread_locks WHERE thread_id = \$1 AND token = \$2`).
		WithArgs("t-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	lock, err := s.TryLock(context.Background(), "t-1")
	require.NoError(t, err)
	require.NoError(t, lock.Unlock(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TryLock_Busy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO thread_locks`).
		WithArgs("t-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	_, err := s.TryLock(context.Background(), "t-1")
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendAudit_FillsDefaults(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO audit_log`).
		WithArgs(pgxmock.AnyArg(), "t-1", "system", "stage_advanced",
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	e := &model.AuditEvent{ThreadID: "t-1", Source: "system", EventType: "stage_advanced"}
	require.NoError(t, s.AppendAudit(context.Background(), e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAuditByThread(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "thread_id", "source", "event_type", "payload", "created_at"}).
		AddRow("a-1", "t-1", "system", "pipeline_started", []byte(`{}`), now).
		AddRow("a-2", "t-1", "system", "stage_advanced", []byte(`{"to":"meeting_scheduled"}`), now.Add(time.Second))

	mock.ExpectQuery(`SELECT id, thread_id, source, event_type, payload, created_at`).
		WithArgs("t-1").
		WillReturnRows(rows)

	events, err := s.ListAuditByThread(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "pipeline_started", events[0].EventType)
	assert.Equal(t, "stage_advanced", events[1].EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastAuditEvent_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, thread_id, source, event_type, payload, created_at`).
		WithArgs("t-1").
		WillReturnError(pgx.ErrNoRows)

	e, err := s.LastAuditEvent(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListStalled(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	before := time.Now().UTC().Add(-48 * time.Hour)

	mock.ExpectQuery(`SELECT id FROM threads`).
		WithArgs([]string{"portal_invited", "contract_sent"}, before, 3).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("t-1").AddRow("t-2"))

	ids, err := s.ListStalled(context.Background(), before,
		[]model.Stage{model.StagePortalInvited, model.StageContractSent}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}
