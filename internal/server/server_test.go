package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/onboarding-cli/internal/engine"
	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/store"
	"github.com/sells-group/onboarding-cli/internal/webhook"
	esignmocks "github.com/sells-group/onboarding-cli/pkg/esign/mocks"
	notionmocks "github.com/sells-group/onboarding-cli/pkg/notion/mocks"
	portalmocks "github.com/sells-group/onboarding-cli/pkg/portal/mocks"
)

const (
	testSecret = "whsec_test"
	adminToken = "admin-token"
)

type fixture struct {
	store      *store.MemoryStore
	esign      *esignmocks.Client
	portal     *portalmocks.Client
	notion     *notionmocks.Client
	dispatcher *webhook.Dispatcher
	srv        *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  store.NewMemory(),
		esign:  new(esignmocks.Client),
		portal: new(portalmocks.Client),
		notion: new(notionmocks.Client),
	}

	eng := engine.New(engine.Deps{
		Store:  f.store,
		Esign:  f.esign,
		Portal: f.portal,
		Notion: f.notion,
	}, engine.Config{NotionProjectsDB: "db-projects"})

	f.dispatcher = webhook.NewDispatcher(eng, f.store, 4)

	s := New(Options{
		Store:      f.store,
		Engine:     eng,
		Verifier:   webhook.NewVerifier(testSecret, 5*time.Minute),
		Dispatcher: f.dispatcher,
		AdminToken: adminToken,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

// drain waits for async dispatches to finish.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.dispatcher.Close())
}

func (f *fixture) post(t *testing.T, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (f *fixture) adminPost(t *testing.T, path string, body []byte) *http.Response {
	return f.post(t, path, body, map[string]string{"Authorization": "Bearer " + adminToken})
}

func (f *fixture) adminGet(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const inviteeCreatedBody = `{
	"event": "invitee.created",
	"payload": {
		"uri": "https://api.calendly.com/scheduled_events/ev1/invitees/abc-123",
		"name": "Jane Doe",
		"email": "jane@example.com",
		"event": {"start_time": "2025-01-10T15:00:00Z"}
	}
}`

func TestCalendlyWebhookStartsThread(t *testing.T) {
	f := newFixture(t)
	body := []byte(inviteeCreatedBody)

	resp := f.post(t, "/webhook/calendly", body, map[string]string{
		webhook.SignatureHeader: webhook.Sign(testSecret, time.Now().UTC(), body),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody(t, resp)
	assert.Equal(t, true, out["accepted"])
	assert.Equal(t, "cal-abc-123", out["thread_id"])

	f.drain(t)

	st, err := f.store.GetThread(context.Background(), "cal-abc-123")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", st.ClientName)
	assert.Equal(t, "jane@example.com", st.ClientEmail)
	assert.Equal(t, "Calendly", st.Source)
	// The meeting time is in the past, so the thread runs to the gate.
	assert.Equal(t, model.StageMeetingHeld, st.Status)

	events, err := f.store.ListAuditByThread(context.Background(), "cal-abc-123")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.AuditPipelineStarted, events[0].EventType)
}

func TestCalendlyWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(inviteeCreatedBody)

	resp := f.post(t, "/webhook/calendly", body, map[string]string{
		webhook.SignatureHeader: webhook.Sign("wrong-secret", time.Now().UTC(), body),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	f.drain(t)
	_, err := f.store.GetThread(context.Background(), "cal-abc-123")
	assert.True(t, store.IsNotFound(err))
}

func TestCalendlyWebhookIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":"invitee.canceled","payload":{"email":"jane@example.com"}}`)

	resp := f.post(t, "/webhook/calendly", body, map[string]string{
		webhook.SignatureHeader: webhook.Sign(testSecret, time.Now().UTC(), body),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody(t, resp)
	assert.Equal(t, true, out["accepted"])
	assert.Nil(t, out["thread_id"])

	f.drain(t)
	threads, err := f.store.ListThreads(context.Background(), store.ThreadFilter{})
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestCalendlyWebhookIgnoresMissingEmail(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"event":"invitee.created","payload":{"name":"Jane Doe"}}`)

	resp := f.post(t, "/webhook/calendly", body, map[string]string{
		webhook.SignatureHeader: webhook.Sign(testSecret, time.Now().UTC(), body),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	f.drain(t)
	threads, err := f.store.ListThreads(context.Background(), store.ThreadFilter{})
	require.NoError(t, err)
	assert.Empty(t, threads)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/api/threads", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = f.post(t, "/api/threads", []byte(`{}`), map[string]string{
		"Authorization": "Bearer wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestStartApproveInspectFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.adminPost(t, "/api/threads", []byte(`{
		"client_name": "Jane Doe",
		"client_email": "jane@example.com",
		"meeting_datetime": "2025-01-10T15:00:00Z"
	}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	out := decodeBody(t, resp)
	threadID := out["thread_id"].(string)
	require.NotEmpty(t, threadID)
	assert.Equal(t, string(model.StageMeetingHeld), out["status"])

	resp = f.adminGet(t, "/api/threads/"+threadID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	state := decodeBody(t, resp)
	assert.Equal(t, string(model.StageMeetingHeld), state["status"])

	resp = f.adminGet(t, "/api/threads/"+threadID+"/audit")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	audit := decodeBody(t, resp)
	assert.NotEmpty(t, audit["events"])

	resp = f.adminGet(t, "/api/threads?status=meeting_held")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody(t, resp)
	assert.Len(t, list["threads"], 1)
}

func TestApproveWrongStageConflicts(t *testing.T) {
	f := newFixture(t)

	resp := f.adminPost(t, "/api/threads", []byte(`{
		"client_name": "Jane Doe",
		"client_email": "jane@example.com"
	}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	threadID := decodeBody(t, resp)["thread_id"].(string)

	resp = f.adminPost(t, "/api/threads/"+threadID+"/approve", []byte(`{
		"decision": "send_contract",
		"admin_id": "ops1"
	}`))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "conflict", body["error"])
}

func TestApproveBusyThread(t *testing.T) {
	f := newFixture(t)

	resp := f.adminPost(t, "/api/threads", []byte(`{
		"client_name": "Jane Doe",
		"client_email": "jane@example.com"
	}`))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	threadID := decodeBody(t, resp)["thread_id"].(string)

	lock, err := f.store.TryLock(context.Background(), threadID)
	require.NoError(t, err)
	defer lock.Unlock(context.Background())

	resp = f.adminPost(t, "/api/threads/"+threadID+"/approve", []byte(`{
		"decision": "mark_meeting_held"
	}`))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "busy", body["error"])
}

func TestApproveUnknownThread(t *testing.T) {
	f := newFixture(t)

	resp := f.adminPost(t, "/api/threads/nope/approve", []byte(`{"decision":"approve_pricing"}`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestEsignWebhookResumesThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	st := model.NewLeadState("t-1", "Jane Doe", "jane@example.com", "", "Calendly", nil, time.Now().UTC())
	st.Status = model.StageContractSent
	st.ContractEnvelopeID = "env-1"
	st.ScopeOfWorkDraft = "1. Deliverables..."
	require.NoError(t, f.store.CreateThread(ctx, st))

	f.notion.On("QueryDatabase", mock.Anything, "db-projects", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	f.notion.On("CreatePage", mock.Anything, mock.Anything).
		Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	resp := f.post(t, "/webhook/esign", []byte(`{
		"envelope_id": "env-1",
		"status": "completed",
		"signed_url": "https://docs.example.com/signed.pdf"
	}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody(t, resp)
	assert.Equal(t, "t-1", out["thread_id"])

	f.drain(t)

	got, err := f.store.GetThread(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageProjectCreated, got.Status)
	assert.True(t, got.ContractSigned)
	assert.Equal(t, "https://docs.example.com/signed.pdf", got.ContractSignedURL)
	assert.Equal(t, "page-1", got.ProjectPageID)
}

func TestEsignWebhookUnknownEnvelope(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/webhook/esign", []byte(`{"envelope_id":"nope","status":"completed"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody(t, resp)
	assert.Equal(t, true, out["accepted"])
	assert.Nil(t, out["thread_id"])
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody(t, resp)
	assert.Equal(t, "ok", out["status"])
}
