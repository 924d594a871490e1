package server

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/onboarding-cli/internal/engine"
	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/store"
	"github.com/sells-group/onboarding-cli/internal/webhook"
)

// maxWebhookBody bounds webhook payload reads.
const maxWebhookBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCalendlyWebhook accepts scheduling-provider events. The sender only
// ever sees 200 or 401: anything signed and well-formed is acknowledged even
// when ignored, so provider retries never storm the endpoint.
func (s *Server) handleCalendlyWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if err := s.opts.Verifier.Verify(r.Header.Get(webhook.SignatureHeader), body); err != nil {
		zap.L().Warn("webhook signature rejected", zap.String("remote", r.RemoteAddr))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	p, err := webhook.ParsePayload(body)
	if err != nil {
		zap.L().Warn("webhook payload undecodable", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "thread_id": nil})
		return
	}

	if p.Event != webhook.EventInviteeCreated {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "thread_id": nil})
		return
	}

	st := webhook.MapInviteeCreated(p, time.Now().UTC())
	if st == nil {
		zap.L().Info("webhook invitee without email ignored")
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "thread_id": nil})
		return
	}

	s.opts.Dispatcher.Dispatch(st.ThreadID, model.Trigger{
		Kind:    model.TriggerStart,
		Initial: st,
		Source:  model.SourceWebhook,
	})

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "thread_id": st.ThreadID})
}

// esignCallback is the e-signature provider's notification shape.
type esignCallback struct {
	EnvelopeID string `json:"envelope_id"`
	Status     string `json:"status"`
	SignedURL  string `json:"signed_url"`
}

// handleEsignWebhook resolves an envelope callback to its thread and resumes
// it. Unknown envelopes and non-terminal statuses are acknowledged so the
// provider stops retrying.
func (s *Server) handleEsignWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.EsignSecret != "" {
		got := r.Header.Get("X-Esign-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.EsignSecret)) != 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	cb, err := decodeEsignCallback(body)
	if err != nil || cb.EnvelopeID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
		return
	}

	if cb.Status != "completed" && cb.Status != "signed" {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
		return
	}

	st, err := s.opts.Store.FindThreadByEnvelope(r.Context(), cb.EnvelopeID)
	if err != nil {
		if !store.IsNotFound(err) {
			zap.L().Error("esign callback lookup failed", zap.Error(err))
		} else {
			zap.L().Warn("esign callback for unknown envelope",
				zap.String("envelope_id", cb.EnvelopeID))
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
		return
	}

	s.opts.Dispatcher.Dispatch(st.ThreadID, model.Trigger{
		Kind: model.TriggerEvent,
		Event: &model.ExternalEvent{
			Kind:      model.EventContractSigned,
			SignedURL: cb.SignedURL,
		},
		Source: model.SourceProvider,
	})

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "thread_id": st.ThreadID})
}

// startRequest is the manual-entry body for POST /api/threads.
type startRequest struct {
	ClientName      string     `json:"client_name"`
	ClientEmail     string     `json:"client_email"`
	ClientPhone     string     `json:"client_phone"`
	Source          string     `json:"source"`
	MeetingDatetime *time.Time `json:"meeting_datetime"`
}

func (s *Server) handleStartThread(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.ClientName == "" || req.ClientEmail == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "client_name and client_email are required")
		return
	}
	if req.Source == "" {
		req.Source = "Manual"
	}

	threadID := uuid.New().String()
	initial := model.NewLeadState(threadID, req.ClientName, req.ClientEmail,
		req.ClientPhone, req.Source, req.MeetingDatetime, time.Now().UTC())

	st, err := s.opts.Engine.Advance(r.Context(), threadID, model.Trigger{
		Kind:    model.TriggerStart,
		Initial: initial,
		Source:  model.AdminSource(""),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"thread_id": st.ThreadID,
		"status":    st.Status,
	})
}

// approveRequest is the body for POST /api/threads/{id}/approve.
type approveRequest struct {
	Decision model.DecisionKind `json:"decision"`
	Notes    string             `json:"notes"`
	AdminID  string             `json:"admin_id"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")

	var req approveRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if !req.Decision.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown decision kind")
		return
	}

	st, err := s.opts.Engine.Advance(r.Context(), threadID, model.Trigger{
		Kind: model.TriggerAdminDecision,
		Decision: &model.Decision{
			Kind:    req.Decision,
			Notes:   req.Notes,
			AdminID: req.AdminID,
		},
		Source: model.AdminSource(req.AdminID),
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Store.GetThread(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "no such thread")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "id")
	if _, err := s.opts.Store.GetThread(r.Context(), threadID); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "not_found", "no such thread")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}

	events, err := s.opts.Store.ListAuditByThread(r.Context(), threadID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	filter := store.ThreadFilter{
		Status: model.Stage(r.URL.Query().Get("status")),
		Email:  r.URL.Query().Get("email"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status")
		return
	}

	threads, err := s.opts.Store.ListThreads(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_failure", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

func decodeJSONBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(v)
}

func decodeEsignCallback(body []byte) (*esignCallback, error) {
	var cb esignCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, err
	}
	return &cb, nil
}

// writeEngineError maps engine failures onto the admin error contract:
// conflicts and lock contention are 409 with distinct codes so the caller
// knows whether to retry.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case store.IsBusy(err):
		writeError(w, http.StatusConflict, "busy", "thread is being advanced elsewhere, retry shortly")
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", "no such thread")
	case store.IsExists(err):
		writeError(w, http.StatusConflict, "conflict", "thread already exists")
	default:
		writeError(w, http.StatusInternalServerError, "engine_failure", err.Error())
	}
}
