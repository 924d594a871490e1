package model

import (
	"encoding/json"
	"time"
)

// Audit sources.
const (
	SourceSystem   = "system"
	SourceWebhook  = "webhook"
	SourceSweep    = "sweep"
	SourceProvider = "provider"
)

// AdminSource returns the audit source string for a specific admin actor.
func AdminSource(adminID string) string {
	if adminID == "" {
		return "admin"
	}
	return "admin:" + adminID
}

// Audit event types written by the engine and its entry points.
const (
	AuditPipelineStarted   = "pipeline_started"
	AuditStageAdvanced     = "stage_advanced"
	AuditPausedForApproval = "paused_for_approval"
	AuditApprovalReceived  = "approval_received"
	AuditEventReceived     = "event_received"
	AuditReminderSent      = "reminder_sent"
	AuditPipelineFailed    = "pipeline_failed"
	AuditDispatchFailed    = "dispatch_failed"
)

// AuditEvent is one append-only record of a meaningful transition. Entries
// are never updated or deleted.
type AuditEvent struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Source    string          `json:"source"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AuditPayload marshals v for storage in an AuditEvent. Marshal failures fall
// back to a plain error object so an odd payload can never block the write.
func AuditPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{"marshal_error":true}`)
	}
	return b
}
