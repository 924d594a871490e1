package model

import "time"

// TriggerKind distinguishes the external causes that can invoke the engine.
type TriggerKind string

const (
	TriggerStart         TriggerKind = "start"
	TriggerResume        TriggerKind = "resume"
	TriggerAdminDecision TriggerKind = "admin_decision"
	TriggerEvent         TriggerKind = "event"
)

// DecisionKind enumerates the choices an admin can supply to a paused thread.
type DecisionKind string

const (
	DecisionMarkMeetingHeld DecisionKind = "mark_meeting_held"
	DecisionApprovePricing  DecisionKind = "approve_pricing"
	DecisionDeclinePricing  DecisionKind = "decline_pricing"
	DecisionSendContract    DecisionKind = "send_contract"
	DecisionHoldContract    DecisionKind = "hold_contract"
)

// Valid reports whether k is a defined decision kind.
func (k DecisionKind) Valid() bool {
	switch k {
	case DecisionMarkMeetingHeld, DecisionApprovePricing, DecisionDeclinePricing,
		DecisionSendContract, DecisionHoldContract:
		return true
	}
	return false
}

// Decision is an admin's answer to a human-gate stage. It is written onto the
// state before the first handler runs and consumed exactly once.
type Decision struct {
	Kind    DecisionKind `json:"kind"`
	Notes   string       `json:"notes,omitempty"`
	AdminID string       `json:"admin_id,omitempty"`
}

// EventKind enumerates asynchronous notifications from external collaborators.
type EventKind string

const (
	EventPortalSignup    EventKind = "portal_signup"
	EventIntakeSubmitted EventKind = "intake_submitted"
	EventContractSigned  EventKind = "contract_signed"
	EventReminder        EventKind = "reminder"
)

// ExternalEvent is a tagged union: Kind selects which payload field is set.
type ExternalEvent struct {
	Kind EventKind `json:"kind"`

	// PortalSignup
	OrgID string `json:"org_id,omitempty"`

	// IntakeSubmitted
	Intake *IntakeForm `json:"intake,omitempty"`

	// ContractSigned
	SignedURL string `json:"signed_url,omitempty"`
}

// Trigger is the input to a single engine invocation. Kind selects which of
// the optional fields is meaningful.
type Trigger struct {
	Kind     TriggerKind    `json:"kind"`
	Initial  *PipelineState `json:"initial,omitempty"`
	Decision *Decision      `json:"decision,omitempty"`
	Event    *ExternalEvent `json:"event,omitempty"`

	// Source identifies who fired the trigger for audit attribution:
	// "system", "webhook", "sweep", "provider", or "admin:<id>".
	Source string `json:"source,omitempty"`
}

// NewLeadState builds the initial checkpoint for a freshly captured lead.
func NewLeadState(threadID, name, email, phone, source string, meeting *time.Time, now time.Time) *PipelineState {
	return &PipelineState{
		ThreadID:         threadID,
		Status:           StageNewLead,
		ClientName:       name,
		ClientEmail:      email,
		ClientPhone:      phone,
		Source:           source,
		MeetingDatetime:  meeting,
		PricingDiscussed: TriUnknown,
		LastActivity:     now,
		CreatedAt:        now,
	}
}
