package model

import "time"

// Stage is the pipeline's program counter: the named point in the onboarding
// lifecycle a thread is currently at.
type Stage string

const (
	StageNewLead              Stage = "new_lead"
	StageMeetingScheduled     Stage = "meeting_scheduled"
	StageMeetingHeld          Stage = "meeting_held"
	StagePricingDiscussed     Stage = "pricing_discussed"
	StagePortalInvited        Stage = "portal_invited"
	StagePortalSignupComplete Stage = "portal_signup_complete"
	StageIntakeSubmitted      Stage = "intake_submitted"
	StageContractDrafted      Stage = "contract_drafted"
	StageContractSent         Stage = "contract_sent"
	StageContractSigned       Stage = "contract_signed"
	StageProjectCreated       Stage = "project_created"
	StageFailed               Stage = "failed"
)

// stageOrder defines the forward progression of the pipeline. StageFailed is
// reachable from anywhere and has no ordinal.
var stageOrder = []Stage{
	StageNewLead,
	StageMeetingScheduled,
	StageMeetingHeld,
	StagePricingDiscussed,
	StagePortalInvited,
	StagePortalSignupComplete,
	StageIntakeSubmitted,
	StageContractDrafted,
	StageContractSent,
	StageContractSigned,
	StageProjectCreated,
}

// Ordinal returns the position of s in the stage progression, or -1 for
// StageFailed and unknown values.
func (s Stage) Ordinal() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a defined stage.
func (s Stage) Valid() bool {
	return s == StageFailed || s.Ordinal() >= 0
}

// Terminal reports whether the engine has nothing left to do for a thread at s.
func (s Stage) Terminal() bool {
	return s == StageProjectCreated || s == StageFailed
}

// After reports whether s comes strictly after other in the progression.
// Moves to StageFailed are always allowed and never count as forward motion.
func (s Stage) After(other Stage) bool {
	a, b := s.Ordinal(), other.Ordinal()
	return a >= 0 && b >= 0 && a > b
}

// TriState records a yes/no answer that may not have been collected yet.
type TriState string

const (
	TriUnknown TriState = "unknown"
	TriYes     TriState = "yes"
	TriNo      TriState = "no"
)

// PipelineState is the durable checkpoint for a single onboarding thread.
// It is created once, mutated only by the engine, and never deleted. New
// optional fields may be added over time; existing field semantics must not
// change, so threads written by older engine versions stay resumable.
type PipelineState struct {
	ThreadID string `json:"thread_id"`
	Status   Stage  `json:"status"`

	// Lead identity, populated at creation.
	ClientName  string `json:"client_name"`
	ClientEmail string `json:"client_email"`
	ClientPhone string `json:"client_phone,omitempty"`
	Source      string `json:"source,omitempty"`

	// Stage artifacts, each nil/zero until the owning stage produces it.
	MeetingDatetime      *time.Time  `json:"meeting_datetime,omitempty"`
	MeetingNotes         string      `json:"meeting_notes,omitempty"`
	PricingDiscussed     TriState    `json:"pricing_discussed"`
	PortalLink           string      `json:"portal_link,omitempty"`
	PortalSignupComplete bool        `json:"portal_signup_complete"`
	OrgID                string      `json:"org_id,omitempty"`
	IntakeForm           *IntakeForm `json:"intake_form_responses,omitempty"`
	ScopeOfWorkDraft     string      `json:"scope_of_work_draft,omitempty"`
	ContractID           string      `json:"contract_id,omitempty"`
	ContractEnvelopeID   string      `json:"contract_envelope_id,omitempty"`
	ContractSigned       bool        `json:"contract_signed"`
	ContractSignedURL    string      `json:"contract_signed_url,omitempty"`
	ProjectPageID        string      `json:"project_page_id,omitempty"`
	CRMLeadID            string      `json:"crm_lead_id,omitempty"`

	// Control fields.
	ReminderCount int       `json:"reminder_count"`
	LastActivity  time.Time `json:"last_activity"`
	AdminDecision *Decision `json:"admin_decision,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Clone returns a deep-enough copy for the engine to mutate without aliasing
// the caller's snapshot.
func (s *PipelineState) Clone() *PipelineState {
	cp := *s
	if s.MeetingDatetime != nil {
		t := *s.MeetingDatetime
		cp.MeetingDatetime = &t
	}
	if s.IntakeForm != nil {
		f := *s.IntakeForm
		cp.IntakeForm = &f
	}
	if s.AdminDecision != nil {
		d := *s.AdminDecision
		cp.AdminDecision = &d
	}
	return &cp
}
