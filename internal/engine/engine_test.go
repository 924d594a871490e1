package engine

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/resilience"
	"github.com/sells-group/onboarding-cli/internal/store"
	"github.com/sells-group/onboarding-cli/pkg/esign"
	esignmocks "github.com/sells-group/onboarding-cli/pkg/esign/mocks"
	"github.com/sells-group/onboarding-cli/pkg/portal"
	portalmocks "github.com/sells-group/onboarding-cli/pkg/portal/mocks"
	notionmocks "github.com/sells-group/onboarding-cli/pkg/notion/mocks"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.MemoryStore
	esign  *esignmocks.Client
	portal *portalmocks.Client
	notion *notionmocks.Client
	eng    *Engine
	now    time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:  store.NewMemory(),
		esign:  new(esignmocks.Client),
		portal: new(portalmocks.Client),
		notion: new(notionmocks.Client),
		now:    baseTime,
	}
	f.eng = New(Deps{
		Store:  f.store,
		Esign:  f.esign,
		Portal: f.portal,
		Notion: f.notion,
	}, Config{
		NotionProjectsDB: "db-projects",
		MaxReminders:     3,
		Retry:            resilience.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond},
	})
	f.eng.now = func() time.Time { return f.now }
	return f
}

func startTrigger(meeting *time.Time) model.Trigger {
	return model.Trigger{
		Kind:    model.TriggerStart,
		Initial: model.NewLeadState("", "Jane Doe", "jane@example.com", "", "Calendly", meeting, baseTime),
		Source:  model.SourceWebhook,
	}
}

func decisionTrigger(kind model.DecisionKind) model.Trigger {
	return model.Trigger{
		Kind:     model.TriggerAdminDecision,
		Decision: &model.Decision{Kind: kind, AdminID: "ops1"},
		Source:   model.AdminSource("ops1"),
	}
}

func eventTrigger(ev model.ExternalEvent) model.Trigger {
	return model.Trigger{Kind: model.TriggerEvent, Event: &ev, Source: model.SourceProvider}
}

func auditTypes(t *testing.T, s *store.MemoryStore, threadID string) []string {
	t.Helper()
	events, err := s.ListAuditByThread(context.Background(), threadID)
	require.NoError(t, err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventType
	}
	return out
}

func TestAdvanceFullHappyPath(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	f.portal.On("CreateInvite", mock.Anything, mock.MatchedBy(func(req portal.CreateInviteRequest) bool {
		return req.Email == "jane@example.com" && req.ExternalID == "t-1"
	})).Return(&portal.Invite{ID: "inv-1", Link: "https://portal.example.com/signup/inv-1"}, nil).Once()

	f.esign.On("FindByReference", mock.Anything, "t-1-contract").Return(nil, nil).Once()
	f.esign.On("CreateEnvelope", mock.Anything, mock.MatchedBy(func(req esign.CreateEnvelopeRequest) bool {
		return req.Reference == "t-1-contract" && req.SignerEmail == "jane@example.com"
	})).Return(&esign.Envelope{ID: "env-1", Status: esign.StatusSent}, nil).Once()
	f.esign.On("GetSigningURL", mock.Anything, "env-1").
		Return("https://sign.example.com/env-1", nil).Once()

	f.notion.On("QueryDatabase", mock.Anything, "db-projects", mock.Anything).
		Return(&notionapi.DatabaseQueryResponse{}, nil).Once()
	f.notion.On("CreatePage", mock.Anything, mock.Anything).
		Return(&notionapi.Page{ID: "page-1"}, nil).Once()

	// Start with a meeting already in the past: the thread runs straight to
	// the meeting-held gate.
	meeting := baseTime.Add(-time.Hour)
	st, err := f.eng.Advance(ctx, "t-1", startTrigger(&meeting))
	require.NoError(t, err)
	assert.Equal(t, model.StageMeetingHeld, st.Status)

	// Admin approves pricing: portal invite goes out.
	st, err = f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionApprovePricing))
	require.NoError(t, err)
	assert.Equal(t, model.StagePortalInvited, st.Status)
	assert.Equal(t, model.TriYes, st.PricingDiscussed)
	assert.Equal(t, "https://portal.example.com/signup/inv-1", st.PortalLink)

	// Client signs up on the portal.
	st, err = f.eng.Advance(ctx, "t-1", eventTrigger(model.ExternalEvent{
		Kind:  model.EventPortalSignup,
		OrgID: "org-9",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.StagePortalSignupComplete, st.Status)
	assert.Equal(t, "org-9", st.OrgID)

	// Intake arrives: scope drafted, contract minted, paused at send gate.
	st, err = f.eng.Advance(ctx, "t-1", eventTrigger(model.ExternalEvent{
		Kind: model.EventIntakeSubmitted,
		Intake: &model.IntakeForm{
			CompanyName: "Acme Co",
			ProjectType: "Website redesign",
			BudgetRange: "$25,000",
			Timeline:    "8 weeks",
			Goals:       "New marketing site",
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, model.StageContractDrafted, st.Status)
	assert.NotEmpty(t, st.ScopeOfWorkDraft)
	assert.NotEmpty(t, st.ContractID)

	// Admin sends the contract.
	st, err = f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionSendContract))
	require.NoError(t, err)
	assert.Equal(t, model.StageContractSent, st.Status)
	assert.Equal(t, "env-1", st.ContractEnvelopeID)
	assert.Nil(t, st.AdminDecision)

	// Signature callback finishes the run.
	st, err = f.eng.Advance(ctx, "t-1", eventTrigger(model.ExternalEvent{
		Kind:      model.EventContractSigned,
		SignedURL: "https://docs.example.com/signed.pdf",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.StageProjectCreated, st.Status)
	assert.True(t, st.ContractSigned)
	assert.Equal(t, "page-1", st.ProjectPageID)

	f.esign.AssertExpectations(t)
	f.portal.AssertExpectations(t)
	f.notion.AssertExpectations(t)

	assert.Equal(t, []string{
		model.AuditPipelineStarted,
		model.AuditStageAdvanced, // new_lead -> meeting_scheduled
		model.AuditStageAdvanced, // meeting_scheduled -> meeting_held
		model.AuditPausedForApproval,
		model.AuditApprovalReceived,
		model.AuditStageAdvanced, // -> pricing_discussed
		model.AuditStageAdvanced, // -> portal_invited
		model.AuditEventReceived,
		model.AuditStageAdvanced, // -> portal_signup_complete
		model.AuditEventReceived,
		model.AuditStageAdvanced, // -> intake_submitted
		model.AuditStageAdvanced, // -> contract_drafted
		model.AuditPausedForApproval,
		model.AuditApprovalReceived,
		model.AuditStageAdvanced, // -> contract_sent
		model.AuditEventReceived,
		model.AuditStageAdvanced, // -> contract_signed
		model.AuditStageAdvanced, // -> project_created
	}, auditTypes(t, f.store, "t-1"))
}

func TestAdvanceStartWithoutMeetingPauses(t *testing.T) {
	f := newFixture()

	st, err := f.eng.Advance(context.Background(), "t-1", startTrigger(nil))
	require.NoError(t, err)
	assert.Equal(t, model.StageNewLead, st.Status)
}

func TestAdvanceDuplicateStartIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.eng.Advance(ctx, "t-1", startTrigger(nil))
	require.NoError(t, err)

	st, err := f.eng.Advance(ctx, "t-1", startTrigger(nil))
	require.NoError(t, err)
	assert.Equal(t, model.StageNewLead, st.Status)

	// Exactly one pipeline_started entry despite the redelivery.
	types := auditTypes(t, f.store, "t-1")
	var started int
	for _, ty := range types {
		if ty == model.AuditPipelineStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestAdvanceDecisionAtWrongStageConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.eng.Advance(ctx, "t-1", startTrigger(nil))
	require.NoError(t, err)

	_, err = f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionApprovePricing))
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	st, err := f.store.GetThread(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageNewLead, st.Status)
}

func TestAdvanceBusyWhenLockHeld(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.eng.Advance(ctx, "t-1", startTrigger(nil))
	require.NoError(t, err)

	lock, err := f.store.TryLock(ctx, "t-1")
	require.NoError(t, err)
	defer lock.Unlock(ctx)

	_, err = f.eng.Advance(ctx, "t-1", model.Trigger{Kind: model.TriggerResume})
	require.Error(t, err)
	assert.True(t, store.IsBusy(err))
}

func TestAdvanceMarkMeetingHeldForcesAdvance(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	meeting := baseTime.Add(24 * time.Hour)
	st, err := f.eng.Advance(ctx, "t-1", startTrigger(&meeting))
	require.NoError(t, err)
	require.Equal(t, model.StageMeetingScheduled, st.Status)

	trig := decisionTrigger(model.DecisionMarkMeetingHeld)
	trig.Decision.Notes = "met early over the phone"
	st, err = f.eng.Advance(ctx, "t-1", trig)
	require.NoError(t, err)
	assert.Equal(t, model.StageMeetingHeld, st.Status)
	assert.Equal(t, "met early over the phone", st.MeetingNotes)
	assert.Nil(t, st.AdminDecision)
}

func TestAdvanceDeclinePricingStaysAtGate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	meeting := baseTime.Add(-time.Hour)
	_, err := f.eng.Advance(ctx, "t-1", startTrigger(&meeting))
	require.NoError(t, err)

	st, err := f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionDeclinePricing))
	require.NoError(t, err)
	assert.Equal(t, model.StageMeetingHeld, st.Status)
	assert.Equal(t, model.TriNo, st.PricingDiscussed)

	// A later approval still moves the thread forward.
	f.portal.On("CreateInvite", mock.Anything, mock.Anything).
		Return(&portal.Invite{Link: "https://portal.example.com/x"}, nil).Once()
	st, err = f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionApprovePricing))
	require.NoError(t, err)
	assert.Equal(t, model.StagePortalInvited, st.Status)
	assert.Equal(t, model.TriYes, st.PricingDiscussed)
}

func TestAdvanceResumeIsNoOpWhileWaiting(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	meeting := baseTime.Add(-time.Hour)
	_, err := f.eng.Advance(ctx, "t-1", startTrigger(&meeting))
	require.NoError(t, err)
	before := auditTypes(t, f.store, "t-1")

	st, err := f.eng.Advance(ctx, "t-1", model.Trigger{Kind: model.TriggerResume})
	require.NoError(t, err)
	assert.Equal(t, model.StageMeetingHeld, st.Status)

	// No new audit entries and no state churn from the idle resume.
	assert.Equal(t, before, auditTypes(t, f.store, "t-1"))
}

func TestAdvanceTransientErrorLeavesStageUnchanged(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	meeting := baseTime.Add(-time.Hour)
	_, err := f.eng.Advance(ctx, "t-1", startTrigger(&meeting))
	require.NoError(t, err)

	f.portal.On("CreateInvite", mock.Anything, mock.Anything).
		Return(nil, resilience.NewTransientError(errors.New("portal down"), http.StatusServiceUnavailable)).Once()

	_, err = f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionApprovePricing))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))

	st, err := f.store.GetThread(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.StagePricingDiscussed, st.Status)
	assert.NotEqual(t, model.StageFailed, st.Status)

	// The retry succeeds on a plain resume.
	f.portal.On("CreateInvite", mock.Anything, mock.Anything).
		Return(&portal.Invite{Link: "https://portal.example.com/x"}, nil).Once()
	st, err = f.eng.Advance(ctx, "t-1", model.Trigger{Kind: model.TriggerResume})
	require.NoError(t, err)
	assert.Equal(t, model.StagePortalInvited, st.Status)
}

func TestAdvancePermanentErrorFailsThread(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	meeting := baseTime.Add(-time.Hour)
	_, err := f.eng.Advance(ctx, "t-1", startTrigger(&meeting))
	require.NoError(t, err)

	f.portal.On("CreateInvite", mock.Anything, mock.Anything).
		Return(nil, errors.New("account suspended")).Once()

	_, err = f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionApprovePricing))
	require.Error(t, err)

	st, err := f.store.GetThread(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, st.Status)
	assert.Contains(t, st.Error, "account suspended")

	types := auditTypes(t, f.store, "t-1")
	assert.Equal(t, model.AuditPipelineFailed, types[len(types)-1])
}

func TestSendContractIsIdempotent(t *testing.T) {
	t.Run("envelope id already recorded", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		st := contractGateState("t-1")
		st.ContractEnvelopeID = "env-9"
		require.NoError(t, f.store.CreateThread(ctx, st))

		f.esign.On("GetSigningURL", mock.Anything, "env-9").
			Return("https://sign.example.com/env-9", nil).Once()

		got, err := f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionSendContract))
		require.NoError(t, err)
		assert.Equal(t, model.StageContractSent, got.Status)
		f.esign.AssertNotCalled(t, "CreateEnvelope", mock.Anything, mock.Anything)
		f.esign.AssertNotCalled(t, "FindByReference", mock.Anything, mock.Anything)
	})

	t.Run("envelope exists remotely but not locally", func(t *testing.T) {
		f := newFixture()
		ctx := context.Background()
		require.NoError(t, f.store.CreateThread(ctx, contractGateState("t-1")))

		f.esign.On("FindByReference", mock.Anything, "t-1-contract").
			Return(&esign.Envelope{ID: "env-7", Status: esign.StatusSent}, nil).Once()
		f.esign.On("GetSigningURL", mock.Anything, "env-7").
			Return("https://sign.example.com/env-7", nil).Once()

		got, err := f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionSendContract))
		require.NoError(t, err)
		assert.Equal(t, "env-7", got.ContractEnvelopeID)
		f.esign.AssertNotCalled(t, "CreateEnvelope", mock.Anything, mock.Anything)
	})
}

func TestAdvanceHoldContractPauses(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	require.NoError(t, f.store.CreateThread(ctx, contractGateState("t-1")))

	st, err := f.eng.Advance(ctx, "t-1", decisionTrigger(model.DecisionHoldContract))
	require.NoError(t, err)
	assert.Equal(t, model.StageContractDrafted, st.Status)
	assert.Nil(t, st.AdminDecision)
	f.esign.AssertNotCalled(t, "CreateEnvelope", mock.Anything, mock.Anything)
}

func TestAdvanceReminderEvent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	st := contractGateState("t-1")
	st.Status = model.StagePortalInvited
	require.NoError(t, f.store.CreateThread(ctx, st))

	got, err := f.eng.Advance(ctx, "t-1", eventTrigger(model.ExternalEvent{Kind: model.EventReminder}))
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReminderCount)
	assert.Equal(t, model.StagePortalInvited, got.Status)

	types := auditTypes(t, f.store, "t-1")
	assert.Contains(t, types, model.AuditReminderSent)

	// Reminders stop at the cap.
	for i := 0; i < 5; i++ {
		got, err = f.eng.Advance(ctx, "t-1", eventTrigger(model.ExternalEvent{Kind: model.EventReminder}))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, got.ReminderCount)
}

func TestAdvanceStaleEventIsNoOp(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	st := contractGateState("t-1")
	st.Status = model.StageContractSent
	st.ContractEnvelopeID = "env-1"
	require.NoError(t, f.store.CreateThread(ctx, st))

	got, err := f.eng.Advance(ctx, "t-1", eventTrigger(model.ExternalEvent{
		Kind:  model.EventPortalSignup,
		OrgID: "org-too-late",
	}))
	require.NoError(t, err)
	assert.Equal(t, model.StageContractSent, got.Status)
	assert.Empty(t, got.OrgID)
}

func TestAdvanceEarlyEventConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.eng.Advance(ctx, "t-1", startTrigger(nil))
	require.NoError(t, err)

	_, err = f.eng.Advance(ctx, "t-1", eventTrigger(model.ExternalEvent{
		Kind:      model.EventContractSigned,
		SignedURL: "https://docs.example.com/early.pdf",
	}))
	require.Error(t, err)
	assert.True(t, IsConflict(err))
}

func TestAdvanceAuditFailureIsFatal(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.store.FailAudit = true

	_, err := f.eng.Advance(ctx, "t-1", startTrigger(nil))
	require.Error(t, err)

	st, gerr := f.store.GetThread(ctx, "t-1")
	require.NoError(t, gerr)
	assert.Equal(t, model.StageFailed, st.Status)
}

func TestAdvanceUnknownThread(t *testing.T) {
	f := newFixture()

	_, err := f.eng.Advance(context.Background(), "nope", model.Trigger{Kind: model.TriggerResume})
	require.Error(t, err)
	assert.True(t, store.IsNotFound(err))
}

// contractGateState builds a thread paused at the contract approval gate.
func contractGateState(threadID string) *model.PipelineState {
	st := model.NewLeadState(threadID, "Jane Doe", "jane@example.com", "", "Calendly", nil, baseTime)
	st.Status = model.StageContractDrafted
	st.PricingDiscussed = model.TriYes
	st.PortalLink = "https://portal.example.com/signup/inv-1"
	st.PortalSignupComplete = true
	st.OrgID = "org-9"
	st.IntakeForm = &model.IntakeForm{
		CompanyName: "Acme Co",
		ProjectType: "Website redesign",
		BudgetRange: "$25,000",
		Timeline:    "8 weeks",
		Goals:       "New marketing site",
	}
	st.ScopeOfWorkDraft = "1. Deliverables..."
	st.ContractID = "c-1"
	return st
}
