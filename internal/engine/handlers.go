package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/resilience"
	"github.com/sells-group/onboarding-cli/pkg/anthropic"
	"github.com/sells-group/onboarding-cli/pkg/esign"
	"github.com/sells-group/onboarding-cli/pkg/notion"
	"github.com/sells-group/onboarding-cli/pkg/portal"
	"github.com/sells-group/onboarding-cli/pkg/salesforce"
)

// step dispatches the handler for the thread's current stage. Handlers are
// idempotent: each side effect is guarded by the state field it produces, so
// a crashed invocation can safely re-run the same stage.
func (e *Engine) step(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	switch st.Status {
	case model.StageNewLead:
		return e.handleNewLead(ctx, st)
	case model.StageMeetingScheduled:
		return e.handleMeetingScheduled(ctx, st)
	case model.StageMeetingHeld:
		return e.handleMeetingHeld(ctx, st)
	case model.StagePricingDiscussed:
		return e.handlePricingDiscussed(ctx, st)
	case model.StagePortalInvited:
		return e.handlePortalInvited(ctx, st)
	case model.StagePortalSignupComplete:
		return e.handlePortalSignupComplete(ctx, st)
	case model.StageIntakeSubmitted:
		return e.handleIntakeSubmitted(ctx, st)
	case model.StageContractDrafted:
		return e.handleContractDrafted(ctx, st)
	case model.StageContractSent:
		return e.handleContractSent(ctx, st)
	case model.StageContractSigned:
		return e.handleContractSigned(ctx, st)
	default:
		return stepResult{}, eris.New(fmt.Sprintf("engine: no handler for stage %s", st.Status))
	}
}

func (e *Engine) handleNewLead(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	var changed bool
	if e.sf != nil && st.CRMLeadID == "" {
		first, last := salesforce.SplitName(st.ClientName)
		id, err := resilience.DoVal(ctx, e.retryCfg("salesforce", "upsert_lead"),
			func(ctx context.Context) (string, error) {
				return salesforce.UpsertLead(ctx, e.sf, salesforce.Lead{
					FirstName: first,
					LastName:  last,
					Email:     st.ClientEmail,
					Phone:     st.ClientPhone,
					Company:   st.ClientName,
					Source:    st.Source,
					Status:    salesforce.LeadStageNew,
				})
			})
		if err != nil {
			return stepResult{}, err
		}
		st.CRMLeadID = id
		changed = true
	}

	if st.MeetingDatetime != nil {
		return stepResult{next: model.StageMeetingScheduled}, nil
	}
	return stepResult{changed: changed}, nil
}

func (e *Engine) handleMeetingScheduled(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	if d := st.AdminDecision; d != nil && d.Kind == model.DecisionMarkMeetingHeld {
		if d.Notes != "" {
			st.MeetingNotes = d.Notes
		}
		st.AdminDecision = nil
		return stepResult{next: model.StageMeetingHeld}, nil
	}

	if st.MeetingDatetime != nil && !e.now().Before(*st.MeetingDatetime) {
		e.syncLeadStatus(ctx, st, salesforce.LeadStageMeeting)
		return stepResult{next: model.StageMeetingHeld}, nil
	}
	return stepResult{}, nil
}

func (e *Engine) handleMeetingHeld(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	d := st.AdminDecision
	if d == nil {
		return stepResult{
			event:   model.AuditPausedForApproval,
			payload: map[string]any{"stage": st.Status},
		}, nil
	}

	switch d.Kind {
	case model.DecisionMarkMeetingHeld:
		if d.Notes != "" {
			st.MeetingNotes = d.Notes
		}
		st.AdminDecision = nil
		return stepResult{
			changed: true,
			event:   model.AuditPausedForApproval,
			payload: map[string]any{"stage": st.Status},
		}, nil

	case model.DecisionApprovePricing:
		st.PricingDiscussed = model.TriYes
		st.AdminDecision = nil
		e.syncLeadStatus(ctx, st, salesforce.LeadStageProposal)
		return stepResult{next: model.StagePricingDiscussed}, nil

	case model.DecisionDeclinePricing:
		st.PricingDiscussed = model.TriNo
		st.AdminDecision = nil
		return stepResult{changed: true}, nil

	default:
		return stepResult{}, eris.Wrap(ErrConflict, fmt.Sprintf(
			"engine: decision %s at stage %s", d.Kind, st.Status))
	}
}

func (e *Engine) handlePricingDiscussed(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	if st.PortalLink == "" {
		inv, err := resilience.DoVal(ctx, e.retryCfg("portal", "create_invite"),
			func(ctx context.Context) (*portal.Invite, error) {
				return e.portal.CreateInvite(ctx, portal.CreateInviteRequest{
					Email:      st.ClientEmail,
					Name:       st.ClientName,
					ExternalID: st.ThreadID,
				})
			})
		if err != nil {
			return stepResult{}, err
		}
		st.PortalLink = inv.Link
	}
	return stepResult{next: model.StagePortalInvited}, nil
}

func (e *Engine) handlePortalInvited(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	if st.PortalSignupComplete {
		return stepResult{next: model.StagePortalSignupComplete}, nil
	}
	return stepResult{}, nil
}

func (e *Engine) handlePortalSignupComplete(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	if st.IntakeForm != nil {
		return stepResult{next: model.StageIntakeSubmitted}, nil
	}
	return stepResult{}, nil
}

func (e *Engine) handleIntakeSubmitted(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	if st.ScopeOfWorkDraft == "" {
		draft, err := e.draftScope(ctx, st)
		if err != nil {
			return stepResult{}, err
		}
		st.ScopeOfWorkDraft = draft
	}
	if st.ContractID == "" {
		st.ContractID = uuid.New().String()
	}
	return stepResult{next: model.StageContractDrafted}, nil
}

func (e *Engine) handleContractDrafted(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	d := st.AdminDecision
	if d == nil {
		return stepResult{
			event:   model.AuditPausedForApproval,
			payload: map[string]any{"stage": st.Status},
		}, nil
	}

	switch d.Kind {
	case model.DecisionHoldContract:
		st.AdminDecision = nil
		return stepResult{changed: true}, nil

	case model.DecisionSendContract:
		signingURL, err := e.sendContract(ctx, st)
		if err != nil {
			return stepResult{}, err
		}
		st.AdminDecision = nil
		e.syncLeadStatus(ctx, st, salesforce.LeadStageContract)
		return stepResult{
			next:    model.StageContractSent,
			payload: map[string]string{"signing_url": signingURL},
		}, nil

	default:
		return stepResult{}, eris.Wrap(ErrConflict, fmt.Sprintf(
			"engine: decision %s at stage %s", d.Kind, st.Status))
	}
}

func (e *Engine) handleContractSent(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	if st.ContractSigned {
		return stepResult{next: model.StageContractSigned}, nil
	}
	return stepResult{}, nil
}

func (e *Engine) handleContractSigned(ctx context.Context, st *model.PipelineState) (stepResult, error) {
	if st.ProjectPageID == "" {
		if e.notion == nil {
			return stepResult{}, eris.New("engine: notion client not configured")
		}

		pageID, err := resilience.DoVal(ctx, e.retryCfg("notion", "find_project"),
			func(ctx context.Context) (string, error) {
				return notion.FindProjectByThread(ctx, e.notion, e.cfg.NotionProjectsDB, st.ThreadID)
			})
		if err != nil {
			return stepResult{}, err
		}

		if pageID == "" {
			in := notion.ProjectInput{
				DatabaseID:  e.cfg.NotionProjectsDB,
				ThreadID:    st.ThreadID,
				ClientName:  st.ClientName,
				ClientEmail: st.ClientEmail,
				OrgID:       st.OrgID,
				ScopeOfWork: st.ScopeOfWorkDraft,
				ContractURL: st.ContractSignedURL,
			}
			if f := st.IntakeForm; f != nil {
				in.ProjectType = f.ProjectType
				in.Budget = f.BudgetRange
				in.Timeline = f.Timeline
			}
			pageID, err = resilience.DoVal(ctx, e.retryCfg("notion", "create_project"),
				func(ctx context.Context) (string, error) {
					return notion.CreateProjectPage(ctx, e.notion, in)
				})
			if err != nil {
				return stepResult{}, err
			}
		}
		st.ProjectPageID = pageID
	}

	e.syncLeadStatus(ctx, st, salesforce.LeadStageClosedWon)
	return stepResult{next: model.StageProjectCreated}, nil
}

// sendContract ensures exactly one envelope exists for the thread and returns
// its signing URL. A create that succeeded remotely but was never persisted
// locally is recovered through the provider's reference lookup.
func (e *Engine) sendContract(ctx context.Context, st *model.PipelineState) (string, error) {
	if st.ContractEnvelopeID == "" {
		ref := contractReference(st.ThreadID)

		env, err := resilience.DoVal(ctx, e.retryCfg("esign", "find_by_reference"),
			func(ctx context.Context) (*esign.Envelope, error) {
				return e.esign.FindByReference(ctx, ref)
			})
		if err != nil {
			return "", err
		}

		if env == nil {
			env, err = resilience.DoVal(ctx, e.retryCfg("esign", "create_envelope"),
				func(ctx context.Context) (*esign.Envelope, error) {
					return e.esign.CreateEnvelope(ctx, esign.CreateEnvelopeRequest{
						Reference:     ref,
						DocumentTitle: "Services Agreement - " + st.ClientName,
						DocumentBody:  st.ScopeOfWorkDraft,
						SignerName:    st.ClientName,
						SignerEmail:   st.ClientEmail,
					})
				})
			if err != nil {
				return "", err
			}
		}
		st.ContractEnvelopeID = env.ID
	}

	return resilience.DoVal(ctx, e.retryCfg("esign", "get_signing_url"),
		func(ctx context.Context) (string, error) {
			return e.esign.GetSigningURL(ctx, st.ContractEnvelopeID)
		})
}

// contractReference is the stable provider-side idempotency key for a
// thread's contract envelope.
func contractReference(threadID string) string {
	return threadID + "-contract"
}

// draftScope produces the scope-of-work text, via the model when configured
// and from the intake template otherwise.
func (e *Engine) draftScope(ctx context.Context, st *model.PipelineState) (string, error) {
	if e.llm == nil {
		return templateScope(st), nil
	}

	in := anthropic.ScopeInput{
		Model:        e.cfg.DraftModel,
		ClientName:   st.ClientName,
		MeetingNotes: st.MeetingNotes,
	}
	if f := st.IntakeForm; f != nil {
		in.ProjectType = f.ProjectType
		in.Budget = f.BudgetRange
		in.Timeline = f.Timeline
		in.Requirements = f.Goals
	}

	return resilience.DoVal(ctx, e.retryCfg("anthropic", "draft_scope"),
		func(ctx context.Context) (string, error) {
			return anthropic.DraftScope(ctx, e.llm, in)
		})
}

// templateScope is the deterministic fallback scope draft.
func templateScope(st *model.PipelineState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scope of Work for %s\n\n", st.ClientName)
	if f := st.IntakeForm; f != nil {
		fmt.Fprintf(&b, "1. Project: %s\n", f.ProjectType)
		fmt.Fprintf(&b, "2. Budget: %s\n", f.BudgetRange)
		fmt.Fprintf(&b, "3. Timeline: %s\n", f.Timeline)
		fmt.Fprintf(&b, "4. Goals:\n%s\n", f.Goals)
		if f.Notes != "" {
			fmt.Fprintf(&b, "5. Additional notes:\n%s\n", f.Notes)
		}
	}
	if st.MeetingNotes != "" {
		fmt.Fprintf(&b, "\nMeeting notes:\n%s\n", st.MeetingNotes)
	}
	return b.String()
}

// syncLeadStatus mirrors the pipeline stage into the CRM. Sync failures are
// logged and dropped: the CRM view is advisory and must not block onboarding.
func (e *Engine) syncLeadStatus(ctx context.Context, st *model.PipelineState, status string) {
	if e.sf == nil || st.CRMLeadID == "" {
		return
	}
	err := resilience.Do(ctx, e.retryCfg("salesforce", "update_lead_status"),
		func(ctx context.Context) error {
			return salesforce.UpdateLeadStatus(ctx, e.sf, st.CRMLeadID, status)
		})
	if err != nil {
		zap.L().Warn("crm status sync failed",
			zap.String("thread_id", st.ThreadID),
			zap.String("lead_id", st.CRMLeadID),
			zap.String("status", status),
			zap.Error(err),
		)
	}
}
