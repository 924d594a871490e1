// Package engine drives onboarding threads through the stage state machine.
// Every invocation is lock-serialized, checkpointed after each handler, and
// audited, so a crash between steps loses at most the step in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/resilience"
	"github.com/sells-group/onboarding-cli/internal/store"
	"github.com/sells-group/onboarding-cli/pkg/anthropic"
	"github.com/sells-group/onboarding-cli/pkg/esign"
	"github.com/sells-group/onboarding-cli/pkg/notion"
	"github.com/sells-group/onboarding-cli/pkg/portal"
	"github.com/sells-group/onboarding-cli/pkg/salesforce"
)

// ErrConflict is returned when a trigger does not apply to the thread's
// current stage, for example an admin decision sent to a thread that is not
// paused at a decision gate.
var ErrConflict = errors.New("trigger conflicts with thread state")

// IsConflict reports whether err means the trigger was valid JSON but wrong
// for the thread's current stage.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// maxSteps bounds a single invocation's handler loop. The longest legal run
// (new lead straight through with every input pre-supplied) is well under
// this; hitting it means a handler is failing to make progress.
const maxSteps = 16

// Config carries the engine's tunables.
type Config struct {
	// NotionProjectsDB is the database that receives project workspace pages.
	NotionProjectsDB string

	// DraftModel overrides the model used for scope-of-work drafting.
	DraftModel string

	// MaxReminders caps reminder_sent events per thread.
	MaxReminders int

	// Retry overrides the provider retry policy. Zero value uses defaults.
	Retry resilience.RetryConfig
}

// Deps are the engine's collaborators. Salesforce and Anthropic are optional;
// when nil the CRM sync is skipped and scope drafting falls back to the
// built-in template.
type Deps struct {
	Store      store.Store
	Esign      esign.Client
	Portal     portal.Client
	Notion     notion.Client
	Salesforce salesforce.Client
	Anthropic  anthropic.Client
}

// Engine advances onboarding threads. Safe for concurrent use; per-thread
// serialization is enforced through the store's advisory locks.
type Engine struct {
	store  store.Store
	esign  esign.Client
	portal portal.Client
	notion notion.Client
	sf     salesforce.Client
	llm    anthropic.Client

	cfg Config
	now func() time.Time
}

// New creates an Engine.
func New(deps Deps, cfg Config) *Engine {
	if cfg.MaxReminders <= 0 {
		cfg.MaxReminders = 3
	}
	return &Engine{
		store:  deps.Store,
		esign:  deps.Esign,
		portal: deps.Portal,
		notion: deps.Notion,
		sf:     deps.Salesforce,
		llm:    deps.Anthropic,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// stepResult is one handler's verdict for the current stage.
type stepResult struct {
	// next, when non-empty, is the stage to advance to.
	next model.Stage

	// changed marks state mutations that must be persisted even though the
	// thread did not advance.
	changed bool

	// event, when non-empty, is an audit event type to record for a
	// stay-put outcome.
	event string

	// payload is attached to the audit entry for this step.
	payload any
}

// Advance runs the engine for one thread. It acquires the thread lock,
// applies the trigger, then executes stage handlers until one pauses, fails,
// or the thread reaches a terminal stage. The returned state is the thread's
// checkpoint as of the last persist.
func (e *Engine) Advance(ctx context.Context, threadID string, trig model.Trigger) (*model.PipelineState, error) {
	lock, err := e.store.TryLock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			zap.L().Warn("engine: unlock failed", zap.String("thread_id", threadID), zap.Error(uerr))
		}
	}()

	src := trig.Source
	if src == "" {
		src = model.SourceSystem
	}

	st, err := e.loadOrCreate(ctx, threadID, trig, src)
	if err != nil {
		return nil, err
	}

	proceed, err := e.applyTrigger(ctx, st, trig, src)
	if err != nil {
		return st, err
	}
	if !proceed {
		return st, nil
	}

	arrived := trig.Kind == model.TriggerStart
	for steps := 0; ; steps++ {
		if st.Status.Terminal() {
			break
		}
		if steps >= maxSteps {
			return e.fail(ctx, st, src, eris.New("engine: step limit exceeded"))
		}

		res, err := e.step(ctx, st)
		if err != nil {
			if resilience.IsTransient(err) {
				zap.L().Warn("engine: transient error, stage unchanged",
					zap.String("thread_id", st.ThreadID),
					zap.String("stage", string(st.Status)),
					zap.Error(err))
				return st, err
			}
			return e.fail(ctx, st, src, err)
		}

		if res.next != "" {
			from := st.Status
			st.Status = res.next
			st.LastActivity = e.now()
			if err := e.checkpoint(ctx, st, src, from, res.payload); err != nil {
				return e.failNoAudit(ctx, st, err)
			}
			arrived = true
			continue
		}

		if res.changed {
			st.LastActivity = e.now()
			if err := e.store.PutThread(ctx, st); err != nil {
				return st, eris.Wrap(err, "engine: persist checkpoint")
			}
			if res.event != "" {
				if err := e.audit(ctx, st.ThreadID, src, res.event, res.payload); err != nil {
					return e.failNoAudit(ctx, st, err)
				}
			}
		} else if res.event == model.AuditPausedForApproval && arrived {
			// First arrival at a gate gets one pause record; idempotent
			// resumes do not repeat it.
			if err := e.audit(ctx, st.ThreadID, src, res.event, res.payload); err != nil {
				return e.failNoAudit(ctx, st, err)
			}
		}
		break
	}

	return st, nil
}

// loadOrCreate resolves the thread checkpoint for this invocation. A start
// trigger inserts the initial state; redelivered starts fall through to the
// existing thread.
func (e *Engine) loadOrCreate(ctx context.Context, threadID string, trig model.Trigger, src string) (*model.PipelineState, error) {
	if trig.Kind == model.TriggerStart {
		if trig.Initial == nil {
			return nil, eris.Wrap(ErrConflict, "engine: start trigger without initial state")
		}
		st := trig.Initial.Clone()
		st.ThreadID = threadID

		err := e.store.CreateThread(ctx, st)
		switch {
		case err == nil:
			if aerr := e.audit(ctx, threadID, src, model.AuditPipelineStarted, map[string]string{
				"client_name":  st.ClientName,
				"client_email": st.ClientEmail,
				"source":       st.Source,
			}); aerr != nil {
				return e.failNoAudit(ctx, st, aerr)
			}
			return st, nil
		case store.IsExists(err):
			// Redelivered start: fall through to the stored thread.
			return e.store.GetThread(ctx, threadID)
		default:
			return nil, err
		}
	}

	return e.store.GetThread(ctx, threadID)
}

// applyTrigger folds the trigger's payload into the state before the handler
// loop runs. Returns false when the invocation should stop without running
// handlers (stale event replay).
func (e *Engine) applyTrigger(ctx context.Context, st *model.PipelineState, trig model.Trigger, src string) (bool, error) {
	switch trig.Kind {
	case model.TriggerStart, model.TriggerResume:
		return true, nil

	case model.TriggerAdminDecision:
		if trig.Decision == nil || !trig.Decision.Kind.Valid() {
			return false, eris.Wrap(ErrConflict, "engine: missing or unknown decision")
		}
		if !gateAccepts(st.Status, trig.Decision.Kind) {
			return false, eris.Wrap(ErrConflict, fmt.Sprintf(
				"engine: decision %s not valid at stage %s", trig.Decision.Kind, st.Status))
		}
		d := *trig.Decision
		st.AdminDecision = &d
		if err := e.audit(ctx, st.ThreadID, src, model.AuditApprovalReceived, map[string]string{
			"decision": string(d.Kind),
			"admin_id": d.AdminID,
		}); err != nil {
			_, ferr := e.failNoAudit(ctx, st, err)
			return false, ferr
		}
		return true, nil

	case model.TriggerEvent:
		if trig.Event == nil {
			return false, eris.Wrap(ErrConflict, "engine: event trigger without payload")
		}
		return e.applyEvent(ctx, st, trig.Event, src)

	default:
		return false, eris.Wrap(ErrConflict, fmt.Sprintf("engine: unknown trigger kind %q", trig.Kind))
	}
}

// applyEvent folds an external event into the state. Events that already
// happened (stage moved past the waiting point) are acknowledged as no-ops;
// events that arrive too early are conflicts.
func (e *Engine) applyEvent(ctx context.Context, st *model.PipelineState, ev *model.ExternalEvent, src string) (bool, error) {
	stale := func(waitingAt model.Stage) bool {
		return st.Status.After(waitingAt) || st.Status == model.StageProjectCreated
	}

	switch ev.Kind {
	case model.EventPortalSignup:
		if stale(model.StagePortalInvited) || st.PortalSignupComplete {
			return false, nil
		}
		if st.Status != model.StagePortalInvited {
			return false, eris.Wrap(ErrConflict, "engine: portal_signup before invite")
		}
		st.OrgID = ev.OrgID
		st.PortalSignupComplete = true

	case model.EventIntakeSubmitted:
		if stale(model.StagePortalSignupComplete) || st.IntakeForm != nil {
			return false, nil
		}
		if st.Status != model.StagePortalSignupComplete {
			return false, eris.Wrap(ErrConflict, "engine: intake before portal signup")
		}
		if ev.Intake == nil || !ev.Intake.Complete() {
			return false, eris.Wrap(ErrConflict, "engine: incomplete intake form")
		}
		f := *ev.Intake
		st.IntakeForm = &f

	case model.EventContractSigned:
		if stale(model.StageContractSent) || st.ContractSigned {
			return false, nil
		}
		if st.Status != model.StageContractSent {
			return false, eris.Wrap(ErrConflict, "engine: contract_signed before send")
		}
		st.ContractSigned = true
		st.ContractSignedURL = ev.SignedURL

	case model.EventReminder:
		if !Remindable(st.Status) || st.ReminderCount >= e.cfg.MaxReminders {
			return false, nil
		}
		st.ReminderCount++
		st.LastActivity = e.now()
		if err := e.store.PutThread(ctx, st); err != nil {
			return false, eris.Wrap(err, "engine: persist reminder")
		}
		if err := e.audit(ctx, st.ThreadID, src, model.AuditReminderSent, map[string]any{
			"stage":          st.Status,
			"reminder_count": st.ReminderCount,
		}); err != nil {
			_, ferr := e.failNoAudit(ctx, st, err)
			return false, ferr
		}
		// Reminders still run the handler loop so time-gated stages can
		// advance when their wait has elapsed.
		return true, nil

	default:
		return false, eris.Wrap(ErrConflict, fmt.Sprintf("engine: unknown event kind %q", ev.Kind))
	}

	if err := e.audit(ctx, st.ThreadID, src, model.AuditEventReceived, map[string]any{
		"event": ev.Kind,
		"stage": st.Status,
	}); err != nil {
		_, ferr := e.failNoAudit(ctx, st, err)
		return false, ferr
	}
	return true, nil
}

// RemindableStages are the pause points where the thread is waiting on an
// external party and a nudge is worthwhile. The sweep queries exactly these.
var RemindableStages = []model.Stage{
	model.StageMeetingScheduled,
	model.StagePortalInvited,
	model.StagePortalSignupComplete,
	model.StageContractSent,
}

// Remindable reports whether a thread paused at s is eligible for reminders.
func Remindable(s model.Stage) bool {
	for _, r := range RemindableStages {
		if s == r {
			return true
		}
	}
	return false
}

// gateAccepts maps decision kinds onto the stages that consume them.
func gateAccepts(s model.Stage, k model.DecisionKind) bool {
	switch s {
	case model.StageMeetingScheduled:
		return k == model.DecisionMarkMeetingHeld
	case model.StageMeetingHeld:
		return k == model.DecisionMarkMeetingHeld ||
			k == model.DecisionApprovePricing ||
			k == model.DecisionDeclinePricing
	case model.StageContractDrafted:
		return k == model.DecisionSendContract || k == model.DecisionHoldContract
	}
	return false
}

// checkpoint persists the state and records the stage transition. An audit
// write failure is promoted to a fatal invocation error: an unauditable
// transition must not be silently kept.
func (e *Engine) checkpoint(ctx context.Context, st *model.PipelineState, src string, from model.Stage, detail any) error {
	if err := e.store.PutThread(ctx, st); err != nil {
		return eris.Wrap(err, "engine: persist checkpoint")
	}
	payload := map[string]any{"from": from, "to": st.Status}
	if detail != nil {
		payload["detail"] = detail
	}
	if err := e.audit(ctx, st.ThreadID, src, model.AuditStageAdvanced, payload); err != nil {
		return err
	}
	zap.L().Info("stage advanced",
		zap.String("thread_id", st.ThreadID),
		zap.String("from", string(from)),
		zap.String("to", string(st.Status)),
	)
	return nil
}

// fail marks the thread failed, records the failure, and returns the cause.
func (e *Engine) fail(ctx context.Context, st *model.PipelineState, src string, cause error) (*model.PipelineState, error) {
	from := st.Status
	st.Status = model.StageFailed
	st.Error = cause.Error()
	st.LastActivity = e.now()

	if err := e.store.PutThread(ctx, st); err != nil {
		zap.L().Error("engine: persist failed state",
			zap.String("thread_id", st.ThreadID), zap.Error(err))
	}
	if err := e.audit(ctx, st.ThreadID, src, model.AuditPipelineFailed, map[string]any{
		"stage": from,
		"error": cause.Error(),
	}); err != nil {
		zap.L().Error("engine: audit failure record",
			zap.String("thread_id", st.ThreadID), zap.Error(err))
	}

	zap.L().Error("pipeline failed",
		zap.String("thread_id", st.ThreadID),
		zap.String("stage", string(from)),
		zap.Error(cause),
	)
	return st, eris.Wrap(cause, fmt.Sprintf("engine: thread %s failed at %s", st.ThreadID, from))
}

// failNoAudit handles the audit log itself being unwritable. The thread is
// marked failed on a best-effort basis and no further audit writes are
// attempted.
func (e *Engine) failNoAudit(ctx context.Context, st *model.PipelineState, cause error) (*model.PipelineState, error) {
	st.Status = model.StageFailed
	st.Error = cause.Error()
	st.LastActivity = e.now()
	if err := e.store.PutThread(ctx, st); err != nil {
		zap.L().Error("engine: persist failed state",
			zap.String("thread_id", st.ThreadID), zap.Error(err))
	}
	return st, eris.Wrap(cause, "engine: audit write failed")
}

func (e *Engine) audit(ctx context.Context, threadID, source, eventType string, payload any) error {
	ev := &model.AuditEvent{
		ThreadID:  threadID,
		Source:    source,
		EventType: eventType,
		CreatedAt: e.now(),
	}
	if payload != nil {
		ev.Payload = model.AuditPayload(payload)
	}
	return e.store.AppendAudit(ctx, ev)
}

// retryCfg builds the per-call retry policy for a provider operation.
func (e *Engine) retryCfg(service, operation string) resilience.RetryConfig {
	cfg := e.cfg.Retry
	if cfg.MaxAttempts == 0 {
		cfg = resilience.DefaultRetryConfig()
	}
	cfg.OnRetry = resilience.RetryLogger(service, operation)
	return cfg
}
