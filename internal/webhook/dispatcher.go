package webhook

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/store"
)

// Advancer is the engine surface the dispatcher needs.
type Advancer interface {
	Advance(ctx context.Context, threadID string, trig model.Trigger) (*model.PipelineState, error)
}

// Dispatcher runs engine invocations off the webhook request path with
// bounded parallelism. The HTTP handler acknowledges the sender immediately;
// failures of the dispatched work land in the audit log, not the response.
type Dispatcher struct {
	eng   Advancer
	store store.Store
	group *errgroup.Group
	ctx   context.Context
	stop  context.CancelFunc
}

// NewDispatcher creates a Dispatcher with at most workers concurrent engine
// invocations.
func NewDispatcher(eng Advancer, st store.Store, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	ctx, stop := context.WithCancel(context.Background())
	g := new(errgroup.Group)
	g.SetLimit(workers)
	return &Dispatcher{eng: eng, store: st, group: g, ctx: ctx, stop: stop}
}

// Dispatch schedules one engine invocation. Blocks only when all workers are
// busy.
func (d *Dispatcher) Dispatch(threadID string, trig model.Trigger) {
	d.group.Go(func() error {
		_, err := d.eng.Advance(d.ctx, threadID, trig)
		if err == nil {
			return nil
		}

		// Busy means another invocation owns the thread right now; the
		// provider will redeliver or the sweep will catch up. Everything
		// else is recorded against the thread.
		if store.IsBusy(err) {
			zap.L().Info("dispatch skipped, thread busy", zap.String("thread_id", threadID))
			return nil
		}

		zap.L().Error("dispatched engine invocation failed",
			zap.String("thread_id", threadID),
			zap.String("trigger", string(trig.Kind)),
			zap.Error(err),
		)
		aerr := d.store.AppendAudit(context.WithoutCancel(d.ctx), &model.AuditEvent{
			ThreadID:  threadID,
			Source:    model.SourceWebhook,
			EventType: model.AuditDispatchFailed,
			Payload: model.AuditPayload(map[string]string{
				"trigger": string(trig.Kind),
				"error":   err.Error(),
			}),
		})
		if aerr != nil {
			zap.L().Error("dispatch failure audit write failed",
				zap.String("thread_id", threadID), zap.Error(aerr))
		}
		return nil
	})
}

// Close waits for in-flight work to drain, then releases the dispatcher.
func (d *Dispatcher) Close() error {
	err := d.group.Wait()
	d.stop()
	return err
}
