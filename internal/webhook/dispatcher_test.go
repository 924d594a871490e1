package webhook

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/onboarding-cli/internal/model"
	"github.com/sells-group/onboarding-cli/internal/store"
)

type stubAdvancer struct {
	calls atomic.Int64
	err   error
}

func (s *stubAdvancer) Advance(ctx context.Context, threadID string, trig model.Trigger) (*model.PipelineState, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return &model.PipelineState{ThreadID: threadID}, nil
}

func TestDispatcherRunsWork(t *testing.T) {
	adv := &stubAdvancer{}
	st := store.NewMemory()
	d := NewDispatcher(adv, st, 2)

	for i := 0; i < 5; i++ {
		d.Dispatch("t-1", model.Trigger{Kind: model.TriggerResume})
	}
	require.NoError(t, d.Close())
	assert.Equal(t, int64(5), adv.calls.Load())
}

func TestDispatcherAuditsFailures(t *testing.T) {
	adv := &stubAdvancer{err: errors.New("boom")}
	st := store.NewMemory()
	d := NewDispatcher(adv, st, 1)

	d.Dispatch("t-1", model.Trigger{Kind: model.TriggerStart})
	require.NoError(t, d.Close())

	events, err := st.ListAuditByThread(context.Background(), "t-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditDispatchFailed, events[0].EventType)
	assert.Equal(t, model.SourceWebhook, events[0].Source)
}

func TestDispatcherSkipsBusy(t *testing.T) {
	adv := &stubAdvancer{err: store.ErrBusy}
	st := store.NewMemory()
	d := NewDispatcher(adv, st, 1)

	d.Dispatch("t-1", model.Trigger{Kind: model.TriggerResume})
	require.NoError(t, d.Close())

	events, err := st.ListAuditByThread(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Empty(t, events)
}
