package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/onboarding-cli/internal/model"
)

// MemoryStore is an in-memory Store used by unit tests and local experiments.
// It honors the same lock and append-only semantics as the SQL stores.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]*model.PipelineState
	audit   map[string][]model.AuditEvent
	locks   map[string]time.Time

	// FailAudit forces AppendAudit to fail; tests use it to exercise the
	// audit-write-failure path.
	FailAudit bool
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*model.PipelineState),
		audit:   make(map[string][]model.AuditEvent),
		locks:   make(map[string]time.Time),
	}
}

func (s *MemoryStore) CreateThread(ctx context.Context, state *model.PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[state.ThreadID]; ok {
		return eris.Wrapf(ErrExists, "memory: create thread %s", state.ThreadID)
	}
	s.threads[state.ThreadID] = state.Clone()
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, threadID string) (*model.PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.threads[threadID]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "memory: get thread %s", threadID)
	}
	return st.Clone(), nil
}

func (s *MemoryStore) PutThread(ctx context.Context, state *model.PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[state.ThreadID]; !ok {
		return eris.Wrapf(ErrNotFound, "memory: put thread %s", state.ThreadID)
	}
	s.threads[state.ThreadID] = state.Clone()
	return nil
}

func (s *MemoryStore) FindThreadByEnvelope(ctx context.Context, envelopeID string) (*model.PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.threads {
		if st.ContractEnvelopeID == envelopeID && envelopeID != "" {
			return st.Clone(), nil
		}
	}
	return nil, eris.Wrapf(ErrNotFound, "memory: find thread by envelope %s", envelopeID)
}

func (s *MemoryStore) ListThreads(ctx context.Context, filter ThreadFilter) ([]model.PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.PipelineState
	for _, st := range s.threads {
		if filter.Status != "" && st.Status != filter.Status {
			continue
		}
		if filter.Email != "" && st.ClientEmail != filter.Email {
			continue
		}
		out = append(out, *st.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListStalled(ctx context.Context, before time.Time, stages []model.Stage, maxReminders int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stageSet := make(map[model.Stage]bool, len(stages))
	for _, st := range stages {
		stageSet[st] = true
	}
	var ids []string
	for id, st := range s.threads {
		if stageSet[st.Status] && st.LastActivity.Before(before) && st.ReminderCount < maxReminders {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type memLock struct {
	store    *MemoryStore
	threadID string
}

func (l *memLock) Unlock(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	delete(l.store.locks, l.threadID)
	return nil
}

func (s *MemoryStore) TryLock(ctx context.Context, threadID string) (Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, held := s.locks[threadID]; held && time.Since(at) < lockLease {
		return nil, eris.Wrapf(ErrBusy, "memory: lock thread %s", threadID)
	}
	s.locks[threadID] = time.Now().UTC()
	return &memLock{store: s, threadID: threadID}, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, event *model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAudit {
		return eris.New("memory: audit write failed")
	}
	e := *event
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.audit[e.ThreadID] = append(s.audit[e.ThreadID], e)
	return nil
}

func (s *MemoryStore) ListAuditByThread(ctx context.Context, threadID string) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEvent, len(s.audit[threadID]))
	copy(out, s.audit[threadID])
	return out, nil
}

func (s *MemoryStore) LastAuditEvent(ctx context.Context, threadID string) (*model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.audit[threadID]
	if len(events) == 0 {
		return nil, nil
	}
	e := events[len(events)-1]
	return &e, nil
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
