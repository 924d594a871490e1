// Package store persists pipeline checkpoints, the append-only audit log,
// and the per-thread advisory locks that serialize engine invocations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/onboarding-cli/internal/model"
)

// Sentinel errors callers branch on. Wrapped with eris by the implementations,
// so always test with errors.Is.
var (
	// ErrNotFound is returned when no thread exists for the given id.
	ErrNotFound = errors.New("thread not found")

	// ErrExists is returned by CreateThread when the thread id is taken.
	ErrExists = errors.New("thread already exists")

	// ErrBusy is returned by TryLock when another invocation holds the lock.
	ErrBusy = errors.New("thread busy")
)

// IsNotFound reports whether err means the thread does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsExists reports whether err means the thread id was already taken.
func IsExists(err error) bool { return errors.Is(err, ErrExists) }

// IsBusy reports whether err means the per-thread lock is held elsewhere.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// Lock is a held per-thread lock. Unlock is idempotent.
type Lock interface {
	Unlock(ctx context.Context) error
}

// ThreadFilter specifies criteria for listing threads.
type ThreadFilter struct {
	Status model.Stage `json:"status,omitempty"`
	Email  string      `json:"email,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// Store defines the persistence interface for the onboarding pipeline.
type Store interface {
	// Threads (checkpoints)
	CreateThread(ctx context.Context, state *model.PipelineState) error
	GetThread(ctx context.Context, threadID string) (*model.PipelineState, error)
	PutThread(ctx context.Context, state *model.PipelineState) error
	FindThreadByEnvelope(ctx context.Context, envelopeID string) (*model.PipelineState, error)
	ListThreads(ctx context.Context, filter ThreadFilter) ([]model.PipelineState, error)
	ListStalled(ctx context.Context, before time.Time, stages []model.Stage, maxReminders int) ([]string, error)

	// Per-thread advisory lock. The lease guards against a crashed holder
	// wedging a thread forever; a second TryLock during the lease returns
	// ErrBusy.
	TryLock(ctx context.Context, threadID string) (Lock, error)

	// Audit log (append-only)
	AppendAudit(ctx context.Context, event *model.AuditEvent) error
	ListAuditByThread(ctx context.Context, threadID string) ([]model.AuditEvent, error)
	LastAuditEvent(ctx context.Context, threadID string) (*model.AuditEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// lockLease is how long a held lock is honored before a new TryLock may
// steal it. Engine invocations are bounded by handler timeouts well below
// this.
const lockLease = 2 * time.Minute
