package sync

import (
	"context"
	"time"

	"github.com/govportal/fieldsync/internal/vault/schema"
)

// RemoteClient is the remote sync contract.
type RemoteClient interface {
	// Pull returns remote changes after since; a zero since means full state.
	Pull(ctx context.Context, since time.Time) (schema.PullResponse, error)

	// Push submits operations and returns a verdict per operation.
	Push(ctx context.Context, ops []schema.PendingOperation) (schema.PushResponse, error)
}

// Syncer reconciles the vault with the remote service.
//
// Network and per-operation failures are absorbed into retry bookkeeping;
// errors returned by Syncer methods are storage failures or, for Pull,
// the remote failure itself.
type Syncer interface {
	// Pull fetches remote changes since the given time (zero for full
	// state), stores them in the entities partition and advances the
	// last sync time and pull checkpoint. Pull is not retried.
	Pull(ctx context.Context, since time.Time) (*PullResult, error)

	// Push submits the given operations and applies the outcome of each.
	// Dead-lettered operations are skipped. Push does not consult retry
	// schedules; use DueOperations to select operations whose retry time
	// has arrived.
	Push(ctx context.Context, ops []schema.PendingOperation) (*PushResult, error)

	// FullSync pulls from the stored checkpoint, then pushes every due
	// operation, as one session. It returns ErrSyncInProgress when
	// another FullSync is running.
	FullSync(ctx context.Context) (*SessionResult, error)

	// Enqueue assigns an ID and timestamp when absent, validates the
	// operation and stores it in the operations partition.
	Enqueue(ctx context.Context, op schema.PendingOperation) (*schema.PendingOperation, error)

	// GetPendingOperations returns the queued operations oldest first.
	GetPendingOperations(ctx context.Context) ([]schema.PendingOperation, error)

	// DueOperations returns queued operations whose next retry is not
	// after now. Operations that never failed are always due.
	DueOperations(ctx context.Context, now time.Time) ([]schema.PendingOperation, error)

	// Checkpoint returns the time of the last successful pull, or the zero
	// time before the first one.
	Checkpoint(ctx context.Context) (time.Time, error)

	// ListDeadLetters returns dead-lettered operations.
	ListDeadLetters(ctx context.Context) ([]schema.DeadLetterEntry, error)

	// RequeueDeadLetter moves a dead-lettered operation back to the queue
	// with a fresh retry state.
	RequeueDeadLetter(ctx context.Context, id string) error

	// ClearDeadLetter discards a dead-lettered operation.
	ClearDeadLetter(ctx context.Context, id string) error

	// ListConflicts returns recorded conflicts, oldest first.
	ListConflicts(ctx context.Context) ([]schema.Conflict, error)

	// ResolveConflict records an external resolver's decision. A conflict
	// is resolved at most once.
	ResolveConflict(ctx context.Context, id, resolution string) error

	// Status summarizes queue depth and sync health.
	Status(ctx context.Context) (*Status, error)
}
