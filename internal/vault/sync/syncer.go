package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/govportal/fieldsync/internal/vault/metrics"
	"github.com/govportal/fieldsync/internal/vault/schema"
	"github.com/govportal/fieldsync/internal/vault/store"
)

const notAcknowledged = "not acknowledged by remote"

// Options configures a Syncer.
type Options struct {
	Policy RetryPolicy
	Logger *log.Logger

	// Now overrides the clock used for retry scheduling and timestamps.
	Now func() time.Time
}

// syncer implements the Syncer interface.
type syncer struct {
	store     *store.Store
	remote    RemoteClient
	collector *metrics.Collector
	policy    RetryPolicy
	logger    *log.Logger
	now       func() time.Time

	inFlight atomic.Bool
}

// New creates a new Syncer instance.
//
// If opts.Logger is nil, a default logger writing to stderr is used. Zero
// fields of opts.Policy take their DefaultRetryPolicy values.
func New(st *store.Store, remote RemoteClient, collector *metrics.Collector, opts Options) Syncer {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &syncer{
		store:     st,
		remote:    remote,
		collector: collector,
		policy:    opts.Policy.withDefaults(),
		logger:    logger,
		now:       now,
	}
}

// Pull implements Syncer.Pull.
func (s *syncer) Pull(ctx context.Context, since time.Time) (*PullResult, error) {
	defer s.endSession(ctx)
	return s.pull(ctx, since)
}

// Push implements Syncer.Push.
func (s *syncer) Push(ctx context.Context, ops []schema.PendingOperation) (*PushResult, error) {
	defer s.endSession(ctx)
	return s.push(ctx, ops, uuid.NewString())
}

// FullSync implements Syncer.FullSync.
func (s *syncer) FullSync(ctx context.Context) (*SessionResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.inFlight.Store(false)
	defer s.endSession(ctx)

	result := &SessionResult{
		SessionID: uuid.NewString(),
		StartedAt: s.now(),
	}
	defer func() { result.Duration = s.now().Sub(result.StartedAt) }()

	since, err := s.Checkpoint(ctx)
	if err != nil {
		return result, err
	}

	pullRes, pullErr := s.pull(ctx, since)
	result.Pull = pullRes
	if pullErr != nil {
		// push still runs: outbound delivery does not depend on the pull
		result.PullError = pullErr.Error()
		s.logger.Printf("Pull failed: %v", pullErr)
	}

	due, err := s.DueOperations(ctx, s.now())
	if err != nil {
		return result, err
	}
	pushRes, err := s.push(ctx, due, result.SessionID)
	result.Push = pushRes
	if err != nil {
		return result, err
	}

	s.logger.Printf("Session %s: %d pulled, %d pushed, %d conflicts, %d failed",
		result.SessionID, changesOf(pullRes), len(pushRes.Pushed), len(pushRes.Conflicts), len(pushRes.Failed))
	return result, pullErr
}

func changesOf(r *PullResult) int {
	if r == nil {
		return 0
	}
	return r.Changes
}

// endSession counts one session, refreshes gauges and flushes metrics.
func (s *syncer) endSession(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.collector.Add(metrics.SyncMetrics{TotalSyncSessions: 1})

	for _, p := range []store.Partition{store.Operations, store.DeadLetter, store.Conflicts} {
		if n, err := s.store.Count(ctx, p); err == nil {
			s.collector.ObservePartition(p, n)
		}
	}
	if err := s.collector.Flush(ctx); err != nil {
		s.logger.Printf("Warning: failed to flush metrics: %v", err)
	}
}

func (s *syncer) pull(ctx context.Context, since time.Time) (*PullResult, error) {
	started := s.now()

	resp, err := s.remote.Pull(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to pull remote changes: %w", err)
	}

	entries := make([]store.Entry, 0, len(resp.Changes))
	for _, change := range resp.Changes {
		if change.Key == "" {
			s.logger.Printf("Skipping remote change without key (table %s)", change.TableName)
			continue
		}
		entries = append(entries, store.Entry{Key: change.Key, Value: change})
	}
	if err := s.store.BatchSet(ctx, store.Entities, entries); err != nil {
		return nil, fmt.Errorf("failed to store remote changes: %w", err)
	}

	stamp := started.UnixMilli()
	err = s.store.BatchSet(ctx, store.Metadata, []store.Entry{
		{Key: LastSyncTimeKey, Value: stamp},
		{Key: CheckpointKey, Value: stamp},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update sync checkpoint: %w", err)
	}
	s.collector.Add(metrics.SyncMetrics{LastSyncTime: stamp})

	return &PullResult{Changes: len(entries), Checkpoint: time.UnixMilli(stamp)}, nil
}

func (s *syncer) push(ctx context.Context, ops []schema.PendingOperation, sessionID string) (*PushResult, error) {
	result := &PushResult{}

	batch := make([]schema.PendingOperation, 0, len(ops))
	for _, op := range ops {
		rs, found, err := s.retryState(ctx, op.ID)
		if err != nil {
			return result, err
		}
		if found && rs.DeadLetter {
			result.Skipped = append(result.Skipped, op.ID)
			continue
		}
		batch = append(batch, op)
	}
	if len(batch) == 0 {
		return result, nil
	}

	resp, pushErr := s.remote.Push(ctx, batch)

	// bookkeeping must land even if the caller's deadline passed mid-push
	ctx = context.WithoutCancel(ctx)

	if pushErr != nil {
		s.logger.Printf("Push of %d operations failed: %v", len(batch), pushErr)
		result.TransportError = pushErr.Error()
		for _, op := range batch {
			if err := s.recordFailure(ctx, op, pushErr.Error(), result); err != nil {
				return result, err
			}
		}
		return result, nil
	}

	accepted := make(map[string]bool, len(resp.Accepted))
	for _, id := range resp.Accepted {
		accepted[id] = true
	}
	conflicts := make(map[string]json.RawMessage, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflicts[c.ID] = c.RemoteVersion
	}
	rejected := make(map[string]string, len(resp.Rejected))
	for _, r := range resp.Rejected {
		rejected[r.ID] = r.Reason
	}

	for _, op := range batch {
		var err error
		if remoteVersion, ok := conflicts[op.ID]; ok {
			err = s.recordConflict(ctx, op, remoteVersion, sessionID, result)
		} else if accepted[op.ID] {
			err = s.recordAccepted(ctx, op, result)
		} else {
			reason, ok := rejected[op.ID]
			if !ok {
				reason = notAcknowledged
			}
			err = s.recordFailure(ctx, op, reason, result)
		}
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *syncer) retryState(ctx context.Context, id string) (schema.RetryState, bool, error) {
	var rs schema.RetryState
	err := s.store.GetItem(ctx, store.RetryState, id, &rs)
	if errors.Is(err, store.ErrNotFound) {
		return schema.RetryState{}, false, nil
	}
	if err != nil {
		return schema.RetryState{}, false, fmt.Errorf("failed to load retry state for %s: %w", id, err)
	}
	return rs, true, nil
}

func (s *syncer) recordAccepted(ctx context.Context, op schema.PendingOperation, result *PushResult) error {
	if err := s.store.RemoveItem(ctx, store.Operations, op.ID); err != nil {
		return err
	}
	if err := s.store.RemoveItem(ctx, store.RetryState, op.ID); err != nil {
		return err
	}
	s.collector.Add(metrics.SyncMetrics{OperationsPushed: 1})
	result.Pushed = append(result.Pushed, op.ID)
	return nil
}

func (s *syncer) recordConflict(ctx context.Context, op schema.PendingOperation, remoteVersion json.RawMessage, sessionID string, result *PushResult) error {
	local, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode conflicting operation %s: %w", op.ID, err)
	}
	conflict := schema.Conflict{
		ID:            op.ID,
		SessionID:     sessionID,
		LocalVersion:  local,
		RemoteVersion: remoteVersion,
		DetectedAt:    s.now().UnixMilli(),
	}

	var existing schema.Conflict
	err = s.store.GetItem(ctx, store.Conflicts, op.ID, &existing)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := s.store.MoveItem(ctx, store.Operations, store.Conflicts, op.ID, conflict); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		// a requeued operation conflicted again; earlier records stay as they are
		conflict.ID = op.ID + "@" + sessionID
		if err := s.store.SetItem(ctx, store.Conflicts, conflict.ID, conflict); err != nil {
			return err
		}
		if err := s.store.RemoveItem(ctx, store.Operations, op.ID); err != nil {
			return err
		}
	}

	if err := s.store.RemoveItem(ctx, store.RetryState, op.ID); err != nil {
		return err
	}
	s.collector.Add(metrics.SyncMetrics{ConflictsDetected: 1})
	result.Conflicts = append(result.Conflicts, conflict.ID)
	s.logger.Printf("Conflict on %s %s (operation %s)", op.OperationType, op.TableName, op.ID)
	return nil
}

func (s *syncer) recordFailure(ctx context.Context, op schema.PendingOperation, reason string, result *PushResult) error {
	rs, found, err := s.retryState(ctx, op.ID)
	if err != nil {
		return err
	}
	if !found {
		rs = schema.RetryState{ID: op.ID, BackoffMultiplier: s.policy.Multiplier}
	}

	now := s.now()
	rs.Attempts++
	rs.LastAttempt = now.UnixMilli()
	rs.NextRetry = now.Add(s.policy.Delay(rs.Attempts)).UnixMilli()
	rs.LastError = reason
	s.collector.Add(metrics.SyncMetrics{OperationsFailed: 1})
	result.Failed = append(result.Failed, op.ID)

	if rs.Attempts >= s.policy.MaxAttempts {
		rs.DeadLetter = true
		entry := schema.DeadLetterEntry{
			ID:             op.ID,
			Operation:      op,
			RetryState:     rs,
			Reason:         reason,
			DeadLetteredAt: now.UnixMilli(),
		}
		if err := s.store.MoveItem(ctx, store.Operations, store.DeadLetter, op.ID, entry); err != nil {
			return err
		}
		result.DeadLettered = append(result.DeadLettered, op.ID)
		s.logger.Printf("Operation %s dead-lettered after %d attempts: %s", op.ID, rs.Attempts, reason)
	}

	return s.store.SetItem(ctx, store.RetryState, op.ID, rs)
}

// Enqueue implements Syncer.Enqueue.
func (s *syncer) Enqueue(ctx context.Context, op schema.PendingOperation) (*schema.PendingOperation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp == 0 {
		op.Timestamp = s.now().UnixMilli()
	}
	if len(op.Payload) == 0 {
		op.Payload = json.RawMessage("null")
	}
	if err := op.Validate(); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation: %w", err)
	}
	if err := schema.ValidateOperationJSON(data); err != nil {
		return nil, fmt.Errorf("invalid operation: %w", err)
	}

	if err := s.store.SetItem(ctx, store.Operations, op.ID, op); err != nil {
		return nil, fmt.Errorf("failed to queue operation: %w", err)
	}
	s.collector.Add(metrics.SyncMetrics{OperationsQueued: 1})
	if err := s.collector.Flush(ctx); err != nil {
		s.logger.Printf("Warning: failed to flush metrics: %v", err)
	}
	return &op, nil
}

// GetPendingOperations implements Syncer.GetPendingOperations.
func (s *syncer) GetPendingOperations(ctx context.Context) ([]schema.PendingOperation, error) {
	items, err := s.store.GetAllItems(ctx, store.Operations)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending operations: %w", err)
	}

	ops := make([]schema.PendingOperation, 0, len(items))
	for _, it := range items {
		var op schema.PendingOperation
		if err := it.Decode(&op); err != nil {
			return nil, fmt.Errorf("failed to decode operation %s: %w", it.Key, err)
		}
		ops = append(ops, op)
	}
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Timestamp != ops[j].Timestamp {
			return ops[i].Timestamp < ops[j].Timestamp
		}
		return ops[i].ID < ops[j].ID
	})
	return ops, nil
}

// DueOperations implements Syncer.DueOperations.
func (s *syncer) DueOperations(ctx context.Context, now time.Time) ([]schema.PendingOperation, error) {
	ops, err := s.GetPendingOperations(ctx)
	if err != nil {
		return nil, err
	}

	due := ops[:0]
	for _, op := range ops {
		rs, found, err := s.retryState(ctx, op.ID)
		if err != nil {
			return nil, err
		}
		if found && (rs.DeadLetter || rs.NextRetry > now.UnixMilli()) {
			continue
		}
		due = append(due, op)
	}
	return due, nil
}

// Checkpoint implements Syncer.Checkpoint.
func (s *syncer) Checkpoint(ctx context.Context) (time.Time, error) {
	var ms int64
	err := s.store.GetItem(ctx, store.Metadata, CheckpointKey, &ms)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read pull checkpoint: %w", err)
	}
	return time.UnixMilli(ms), nil
}

// ListDeadLetters implements Syncer.ListDeadLetters.
func (s *syncer) ListDeadLetters(ctx context.Context) ([]schema.DeadLetterEntry, error) {
	items, err := s.store.GetAllItems(ctx, store.DeadLetter)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	entries := make([]schema.DeadLetterEntry, 0, len(items))
	for _, it := range items {
		var e schema.DeadLetterEntry
		if err := it.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter %s: %w", it.Key, err)
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].DeadLetteredAt < entries[j].DeadLetteredAt })
	return entries, nil
}

func (s *syncer) deadLetter(ctx context.Context, id string) (schema.DeadLetterEntry, error) {
	var entry schema.DeadLetterEntry
	err := s.store.GetItem(ctx, store.DeadLetter, id, &entry)
	if errors.Is(err, store.ErrNotFound) {
		return entry, fmt.Errorf("%s: %w", id, ErrNotDeadLettered)
	}
	return entry, err
}

// RequeueDeadLetter implements Syncer.RequeueDeadLetter.
func (s *syncer) RequeueDeadLetter(ctx context.Context, id string) error {
	entry, err := s.deadLetter(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.MoveItem(ctx, store.DeadLetter, store.Operations, id, entry.Operation); err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	if err := s.store.RemoveItem(ctx, store.RetryState, id); err != nil {
		return fmt.Errorf("failed to reset retry state for %s: %w", id, err)
	}
	s.logger.Printf("Requeued dead-lettered operation %s", id)
	return nil
}

// ClearDeadLetter implements Syncer.ClearDeadLetter.
func (s *syncer) ClearDeadLetter(ctx context.Context, id string) error {
	if _, err := s.deadLetter(ctx, id); err != nil {
		return err
	}
	if err := s.store.RemoveItem(ctx, store.DeadLetter, id); err != nil {
		return err
	}
	return s.store.RemoveItem(ctx, store.RetryState, id)
}

// ListConflicts implements Syncer.ListConflicts.
func (s *syncer) ListConflicts(ctx context.Context) ([]schema.Conflict, error) {
	items, err := s.store.GetAllItems(ctx, store.Conflicts)
	if err != nil {
		return nil, fmt.Errorf("failed to read conflicts: %w", err)
	}
	conflicts := make([]schema.Conflict, 0, len(items))
	for _, it := range items {
		var c schema.Conflict
		if err := it.Decode(&c); err != nil {
			return nil, fmt.Errorf("failed to decode conflict %s: %w", it.Key, err)
		}
		conflicts = append(conflicts, c)
	}
	sort.SliceStable(conflicts, func(i, j int) bool { return conflicts[i].DetectedAt < conflicts[j].DetectedAt })
	return conflicts, nil
}

// ResolveConflict implements Syncer.ResolveConflict.
func (s *syncer) ResolveConflict(ctx context.Context, id, resolution string) error {
	if !slices.Contains(schema.Resolutions, resolution) {
		return fmt.Errorf("invalid resolution %q (want one of %v)", resolution, schema.Resolutions)
	}

	var c schema.Conflict
	if err := s.store.GetItem(ctx, store.Conflicts, id, &c); err != nil {
		return fmt.Errorf("failed to load conflict %s: %w", id, err)
	}
	if c.Resolved() {
		return fmt.Errorf("%s: %w", id, ErrConflictResolved)
	}

	c.Resolution = resolution
	c.ResolvedAt = s.now().UnixMilli()
	if err := s.store.SetItem(ctx, store.Conflicts, id, c); err != nil {
		return fmt.Errorf("failed to record resolution for %s: %w", id, err)
	}
	return nil
}

// Status implements Syncer.Status.
func (s *syncer) Status(ctx context.Context) (*Status, error) {
	ops, err := s.GetPendingOperations(ctx)
	if err != nil {
		return nil, err
	}
	due, err := s.DueOperations(ctx, s.now())
	if err != nil {
		return nil, err
	}
	deadLetters, err := s.store.Count(ctx, store.DeadLetter)
	if err != nil {
		return nil, err
	}
	conflicts, err := s.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := s.collector.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Pending:        len(ops),
		Due:            len(due),
		DeadLetters:    deadLetters,
		SyncInProgress: s.inFlight.Load(),
		Metrics:        snap,
	}
	for _, c := range conflicts {
		if c.Resolved() {
			st.Resolved++
		} else {
			st.Conflicts++
		}
	}
	if snap.LastSyncTime > 0 {
		st.LastSyncTime = time.UnixMilli(snap.LastSyncTime)
	}
	return st, nil
}
