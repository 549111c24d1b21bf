// Package migrate moves data out of the legacy plaintext key-value store
// into the encrypted vault.
//
// Migration runs once per device. Recognized legacy keys are copied into
// their vault partitions, the copy is verified by reading it back, and only
// then are the legacy keys deleted and the completion marker written. A
// failed run removes its partial copy from the vault and leaves the legacy
// data untouched so the migration can be retried.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/govportal/fieldsync/internal/vault/schema"
	"github.com/govportal/fieldsync/internal/vault/store"
)

// State is the migration state of a device.
type State string

const (
	StateNotNeeded  State = "not_needed"
	StateRequired   State = "required"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// legacySessionID tags conflicts carried over from the legacy store.
const legacySessionID = "legacy-migration"

// LegacyStore is the legacy key-value store.
type LegacyStore interface {
	Keys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
}

// Vault is the subset of the encrypted store the engine writes and verifies.
type Vault interface {
	BatchSet(ctx context.Context, p store.Partition, entries []store.Entry) error
	GetItem(ctx context.Context, p store.Partition, key string, dst any) error
	Keys(ctx context.Context, p store.Partition) ([]string, error)
	RemoveMany(ctx context.Context, p store.Partition, keys []string) error
}

// MigrateOptions contains configuration for the migration
type MigrateOptions struct {
	DryRun bool // Classify and count without writing
}

// MigrateResult contains statistics about the migration
type MigrateResult struct {
	Success                bool
	DryRun                 bool
	MigratedCount          int
	PreservedLegacyEntries int
	Categories             map[string]int // partition name -> legacy keys
	Errors                 []string
}

// Engine runs the migration.
type Engine struct {
	legacy LegacyStore
	vault  Vault
	logger *log.Logger
	now    func() time.Time

	// beforeVerify runs between the copy and verification steps.
	beforeVerify func(ctx context.Context) error
}

// New creates a migration engine.
func New(legacy LegacyStore, vault Vault, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Engine{
		legacy: legacy,
		vault:  vault,
		logger: logger,
		now:    time.Now,
	}
}

// candidates returns the migratable legacy keys grouped by partition and
// the number of keys that stay behind.
func (e *Engine) candidates(ctx context.Context) (map[store.Partition][]string, int, error) {
	keys, err := e.legacy.Keys(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list legacy keys: %w", err)
	}

	groups := make(map[store.Partition][]string)
	preserved := 0
	for _, key := range keys {
		if key == InProgressKey {
			continue
		}
		p, ok := Classify(key)
		if !ok {
			preserved++
			continue
		}
		groups[p] = append(groups[p], key)
	}
	return groups, preserved, nil
}

// NeedsMigration reports whether the device still has unmigrated legacy
// data. A device with no recognized legacy keys does not need migration.
func (e *Engine) NeedsMigration(ctx context.Context) (bool, error) {
	_, completed, err := e.legacy.Get(ctx, CompletedKey)
	if err != nil {
		return false, fmt.Errorf("failed to read completion marker: %w", err)
	}
	if completed {
		return false, nil
	}

	groups, _, err := e.candidates(ctx)
	if err != nil {
		return false, err
	}
	return len(groups) > 0, nil
}

// State returns the current migration state.
func (e *Engine) State(ctx context.Context) (State, error) {
	if _, found, err := e.legacy.Get(ctx, CompletedKey); err != nil {
		return "", fmt.Errorf("failed to read completion marker: %w", err)
	} else if found {
		return StateCompleted, nil
	}

	if _, found, err := e.legacy.Get(ctx, InProgressKey); err != nil {
		return "", fmt.Errorf("failed to read in-progress marker: %w", err)
	} else if found {
		return StateInProgress, nil
	}

	needed, err := e.NeedsMigration(ctx)
	if err != nil {
		return "", err
	}
	if needed {
		return StateRequired, nil
	}
	return StateNotNeeded, nil
}

// Migrate copies recognized legacy keys into the vault. The caller checks
// NeedsMigration first; running Migrate after completion copies nothing.
//
// Failures during copy or verification are reported in the result with
// Success false; the returned error is reserved for failures to read the
// legacy store at all.
func (e *Engine) Migrate(ctx context.Context, opts MigrateOptions) (*MigrateResult, error) {
	groups, preserved, err := e.candidates(ctx)
	if err != nil {
		return nil, err
	}

	result := &MigrateResult{
		DryRun:                 opts.DryRun,
		PreservedLegacyEntries: preserved,
		Categories:             make(map[string]int),
	}
	for p, keys := range groups {
		result.Categories[p.Name()] = len(keys)
	}

	if opts.DryRun {
		for _, keys := range groups {
			result.MigratedCount += len(keys)
		}
		result.Success = true
		return result, nil
	}

	if err := e.legacy.Set(ctx, InProgressKey, e.stamp()); err != nil {
		return nil, fmt.Errorf("failed to mark migration in progress: %w", err)
	}
	e.logger.Printf("Migrating %d legacy categories", len(groups))

	run, err := e.copyAll(ctx, groups)
	result.MigratedCount = run.count()
	if err != nil {
		return e.abort(ctx, result, run, err), nil
	}

	if e.beforeVerify != nil {
		if err := e.beforeVerify(ctx); err != nil {
			return e.abort(ctx, result, run, err), nil
		}
	}

	if errs := e.verify(ctx, groups, run.written); len(errs) > 0 {
		for _, err := range errs {
			result.Errors = append(result.Errors, err.Error())
		}
		return e.abort(ctx, result, run, nil), nil
	}

	var migratedKeys []string
	for _, keys := range run.written {
		migratedKeys = append(migratedKeys, keys...)
	}
	if err := e.legacy.DeleteMany(ctx, migratedKeys); err != nil {
		return e.abort(ctx, result, run, fmt.Errorf("failed to delete migrated legacy keys: %w", err)), nil
	}
	if err := e.legacy.Set(ctx, CompletedKey, e.stamp()); err != nil {
		return e.fail(ctx, result, fmt.Errorf("failed to write completion marker: %w", err)), nil
	}
	if err := e.legacy.Delete(ctx, InProgressKey); err != nil {
		e.logger.Printf("Warning: failed to clear in-progress marker: %v", err)
	}

	result.Success = true
	e.logger.Printf("Migration complete: %d entries, %d legacy entries preserved", result.MigratedCount, result.PreservedLegacyEntries)
	return result, nil
}

// abort removes the entries this run created and then fails the migration,
// so the vault holds none of the copy while the legacy data is kept.
func (e *Engine) abort(ctx context.Context, result *MigrateResult, run *copyRun, err error) *MigrateResult {
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	for p, keys := range run.created {
		if rmErr := e.vault.RemoveMany(context.WithoutCancel(ctx), p, keys); rmErr != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("failed to roll back %s: %v", p, rmErr))
		}
	}
	return e.fail(ctx, result, nil)
}

func (e *Engine) fail(ctx context.Context, result *MigrateResult, err error) *MigrateResult {
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	if clearErr := e.legacy.Delete(ctx, InProgressKey); clearErr != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to clear in-progress marker: %v", clearErr))
	}
	result.Success = false
	e.logger.Printf("Migration failed, legacy data kept: %v", result.Errors)
	return result
}

func (e *Engine) stamp() string {
	return strconv.FormatInt(e.now().UnixMilli(), 10)
}

// copyRun records what one Migrate call wrote to the vault.
type copyRun struct {
	written map[store.Partition][]string // every key written, by partition
	created map[store.Partition][]string // written keys that did not exist before
}

func (r *copyRun) count() int {
	n := 0
	for _, keys := range r.written {
		n += len(keys)
	}
	return n
}

// copyAll writes every group in its own transaction, in partition order.
// The returned run covers the partitions committed before any error.
func (e *Engine) copyAll(ctx context.Context, groups map[store.Partition][]string) (*copyRun, error) {
	run := &copyRun{
		written: make(map[store.Partition][]string),
		created: make(map[store.Partition][]string),
	}

	partitions := make([]store.Partition, 0, len(groups))
	for p := range groups {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, p := range partitions {
		existing, err := e.vault.Keys(ctx, p)
		if err != nil {
			return run, fmt.Errorf("failed to list %s: %w", p, err)
		}
		present := make(map[string]bool, len(existing))
		for _, k := range existing {
			present[k] = true
		}

		entries := make([]store.Entry, 0, len(groups[p]))
		for _, key := range groups[p] {
			raw, found, err := e.legacy.Get(ctx, key)
			if err != nil {
				return run, fmt.Errorf("failed to read legacy key %s: %w", key, err)
			}
			if !found {
				continue
			}
			value, err := e.convert(p, key, raw)
			if err != nil {
				return run, err
			}
			entries = append(entries, store.Entry{Key: key, Value: value})
		}

		if err := e.vault.BatchSet(ctx, p, entries); err != nil {
			return run, fmt.Errorf("failed to write %s: %w", p, err)
		}
		for _, entry := range entries {
			run.written[p] = append(run.written[p], entry.Key)
			if !present[entry.Key] {
				run.created[p] = append(run.created[p], entry.Key)
			}
		}
	}
	return run, nil
}

// convert wraps a legacy value as the record type its partition holds. The
// MigratedEntry wrapper becomes the payload of operations and the local
// version of conflicts.
func (e *Engine) convert(p store.Partition, key, raw string) (any, error) {
	now := e.now().UnixMilli()
	entry := schema.MigratedEntry{
		LegacyKey:  key,
		Category:   p.Name(),
		Value:      parseLegacyValue(raw),
		MigratedAt: now,
	}

	switch p {
	case store.Operations:
		payload, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode legacy key %s: %w", key, err)
		}
		return schema.PendingOperation{
			ID:            key,
			TableName:     "legacy_queue",
			OperationType: schema.OpImport,
			Payload:       payload,
			Timestamp:     now,
		}, nil
	case store.Conflicts:
		local, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to encode legacy key %s: %w", key, err)
		}
		return schema.Conflict{
			ID:           key,
			SessionID:    legacySessionID,
			LocalVersion: local,
			DetectedAt:   now,
		}, nil
	default:
		return entry, nil
	}
}

// parseLegacyValue returns the JSON value of raw, or raw itself when it is
// not JSON.
func parseLegacyValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// verify reads back every key this run wrote. Other entries already in a
// partition do not count towards the expected total.
func (e *Engine) verify(ctx context.Context, groups, written map[store.Partition][]string) []error {
	var errs []error
	for p, keys := range groups {
		migrated := written[p]
		if len(migrated) == 0 {
			errs = append(errs, fmt.Errorf("%s is empty after migrating %d legacy keys", p, len(keys)))
			continue
		}

		stored, err := e.vault.Keys(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to list %s: %w", p, err))
			continue
		}
		present := make(map[string]bool, len(stored))
		for _, k := range stored {
			present[k] = true
		}

		for _, key := range migrated {
			if !present[key] {
				errs = append(errs, fmt.Errorf("%s is missing migrated key %s", p, key))
				continue
			}
			var record map[string]any
			if err := e.vault.GetItem(ctx, p, key, &record); err != nil {
				errs = append(errs, fmt.Errorf("failed to read back %s/%s: %w", p, key, err))
				continue
			}
			if len(record) == 0 {
				errs = append(errs, fmt.Errorf("%s entry %s is not a well-formed record", p, key))
			}
		}
	}
	return errs
}
