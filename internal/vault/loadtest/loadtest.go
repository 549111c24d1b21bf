// Package loadtest simulates concurrent field agents against the encrypted
// store.
//
// Agents read cached entities and queue pending operations at the same time,
// the access pattern of a device syncing in the background while a surveyor
// keeps working. Every read decrypts and decodes a full entry.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/govportal/fieldsync/internal/vault/schema"
	"github.com/govportal/fieldsync/internal/vault/store"
)

// TestVault is a populated store used for load testing.
type TestVault struct {
	Store       *store.Store
	EntityKeys  []string
	TotalEntity int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Reads        int
	Writes       int
	Errors       int
	Durations    []time.Duration
}

// CreateTestVault opens a store at dbPath with key and caches numEntities
// entities spread over a few tables.
func CreateTestVault(dbPath string, key []byte, numEntities int) (*TestVault, error) {
	st, err := store.Open(dbPath, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}

	// Support 100+ concurrent agents
	st.RawDB().SetMaxOpenConns(150)
	st.RawDB().SetMaxIdleConns(50)

	tv := &TestVault{
		Store:       st,
		EntityKeys:  make([]string, 0, numEntities),
		TotalEntity: numEntities,
	}

	entities := generateEntities(numEntities)
	entries := make([]store.Entry, 0, len(entities))
	for _, e := range entities {
		entries = append(entries, store.Entry{Key: e.Key, Value: e})
		tv.EntityKeys = append(tv.EntityKeys, e.Key)
	}
	if err := st.BatchSet(context.Background(), store.Entities, entries); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to populate entities: %w", err)
	}

	return tv, nil
}

// Close closes the store.
func (tv *TestVault) Close() error {
	if tv.Store != nil {
		return tv.Store.Close()
	}
	return nil
}

var tables = []string{"households", "parcels", "inspections", "beneficiaries"}

// generateEntities creates entities with deterministic content.
func generateEntities(count int) []schema.Entity {
	entities := make([]schema.Entity, count)
	base := time.Now().Add(-30 * 24 * time.Hour)

	for i := 0; i < count; i++ {
		table := tables[i%len(tables)]
		data, _ := json.Marshal(map[string]any{
			"index":    i,
			"members":  1 + i%7,
			"district": fmt.Sprintf("D-%02d", i%20),
		})
		entities[i] = schema.Entity{
			Key:       fmt.Sprintf("%s/%05d", table, i),
			TableName: table,
			Version:   "1",
			UpdatedAt: base.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Data:      data,
		}
	}
	return entities
}

// RunConcurrentAccess simulates numAgents agents each performing
// opsPerAgent store calls. writeRatio of the calls queue an operation; the
// rest read a random entity.
func (tv *TestVault) RunConcurrentAccess(numAgents, opsPerAgent int, writeRatio float64) (*LatencyStats, error) {
	if len(tv.EntityKeys) == 0 {
		return nil, fmt.Errorf("vault has no entities")
	}

	type agentResult struct {
		durations     []time.Duration
		reads, writes int
		err           error
	}
	results := make(chan agentResult, numAgents)

	var wg sync.WaitGroup
	for i := 0; i < numAgents; i++ {
		wg.Add(1)
		go func(agentID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(agentID) + 1))
			ctx := context.Background()
			res := agentResult{durations: make([]time.Duration, 0, opsPerAgent)}

			for j := 0; j < opsPerAgent; j++ {
				start := time.Now()
				var err error
				if rng.Float64() < writeRatio {
					err = tv.queueOperation(ctx, agentID, j)
					res.writes++
				} else {
					var e schema.Entity
					err = tv.Store.GetItem(ctx, store.Entities, tv.EntityKeys[rng.Intn(len(tv.EntityKeys))], &e)
					res.reads++
				}
				res.durations = append(res.durations, time.Since(start))

				if err != nil {
					res.err = fmt.Errorf("agent %d call %d failed: %w", agentID, j, err)
					break
				}
			}
			results <- res
		}(i)
	}

	wg.Wait()
	close(results)

	var all []time.Duration
	var reads, writes, errCount int
	for res := range results {
		all = append(all, res.durations...)
		reads += res.reads
		writes += res.writes
		if res.err != nil {
			errCount++
		}
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no store calls completed")
	}

	stats := computeLatencyStats(all)
	stats.Reads = reads
	stats.Writes = writes
	stats.Errors = errCount
	return stats, nil
}

func (tv *TestVault) queueOperation(ctx context.Context, agentID, seq int) error {
	op := schema.PendingOperation{
		ID:            uuid.NewString(),
		TableName:     tables[seq%len(tables)],
		OperationType: schema.OpUpdate,
		Payload:       json.RawMessage(fmt.Sprintf(`{"agent":%d,"seq":%d}`, agentID, seq)),
		Timestamp:     time.Now().UnixMilli(),
	}
	return tv.Store.SetItem(ctx, store.Operations, op.ID, op)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats writes the latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Calls:   %d (%d reads, %d writes)\n", s.TotalQueries, s.Reads, s.Writes)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// VerifyNoCorruption runs concurrent readers and writers over the entity
// partition for duration and checks every read decrypts to the entity
// stored under that key.
func (tv *TestVault) VerifyNoCorruption(numAgents int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numAgents)

	for i := 0; i < numAgents; i++ {
		wg.Add(1)
		go func(agentID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(agentID) + 1))
			writer := agentID%4 == 0

			for version := 2; ctx.Err() == nil; version++ {
				key := tv.EntityKeys[rng.Intn(len(tv.EntityKeys))]

				var e schema.Entity
				err := tv.Store.GetItem(ctx, store.Entities, key, &e)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("agent %d read %s failed: %w", agentID, key, err)
					}
					return
				}
				if e.Key != key || !json.Valid(e.Data) {
					errorsChan <- fmt.Errorf("agent %d read inconsistent entity under %s: %+v", agentID, key, e)
					return
				}

				if writer {
					e.Version = fmt.Sprintf("%d-%d", agentID, version)
					e.UpdatedAt = time.Now().UnixMilli()
					if err := tv.Store.SetItem(ctx, store.Entities, key, e); err != nil && ctx.Err() == nil {
						errorsChan <- fmt.Errorf("agent %d write %s failed: %w", agentID, key, err)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns statistics about the vault contents.
func (tv *TestVault) GetStats(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{}
	for _, p := range []store.Partition{store.Entities, store.Operations} {
		n, err := tv.Store.Count(ctx, p)
		if err != nil {
			return nil, err
		}
		stats[p.Name()] = n
	}
	stats["total_entities"] = tv.TotalEntity
	return stats, nil
}
