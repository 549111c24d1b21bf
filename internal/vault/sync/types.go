package sync

import (
	"errors"
	"math"
	"time"

	"github.com/govportal/fieldsync/internal/vault/metrics"
)

var (
	// ErrSyncInProgress is returned when a FullSync overlaps another.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrConflictResolved is returned when resolving a conflict twice.
	ErrConflictResolved = errors.New("conflict already resolved")

	// ErrNotDeadLettered is returned for dead-letter actions on an
	// operation that is not dead-lettered.
	ErrNotDeadLettered = errors.New("operation is not dead-lettered")
)

// Metadata partition keys written by Pull.
const (
	LastSyncTimeKey = "lastSyncTime"
	CheckpointKey   = "pullCheckpoint"
)

// RetryPolicy schedules redelivery of failed operations.
type RetryPolicy struct {
	BaseInterval time.Duration
	Multiplier   float64
	MaxInterval  time.Duration
	MaxAttempts  int
}

// DefaultRetryPolicy returns the default backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseInterval: 5 * time.Second,
		Multiplier:   2,
		MaxInterval:  time.Hour,
		MaxAttempts:  5,
	}
}

// Delay returns min(base * multiplier^attempts, max) for the attempt count
// reached after a failure.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	d := float64(p.BaseInterval) * math.Pow(p.Multiplier, float64(attempts))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.BaseInterval <= 0 {
		p.BaseInterval = def.BaseInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// PullResult describes one pull.
type PullResult struct {
	Changes    int       `json:"changes"`
	Checkpoint time.Time `json:"checkpoint"`
}

// PushResult lists operation IDs by outcome.
type PushResult struct {
	Pushed         []string `json:"pushed,omitempty"`
	Conflicts      []string `json:"conflicts,omitempty"`
	Failed         []string `json:"failed,omitempty"`
	DeadLettered   []string `json:"deadLettered,omitempty"`
	Skipped        []string `json:"skipped,omitempty"`
	TransportError string   `json:"transportError,omitempty"`
}

// SessionResult describes one FullSync.
type SessionResult struct {
	SessionID string        `json:"sessionId"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Pull      *PullResult   `json:"pull,omitempty"`
	PullError string        `json:"pullError,omitempty"`
	Push      *PushResult   `json:"push,omitempty"`
}

// Status summarizes the vault's sync state.
type Status struct {
	Pending        int                 `json:"pending" yaml:"pending"`
	Due            int                 `json:"due" yaml:"due"`
	DeadLetters    int                 `json:"deadLetters" yaml:"deadLetters"`
	Conflicts      int                 `json:"conflicts" yaml:"conflicts"`
	Resolved       int                 `json:"resolvedConflicts" yaml:"resolvedConflicts"`
	LastSyncTime   time.Time           `json:"lastSyncTime" yaml:"lastSyncTime"`
	SyncInProgress bool                `json:"syncInProgress" yaml:"syncInProgress"`
	Metrics        metrics.SyncMetrics `json:"metrics" yaml:"metrics"`
}
