package schema

import "encoding/json"

// RetryState tracks delivery attempts of one pending operation. Only the
// sync orchestrator mutates it.
type RetryState struct {
	ID                string  `json:"id"`
	Attempts          int     `json:"attempts"`
	LastAttempt       int64   `json:"lastAttempt"`
	NextRetry         int64   `json:"nextRetry"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	DeadLetter        bool    `json:"deadLetter,omitempty"`
	LastError         string  `json:"lastError,omitempty"`
}

// Resolution values recorded by ResolveConflict.
const (
	ResolutionKeepLocal  = "keep_local"
	ResolutionKeepRemote = "keep_remote"
	ResolutionMerged     = "merged"
	ResolutionDiscarded  = "discarded"
)

// Resolutions lists the accepted resolution values.
var Resolutions = []string{ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerged, ResolutionDiscarded}

// Conflict records a local operation the remote refused because its own
// version moved on. A resolved conflict is never modified again.
type Conflict struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"sessionId"`
	LocalVersion  json.RawMessage `json:"localVersion"`
	RemoteVersion json.RawMessage `json:"remoteVersion,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
	DetectedAt    int64           `json:"detectedAt"`
	ResolvedAt    int64           `json:"resolvedAt,omitempty"`
}

// Resolved reports whether a resolution has been recorded.
func (c *Conflict) Resolved() bool {
	return c.Resolution != ""
}

// DeadLetterEntry is an operation that exhausted its retries.
type DeadLetterEntry struct {
	ID             string           `json:"id"`
	Operation      PendingOperation `json:"operation"`
	RetryState     RetryState       `json:"retryState"`
	Reason         string           `json:"reason"`
	DeadLetteredAt int64            `json:"deadLetteredAt"`
}

// Entity is a remote record cached locally.
type Entity struct {
	Key       string          `json:"key"`
	TableName string          `json:"tableName"`
	Version   string          `json:"version"`
	UpdatedAt int64           `json:"updatedAt"`
	Data      json.RawMessage `json:"data"`
}

// MigratedEntry wraps a legacy value moved into the vault.
type MigratedEntry struct {
	LegacyKey  string `json:"legacyKey"`
	Category   string `json:"category"`
	Value      any    `json:"value"`
	MigratedAt int64  `json:"migratedAt"`
}
