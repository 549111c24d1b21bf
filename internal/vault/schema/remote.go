package schema

import "encoding/json"

// PullRequest asks the remote for changes after Since (unix ms). Zero
// requests the full state.
type PullRequest struct {
	Since int64 `json:"since,omitempty"`
}

// PullResponse carries remote changes.
type PullResponse struct {
	Changes []Entity `json:"changes"`
}

// PushRequest carries local operations to the remote.
type PushRequest struct {
	Operations []PendingOperation `json:"operations"`
}

// Rejection is an operation the remote refused.
type Rejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// RemoteConflict is an operation the remote could not apply because its
// version diverged.
type RemoteConflict struct {
	ID            string          `json:"id"`
	RemoteVersion json.RawMessage `json:"remoteVersion"`
}

// PushResponse is the remote's verdict per operation. Operations absent
// from all three lists were not acknowledged.
type PushResponse struct {
	Accepted  []string         `json:"accepted"`
	Rejected  []Rejection      `json:"rejected"`
	Conflicts []RemoteConflict `json:"conflicts"`
}
