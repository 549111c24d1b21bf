package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/govportal/fieldsync/internal/vault/schema"
	vsync "github.com/govportal/fieldsync/internal/vault/sync"
)

// StatusSource reports the current sync status.
type StatusSource interface {
	Status(ctx context.Context) (*vsync.Status, error)
}

// SyncCompleteData summarizes one sync session
type SyncCompleteData struct {
	SessionID    string        `json:"session_id,omitempty"`
	Pulled       int           `json:"pulled"`
	Pushed       int           `json:"pushed"`
	Conflicts    int           `json:"conflicts"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
}

// OperationData identifies a single operation
type OperationData struct {
	ID            string `json:"id"`
	TableName     string `json:"table_name,omitempty"`
	OperationType string `json:"operation_type,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

// Handler turns daemon callbacks into dashboard messages.
type Handler struct {
	server  *Server
	source  StatusSource
	logger  *log.Logger
	timeout time.Duration
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, source StatusSource, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	return &Handler{
		server:  server,
		source:  source,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

func (h *Handler) send(typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// OnSession handles the end of a sync cycle. Its signature matches the
// daemon's OnSession hook.
func (h *Handler) OnSession(result *vsync.SessionResult, err error) {
	data := SyncCompleteData{}
	if err != nil {
		data.Error = err.Error()
	}

	if result != nil {
		data.SessionID = result.SessionID
		data.Duration = result.Duration
		if result.Pull != nil {
			data.Pulled = result.Pull.Changes
		}
		if push := result.Push; push != nil {
			data.Pushed = len(push.Pushed)
			data.Conflicts = len(push.Conflicts)
			data.Failed = len(push.Failed)
			data.DeadLettered = len(push.DeadLettered)

			for _, id := range push.Conflicts {
				h.send(MessageTypeConflict, OperationData{ID: id, SessionID: result.SessionID})
			}
			for _, id := range push.DeadLettered {
				h.send(MessageTypeDeadLetter, OperationData{ID: id, SessionID: result.SessionID})
			}
		}
	}

	h.logger.Printf("Sync complete: %d pulled, %d pushed, %d conflicts, %d failed",
		data.Pulled, data.Pushed, data.Conflicts, data.Failed)
	h.send(MessageTypeSyncComplete, data)
	h.refresh()
}

// OnEnqueue handles operations ingested by the daemon.
func (h *Handler) OnEnqueue(op *schema.PendingOperation) {
	h.send(MessageTypeOperationQueued, OperationData{
		ID:            op.ID,
		TableName:     op.TableName,
		OperationType: string(op.OperationType),
	})
	h.refresh()
}

func (h *Handler) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.RefreshStatus(ctx); err != nil {
		h.logger.Printf("Failed to refresh status: %v", err)
	}
}

// RefreshStatus broadcasts a fresh status snapshot.
func (h *Handler) RefreshStatus(ctx context.Context) error {
	status, err := h.source.Status(ctx)
	if err != nil {
		return err
	}
	h.send(MessageTypeStatus, status)
	return nil
}
