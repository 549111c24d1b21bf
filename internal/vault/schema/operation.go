package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// OperationType is the kind of change a pending operation carries.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"

	// OpImport carries a legacy offline queue moved in by the migration
	// engine; the remote service replays its payload.
	OpImport OperationType = "import"
)

// IsValid reports whether t is a known operation type.
func (t OperationType) IsValid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpImport:
		return true
	}
	return false
}

// PendingOperation is a local change waiting to be pushed.
type PendingOperation struct {
	ID            string          `json:"id"`
	TableName     string          `json:"tableName"`
	OperationType OperationType   `json:"operationType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	BaseVersion   string          `json:"baseVersion,omitempty"`
}

// Validate checks the operation's fields.
func (op *PendingOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if op.TableName == "" {
		return fmt.Errorf("tableName is required")
	}
	if !op.OperationType.IsValid() {
		return fmt.Errorf("invalid operationType: %q", op.OperationType)
	}
	if len(op.Payload) > 0 && !json.Valid(op.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	if op.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

//go:embed pending_operation.schema.json
var pendingOperationSchema []byte

const pendingOperationSchemaURL = "https://fieldsync.local/schemas/pending-operation.json"

var (
	compileOnce      sync.Once
	compiledSchema   *jsonschema.Schema
	compileSchemaErr error
)

func operationSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(pendingOperationSchema))
		if err != nil {
			compileSchemaErr = fmt.Errorf("failed to parse operation schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(pendingOperationSchemaURL, doc); err != nil {
			compileSchemaErr = fmt.Errorf("failed to add operation schema: %w", err)
			return
		}
		compiledSchema, compileSchemaErr = c.Compile(pendingOperationSchemaURL)
	})
	return compiledSchema, compileSchemaErr
}

// ValidateOperationJSON validates raw JSON against the pending-operation
// JSON Schema.
func ValidateOperationJSON(data []byte) error {
	sch, err := operationSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse operation: %w", err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("operation does not match schema: %w", err)
	}
	return nil
}

// ParseOperation validates data against the schema and decodes it. ID and
// timestamp may be absent; the orchestrator assigns them on enqueue.
func ParseOperation(data []byte) (*PendingOperation, error) {
	if err := ValidateOperationJSON(data); err != nil {
		return nil, err
	}
	var op PendingOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return nil, fmt.Errorf("failed to decode operation: %w", err)
	}
	return &op, nil
}

// ReadOperationFile reads and validates an operation file dropped into the
// inbox.
func ReadOperationFile(path string) (*PendingOperation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation file: %w", err)
	}
	op, err := ParseOperation(data)
	if err != nil {
		return nil, fmt.Errorf("invalid operation file %s: %w", filepath.Base(path), err)
	}
	return op, nil
}

// WriteOperationFile writes op as an inbox file named after its ID.
func WriteOperationFile(dir string, op *PendingOperation) (string, error) {
	if op.ID == "" {
		return "", fmt.Errorf("id is required")
	}
	data, err := json.MarshalIndent(op, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation: %w", err)
	}
	if err := ValidateOperationJSON(data); err != nil {
		return "", err
	}

	path := filepath.Join(dir, op.ID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("failed to write operation file: %w", err)
	}
	return path, nil
}
