package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validOperation() *PendingOperation {
	return &PendingOperation{
		ID:            "op-1",
		TableName:     "households",
		OperationType: OpCreate,
		Payload:       json.RawMessage(`{"members":4}`),
		Timestamp:     1700000000000,
	}
}

func TestPendingOperationValidate(t *testing.T) {
	require.NoError(t, validOperation().Validate())

	tests := []struct {
		name   string
		mutate func(op *PendingOperation)
	}{
		{"missing id", func(op *PendingOperation) { op.ID = "" }},
		{"missing table", func(op *PendingOperation) { op.TableName = "" }},
		{"bad type", func(op *PendingOperation) { op.OperationType = "upsert" }},
		{"bad payload", func(op *PendingOperation) { op.Payload = json.RawMessage(`{`) }},
		{"missing timestamp", func(op *PendingOperation) { op.Timestamp = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := validOperation()
			tt.mutate(op)
			assert.Error(t, op.Validate())
		})
	}
}

func TestParseOperation(t *testing.T) {
	op, err := ParseOperation([]byte(`{"tableName":"parcels","operationType":"update","payload":{"area":12.5}}`))
	require.NoError(t, err)
	assert.Equal(t, "parcels", op.TableName)
	assert.Equal(t, OpUpdate, op.OperationType)
	assert.JSONEq(t, `{"area":12.5}`, string(op.Payload))
	assert.Empty(t, op.ID)
}

func TestParseOperation_SchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing payload": `{"tableName":"parcels","operationType":"update"}`,
		"unknown type":    `{"tableName":"parcels","operationType":"merge","payload":{}}`,
		"empty table":     `{"tableName":"","operationType":"create","payload":{}}`,
		"extra field":     `{"tableName":"t","operationType":"create","payload":{},"extra":1}`,
		"negative time":   `{"tableName":"t","operationType":"create","payload":{},"timestamp":-1}`,
		"not json":        `tableName: t`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseOperation([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestWriteAndReadOperationFile(t *testing.T) {
	dir := t.TempDir()
	op := validOperation()

	path, err := WriteOperationFile(dir, op)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "op-1.json"), path)

	read, err := ReadOperationFile(path)
	require.NoError(t, err)
	assert.Equal(t, op.ID, read.ID)
	assert.Equal(t, op.Timestamp, read.Timestamp)
	assert.JSONEq(t, string(op.Payload), string(read.Payload))
}

func TestReadOperationFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"operationType":"create"}`), 0600))

	_, err := ReadOperationFile(path)
	assert.Error(t, err)
}

func TestConflictResolved(t *testing.T) {
	c := Conflict{ID: "op-1"}
	assert.False(t, c.Resolved())
	c.Resolution = ResolutionKeepRemote
	assert.True(t, c.Resolved())
}
