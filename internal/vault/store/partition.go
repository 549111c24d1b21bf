package store

import (
	"fmt"
	"strings"
)

// Partition names one logical region of the vault. Every partition is
// backed by its own table.
type Partition int

const (
	Operations Partition = iota
	Entities
	Metadata
	RetryState
	Conflicts
	DeadLetter
	Metrics
)

type partitionInfo struct {
	name     string
	idColumn string
}

// partitionTable carries the table name and identity column of each
// partition. Keyed records use "id"; free-form records use "key".
var partitionTable = [...]partitionInfo{
	Operations: {name: "operations", idColumn: "id"},
	Entities:   {name: "entities", idColumn: "key"},
	Metadata:   {name: "metadata", idColumn: "key"},
	RetryState: {name: "retryState", idColumn: "id"},
	Conflicts:  {name: "conflicts", idColumn: "id"},
	DeadLetter: {name: "deadLetter", idColumn: "id"},
	Metrics:    {name: "metrics", idColumn: "key"},
}

// Partitions returns every partition in declaration order.
func Partitions() []Partition {
	out := make([]Partition, len(partitionTable))
	for i := range partitionTable {
		out[i] = Partition(i)
	}
	return out
}

// Valid reports whether p is a known partition.
func (p Partition) Valid() bool {
	return p >= 0 && int(p) < len(partitionTable)
}

// Name returns the partition name, which is also its table name.
func (p Partition) Name() string {
	if !p.Valid() {
		return fmt.Sprintf("Partition(%d)", int(p))
	}
	return partitionTable[p].name
}

// String implements fmt.Stringer.
func (p Partition) String() string {
	return p.Name()
}

// IDField returns the identity column of the partition's table.
func (p Partition) IDField() string {
	if !p.Valid() {
		return ""
	}
	return partitionTable[p].idColumn
}

// ParsePartition looks up a partition by name, ignoring case.
func ParsePartition(name string) (Partition, error) {
	for i, info := range partitionTable {
		if strings.EqualFold(info.name, name) {
			return Partition(i), nil
		}
	}
	return 0, fmt.Errorf("unknown partition %q", name)
}

// quoteIdent quotes an SQLite identifier. Table names are mixed case.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
