// Package schema defines the records kept in the vault partitions and the
// wire shapes of the remote sync contract.
//
// All timestamps are unix milliseconds. Field names follow the remote
// service's JSON (camelCase) and double as the field names inside the
// encrypted envelopes.
package schema
