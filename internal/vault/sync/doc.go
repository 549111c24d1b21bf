// Package sync reconciles the encrypted vault with the remote service.
//
// Overview
//
// Field agents record operations while offline. The syncer queues them in
// the operations partition, pushes them when the remote is reachable, and
// pulls remote changes into the entities partition.
//
//	operations ──push──▶ remote ──pull──▶ entities
//	     │                  │
//	     │ rejected/failed  │ conflict
//	     ▼                  ▼
//	retryState ──max──▶ deadLetter      conflicts
//
// Push outcomes
//
// Every pushed operation ends in exactly one state:
//
//   - accepted: removed from operations, retry state deleted
//   - conflict: recorded once in conflicts and removed from operations
//   - anything else (rejected, not acknowledged, transport failure): the
//     retry state is advanced with capped exponential backoff; at the
//     policy's maximum attempts the operation moves to deadLetter
//
// Dead-lettered operations are never pushed again until requeued by hand.
//
// Sessions
//
// Pull, Push and FullSync each count as one sync session in the metrics.
// FullSync holds an in-flight flag; a FullSync requested while another is
// running returns ErrSyncInProgress instead of waiting.
package sync
