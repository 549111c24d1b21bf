// Package daemon runs the sync orchestrator as a long-lived agent.
//
// The daemon:
//  1. Ingests operation files dropped into the inbox directory
//  2. Runs a full sync on a jittered interval, bounded by a cycle timeout
//  3. Runs an extra sync whenever TriggerSync is called
//  4. Flushes metrics on shutdown
//
// Inbox files are validated against the pending-operation JSON Schema.
// Valid files are enqueued and removed; invalid files are renamed with a
// ".rejected" suffix so they are not picked up again.
package daemon
