// Package history persists inspection verdicts and step executions in
// SQLite.
//
// Writes go through a Recorder, which queues them for a single background
// worker; the control paths only pay for a channel send. The API reads
// through the Repository for paginated history and verdict totals, and
// Prune enforces the retention window.
package history
