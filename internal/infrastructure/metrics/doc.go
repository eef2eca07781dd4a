// Package metrics exposes the cell's Prometheus collectors.
//
// A Manager owns a private registry so tests can create as many as they
// like. The orchestrator feeds it from its observers (step durations,
// backlog, finalize verdicts, gate results, controller writes) and the API
// serves Handler on the configured metrics path.
package metrics
