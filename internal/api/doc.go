// Package api implements the HTTP REST API and WebSocket server for the cell.
//
// This package provides:
//   - Status and health endpoints for operators and monitoring
//   - Manual step triggers, emergency stop, and gate arming
//   - Inspection and step history queries backed by SQLite
//   - A WebSocket hub relaying orchestrator events
//
// # Architecture
//
// The API sits beside the PLC bridge: the PLC drives the cell through MQTT
// bit changes, and the API offers the same operations to people. Both go
// through the orchestrator, so a step triggered over HTTP is queued and
// prioritised exactly like one triggered by a rising edge.
//
// # Security
//
// Read-only routes are open. Routes that move hardware require the
// configured key in the X-API-Key header when one is set.
package api
