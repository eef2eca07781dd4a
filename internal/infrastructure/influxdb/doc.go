// Package influxdb writes cell telemetry to InfluxDB v2.
//
// Points are batched by the influxdb-client-go write API according to
// batch_size and flush_interval, so writes from the vision and step paths
// never block on the network. Write errors arrive asynchronously through
// SetOnError.
//
// Measurements:
//   - inspection: every finalized object (channel, defective, gated tags)
//   - gate_result: verdicts forwarded to the controller
//   - step_execution: step durations and outcome per resource
//   - step_backlog: pending steps per resource
//
// All points carry the site tag.
package influxdb
