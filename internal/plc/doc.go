// Package plc bridges the cell core to the production line controller.
//
// The controller is not spoken to directly. A gateway mirrors its bits onto
// MQTT: every bit's value is published on {root}/plc/state/{tag} and bit
// writes are accepted as JSON commands on {root}/plc/command/{tag}. This
// package provides the three pieces the core needs on top of that:
//
//   - Writer publishes bit writes with retry and backoff.
//   - Watcher keeps a cache of bit states, turns start-bit rising edges into
//     step triggers, broadcasts an emergency stop while the e-stop bit is
//     held and pulses each step's done bit when the step finishes.
//   - ResultSink turns gated inspection verdicts into the controller's write
//     sequence. Sequences are executed one at a time by a single worker so
//     two verdicts never interleave their writes.
package plc
