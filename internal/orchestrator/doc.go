// Package orchestrator wires the production cell together.
//
// It owns one step scheduler for the robot arms and, per camera channel, a
// tracker, a detection gate and the vision loop that feeds the tracker:
//
//	controller trigger ──► Trigger(step) ──► scheduler ──► step program
//	                                                        │
//	                                              arm_inspection ──► gate
//	detections ──► slot ──► vision channel ──► tracker ──► gate ──► sink
//
// The orchestrator makes no decisions of its own. The tracker decides good
// or bad, the gate decides whether that verdict is the one to forward, and
// the sink decides how it reaches the controller.
//
// Everything that happens is reported to the registered Observers; the
// Metrics, History, Influx and StepCompletion constructors adapt the
// infrastructure packages.
package orchestrator
