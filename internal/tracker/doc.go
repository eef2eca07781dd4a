// Package tracker turns a per-frame stream of object detections into one
// finalized quality decision per physical object.
//
// Each camera channel owns one Tracker. Every call to Update ages the
// existing tracked objects, associates the new detections with them by
// Intersection-over-Union, evicts noise and objects that have left the
// scene, and finalizes objects that have dwelt long enough inside the
// region of interest.
//
// Lifecycle of a tracked object:
//
//	           first unmatched detection
//	                     │
//	                     ▼
//	┌──────────────────────────────────┐  in ROI, enough samples,
//	│ Tracking (samples accumulate)    │──────── decision made ───────┐
//	└──────────────────────────────────┘                              ▼
//	        │ noise / stale                            ┌───────────────────────┐
//	        ▼                                          │ Finalized (terminal)  │
//	     evicted  ◀──── left frame / stale ────────────└───────────────────────┘
//
// A finalized object keeps being matched (so its box follows the physical
// part and it is not re-detected as a new object) but never collects new
// samples and is never decided again.
//
// # Subscribers
//
// Finalize events are delivered to every registered Subscriber in
// registration order, after the registry lock has been released. A
// subscriber that returns an error or panics is logged and skipped; later
// subscribers still receive the event.
//
// # Thread Safety
//
// Update is expected to be called from a single goroutine per channel so
// that frames are processed in arrival order. Snapshot, Len and ROI may be
// called concurrently from other goroutines (status API, tests).
package tracker
