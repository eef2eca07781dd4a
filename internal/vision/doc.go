// Package vision connects the external object detector to the per-camera
// trackers.
//
// The detector publishes one batch per processed frame on
// {root}/vision/{camera}/detections. Feed routes each batch into its
// camera's single-slot buffer; when the channel is still busy with the
// previous frame the older batch is dropped, so a slow tracker cycle never
// builds a backlog of stale frames. Each Channel runs one goroutine that
// takes the newest batch, filters it and calls the tracker.
//
// Inspector keeps good/bad totals per channel for the status API.
package vision
