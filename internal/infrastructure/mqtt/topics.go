package mqtt

import "fmt"

// DefaultTopicRoot is the first topic level used when none is configured.
const DefaultTopicRoot = "cell"

// Topics builds the cell's MQTT topic names under a common root.
//
// The controller gateway and the detector both speak the flat scheme
// {root}/{source}/{category}/{id}:
//
//	topics := mqtt.Topics{Root: "cell"}
//	topics.PLCCommand("M2100")  // "cell/plc/command/M2100"
//	topics.VisionDetections("cam0") // "cell/vision/cam0/detections"
type Topics struct {
	Root string
}

func (t Topics) root() string {
	if t.Root == "" {
		return DefaultTopicRoot
	}
	return t.Root
}

// =============================================================================
// Controller Topics
// =============================================================================

// PLCState returns the topic the gateway publishes a bit's value on.
//
// Example: cell/plc/state/X3
func (t Topics) PLCState(tag string) string {
	return fmt.Sprintf("%s/plc/state/%s", t.root(), tag)
}

// PLCCommand returns the topic the gateway accepts bit writes on.
//
// Example: cell/plc/command/M2100
func (t Topics) PLCCommand(tag string) string {
	return fmt.Sprintf("%s/plc/command/%s", t.root(), tag)
}

// AllPLCStates returns a pattern matching every controller bit state.
//
// Pattern: cell/plc/state/+
func (t Topics) AllPLCStates() string {
	return fmt.Sprintf("%s/plc/state/+", t.root())
}

// PLCStatePrefix returns the prefix shared by all bit state topics.
func (t Topics) PLCStatePrefix() string {
	return fmt.Sprintf("%s/plc/state/", t.root())
}

// =============================================================================
// Vision Topics
// =============================================================================

// VisionDetections returns the topic the detector publishes batches on.
//
// Example: cell/vision/cam0/detections
func (t Topics) VisionDetections(camera string) string {
	return fmt.Sprintf("%s/vision/%s/detections", t.root(), camera)
}

// AllVisionDetections returns a pattern matching every camera's batches.
//
// Pattern: cell/vision/+/detections
func (t Topics) AllVisionDetections() string {
	return fmt.Sprintf("%s/vision/+/detections", t.root())
}

// =============================================================================
// Core Topics
// =============================================================================

// CoreEvent returns the topic for events published by the core.
//
// Example: cell/core/event/inspection.finalized
func (t Topics) CoreEvent(eventType string) string {
	return fmt.Sprintf("%s/core/event/%s", t.root(), eventType)
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: cell/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.root())
}
