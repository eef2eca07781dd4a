// Package sequence defines step programs: the ordered actions a robot arm
// and the controller perform for one production step.
//
// Programs are data. They are loaded from a YAML catalog that also holds the
// named waypoints the arms move between, validated against the configured
// actuators and camera channels, and executed by an Executor inside a
// scheduler step body.
package sequence

import "time"

// ActionKind identifies what an action does.
type ActionKind string

const (
	// ActionPLCWrite writes one controller bit.
	ActionPLCWrite ActionKind = "plc_write"
	// ActionMove queues a linear move to a named waypoint and waits for it.
	ActionMove ActionKind = "move"
	// ActionSuction switches the suction cup and waits for the command.
	ActionSuction ActionKind = "suction"
	// ActionArmInspection arms the detection gate of a camera channel.
	ActionArmInspection ActionKind = "arm_inspection"
	// ActionWait pauses the program.
	ActionWait ActionKind = "wait"
)

// AllActionKinds returns every valid action kind.
func AllActionKinds() []ActionKind {
	return []ActionKind{
		ActionPLCWrite,
		ActionMove,
		ActionSuction,
		ActionArmInspection,
		ActionWait,
	}
}

// usesArm reports whether the action needs the actuator link.
func (k ActionKind) usesArm() bool {
	return k == ActionMove || k == ActionSuction
}

// Point is a Cartesian waypoint: x, y, z in millimetres and r in degrees.
type Point [4]float64

// Action is one instruction within a step program.
//
// Only the fields relevant to Kind are used.
type Action struct {
	Kind ActionKind `yaml:"action" json:"action"`

	// plc_write
	Tag   string `yaml:"tag,omitempty" json:"tag,omitempty"`
	Value bool   `yaml:"value,omitempty" json:"value,omitempty"`

	// move
	Point string `yaml:"point,omitempty" json:"point,omitempty"`

	// suction
	Enable bool `yaml:"enable,omitempty" json:"enable,omitempty"`

	// arm_inspection
	Channel string `yaml:"channel,omitempty" json:"channel,omitempty"`

	// wait
	Duration time.Duration `yaml:"duration,omitempty" json:"duration,omitempty"`

	// When true, the program continues even if this action fails.
	ContinueOnError bool `yaml:"continue_on_error,omitempty" json:"continue_on_error,omitempty"`
}

// Program is the action list for one step.
type Program struct {
	Step     int      `yaml:"step" json:"step"`
	Name     string   `yaml:"name" json:"name"`
	Resource string   `yaml:"resource" json:"resource"`
	Actions  []Action `yaml:"actions" json:"actions"`
}

// needsArm reports whether any action uses the actuator link.
func (p *Program) needsArm() bool {
	for _, a := range p.Actions {
		if a.Kind.usesArm() {
			return true
		}
	}
	return false
}

// Result summarises one program run.
type Result struct {
	Step      int           `json:"step"`
	Resource  string        `json:"resource"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}
