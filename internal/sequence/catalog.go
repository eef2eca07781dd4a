package sequence

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Validation limits.
const (
	maxActions   = 200
	maxWait      = 5 * time.Minute
	maxNameLen   = 100
	maxTagLength = 16
)

// Catalog holds every step program and the waypoints they reference.
type Catalog struct {
	Points   map[string]Point `yaml:"points" json:"points"`
	Programs []Program        `yaml:"programs" json:"programs"`

	byStep map[int]*Program
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("reading programs file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog and checks its internal consistency.
// References to actuators and channels are checked separately by Validate.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing programs: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

// index builds the step lookup and validates each program on its own.
func (c *Catalog) index() error {
	c.byStep = make(map[int]*Program, len(c.Programs))
	for i := range c.Programs {
		p := &c.Programs[i]
		if err := c.validateProgram(p); err != nil {
			return fmt.Errorf("program[%d]: %w", i, err)
		}
		if _, dup := c.byStep[p.Step]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateStep, p.Step)
		}
		c.byStep[p.Step] = p
	}
	return nil
}

func (c *Catalog) validateProgram(p *Program) error {
	if p.Step <= 0 {
		return fmt.Errorf("%w: step must be positive, got %d", ErrInvalidProgram, p.Step)
	}
	if strings.TrimSpace(p.Resource) == "" {
		return fmt.Errorf("%w: step %d: resource is required", ErrInvalidProgram, p.Step)
	}
	if len(p.Name) > maxNameLen {
		return fmt.Errorf("%w: step %d: name exceeds %d characters", ErrInvalidProgram, p.Step, maxNameLen)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("step %d: %w", p.Step, ErrNoActions)
	}
	if len(p.Actions) > maxActions {
		return fmt.Errorf("%w: step %d exceeds %d actions", ErrInvalidProgram, p.Step, maxActions)
	}
	for i, a := range p.Actions {
		if err := c.validateAction(a); err != nil {
			return fmt.Errorf("step %d action[%d]: %w", p.Step, i, err)
		}
	}
	return nil
}

func (c *Catalog) validateAction(a Action) error {
	switch a.Kind {
	case ActionPLCWrite:
		if a.Tag == "" || len(a.Tag) > maxTagLength {
			return fmt.Errorf("%w: plc_write needs a tag of at most %d characters", ErrInvalidAction, maxTagLength)
		}
	case ActionMove:
		if a.Point == "" {
			return fmt.Errorf("%w: move needs a point", ErrInvalidAction)
		}
		if _, ok := c.Points[a.Point]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPoint, a.Point)
		}
	case ActionSuction:
	case ActionArmInspection:
		if a.Channel == "" {
			return fmt.Errorf("%w: arm_inspection needs a channel", ErrInvalidAction)
		}
	case ActionWait:
		if a.Duration <= 0 || a.Duration > maxWait {
			return fmt.Errorf("%w: wait duration must be in (0, %s]", ErrInvalidAction, maxWait)
		}
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// Validate checks that every program targets a known resource and every
// inspection action a known channel.
func (c *Catalog) Validate(resources, channels []string) error {
	known := func(list []string, v string) bool {
		for _, s := range list {
			if s == v {
				return true
			}
		}
		return false
	}

	var errs []string
	for _, p := range c.Programs {
		if !known(resources, p.Resource) {
			errs = append(errs, fmt.Sprintf("step %d: unknown resource %q", p.Step, p.Resource))
		}
		for i, a := range p.Actions {
			if a.Kind == ActionArmInspection && !known(channels, a.Channel) {
				errs = append(errs, fmt.Sprintf("step %d action[%d]: unknown channel %q", p.Step, i, a.Channel))
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidProgram, strings.Join(errs, "; "))
	}
	return nil
}

// Program returns the program for a step.
func (c *Catalog) Program(step int) (*Program, error) {
	p, ok := c.byStep[step]
	if !ok {
		return nil, fmt.Errorf("%w: step %d", ErrProgramNotFound, step)
	}
	return p, nil
}

// Point returns a named waypoint.
func (c *Catalog) Point(name string) (Point, bool) {
	p, ok := c.Points[name]
	return p, ok
}

// Steps returns all step ids in ascending order.
func (c *Catalog) Steps() []int {
	steps := make([]int, 0, len(c.byStep))
	for s := range c.byStep {
		steps = append(steps, s)
	}
	sort.Ints(steps)
	return steps
}

// StepsFor returns the steps a resource runs, in ascending order.
func (c *Catalog) StepsFor(resource string) []int {
	var steps []int
	for _, p := range c.Programs {
		if p.Resource == resource {
			steps = append(steps, p.Step)
		}
	}
	sort.Ints(steps)
	return steps
}
