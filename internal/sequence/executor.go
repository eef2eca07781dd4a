package sequence

import (
	"context"
	"fmt"
	"time"
)

// Motion is an acquired actuator session.
type Motion interface {
	// MoveTo queues a linear move and returns once the arm has reached it.
	MoveTo(ctx context.Context, x, y, z, r float64) error
	// Suction switches the suction cup and returns once applied.
	Suction(ctx context.Context, enable bool) error
}

// Actuators hands out exclusive actuator sessions.
type Actuators interface {
	Acquire(ctx context.Context, resource string) (Motion, error)
	Release(resource string) error
}

// BitWriter writes controller bits.
type BitWriter interface {
	WriteBit(ctx context.Context, tag string, value bool) error
}

// Armer arms the detection gate of a camera channel.
type Armer interface {
	Arm(channel string) error
}

// Logger defines the logging interface used by the Executor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Executor runs step programs.
//
// Thread Safety: Run is safe for concurrent use as long as each resource is
// driven by at most one caller at a time, which the scheduler guarantees.
type Executor struct {
	catalog   *Catalog
	actuators Actuators
	plc       BitWriter
	armer     Armer
	logger    Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor.
//
// Parameters:
//   - catalog: Validated program catalog
//   - actuators: Source of actuator sessions (may be nil if no program moves an arm)
//   - plc: Controller bit writer
//   - armer: Gate armer for inspection actions
//   - logger: Logger instance (may be nil)
func NewExecutor(catalog *Catalog, actuators Actuators, plc BitWriter, armer Armer, logger Logger) *Executor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Executor{
		catalog:   catalog,
		actuators: actuators,
		plc:       plc,
		armer:     armer,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// Run executes the program for a step.
//
// When the program moves the arm, the actuator link is acquired for the
// whole program and released afterwards, including on failure. The first
// failing action aborts the program unless it is marked continue_on_error.
func (e *Executor) Run(ctx context.Context, step int) (res Result, err error) {
	prog, err := e.catalog.Program(step)
	if err != nil {
		return Result{}, err
	}

	res = Result{Step: step, Resource: prog.Resource}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	var arm Motion
	if prog.needsArm() {
		if e.actuators == nil {
			return res, fmt.Errorf("step %d: %w", step, ErrArmUnavailable)
		}
		arm, err = e.actuators.Acquire(ctx, prog.Resource)
		if err != nil {
			return res, fmt.Errorf("step %d: acquiring %s: %w", step, prog.Resource, err)
		}
		defer func() {
			if relErr := e.actuators.Release(prog.Resource); relErr != nil {
				e.logger.Error("releasing actuator failed", "resource", prog.Resource, "error", relErr)
			}
		}()
	}

	e.logger.Info("program started", "step", step, "name", prog.Name, "resource", prog.Resource, "actions", len(prog.Actions))

	for i, action := range prog.Actions {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return res, fmt.Errorf("step %d cancelled at action[%d]: %w", step, i, ctxErr)
		}

		if actErr := e.execute(ctx, arm, action); actErr != nil {
			res.Failed++
			if action.ContinueOnError {
				e.logger.Warn("action failed, continuing",
					"step", step, "index", i, "action", action.Kind, "error", actErr)
				continue
			}
			return res, fmt.Errorf("step %d action[%d] %s: %w", step, i, action.Kind, actErr)
		}
		res.Completed++
	}

	e.logger.Info("program completed", "step", step, "completed", res.Completed, "failed", res.Failed)
	return res, nil
}

func (e *Executor) execute(ctx context.Context, arm Motion, a Action) error {
	switch a.Kind {
	case ActionPLCWrite:
		if e.plc == nil {
			return fmt.Errorf("no controller writer for %s", a.Tag)
		}
		return e.plc.WriteBit(ctx, a.Tag, a.Value)

	case ActionMove:
		p, ok := e.catalog.Point(a.Point)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPoint, a.Point)
		}
		e.logger.Debug("moving", "point", a.Point)
		return arm.MoveTo(ctx, p[0], p[1], p[2], p[3])

	case ActionSuction:
		return arm.Suction(ctx, a.Enable)

	case ActionArmInspection:
		if e.armer == nil {
			return fmt.Errorf("no gate armer for channel %s", a.Channel)
		}
		return e.armer.Arm(a.Channel)

	case ActionWait:
		return e.sleep(ctx, a.Duration)
	}
	return fmt.Errorf("%w: %q", ErrInvalidAction, a.Kind)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
