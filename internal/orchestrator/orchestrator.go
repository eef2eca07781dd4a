package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/cellcore/internal/gate"
	"github.com/nerrad567/cellcore/internal/scheduler"
	"github.com/nerrad567/cellcore/internal/sequence"
	"github.com/nerrad567/cellcore/internal/tracker"
	"github.com/nerrad567/cellcore/internal/vision"
)

// Errors returned by the orchestrator.
var (
	ErrUnknownChannel = errors.New("orchestrator: unknown channel")
	ErrUnknownStep    = errors.New("orchestrator: unknown step")
	ErrInvalidConfig  = errors.New("orchestrator: invalid configuration")
)

// Logger defines the logging interface used by the orchestrator.
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

// Sink receives gated verdicts. The PLC result sink implements it.
type Sink interface {
	Deliver(channel string, isGood bool) error
}

// Slots hands out the single-slot detection buffer of a camera.
// vision.Feed implements it.
type Slots interface {
	Register(camera string) *vision.Slot[vision.Batch]
}

// ChannelConfig configures one camera channel.
type ChannelConfig struct {
	ID            string
	Tracker       tracker.Config
	MinConfidence float64
}

// Config is the static cell layout.
type Config struct {
	Channels []ChannelConfig

	// Priorities maps each actuator to the steps it owns, highest first.
	Priorities map[string][]int

	// MaxBacklog bounds pending steps per actuator. Zero is unbounded.
	MaxBacklog int
}

// Deps are the collaborators of an Orchestrator. Arms, PLC, Sink and
// Slots may be nil.
type Deps struct {
	Programs *sequence.Catalog
	Arms     ArmPool
	PLC      sequence.BitWriter
	Sink     Sink
	Slots    Slots
	Logger   Logger
}

// channel is one camera's tracker, gate and processing loop.
type channel struct {
	id        string
	labels    map[string]struct{}
	tracker   *tracker.Tracker
	gate      *gate.Controller
	slot      *vision.Slot[vision.Batch]
	vision    *vision.Channel
	inspector *vision.Inspector
}

// Orchestrator composes the step scheduler with one tracker and gate per
// camera channel. Controller triggers become scheduled steps, step programs
// arm gates, and each gate's single verdict per arm goes to the sink.
//
// Thread Safety: all methods are safe for concurrent use.
type Orchestrator struct {
	sched     *scheduler.Scheduler
	exec      *sequence.Executor
	channels  map[string]*channel
	order     []string
	sink      Sink
	observers *fanout
	logger    Logger
	started   time.Time
}

// New builds the orchestrator from cfg.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Programs == nil {
		return nil, fmt.Errorf("%w: no step programs", ErrInvalidConfig)
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("%w: no camera channels", ErrInvalidConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	o := &Orchestrator{
		channels:  make(map[string]*channel, len(cfg.Channels)),
		sink:      deps.Sink,
		observers: newFanout(logger),
		logger:    logger,
		started:   time.Now(),
	}

	for _, cc := range cfg.Channels {
		if _, dup := o.channels[cc.ID]; dup {
			return nil, fmt.Errorf("%w: channel %q configured twice", ErrInvalidConfig, cc.ID)
		}
		ch, err := o.newChannel(cc, deps.Slots)
		if err != nil {
			return nil, err
		}
		o.channels[cc.ID] = ch
		o.order = append(o.order, cc.ID)
	}

	var arms sequence.Actuators
	if deps.Arms != nil {
		arms = deps.Arms
	}
	o.exec = sequence.NewExecutor(deps.Programs, arms, deps.PLC, o, logger)

	priorities := make(scheduler.Priorities, len(cfg.Priorities))
	bodies := make(map[scheduler.StepID]scheduler.Body)
	for resource, steps := range cfg.Priorities {
		ids := make([]scheduler.StepID, 0, len(steps))
		for _, step := range steps {
			prog, err := deps.Programs.Program(step)
			if err != nil {
				return nil, fmt.Errorf("%w: actuator %s: %w", ErrInvalidConfig, resource, err)
			}
			if prog.Resource != resource {
				return nil, fmt.Errorf("%w: step %d runs on %q, not %q", ErrInvalidConfig, step, prog.Resource, resource)
			}
			ids = append(ids, scheduler.StepID(step))
			bodies[scheduler.StepID(step)] = o.body(step)
		}
		priorities[scheduler.ResourceID(resource)] = ids
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithObserver(schedulerObserver{o.observers}),
		scheduler.WithMaxBacklog(cfg.MaxBacklog),
	}
	if deps.Arms != nil {
		opts = append(opts, scheduler.WithStopper(stopper{deps.Arms}))
	}
	sched, err := scheduler.New(priorities, bodies, opts...)
	if err != nil {
		return nil, err
	}
	o.sched = sched

	return o, nil
}

func (o *Orchestrator) newChannel(cc ChannelConfig, slots Slots) (*channel, error) {
	tcfg := cc.Tracker
	tr, err := tracker.New(tcfg)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cc.ID, err)
	}
	tr.SetLogger(o.logger)

	var slot *vision.Slot[vision.Batch]
	if slots != nil {
		slot = slots.Register(cc.ID)
	} else {
		slot = vision.NewSlot[vision.Batch]()
	}
	vc, err := vision.NewChannel(vision.ChannelConfig{
		ID:            cc.ID,
		GoodLabels:    tcfg.GoodLabels,
		BadLabels:     tcfg.BadLabels,
		MinConfidence: cc.MinConfidence,
	}, tr, slot, o.logger)
	if err != nil {
		return nil, err
	}

	labels := make(map[string]struct{}, len(tcfg.GoodLabels)+len(tcfg.BadLabels))
	for _, l := range tcfg.GoodLabels {
		labels[l] = struct{}{}
	}
	for _, l := range tcfg.BadLabels {
		labels[l] = struct{}{}
	}

	g := gate.New(cc.ID)
	g.SetLogger(o.logger)
	id := cc.ID
	g.SetResultCallback(func(isGood bool) { o.deliver(id, isGood) })

	ch := &channel{
		id:        cc.ID,
		labels:    labels,
		tracker:   tr,
		gate:      g,
		slot:      slot,
		vision:    vc,
		inspector: vision.NewInspector(cc.ID),
	}

	// Gate first so observers see whether the verdict was forwarded.
	tr.Subscribe(tracker.SubscriberFunc(func(ev tracker.FinalizeEvent) error {
		gated := false
		if ch.relevant(ev) {
			gated = g.OnFinalize(!ev.IsDefective)
		}
		o.observers.Finalized(id, ev, gated)
		return nil
	}))
	tr.Subscribe(ch.inspector)

	return ch, nil
}

// relevant reports whether ev carries at least one of the channel's labels.
func (c *channel) relevant(ev tracker.FinalizeEvent) bool {
	for _, l := range ev.Labels {
		if _, ok := c.labels[l]; ok {
			return true
		}
	}
	return false
}

func (o *Orchestrator) body(step int) scheduler.Body {
	return func(ctx context.Context, _ scheduler.ResourceID) error {
		_, err := o.exec.Run(ctx, step)
		return err
	}
}

func (o *Orchestrator) deliver(channel string, isGood bool) {
	o.observers.GateResult(channel, isGood)
	if o.sink == nil {
		return
	}
	if err := o.sink.Deliver(channel, isGood); err != nil {
		o.logger.Error("verdict delivery failed", "channel", channel, "is_good", isGood, "error", err)
	}
}

// AddObserver registers an observer. Observers are called in registration
// order; a panicking observer is logged and skipped.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.observers.add(obs)
}

// Run processes detection batches on every channel until ctx is done, then
// waits for running steps to return.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range o.order {
		ch := o.channels[id]
		g.Go(func() error { return ch.vision.Run(gctx) })
	}
	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sErr := o.sched.Shutdown(shutdownCtx); sErr != nil {
		o.logger.Warn("scheduler shutdown incomplete", "error", sErr)
	}
	return err
}

// Trigger schedules a step on the actuator that owns it. It never waits for
// the step to run.
func (o *Orchestrator) Trigger(step int) error {
	resource, ok := o.sched.ResourceFor(scheduler.StepID(step))
	if !ok {
		err := fmt.Errorf("%w: %d", ErrUnknownStep, step)
		o.observers.Triggered(step, err)
		return err
	}
	err := o.sched.Schedule(scheduler.StepID(step), resource)
	o.observers.Triggered(step, err)
	return err
}

// Arm arms the detection gate of a channel. Arming an armed gate is a
// no-op.
func (o *Orchestrator) Arm(channel string) error {
	ch, ok := o.channels[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	armed := ch.gate.RequestStart()
	o.observers.Armed(channel, armed)
	return nil
}

// EmergencyStop halts every actuator at once. Running step bodies are not
// cancelled, but the motion they wait on fails once the arm is halted, so the
// body returns and the arm goes on with its backlog.
func (o *Orchestrator) EmergencyStop(ctx context.Context) error {
	err := o.sched.EmergencyStop(ctx)
	o.observers.EmergencyStopped(err)
	return err
}

// Publish hands a detection batch to its channel, bypassing the broker.
func (o *Orchestrator) Publish(b vision.Batch) error {
	ch, ok := o.channels[b.Camera]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, b.Camera)
	}
	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
	ch.slot.Put(b)
	return nil
}

// Channels returns the channel ids in configuration order.
func (o *Orchestrator) Channels() []string {
	return append([]string(nil), o.order...)
}

// ResetCounts zeroes a channel's inspection totals.
func (o *Orchestrator) ResetCounts(channel string) error {
	ch, ok := o.channels[channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	ch.inspector.Reset()
	return nil
}

// ChannelStatus is a point-in-time view of one camera channel.
type ChannelStatus struct {
	ID      string                  `json:"id"`
	Armed   bool                    `json:"armed"`
	Tracked int                     `json:"tracked"`
	Gate    gate.Stats              `json:"gate"`
	Counts  vision.InspectionCounts `json:"counts"`
	Vision  vision.ChannelStats     `json:"vision"`
}

// Status is a point-in-time view of the cell.
type Status struct {
	Uptime    time.Duration              `json:"uptime_ns"`
	Actuators []scheduler.ResourceStatus `json:"actuators"`
	Channels  []ChannelStatus            `json:"channels"`
}

// Status returns the state of every actuator and channel.
func (o *Orchestrator) Status() Status {
	st := Status{
		Uptime:    time.Since(o.started),
		Actuators: o.sched.Status(),
		Channels:  make([]ChannelStatus, 0, len(o.order)),
	}
	for _, id := range o.order {
		ch := o.channels[id]
		st.Channels = append(st.Channels, ChannelStatus{
			ID:      id,
			Armed:   ch.gate.Armed(),
			Tracked: ch.tracker.Len(),
			Gate:    ch.gate.Stats(),
			Counts:  ch.inspector.Counts(),
			Vision:  ch.vision.Stats(),
		})
	}
	return st
}
