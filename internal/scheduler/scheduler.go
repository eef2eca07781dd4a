package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// StepID identifies a step program.
type StepID int

// ResourceID identifies an actuator.
type ResourceID string

// Body is the work performed for one step on its resource.
type Body func(ctx context.Context, resource ResourceID) error

// Priorities maps each resource to the steps it owns, highest priority first.
type Priorities map[ResourceID][]StepID

// Stopper halts the motion of one resource immediately.
type Stopper interface {
	Halt(ctx context.Context, resource ResourceID) error
}

// Observer is notified about step lifecycle changes. Implementations must
// not block; they are called from the step worker goroutine.
type Observer interface {
	StepStarted(resource ResourceID, step StepID)
	StepFinished(resource ResourceID, step StepID, duration time.Duration, err error)
	BacklogChanged(resource ResourceID, depth int)
}

// Logger defines the logging interface used by the Scheduler.
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

type noopObserver struct{}

func (noopObserver) StepStarted(ResourceID, StepID)                        {}
func (noopObserver) StepFinished(ResourceID, StepID, time.Duration, error) {}
func (noopObserver) BacklogChanged(ResourceID, int)                        {}

// Errors returned by the scheduler.
var (
	ErrUnknownResource = errors.New("scheduler: unknown resource")
	ErrUnknownStep     = errors.New("scheduler: unknown step")
	ErrBacklogFull     = errors.New("scheduler: backlog full")
	ErrClosed          = errors.New("scheduler: closed")
	ErrNoStopper       = errors.New("scheduler: no stopper configured")
	ErrInvalidConfig   = errors.New("scheduler: invalid configuration")
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(obs Observer) Option {
	return func(s *Scheduler) {
		if obs != nil {
			s.observer = obs
		}
	}
}

// WithStopper sets the emergency stop target.
func WithStopper(stopper Stopper) Option {
	return func(s *Scheduler) {
		s.stopper = stopper
	}
}

// WithMaxBacklog bounds the number of pending steps per resource.
// Zero means unbounded.
func WithMaxBacklog(n int) Option {
	return func(s *Scheduler) {
		if n >= 0 {
			s.maxBacklog = n
		}
	}
}

// resourceState is the per-actuator queue. mu guards every field below it.
type resourceState struct {
	id       ResourceID
	priority []StepID

	mu        sync.Mutex
	backlog   []StepID
	running   bool
	current   StepID
	startedAt time.Time
	completed uint64
	failed    uint64
	lastErr   string
}

// takeNext removes and returns the highest-priority pending step.
func (rs *resourceState) takeNext() (StepID, bool) {
	for _, step := range rs.priority {
		for i, pending := range rs.backlog {
			if pending == step {
				rs.backlog = append(rs.backlog[:i], rs.backlog[i+1:]...)
				return step, true
			}
		}
	}
	return 0, false
}

// Scheduler dispatches steps per resource.
//
// Thread Safety: all methods are safe for concurrent use.
type Scheduler struct {
	resources map[ResourceID]*resourceState
	owner     map[StepID]ResourceID
	bodies    map[StepID]Body

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	stopper    Stopper
	observer   Observer
	maxBacklog int
	logger     Logger
}

// New creates a scheduler.
//
// Every step in priorities must have a body, and a step may belong to only
// one resource.
func New(priorities Priorities, bodies map[StepID]Body, opts ...Option) (*Scheduler, error) {
	if len(priorities) == 0 {
		return nil, fmt.Errorf("%w: no resources", ErrInvalidConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		resources: make(map[ResourceID]*resourceState, len(priorities)),
		owner:     make(map[StepID]ResourceID),
		bodies:    bodies,
		ctx:       ctx,
		cancel:    cancel,
		observer:  noopObserver{},
		logger:    noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	for id, steps := range priorities {
		if len(steps) == 0 {
			cancel()
			return nil, fmt.Errorf("%w: resource %q owns no steps", ErrInvalidConfig, id)
		}
		for _, step := range steps {
			if other, dup := s.owner[step]; dup {
				cancel()
				return nil, fmt.Errorf("%w: step %d owned by both %q and %q", ErrInvalidConfig, step, other, id)
			}
			if bodies[step] == nil {
				cancel()
				return nil, fmt.Errorf("%w: step %d has no body", ErrInvalidConfig, step)
			}
			s.owner[step] = id
		}
		s.resources[id] = &resourceState{
			id:       id,
			priority: append([]StepID(nil), steps...),
		}
	}

	return s, nil
}

// ResourceFor returns the resource that owns a step.
func (s *Scheduler) ResourceFor(step StepID) (ResourceID, bool) {
	id, ok := s.owner[step]
	return id, ok
}

// Schedule adds a step to the resource backlog and dispatches the resource.
// It never waits for the step to run.
//
// Scheduling a step that is already pending adds a second occurrence; both
// will run.
func (s *Scheduler) Schedule(step StepID, resource ResourceID) error {
	if s.closed.Load() {
		return ErrClosed
	}
	rs, ok := s.resources[resource]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownResource, resource)
	}
	if s.owner[step] != resource {
		return fmt.Errorf("%w: %d on %q", ErrUnknownStep, step, resource)
	}

	rs.mu.Lock()
	if s.maxBacklog > 0 && len(rs.backlog) >= s.maxBacklog {
		rs.mu.Unlock()
		return fmt.Errorf("%w: %q has %d pending", ErrBacklogFull, resource, s.maxBacklog)
	}
	rs.backlog = append(rs.backlog, step)
	depth := len(rs.backlog)
	rs.mu.Unlock()

	s.logger.Debug("step scheduled", "resource", resource, "step", step, "backlog", depth)
	s.observer.BacklogChanged(resource, depth)

	s.dispatch(rs)
	return nil
}

// dispatch starts the highest-priority pending step if the resource is idle.
func (s *Scheduler) dispatch(rs *resourceState) {
	rs.mu.Lock()
	if rs.running || s.closed.Load() {
		rs.mu.Unlock()
		return
	}
	step, ok := rs.takeNext()
	if !ok {
		rs.mu.Unlock()
		return
	}
	rs.running = true
	rs.current = step
	rs.startedAt = time.Now()
	depth := len(rs.backlog)
	s.wg.Add(1)
	rs.mu.Unlock()

	s.observer.BacklogChanged(rs.id, depth)
	go s.run(rs, step)
}

// run executes one step body and re-dispatches the resource afterwards.
func (s *Scheduler) run(rs *resourceState, step StepID) {
	defer s.wg.Done()

	s.logger.Info("step started", "resource", rs.id, "step", step)
	s.observer.StepStarted(rs.id, step)

	start := time.Now()
	err := s.invoke(rs.id, step)
	dur := time.Since(start)

	rs.mu.Lock()
	rs.running = false
	rs.current = 0
	if err != nil {
		rs.failed++
		rs.lastErr = err.Error()
	} else {
		rs.completed++
	}
	rs.mu.Unlock()

	if err != nil {
		s.logger.Error("step failed", "resource", rs.id, "step", step, "duration", dur, "error", err)
	} else {
		s.logger.Info("step completed", "resource", rs.id, "step", step, "duration", dur)
	}
	s.observer.StepFinished(rs.id, step, dur, err)

	s.dispatch(rs)
}

func (s *Scheduler) invoke(resource ResourceID, step StepID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %d panicked: %v", step, r)
		}
	}()
	return s.bodies[step](s.ctx, resource)
}

// EmergencyStop halts every resource concurrently, regardless of backlog
// and running state. All failures are joined into the returned error.
func (s *Scheduler) EmergencyStop(ctx context.Context) error {
	if s.stopper == nil {
		return ErrNoStopper
	}

	s.logger.Warn("emergency stop", "resources", len(s.resources))

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for id := range s.resources {
		wg.Add(1)
		go func(id ResourceID) {
			defer wg.Done()
			if err := s.halt(ctx, id); err != nil {
				s.logger.Error("emergency stop failed", "resource", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("halt %s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (s *Scheduler) halt(ctx context.Context, id ResourceID) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.stopper.Halt(ctx, id)
}

// ResourceStatus is a point-in-time view of one resource.
type ResourceStatus struct {
	Resource  ResourceID `json:"resource"`
	Running   bool       `json:"running"`
	Current   StepID     `json:"current,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Backlog   []StepID   `json:"backlog"`
	Priority  []StepID   `json:"priority"`
	Completed uint64     `json:"completed"`
	Failed    uint64     `json:"failed"`
	LastError string     `json:"last_error,omitempty"`
}

// Status returns the state of every resource, sorted by id.
func (s *Scheduler) Status() []ResourceStatus {
	out := make([]ResourceStatus, 0, len(s.resources))
	for _, rs := range s.resources {
		rs.mu.Lock()
		st := ResourceStatus{
			Resource:  rs.id,
			Running:   rs.running,
			Current:   rs.current,
			Backlog:   append([]StepID{}, rs.backlog...),
			Priority:  append([]StepID(nil), rs.priority...),
			Completed: rs.completed,
			Failed:    rs.failed,
			LastError: rs.lastErr,
		}
		if rs.running {
			started := rs.startedAt
			st.StartedAt = &started
		}
		rs.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Shutdown stops dispatching, discards pending steps and waits for running
// bodies to return. If ctx expires first the context passed to the bodies is
// cancelled and the context error is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}

	for _, rs := range s.resources {
		rs.mu.Lock()
		if n := len(rs.backlog); n > 0 {
			s.logger.Warn("discarding pending steps", "resource", rs.id, "count", n)
		}
		rs.backlog = nil
		rs.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}
