package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/cellcore/internal/scheduler"
	"github.com/nerrad567/cellcore/internal/tracker"
)

// Observer receives cell events. Implementations must not block: step
// events arrive on step worker goroutines and inspection events on the
// camera goroutine.
//
// Embed NopObserver to implement only the events of interest.
type Observer interface {
	Triggered(step int, err error)
	StepStarted(resource string, step int)
	StepFinished(resource string, step int, d time.Duration, err error)
	BacklogChanged(resource string, depth int)
	EmergencyStopped(err error)

	Armed(channel string, armed bool)
	Finalized(channel string, ev tracker.FinalizeEvent, gated bool)
	GateResult(channel string, isGood bool)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) Triggered(int, error)                           {}
func (NopObserver) StepStarted(string, int)                        {}
func (NopObserver) StepFinished(string, int, time.Duration, error) {}
func (NopObserver) BacklogChanged(string, int)                     {}
func (NopObserver) EmergencyStopped(error)                         {}
func (NopObserver) Armed(string, bool)                             {}
func (NopObserver) Finalized(string, tracker.FinalizeEvent, bool)  {}
func (NopObserver) GateResult(string, bool)                        {}

// fanout calls every registered observer in order, isolating panics.
type fanout struct {
	mu     sync.RWMutex
	list   []Observer
	logger Logger
}

func newFanout(logger Logger) *fanout {
	return &fanout{logger: logger}
}

func (f *fanout) add(obs Observer) {
	if obs == nil {
		return
	}
	f.mu.Lock()
	f.list = append(f.list, obs)
	f.mu.Unlock()
}

func (f *fanout) each(event string, fn func(Observer)) {
	f.mu.RLock()
	list := f.list
	f.mu.RUnlock()

	for i, obs := range list {
		if err := safeCall(obs, fn); err != nil {
			f.logger.Error("observer failed", "event", event, "observer", i, "error", err)
		}
	}
}

func safeCall(obs Observer, fn func(Observer)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(obs)
	return nil
}

func (f *fanout) Triggered(step int, err error) {
	f.each("triggered", func(o Observer) { o.Triggered(step, err) })
}

func (f *fanout) StepStarted(resource string, step int) {
	f.each("step_started", func(o Observer) { o.StepStarted(resource, step) })
}

func (f *fanout) StepFinished(resource string, step int, d time.Duration, err error) {
	f.each("step_finished", func(o Observer) { o.StepFinished(resource, step, d, err) })
}

func (f *fanout) BacklogChanged(resource string, depth int) {
	f.each("backlog_changed", func(o Observer) { o.BacklogChanged(resource, depth) })
}

func (f *fanout) EmergencyStopped(err error) {
	f.each("emergency_stopped", func(o Observer) { o.EmergencyStopped(err) })
}

func (f *fanout) Armed(channel string, armed bool) {
	f.each("armed", func(o Observer) { o.Armed(channel, armed) })
}

func (f *fanout) Finalized(channel string, ev tracker.FinalizeEvent, gated bool) {
	f.each("finalized", func(o Observer) { o.Finalized(channel, ev, gated) })
}

func (f *fanout) GateResult(channel string, isGood bool) {
	f.each("gate_result", func(o Observer) { o.GateResult(channel, isGood) })
}

// schedulerObserver converts scheduler callbacks to observer events.
type schedulerObserver struct {
	f *fanout
}

func (s schedulerObserver) StepStarted(r scheduler.ResourceID, step scheduler.StepID) {
	s.f.StepStarted(string(r), int(step))
}

func (s schedulerObserver) StepFinished(r scheduler.ResourceID, step scheduler.StepID, d time.Duration, err error) {
	s.f.StepFinished(string(r), int(step), d, err)
}

func (s schedulerObserver) BacklogChanged(r scheduler.ResourceID, depth int) {
	s.f.BacklogChanged(string(r), depth)
}
