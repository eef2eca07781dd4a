// Package gate implements the one-shot arm/disarm protocol that couples a
// controller trigger to exactly one inspection verdict.
//
// A Controller starts disarmed. RequestStart arms it; the next finalize
// verdict delivered with OnFinalize disarms it and is forwarded to the
// registered result callback. Verdicts arriving while disarmed are counted
// and discarded.
//
// The trigger goroutine (RequestStart) and the camera goroutine (OnFinalize)
// race freely; the armed flag and the callback slot are read and updated
// under one mutex, and the callback itself is invoked after the mutex has
// been released so it may block or re-arm the gate.
package gate

import (
	"fmt"
	"sync"
)

// Logger defines the logging interface used by the Controller.
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

// ResultFunc receives the verdict of the inspection the gate was armed for.
type ResultFunc func(isGood bool)

// Stats are cumulative gate counters.
type Stats struct {
	Arms      uint64 `json:"arms"`
	Forwarded uint64 `json:"forwarded"`
	Discarded uint64 `json:"discarded"`
}

// Controller is a per-channel detection gate.
type Controller struct {
	name string

	mu       sync.Mutex
	armed    bool
	callback ResultFunc
	stats    Stats

	logger Logger
}

// New creates a disarmed gate. The name is used in log output only.
func New(name string) *Controller {
	return &Controller{
		name:   name,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the gate.
func (c *Controller) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Name returns the gate name.
func (c *Controller) Name() string {
	return c.name
}

// RequestStart arms the gate. It reports whether the gate transitioned from
// disarmed to armed; arming an armed gate is a no-op.
func (c *Controller) RequestStart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.armed {
		c.logger.Debug("gate already armed", "gate", c.name)
		return false
	}
	c.armed = true
	c.stats.Arms++
	c.logger.Info("gate armed", "gate", c.name)
	return true
}

// SetResultCallback replaces the result callback. The callback registered at
// the moment a verdict is forwarded is the one invoked. A nil callback clears
// the slot; the gate still disarms on the next verdict.
func (c *Controller) SetResultCallback(fn ResultFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
}

// OnFinalize offers a verdict to the gate. When armed, the gate disarms and
// forwards the verdict to the callback exactly once; it reports whether the
// verdict was forwarded. When disarmed the verdict is discarded.
func (c *Controller) OnFinalize(isGood bool) bool {
	c.mu.Lock()
	if !c.armed {
		c.stats.Discarded++
		c.mu.Unlock()
		c.logger.Debug("verdict discarded, gate disarmed", "gate", c.name, "is_good", isGood)
		return false
	}
	c.armed = false
	c.stats.Forwarded++
	fn := c.callback
	c.mu.Unlock()

	c.logger.Info("gate fired", "gate", c.name, "is_good", isGood)

	if fn == nil {
		c.logger.Warn("gate fired without result callback", "gate", c.name)
		return true
	}
	if err := c.invoke(fn, isGood); err != nil {
		c.logger.Error("gate result callback failed", "gate", c.name, "error", err)
	}
	return true
}

func (c *Controller) invoke(fn ResultFunc, isGood bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(isGood)
	return nil
}

// Armed reports whether the gate is currently armed.
func (c *Controller) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// Disarm clears the armed flag without forwarding anything. It reports
// whether the gate was armed.
func (c *Controller) Disarm() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.armed
	c.armed = false
	return was
}

// Stats returns a copy of the gate counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
