package plc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/cellcore/internal/infrastructure/mqtt"
)

const (
	defaultPollInterval = 200 * time.Millisecond
	defaultDonePulse    = 500 * time.Millisecond
)

// StepSignal binds a step to the bit that requests it and the bit that
// reports its completion. Done may be empty.
type StepSignal struct {
	Step  int
	Start string
	Done  string
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Topics mqtt.Topics
	QoS    byte

	// EStopTag is the emergency stop input. Empty disables e-stop handling.
	EStopTag string
	Signals  []StepSignal

	PollInterval time.Duration
	SettleDelay  time.Duration
	DonePulse    time.Duration
}

// Target receives the watcher's requests.
type Target interface {
	Trigger(step int) error
	EmergencyStop(ctx context.Context) error
}

// Watcher turns controller bits into step triggers and emergency stops.
//
// Bit states arrive asynchronously on MQTT handler goroutines and are kept in
// a cache. A single poll loop (Run) inspects the cache at PollInterval:
//   - While the e-stop bit is set, Target.EmergencyStop is called once per
//     poll and start bits are ignored.
//   - A start bit that changed from unset to set schedules Target.Trigger
//     after SettleDelay.
//
// StepCompleted pulses the step's done bit so the controller can continue.
type Watcher struct {
	client MQTTClient
	writer BitWriter
	target Target
	cfg    WatcherConfig
	logger Logger

	byStep map[int]StepSignal
	prefix string

	mu      sync.Mutex
	bits    map[string]bool
	stopped bool

	// last holds the start bit levels seen by the previous poll. Only the
	// poll loop touches it.
	last map[string]bool

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWatcher validates cfg and creates a Watcher.
func NewWatcher(client MQTTClient, writer BitWriter, target Target, cfg WatcherConfig, logger Logger) (*Watcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.DonePulse <= 0 {
		cfg.DonePulse = defaultDonePulse
	}
	if logger == nil {
		logger = noopLogger{}
	}

	byStep := make(map[int]StepSignal, len(cfg.Signals))
	starts := make(map[string]bool, len(cfg.Signals))
	for _, s := range cfg.Signals {
		if s.Start == "" {
			return nil, fmt.Errorf("%w: step %d has no start bit", ErrInvalidConfig, s.Step)
		}
		if _, dup := byStep[s.Step]; dup {
			return nil, fmt.Errorf("%w: step %d signalled twice", ErrInvalidConfig, s.Step)
		}
		if starts[s.Start] {
			return nil, fmt.Errorf("%w: start bit %s used by two steps", ErrInvalidConfig, s.Start)
		}
		byStep[s.Step] = s
		starts[s.Start] = true
	}

	return &Watcher{
		client: client,
		writer: writer,
		target: target,
		cfg:    cfg,
		logger: logger,
		byStep: byStep,
		prefix: cfg.Topics.PLCStatePrefix(),
		bits:   make(map[string]bool),
		last:   make(map[string]bool),
		sleep:  sleepCtx,
	}, nil
}

// Start subscribes to the controller's bit states.
func (w *Watcher) Start() error {
	if err := w.client.Subscribe(w.cfg.Topics.AllPLCStates(), w.cfg.QoS, w.handleState); err != nil {
		return fmt.Errorf("subscribing to bit states: %w", err)
	}
	return nil
}

func (w *Watcher) handleState(topic string, payload []byte) error {
	tag, ok := tagFromTopic(w.prefix, topic)
	if !ok {
		return nil
	}
	value, err := ParseBitState(payload)
	if err != nil {
		return fmt.Errorf("bit %s: %w", tag, err)
	}

	w.mu.Lock()
	w.bits[tag] = value
	w.mu.Unlock()
	return nil
}

// Bit returns the cached value of tag and whether it has been reported.
func (w *Watcher) Bit(tag string) (value, known bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	value, known = w.bits[tag]
	return value, known
}

// Bits returns a copy of the bit cache.
func (w *Watcher) Bits() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(w.bits))
	for k, v := range w.bits {
		out[k] = v
	}
	return out
}

// Run polls the bit cache until ctx is done, then waits for pending
// triggers and done pulses.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("trigger watcher started",
		"signals", len(w.byStep),
		"poll_interval", w.cfg.PollInterval,
	)

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()
			w.wg.Wait()
			w.logger.Info("trigger watcher stopped")
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	bits := w.Bits()

	if w.cfg.EStopTag != "" && bits[w.cfg.EStopTag] {
		if err := w.target.EmergencyStop(ctx); err != nil {
			w.logger.Error("emergency stop failed", "error", err)
		}
		// Requests raised during the stop are not carried over.
		for _, s := range w.byStep {
			w.last[s.Start] = bits[s.Start]
		}
		return
	}

	for _, s := range w.byStep {
		level := bits[s.Start]
		rising := level && !w.last[s.Start]
		w.last[s.Start] = level
		if rising {
			w.scheduleTrigger(ctx, s.Step)
		}
	}
}

func (w *Watcher) scheduleTrigger(ctx context.Context, step int) {
	w.logger.Info("step requested", "step", step)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.sleep(ctx, w.cfg.SettleDelay); err != nil {
			return
		}
		if err := w.target.Trigger(step); err != nil {
			w.logger.Error("step trigger rejected", "step", step, "error", err)
			w.StepCompleted(step, err)
		}
	}()
}

// StepCompleted pulses the step's done bit. While Run is active the pulse is
// written on its own goroutine; after Run has returned it is written
// synchronously. The bit is pulsed whatever the outcome so the controller's
// handshake always completes.
func (w *Watcher) StepCompleted(step int, err error) {
	s, ok := w.byStep[step]
	if !ok || s.Done == "" {
		return
	}
	if err != nil {
		w.logger.Warn("step finished with error", "step", step, "error", err)
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		w.pulse(s.Done)
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		w.pulse(s.Done)
	}()
}

// pulse sets tag, holds it for DonePulse and clears it. It runs on a
// detached context so a shutdown never leaves the bit set.
func (w *Watcher) pulse(tag string) {
	ctx := context.Background()
	if err := w.writer.WriteBit(ctx, tag, true); err != nil {
		w.logger.Error("done bit write failed", "tag", tag, "error", err)
		return
	}
	_ = w.sleep(ctx, w.cfg.DonePulse)
	if err := w.writer.WriteBit(ctx, tag, false); err != nil {
		w.logger.Error("done bit reset failed", "tag", tag, "error", err)
	}
}
