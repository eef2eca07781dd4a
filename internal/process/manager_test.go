package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(Config{Name: "detector", Command: "python3", Args: []string{"-m", "detector"}})

	if m.config.RestartDelay != 5*time.Second {
		t.Errorf("RestartDelay = %v, want 5s", m.config.RestartDelay)
	}
	if m.config.MaxRestartDelay != 5*time.Minute {
		t.Errorf("MaxRestartDelay = %v, want 5m", m.config.MaxRestartDelay)
	}
	if m.config.StableThreshold != 2*time.Minute {
		t.Errorf("StableThreshold = %v, want 2m", m.config.StableThreshold)
	}
	if m.config.GracefulTimeout != 10*time.Second {
		t.Errorf("GracefulTimeout = %v, want 10s", m.config.GracefulTimeout)
	}
	if m.config.CheckInterval != time.Second {
		t.Errorf("CheckInterval = %v, want 1s", m.config.CheckInterval)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("detector", "python3", []string{"-m", "detector"})
	if !cfg.RestartOnFailure {
		t.Error("RestartOnFailure = false, want true")
	}
	if cfg.MaxRestartAttempts != 10 {
		t.Errorf("MaxRestartAttempts = %d, want 10", cfg.MaxRestartAttempts)
	}
}

func TestManager_InitialState(t *testing.T) {
	m := NewManager(Config{Name: "test", Command: "true"})

	if m.Status() != StatusStopped || m.IsRunning() {
		t.Errorf("Status() = %q, want stopped", m.Status())
	}
	if m.PID() != 0 || m.RestartCount() != 0 || m.Uptime() != 0 || m.LastError() != nil {
		t.Errorf("unexpected initial stats: %+v", m.Stats())
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() before Start() error = %v", err)
	}
}

func TestManager_StartAndStop(t *testing.T) {
	var exits []error
	var mu sync.Mutex
	m := NewManager(Config{
		Name:            "sleeper",
		Command:         "sleep",
		Args:            []string{"60"},
		GracefulTimeout: 2 * time.Second,
		OnExit: func(err error) {
			mu.Lock()
			exits = append(exits, err)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !m.IsRunning() || m.PID() == 0 {
		t.Fatalf("not running after Start(): %+v", m.Stats())
	}
	if err := m.Start(ctx); err == nil {
		t.Error("second Start() expected error, got nil")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %q after Stop(), want stopped", m.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(exits) != 1 || exits[0] != nil {
		t.Errorf("OnExit calls = %v, want one nil", exits)
	}
}

func TestManager_StartWithInvalidCommand(t *testing.T) {
	m := NewManager(Config{Name: "bad", Command: "/nonexistent/detector"})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() with invalid command expected error, got nil")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %q, want failed", m.Status())
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() after failed Start() error = %v", err)
	}
}

func TestManager_RestartsOnExit(t *testing.T) {
	var starts atomic.Int32
	m := NewManager(Config{
		Name:               "flaky",
		Command:            "sh",
		Args:               []string{"-c", "exit 1"},
		RestartOnFailure:   true,
		RestartDelay:       10 * time.Millisecond,
		MaxRestartDelay:    20 * time.Millisecond,
		StableThreshold:    time.Hour,
		MaxRestartAttempts: 2,
		OnStart:            func(int) { starts.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return m.Status() == StatusFailed && m.RestartCount() == 2
	})
	// Give a third, unwanted restart the chance to happen.
	time.Sleep(100 * time.Millisecond)

	if got := starts.Load(); got != 3 {
		t.Errorf("started %d times, want 3 (initial + 2 restarts)", got)
	}
	if m.LastError() == nil {
		t.Error("LastError() = nil after failures")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestManager_FatalExitCodeNotRestarted(t *testing.T) {
	var starts atomic.Int32
	m := NewManager(Config{
		Name:             "bad-model",
		Command:          "sh",
		Args:             []string{"-c", "exit 3"},
		RestartOnFailure: true,
		RestartDelay:     10 * time.Millisecond,
		FatalExitCodes:   []int{3},
		OnStart:          func(int) { starts.Add(1) },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return m.LastError() != nil })
	time.Sleep(100 * time.Millisecond)

	if IsRecoverable(m.LastError()) {
		t.Errorf("LastError() = %v, want unrecoverable", m.LastError())
	}
	if got := starts.Load(); got != 1 {
		t.Errorf("started %d times, want 1", got)
	}
	_ = m.Stop()
}

func TestManager_StaleWatchdog(t *testing.T) {
	var exits atomic.Int32
	m := NewManager(Config{
		Name:             "stuck",
		Command:          "sleep",
		Args:             []string{"60"},
		RestartOnFailure: false,
		LastActivity:     func() time.Time { return time.Time{} },
		StaleAfter:       50 * time.Millisecond,
		CheckInterval:    10 * time.Millisecond,
		OnExit:           func(error) { exits.Add(1) },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return exits.Load() == 1 })

	if !errors.Is(m.LastError(), ErrStale) {
		t.Errorf("LastError() = %v, want ErrStale", m.LastError())
	}
	_ = m.Stop()
}

func TestManager_ActivityKeepsAlive(t *testing.T) {
	m := NewManager(Config{
		Name:            "busy",
		Command:         "sleep",
		Args:            []string{"60"},
		LastActivity:    time.Now,
		StaleAfter:      50 * time.Millisecond,
		CheckInterval:   10 * time.Millisecond,
		GracefulTimeout: 2 * time.Second,
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if !m.IsRunning() {
		t.Errorf("process killed despite activity: %+v", m.Stats())
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestManager_Run(t *testing.T) {
	m := NewManager(Config{Name: "run", Command: "sleep", Args: []string{"60"}, GracefulTimeout: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	waitFor(t, 5*time.Second, m.IsRunning)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	m := NewManager(Config{
		Name:            "test",
		Command:         "true",
		RestartDelay:    time.Second,
		MaxRestartDelay: 30 * time.Second,
	})

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := m.calculateBackoffDelay(tt.failures); got != tt.want {
			t.Errorf("calculateBackoffDelay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

type testRecoverableError struct{ recoverable bool }

func (e *testRecoverableError) Error() string       { return "test error" }
func (e *testRecoverableError) IsRecoverable() bool { return e.recoverable }

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"plain", context.DeadlineExceeded, true},
		{"recoverable", &testRecoverableError{recoverable: true}, true},
		{"unrecoverable", &testRecoverableError{recoverable: false}, false},
		{"wrapped fatal exit", errors.Join(errors.New("ctx"), &exitError{code: 3}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
