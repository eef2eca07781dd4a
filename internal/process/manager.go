package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status is the state of a supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// ErrStale is the exit cause recorded when the liveness watchdog kills the
// process.
var ErrStale = errors.New("process: no activity within stale window")

// RecoverableError is implemented by exit causes that know whether a
// restart can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err allows a restart. Errors that do not
// implement RecoverableError are recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// exitError is a non-zero exit with a code listed in Config.FatalExitCodes.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string       { return fmt.Sprintf("exited with fatal code %d", e.code) }
func (e *exitError) Unwrap() error       { return e.err }
func (e *exitError) IsRecoverable() bool { return false }

// maxLineBytes caps a single captured output line.
const maxLineBytes = 64 * 1024

// Config holds configuration for a supervised subprocess.
type Config struct {
	// Name identifies the process in logs.
	Name string

	// Command is the executable, resolved through PATH.
	Command string
	Args    []string

	// Env adds key=value pairs to the inherited environment.
	Env     []string
	WorkDir string

	RestartOnFailure bool

	// RestartDelay is the first restart delay; it doubles per consecutive
	// failure up to MaxRestartDelay and resets once the process has run for
	// StableThreshold.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration
	StableThreshold time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	MaxRestartAttempts int

	// FatalExitCodes are exit codes that mean a restart cannot help, such
	// as a detector rejecting its model file.
	FatalExitCodes []int

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// LastActivity reports when the process last did useful work, for
	// example when the detector last published a batch. The watchdog kills
	// the process when neither that time nor the start time is within
	// StaleAfter. A nil func or zero StaleAfter disables the watchdog.
	LastActivity  func() time.Time
	StaleAfter    time.Duration
	CheckInterval time.Duration

	// OnStart is called after each successful start.
	OnStart func(pid int)
	// OnExit is called after each exit; err is nil for a requested stop.
	OnExit func(err error)
}

// DefaultConfig returns a Config with restart enabled.
func DefaultConfig(name, command string, args []string) Config {
	return Config{
		Name:               name,
		Command:            command,
		Args:               args,
		RestartOnFailure:   true,
		RestartDelay:       5 * time.Second,
		MaxRestartDelay:    5 * time.Minute,
		StableThreshold:    2 * time.Minute,
		MaxRestartAttempts: 10,
		GracefulTimeout:    10 * time.Second,
		CheckInterval:      time.Second,
	}
}

// Logger defines the logging interface for the supervisor.
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

// Manager supervises one subprocess: it starts it, logs its output,
// restarts it with backoff when it exits or goes stale, and stops the whole
// process group on shutdown.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	failures      int // consecutive, for backoff
	lastError     error
	startTime     time.Time
	stopRequested bool

	stopCh chan struct{} // closed by Stop
	done   chan struct{} // closed when the monitor exits
}

// NewManager creates a manager. Zero durations take the DefaultConfig values.
func NewManager(cfg Config) *Manager {
	d := DefaultConfig(cfg.Name, cfg.Command, cfg.Args)
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = d.RestartDelay
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = d.MaxRestartDelay
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = d.StableThreshold
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = d.GracefulTimeout
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = d.CheckInterval
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.logger = logger
}

// Start launches the subprocess and a monitor goroutine that restarts it
// as configured. It returns an error if the first start fails.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("process %s is already running", m.config.Name)
	}
	m.status = StatusStarting
	m.stopRequested = false
	m.stopCh = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	if err := m.startProcess(ctx); err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastError = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.monitor(ctx)
	return nil
}

// Run starts the process, blocks until ctx is done and then stops it.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return m.Stop()
}

func (m *Manager) startProcess(ctx context.Context) error {
	m.logger.Info("starting process",
		"name", m.config.Name,
		"command", m.config.Command,
		"args", m.config.Args,
	)

	// Not CommandContext: shutdown goes through Stop so the process group
	// gets SIGTERM before SIGKILL.
	cmd := exec.Command(m.config.Command, m.config.Args...) //nolint:gosec // command comes from validated config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if m.config.Env != nil {
		cmd.Env = append(os.Environ(), m.config.Env...)
	}
	if m.config.WorkDir != "" {
		cmd.Dir = m.config.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	m.mu.Lock()
	m.cmd = cmd
	m.status = StatusRunning
	m.startTime = time.Now()
	m.mu.Unlock()

	go m.captureOutput("stdout", stdout)
	go m.captureOutput("stderr", stderr)

	m.logger.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)
	if m.config.OnStart != nil {
		m.config.OnStart(cmd.Process.Pid)
	}
	return nil
}

// captureOutput logs the stream line by line.
func (m *Manager) captureOutput(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for sc.Scan() {
		m.logger.Debug("process output",
			"name", m.config.Name,
			"stream", stream,
			"line", sc.Text(),
		)
	}
}

// stale reports whether the watchdog should fire at now.
func (m *Manager) stale(now time.Time) bool {
	if m.config.LastActivity == nil || m.config.StaleAfter <= 0 {
		return false
	}
	m.mu.RLock()
	last := m.startTime
	m.mu.RUnlock()
	if a := m.config.LastActivity(); a.After(last) {
		last = a
	}
	return now.Sub(last) > m.config.StaleAfter
}

// waitForExitOrStale waits for the process to exit, killing it first if
// the watchdog fires.
func (m *Manager) waitForExitOrStale(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if m.config.LastActivity == nil || m.config.StaleAfter <= 0 {
		return <-exitCh
	}

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-exitCh:
			return err
		case <-ctx.Done():
			// Stop owns shutdown; keep waiting for the exit.
			return <-exitCh
		case now := <-ticker.C:
			if !m.stale(now) {
				continue
			}
			m.logger.Error("process stale, killing",
				"name", m.config.Name,
				"stale_after", m.config.StaleAfter,
			)
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) //nolint:errcheck // exit is observed below
			<-exitCh
			return ErrStale
		}
	}
}

// classify marks exits with a fatal code as unrecoverable.
func (m *Manager) classify(err error) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	for _, code := range m.config.FatalExitCodes {
		if ee.ExitCode() == code {
			return &exitError{code: code, err: err}
		}
	}
	return err
}

// calculateBackoffDelay returns the restart delay for the given
// consecutive failure count.
func (m *Manager) calculateBackoffDelay(failures int) time.Duration {
	d := m.config.RestartDelay
	for i := 1; i < failures && d < m.config.MaxRestartDelay; i++ {
		d *= 2
	}
	return min(d, m.config.MaxRestartDelay)
}

func (m *Manager) monitor(ctx context.Context) {
	m.mu.RLock()
	done, stopCh := m.done, m.stopCh
	m.mu.RUnlock()
	defer close(done)

	for {
		m.mu.RLock()
		cmd := m.cmd
		m.mu.RUnlock()
		if cmd == nil {
			return
		}

		err := m.waitForExitOrStale(ctx, cmd)

		m.mu.Lock()
		stopRequested := m.stopRequested
		ranFor := time.Since(m.startTime)
		m.mu.Unlock()

		if stopRequested {
			m.logger.Info("process stopped as requested", "name", m.config.Name)
			m.mu.Lock()
			m.status = StatusStopped
			m.mu.Unlock()
			if m.config.OnExit != nil {
				m.config.OnExit(nil)
			}
			return
		}

		if err == nil {
			err = errors.New("exited with status 0")
		}
		err = m.classify(err)
		m.logger.Warn("process exited unexpectedly", "name", m.config.Name, "error", err)

		m.mu.Lock()
		m.lastError = err
		m.status = StatusFailed
		if ranFor >= m.config.StableThreshold {
			m.failures = 0
		}
		m.failures++
		failures := m.failures
		m.mu.Unlock()

		if m.config.OnExit != nil {
			m.config.OnExit(err)
		}

		if !m.config.RestartOnFailure {
			m.logger.Info("restart disabled, not restarting", "name", m.config.Name)
			return
		}
		if !IsRecoverable(err) {
			m.logger.Error("unrecoverable exit, not restarting", "name", m.config.Name, "error", err)
			return
		}
		if m.config.MaxRestartAttempts > 0 && failures > m.config.MaxRestartAttempts {
			m.logger.Error("max restart attempts reached", "name", m.config.Name, "attempts", failures-1)
			return
		}

		delay := m.calculateBackoffDelay(failures)
		m.logger.Info("restarting process", "name", m.config.Name, "attempt", failures, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("context cancelled, not restarting", "name", m.config.Name)
			return
		case <-stopCh:
			timer.Stop()
			m.mu.Lock()
			m.status = StatusStopped
			m.mu.Unlock()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		if m.stopRequested {
			m.status = StatusStopped
			m.mu.Unlock()
			return
		}
		m.restartCount++
		m.mu.Unlock()

		if err := m.startProcess(ctx); err != nil {
			m.logger.Error("failed to restart process", "name", m.config.Name, "error", err)
			m.mu.Lock()
			m.lastError = err
			m.mu.Unlock()
			return
		}
	}
}

// Stop sends SIGTERM to the process group, waits GracefulTimeout and then
// sends SIGKILL. It returns once the monitor has exited.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.stopRequested && m.stopCh != nil {
		close(m.stopCh)
	}
	m.stopRequested = true
	cmd := m.cmd
	done := m.done
	running := m.status == StatusRunning || m.status == StatusStarting
	m.mu.Unlock()

	if done == nil {
		return nil
	}
	if !running || cmd == nil || cmd.Process == nil {
		<-done
		return nil
	}

	pid := cmd.Process.Pid
	m.logger.Info("stopping process", "name", m.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		m.logger.Warn("failed to send SIGTERM to process group", "name", m.config.Name, "error", err)
	}

	timer := time.NewTimer(m.config.GracefulTimeout)
	defer timer.Stop()
	select {
	case <-done:
		m.logger.Info("process stopped gracefully", "name", m.config.Name)
		return nil
	case <-timer.C:
		m.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", m.config.Name,
			"timeout", m.config.GracefulTimeout,
		)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process group %s: %w", m.config.Name, err)
	}
	<-done
	m.logger.Info("process killed", "name", m.config.Name)
	return nil
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning reports whether the process is running.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// PID returns the process ID while running, or 0.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRunning && m.cmd != nil && m.cmd.Process != nil {
		return m.cmd.Process.Pid
	}
	return 0
}

// RestartCount returns the number of restarts performed.
func (m *Manager) RestartCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.restartCount
}

// LastError returns the cause of the last unexpected exit.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastError
}

// Uptime returns how long the current process has been running, or 0.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// Stats describes the supervised process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:         m.config.Name,
		Status:       m.status,
		RestartCount: m.restartCount,
	}
	if m.status == StatusRunning {
		if m.cmd != nil && m.cmd.Process != nil {
			stats.PID = m.cmd.Process.Pid
		}
		stats.Uptime = time.Since(m.startTime)
	}
	if m.lastError != nil {
		stats.LastError = m.lastError.Error()
	}
	return stats
}
