package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/cellcore/internal/dobot"
	"github.com/nerrad567/cellcore/internal/infrastructure/config"
	"github.com/nerrad567/cellcore/internal/infrastructure/logging"
	"github.com/nerrad567/cellcore/internal/orchestrator"
	"github.com/nerrad567/cellcore/internal/plc"
	"github.com/nerrad567/cellcore/internal/sequence"
)

// repoRoot is where the shipped configs live relative to this package.
const repoRoot = "../.."

func TestGetConfigPath(t *testing.T) {
	t.Setenv("CELLCORE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("CELLCORE_CONFIG", "/etc/cellcore/config.yaml")
	if got := getConfigPath(); got != "/etc/cellcore/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env value", got)
	}
}

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("CELLCORE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
	if !strings.Contains(err.Error(), "loading config") {
		t.Errorf("run() error = %v, want a config error", err)
	}
}

// TestRun_MissingPrograms verifies run fails before touching the database or
// broker when the step programs cannot be read.
func TestRun_MissingPrograms(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
site:
  id: test-cell
database:
  path: ` + filepath.Join(dir, "cell.db") + `
logging:
  level: error
  format: text
programs_file: ` + filepath.Join(dir, "missing.yaml") + `
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("CELLCORE_CONFIG", configPath)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with a missing programs file")
	}
	if !strings.Contains(err.Error(), "loading step programs") {
		t.Errorf("run() error = %v, want a programs error", err)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "cell.db")); !os.IsNotExist(statErr) {
		t.Error("database should not be created when programs fail to load")
	}
}

func loadShippedConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(filepath.Join(repoRoot, "configs", "config.yaml"))
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	return cfg
}

// TestShippedConfig builds the cell from the shipped config and programs.
func TestShippedConfig(t *testing.T) {
	cfg := loadShippedConfig(t)

	programs, err := sequence.LoadFile(filepath.Join(repoRoot, cfg.ProgramsFile))
	if err != nil {
		t.Fatalf("sequence.LoadFile() error = %v", err)
	}
	if err := programs.Validate(cfg.ActuatorIDs(), cfg.CameraIDs()); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	oc := orchestratorConfig(cfg)
	wantPriorities := map[string][]int{
		"dobot1": {2, 1},
		"dobot2": {5, 4, 3},
	}
	if diff := cmp.Diff(wantPriorities, oc.Priorities); diff != "" {
		t.Errorf("priorities mismatch (-want +got):\n%s", diff)
	}
	if len(oc.Channels) != 2 || oc.Channels[0].ID != "cam0" || oc.Channels[1].ID != "cam1" {
		t.Fatalf("channels = %+v, want cam0 and cam1", oc.Channels)
	}
	if got := oc.Channels[1].MinConfidence; got != 0.85 {
		t.Errorf("cam1 min confidence = %v, want 0.85", got)
	}

	orch, err := orchestrator.New(oc, orchestrator.Deps{Programs: programs})
	if err != nil {
		t.Fatalf("orchestrator.New() error = %v", err)
	}
	st := orch.Status()
	if len(st.Actuators) != 2 || len(st.Channels) != 2 {
		t.Errorf("status = %d actuators, %d channels, want 2 and 2", len(st.Actuators), len(st.Channels))
	}
}

func TestResultChannels(t *testing.T) {
	cfg := loadShippedConfig(t)
	got := resultChannels(cfg.PLC.Results)

	want := plc.ChannelResult{
		Hold: 500 * time.Millisecond,
		Good: plc.VerdictSequence{Tag: "M2100"},
		Bad: plc.VerdictSequence{
			Pre: []plc.ResultWrite{
				{Tag: "M401", Value: true},
				{Tag: "M202", Value: true},
			},
			Tag: "M2101",
			Post: []plc.ResultWrite{
				{Tag: "M401", Value: false},
				{Tag: "M600", Value: true},
				{Tag: "M600", Value: false, Delay: 1500 * time.Millisecond},
			},
		},
	}
	if diff := cmp.Diff(want, got["cam1"]); diff != "" {
		t.Errorf("cam1 results mismatch (-want +got):\n%s", diff)
	}
	if got["cam0"].Good.Tag != "M2102" || got["cam0"].Bad.Tag != "M2103" {
		t.Errorf("cam0 results = %+v", got["cam0"])
	}
}

func TestStepSignals(t *testing.T) {
	got := stepSignals([]config.StepSignalConfig{
		{Step: 1, Start: "M1021", Done: "M2010"},
		{Step: 2, Start: "M220"},
	})
	want := []plc.StepSignal{
		{Step: 1, Start: "M1021", Done: "M2010"},
		{Step: 2, Start: "M220"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stepSignals() mismatch (-want +got):\n%s", diff)
	}
}

func TestDobotLinks(t *testing.T) {
	cfg := loadShippedConfig(t)
	log := logging.NewWithWriter(config.LoggingConfig{Level: "error"}, "test", "test", os.Stderr)

	pool := dobot.NewPool(dobotLinks(cfg.Actuators, log)...)
	ids := pool.IDs()
	sort.Strings(ids)
	if diff := cmp.Diff([]string{"dobot1", "dobot2"}, ids); diff != "" {
		t.Errorf("pool ids mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectorConfig(t *testing.T) {
	seen := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	lastSeen := func() time.Time { return seen }

	pc := detectorConfig(config.DetectorConfig{
		Command:    "python3",
		Args:       []string{"detector.py"},
		StaleAfter: 30 * time.Second,
	}, lastSeen)

	if pc.Name != "detector" || pc.Command != "python3" {
		t.Errorf("name/command = %q/%q", pc.Name, pc.Command)
	}
	if pc.RestartOnFailure {
		t.Error("RestartOnFailure should follow the config")
	}
	if pc.RestartDelay != 5*time.Second || pc.MaxRestartAttempts != 10 {
		t.Errorf("restart policy = %v/%d, want defaults", pc.RestartDelay, pc.MaxRestartAttempts)
	}
	if pc.StaleAfter != 30*time.Second || pc.LastActivity == nil || !pc.LastActivity().Equal(seen) {
		t.Error("watchdog should use the feed's last batch time")
	}
}
