package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "cell-test"
database:
  path: "/tmp/test.db"
mqtt:
  broker:
    host: "broker.local"
    port: 1883
    client_id: "test-client"
  topic_root: "line1"
plc:
  poll_interval: 300ms
  settle_delay: 1s
  estop_tag: X3
  steps:
    - {step: 1, start: X0, done: M10}
  results:
    cam1:
      hold: 3s
      good: {tag: M2100, post: [{tag: M401, value: false}]}
      bad:
        pre: [{tag: M401, value: true}]
        tag: M2101
        post: [{tag: M600, value: true, delay: 1.5s}]
actuators:
  - id: dobot1
    port: /dev/ttyUSB0
    home: [200, 0, 50, 0]
    steps: [2, 1]
cameras:
  - id: cam1
    good_labels: [good]
    bad_labels: [scratch, dent]
    roi: {center: 0.5, width: 0.6, height: 0.4}
programs_file: programs.yaml
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "cell-test" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "cell-test")
	}
	if cfg.MQTT.TopicRoot != "line1" {
		t.Errorf("MQTT.TopicRoot = %q, want %q", cfg.MQTT.TopicRoot, "line1")
	}
	if cfg.PLC.PollInterval != 300*time.Millisecond {
		t.Errorf("PLC.PollInterval = %v, want 300ms", cfg.PLC.PollInterval)
	}
	if cfg.PLC.DonePulse != 500*time.Millisecond {
		t.Errorf("PLC.DonePulse = %v, want default 500ms", cfg.PLC.DonePulse)
	}

	res := cfg.PLC.Results["cam1"]
	if res.Hold != 3*time.Second || res.Bad.Tag != "M2101" {
		t.Errorf("Results[cam1] = %+v", res)
	}
	if len(res.Bad.Post) != 1 || res.Bad.Post[0].Delay != 1500*time.Millisecond || !res.Bad.Post[0].Value {
		t.Errorf("Results[cam1].Bad.Post = %+v", res.Bad.Post)
	}

	if got := cfg.Actuators[0].Home; got != [4]float64{200, 0, 50, 0} {
		t.Errorf("Actuators[0].Home = %v", got)
	}
	if cfg.Actuators[0].QueuePoll != 100*time.Millisecond {
		t.Errorf("Actuators[0].QueuePoll = %v, want default", cfg.Actuators[0].QueuePoll)
	}
	if cfg.Cameras[0].MinConfidence != 0.85 {
		t.Errorf("Cameras[0].MinConfidence = %v, want default 0.85", cfg.Cameras[0].MinConfidence)
	}
	if cfg.Cameras[0].ROI.Width != 0.6 {
		t.Errorf("Cameras[0].ROI.Width = %v", cfg.Cameras[0].ROI.Width)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	content := `
site:
  id: ""
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Error("Load() expected validation error for empty site.id, got nil")
	}
}

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Actuators = []ActuatorConfig{
		{ID: "dobot1", Port: "/dev/ttyUSB0", Steps: []int{2, 1}},
		{ID: "dobot2", Port: "/dev/ttyUSB1", Steps: []int{5, 4, 3}},
	}
	cfg.Cameras = []CameraConfig{
		{ID: "cam0", GoodLabels: []string{"good"}, BadLabels: []string{"bad"}},
	}
	cfg.PLC.Steps = []StepSignalConfig{{Step: 1, Start: "X0", Done: "M10"}}
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(*Config) {},
		},
		{
			name:    "missing site ID",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id",
		},
		{
			name:    "missing database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "invalid port high",
			mutate:  func(c *Config) { c.API.Port = 70000 },
			wantErr: "api.port",
		},
		{
			name:    "zero poll interval",
			mutate:  func(c *Config) { c.PLC.PollInterval = 0 },
			wantErr: "plc.poll_interval",
		},
		{
			name: "step owned twice",
			mutate: func(c *Config) {
				c.Actuators[1].Steps = append(c.Actuators[1].Steps, 1)
			},
			wantErr: "step 1 is owned by both",
		},
		{
			name:    "duplicate actuator",
			mutate:  func(c *Config) { c.Actuators[1].ID = "dobot1" },
			wantErr: "duplicated",
		},
		{
			name:    "actuator without port",
			mutate:  func(c *Config) { c.Actuators[0].Port = "" },
			wantErr: "actuators[0].port",
		},
		{
			name:    "signal for unowned step",
			mutate:  func(c *Config) { c.PLC.Steps = append(c.PLC.Steps, StepSignalConfig{Step: 9}) },
			wantErr: "step 9 is not owned",
		},
		{
			name:    "camera without labels",
			mutate:  func(c *Config) { c.Cameras[0].BadLabels = nil },
			wantErr: "good_labels and bad_labels",
		},
		{
			name:    "result for unknown camera",
			mutate:  func(c *Config) { c.PLC.Results = map[string]ResultConfig{"cam7": {}} },
			wantErr: `unknown camera "cam7"`,
		},
		{
			name:    "managed detector without command",
			mutate:  func(c *Config) { c.Detector.Managed = true },
			wantErr: "detector.command",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("CELLCORE_DATABASE_PATH", "/custom/path.db")
	t.Setenv("CELLCORE_MQTT_HOST", "mqtt.example.com")
	t.Setenv("CELLCORE_MQTT_USERNAME", "testuser")
	t.Setenv("CELLCORE_MQTT_PASSWORD", "testpass")
	t.Setenv("CELLCORE_API_HOST", "192.168.1.1")
	t.Setenv("CELLCORE_API_KEY", "key-123")
	t.Setenv("CELLCORE_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("CELLCORE_PROGRAMS_FILE", "/etc/cell/programs.yaml")

	applyEnvOverrides(cfg)

	checks := []struct {
		field string
		got   string
		want  string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"API.APIKey", cfg.API.APIKey, "key-123"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"ProgramsFile", cfg.ProgramsFile, "/etc/cell/programs.yaml"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.PLC.SettleDelay != time.Second {
		t.Errorf("defaultConfig PLC.SettleDelay = %v, want 1s", cfg.PLC.SettleDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaultConfig Validate() error = %v", err)
	}
}

func TestIDs(t *testing.T) {
	cfg := validConfig()
	if got := strings.Join(cfg.ActuatorIDs(), ","); got != "dobot1,dobot2" {
		t.Errorf("ActuatorIDs() = %q", got)
	}
	if got := strings.Join(cfg.CameraIDs(), ","); got != "cam0" {
		t.Errorf("CameraIDs() = %q", got)
	}
}
