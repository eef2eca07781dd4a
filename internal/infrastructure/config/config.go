package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the cell core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site         SiteConfig       `yaml:"site"`
	Database     DatabaseConfig   `yaml:"database"`
	MQTT         MQTTConfig       `yaml:"mqtt"`
	API          APIConfig        `yaml:"api"`
	InfluxDB     InfluxDBConfig   `yaml:"influxdb"`
	Logging      LoggingConfig    `yaml:"logging"`
	Metrics      MetricsConfig    `yaml:"metrics"`
	Scheduler    SchedulerConfig  `yaml:"scheduler"`
	PLC          PLCConfig        `yaml:"plc"`
	Actuators    []ActuatorConfig `yaml:"actuators"`
	Cameras      []CameraConfig   `yaml:"cameras"`
	Detector     DetectorConfig   `yaml:"detector"`
	ProgramsFile string           `yaml:"programs_file"`
}

// SiteConfig identifies the cell.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// RetentionDays prunes history older than this many days. 0 keeps all.
	RetentionDays int `yaml:"retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	TopicRoot string              `yaml:"topic_root"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	APIKey    string           `yaml:"api_key"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket hub settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SchedulerConfig bounds the per-actuator step queues.
type SchedulerConfig struct {
	// MaxBacklog is the number of pending steps per actuator. 0 is unbounded.
	MaxBacklog int `yaml:"max_backlog"`
}

// PLCConfig contains the controller bridge settings.
type PLCConfig struct {
	// PollInterval is how often the trigger watcher inspects the bit cache.
	PollInterval time.Duration `yaml:"poll_interval"`

	// SettleDelay is waited between a start bit's rising edge and the trigger.
	SettleDelay time.Duration `yaml:"settle_delay"`

	// DonePulse is how long a step's done bit is held on.
	DonePulse time.Duration `yaml:"done_pulse"`

	EStopTag string             `yaml:"estop_tag"`
	Steps    []StepSignalConfig `yaml:"steps"`

	// Results maps a camera channel to its verdict writes.
	Results map[string]ResultConfig `yaml:"results"`

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	QueueSize     int           `yaml:"queue_size"`
}

// StepSignalConfig binds a step to its start and done bits.
type StepSignalConfig struct {
	Step  int    `yaml:"step"`
	Start string `yaml:"start"`
	Done  string `yaml:"done"`
}

// ResultConfig is the write sequence for one channel's verdicts.
type ResultConfig struct {
	Hold time.Duration `yaml:"hold"`
	Good VerdictConfig `yaml:"good"`
	Bad  VerdictConfig `yaml:"bad"`
}

// VerdictConfig lists the writes around a result tag pulse.
type VerdictConfig struct {
	Pre  []BitWriteConfig `yaml:"pre"`
	Tag  string           `yaml:"tag"`
	Post []BitWriteConfig `yaml:"post"`
}

// BitWriteConfig is a single bit write, optionally delayed.
type BitWriteConfig struct {
	Tag   string        `yaml:"tag"`
	Value bool          `yaml:"value"`
	Delay time.Duration `yaml:"delay"`
}

// ActuatorConfig describes one arm and the steps it owns.
type ActuatorConfig struct {
	ID       string `yaml:"id"`
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`

	// Home is x, y, z, r.
	Home              [4]float64 `yaml:"home"`
	JointVelocity     [4]float64 `yaml:"joint_velocity"`
	JointAcceleration [4]float64 `yaml:"joint_acceleration"`
	VelocityRatio     float64    `yaml:"velocity_ratio"`
	AccelerationRatio float64    `yaml:"acceleration_ratio"`

	QueuePoll       time.Duration `yaml:"queue_poll"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`

	// Steps lists the owned steps, highest priority first.
	Steps []int `yaml:"steps"`
}

// CameraConfig describes one inspection channel.
type CameraConfig struct {
	ID            string   `yaml:"id"`
	GoodLabels    []string `yaml:"good_labels"`
	BadLabels     []string `yaml:"bad_labels"`
	MinConfidence float64  `yaml:"min_confidence"`

	ROI ROIConfig `yaml:"roi"`

	IoUThreshold       float64 `yaml:"iou_threshold"`
	MaxMissing         int     `yaml:"max_missing"`
	MinRetainSamples   int     `yaml:"min_retain_samples"`
	MinFinalizeSamples int     `yaml:"min_finalize_samples"`
	MinDecisionSamples int     `yaml:"min_decision_samples"`
	GoodRatio          float64 `yaml:"good_ratio"`
}

// ROIConfig holds the region of interest as fractions of the frame.
type ROIConfig struct {
	Center float64 `yaml:"center"`
	Width  float64 `yaml:"width"`
	Height float64 `yaml:"height"`
}

// DetectorConfig contains settings for supervising the detector sidecar.
type DetectorConfig struct {
	// Managed indicates whether the core starts and restarts the detector.
	// If false, the detector is expected to run externally.
	Managed bool     `yaml:"managed"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	WorkDir string   `yaml:"work_dir"`

	RestartOnFailure   bool          `yaml:"restart_on_failure"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	MaxRestartAttempts int           `yaml:"max_restart_attempts"`

	// StaleAfter restarts the detector when no batch has arrived for this long.
	// Zero disables the watchdog.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern CELLCORE_SECTION_KEY,
// for example CELLCORE_DATABASE_PATH or CELLCORE_API_KEY.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyListDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "cell-001",
			Name:     "Inspection Cell",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/cellcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "cellcore",
			},
			QoS:       1,
			TopicRoot: "cell",
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     30,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  15,
				Write: 15,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 4096,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Scheduler: SchedulerConfig{
			MaxBacklog: 32,
		},
		PLC: PLCConfig{
			PollInterval:  200 * time.Millisecond,
			SettleDelay:   time.Second,
			DonePulse:     500 * time.Millisecond,
			RetryAttempts: 3,
			RetryBackoff:  200 * time.Millisecond,
			QueueSize:     16,
		},
		Detector: DetectorConfig{
			RestartOnFailure:   true,
			RestartDelay:       5 * time.Second,
			MaxRestartAttempts: 10,
		},
		ProgramsFile: "configs/programs.yaml",
	}
}

// applyListDefaults fills zero values in list entries, which YAML decoding
// cannot pre-populate.
func applyListDefaults(cfg *Config) {
	for i := range cfg.Cameras {
		if cfg.Cameras[i].MinConfidence == 0 {
			cfg.Cameras[i].MinConfidence = 0.85
		}
	}
	for i := range cfg.Actuators {
		if cfg.Actuators[i].QueuePoll == 0 {
			cfg.Actuators[i].QueuePoll = 100 * time.Millisecond
		}
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CELLCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("CELLCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CELLCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CELLCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("CELLCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("CELLCORE_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}

	if v := os.Getenv("CELLCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("CELLCORE_PROGRAMS_FILE"); v != "" {
		cfg.ProgramsFile = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Scheduler.MaxBacklog < 0 {
		errs = append(errs, "scheduler.max_backlog must not be negative")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}
	if c.ProgramsFile == "" {
		errs = append(errs, "programs_file is required")
	}
	if c.PLC.PollInterval <= 0 {
		errs = append(errs, "plc.poll_interval must be positive")
	}

	errs = append(errs, c.validateActuators()...)
	errs = append(errs, c.validateCameras()...)

	if c.Detector.Managed && c.Detector.Command == "" {
		errs = append(errs, "detector.command is required when detector.managed is true")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateActuators() []string {
	var errs []string
	ids := make(map[string]bool)
	owner := make(map[int]string)

	for i, a := range c.Actuators {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("actuators[%d].id is required", i))
			continue
		}
		if ids[a.ID] {
			errs = append(errs, fmt.Sprintf("actuators[%d].id %q is duplicated", i, a.ID))
		}
		ids[a.ID] = true

		if a.Port == "" {
			errs = append(errs, fmt.Sprintf("actuators[%d].port is required", i))
		}
		for _, step := range a.Steps {
			if prev, ok := owner[step]; ok {
				errs = append(errs, fmt.Sprintf("step %d is owned by both %q and %q", step, prev, a.ID))
				continue
			}
			owner[step] = a.ID
		}
	}

	for _, s := range c.PLC.Steps {
		if _, ok := owner[s.Step]; !ok {
			errs = append(errs, fmt.Sprintf("plc.steps: step %d is not owned by any actuator", s.Step))
		}
	}
	return errs
}

func (c *Config) validateCameras() []string {
	var errs []string
	ids := make(map[string]bool)

	for i, cam := range c.Cameras {
		if cam.ID == "" {
			errs = append(errs, fmt.Sprintf("cameras[%d].id is required", i))
			continue
		}
		if ids[cam.ID] {
			errs = append(errs, fmt.Sprintf("cameras[%d].id %q is duplicated", i, cam.ID))
		}
		ids[cam.ID] = true

		if len(cam.GoodLabels) == 0 || len(cam.BadLabels) == 0 {
			errs = append(errs, fmt.Sprintf("cameras[%d] needs good_labels and bad_labels", i))
		}
		if cam.MinConfidence < 0 || cam.MinConfidence > 1 {
			errs = append(errs, fmt.Sprintf("cameras[%d].min_confidence must be within [0, 1]", i))
		}
	}

	for channel := range c.PLC.Results {
		if !ids[channel] {
			errs = append(errs, fmt.Sprintf("plc.results: unknown camera %q", channel))
		}
	}
	return errs
}

// CameraIDs returns the configured camera ids in file order.
func (c *Config) CameraIDs() []string {
	ids := make([]string, 0, len(c.Cameras))
	for _, cam := range c.Cameras {
		ids = append(ids, cam.ID)
	}
	return ids
}

// ActuatorIDs returns the configured actuator ids in file order.
func (c *Config) ActuatorIDs() []string {
	ids := make([]string, 0, len(c.Actuators))
	for _, a := range c.Actuators {
		ids = append(ids, a.ID)
	}
	return ids
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
