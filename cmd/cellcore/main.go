// Cell Core - production cell orchestration
//
// This is the main entry point for the cell core. It connects the PLC
// gateway, the detector feed and the robot arms, and runs:
//   - one tracker and detection gate per camera channel
//   - one step scheduler per arm, dispatching PLC-triggered step programs
//   - the HTTP API, Prometheus metrics and the inspection history store
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/cellcore/internal/api"
	"github.com/nerrad567/cellcore/internal/dobot"
	"github.com/nerrad567/cellcore/internal/history"
	"github.com/nerrad567/cellcore/internal/infrastructure/config"
	"github.com/nerrad567/cellcore/internal/infrastructure/database"
	"github.com/nerrad567/cellcore/internal/infrastructure/influxdb"
	"github.com/nerrad567/cellcore/internal/infrastructure/logging"
	"github.com/nerrad567/cellcore/internal/infrastructure/metrics"
	"github.com/nerrad567/cellcore/internal/infrastructure/mqtt"
	"github.com/nerrad567/cellcore/internal/orchestrator"
	"github.com/nerrad567/cellcore/internal/plc"
	"github.com/nerrad567/cellcore/internal/process"
	"github.com/nerrad567/cellcore/internal/sequence"
	"github.com/nerrad567/cellcore/internal/tracker"
	"github.com/nerrad567/cellcore/internal/vision"
	"github.com/nerrad567/cellcore/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// historyBuffer is the number of history records queued for SQLite.
const historyBuffer = 1024

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // top-level wiring
	log := logging.Default()
	log.Info("starting cell core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, cfg.Site.ID, version)
	log.Info("configuration loaded", "path", configPath, "site", cfg.Site.ID)

	programs, err := sequence.LoadFile(cfg.ProgramsFile)
	if err != nil {
		return fmt.Errorf("loading step programs: %w", err)
	}
	if err := programs.Validate(cfg.ActuatorIDs(), cfg.CameraIDs()); err != nil {
		return fmt.Errorf("validating step programs: %w", err)
	}
	log.Info("step programs loaded", "path", cfg.ProgramsFile, "steps", programs.Steps())

	// History store
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: time.Duration(cfg.Database.BusyTimeout) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx, migrations.Source()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	historyRepo := history.NewSQLiteRepository(db.DB)
	recorder := history.NewRecorder(historyRepo, historyBuffer, log.Component("history"))
	retention := &history.Retention{
		Repo:    historyRepo,
		Keep:    time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour,
		Logger:  log.Component("history"),
		Compact: db.Checkpoint,
	}

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	prom := metrics.NewManager(metrics.WithRuntimeCollectors())

	// Controller bridge
	topics := mqttClient.Topics()
	qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated to 0..2
	plcLog := log.Component("plc")
	writer := plc.NewWriter(mqttClient, plc.WriterConfig{
		Topics:   topics,
		QoS:      qos,
		Attempts: cfg.PLC.RetryAttempts,
		Backoff:  cfg.PLC.RetryBackoff,
		Source:   cfg.MQTT.Broker.ClientID,
	}, plcLog)
	sink, err := plc.NewResultSink(writer, resultChannels(cfg.PLC.Results), cfg.PLC.QueueSize, plcLog)
	if err != nil {
		return fmt.Errorf("creating result sink: %w", err)
	}
	sink.SetObserver(func(channel string, _ bool, err error) {
		prom.ResultWritten(channel, err)
	})

	// Detector feed and arms
	feed := vision.NewFeed(mqttClient, topics, qos, log.Component("vision"))
	pool := dobot.NewPool(dobotLinks(cfg.Actuators, log.Component("dobot"))...)

	orch, err := orchestrator.New(orchestratorConfig(cfg), orchestrator.Deps{
		Programs: programs,
		Arms:     orchestrator.Arms[*dobot.Session](pool),
		PLC:      writer,
		Sink:     sink,
		Slots:    feed,
		Logger:   log.Component("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("creating orchestrator: %w", err)
	}

	watcher, err := plc.NewWatcher(mqttClient, writer, orch, plc.WatcherConfig{
		Topics:       topics,
		QoS:          qos,
		EStopTag:     cfg.PLC.EStopTag,
		Signals:      stepSignals(cfg.PLC.Steps),
		PollInterval: cfg.PLC.PollInterval,
		SettleDelay:  cfg.PLC.SettleDelay,
		DonePulse:    cfg.PLC.DonePulse,
	}, plcLog)
	if err != nil {
		return fmt.Errorf("creating trigger watcher: %w", err)
	}

	checks := map[string]api.HealthCheck{
		"database": db.HealthCheck,
		"mqtt":     mqttClient.HealthCheck,
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient.HealthCheck
	}
	apiServer, err := api.New(api.Deps{
		Config:     cfg.API,
		Metrics:    cfg.Metrics,
		Logger:     log.Component("api"),
		Cell:       orch,
		History:    historyRepo,
		Prometheus: prom,
		Checks:     checks,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	orch.AddObserver(orchestrator.Metrics(prom))
	orch.AddObserver(orchestrator.History(recorder))
	if influxClient != nil {
		orch.AddObserver(orchestrator.Influx(influxClient))
	}
	orch.AddObserver(orchestrator.StepCompletion(watcher.StepCompleted))
	orch.AddObserver(apiServer.Hub())

	if err := registerGauges(prom, db, recorder, sink, feed); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if err := registerBusCounters(prom, mqttClient); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if err := registerHubMetrics(prom, apiServer.Hub()); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	if influxClient != nil {
		if err := prom.RegisterCounterFunc("influxdb", "write_errors_total",
			"Telemetry batches rejected by InfluxDB.", nil,
			func() float64 { return float64(influxClient.WriteErrors()) }); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
	}

	if err := feed.Start(); err != nil {
		return fmt.Errorf("subscribing to detections: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("subscribing to PLC state: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(gctx) })
	g.Go(func() error { return sink.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return recorder.Run(gctx) })
	g.Go(func() error { return retention.Run(gctx) })
	g.Go(func() error { return apiServer.Run(gctx) })

	if cfg.Detector.Managed {
		detector := process.NewManager(detectorConfig(cfg.Detector, feed.LastSeen))
		detector.SetLogger(log.Component("detector"))
		g.Go(func() error { return detector.Run(gctx) })
	}

	log.Info("initialisation complete",
		"actuators", cfg.ActuatorIDs(),
		"cameras", cfg.CameraIDs(),
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	err = g.Wait()
	log.Info("cell core stopped")
	return err
}

// getConfigPath returns the configuration file path.
// Uses CELLCORE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("CELLCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// orchestratorConfig builds the cell layout from the camera and actuator
// sections.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.Config{
		Priorities: make(map[string][]int, len(cfg.Actuators)),
		MaxBacklog: cfg.Scheduler.MaxBacklog,
	}
	for _, a := range cfg.Actuators {
		oc.Priorities[a.ID] = append([]int(nil), a.Steps...)
	}
	for _, cam := range cfg.Cameras {
		oc.Channels = append(oc.Channels, orchestrator.ChannelConfig{
			ID:            cam.ID,
			MinConfidence: cam.MinConfidence,
			Tracker: tracker.Config{
				GoodLabels:         cam.GoodLabels,
				BadLabels:          cam.BadLabels,
				ROICenterRatio:     cam.ROI.Center,
				ROIWidthRatio:      cam.ROI.Width,
				ROIHeightRatio:     cam.ROI.Height,
				IoUThreshold:       cam.IoUThreshold,
				MaxMissing:         cam.MaxMissing,
				MinRetainSamples:   cam.MinRetainSamples,
				MinFinalizeSamples: cam.MinFinalizeSamples,
				MinDecisionSamples: cam.MinDecisionSamples,
				GoodRatio:          cam.GoodRatio,
			},
		})
	}
	return oc
}

// resultChannels converts the per-channel verdict writes.
func resultChannels(in map[string]config.ResultConfig) map[string]plc.ChannelResult {
	out := make(map[string]plc.ChannelResult, len(in))
	for ch, rc := range in {
		out[ch] = plc.ChannelResult{
			Hold: rc.Hold,
			Good: verdictSequence(rc.Good),
			Bad:  verdictSequence(rc.Bad),
		}
	}
	return out
}

func verdictSequence(vc config.VerdictConfig) plc.VerdictSequence {
	return plc.VerdictSequence{
		Pre:  bitWrites(vc.Pre),
		Tag:  vc.Tag,
		Post: bitWrites(vc.Post),
	}
}

func bitWrites(in []config.BitWriteConfig) []plc.ResultWrite {
	if len(in) == 0 {
		return nil
	}
	out := make([]plc.ResultWrite, len(in))
	for i, w := range in {
		out[i] = plc.ResultWrite{Tag: w.Tag, Value: w.Value, Delay: w.Delay}
	}
	return out
}

func stepSignals(in []config.StepSignalConfig) []plc.StepSignal {
	out := make([]plc.StepSignal, len(in))
	for i, s := range in {
		out[i] = plc.StepSignal{Step: s.Step, Start: s.Start, Done: s.Done}
	}
	return out
}

// dobotLinks creates one serial link per configured arm.
func dobotLinks(actuators []config.ActuatorConfig, log *logging.Logger) []*dobot.Link {
	links := make([]*dobot.Link, 0, len(actuators))
	for _, a := range actuators {
		links = append(links, dobot.NewLink(dobot.Config{
			ID:   a.ID,
			Port: a.Port,
			Serial: dobot.PortOptions{
				BaudRate: a.BaudRate,
				DataBits: a.DataBits,
				StopBits: a.StopBits,
				Parity:   a.Parity,
			},
			Home:              dobot.Pose{X: a.Home[0], Y: a.Home[1], Z: a.Home[2], R: a.Home[3]},
			JointVelocity:     a.JointVelocity,
			JointAcceleration: a.JointAcceleration,
			VelocityRatio:     a.VelocityRatio,
			AccelerationRatio: a.AccelerationRatio,
			QueuePoll:         a.QueuePoll,
			ResponseTimeout:   a.ResponseTimeout,
		}, dobot.OpenSerial, log.With("actuator", a.ID)))
	}
	return links
}

// detectorConfig supervises the detector sidecar, restarting it when no
// batch has arrived within StaleAfter.
func detectorConfig(dc config.DetectorConfig, lastSeen func() time.Time) process.Config {
	pc := process.DefaultConfig("detector", dc.Command, dc.Args)
	pc.WorkDir = dc.WorkDir
	pc.RestartOnFailure = dc.RestartOnFailure
	if dc.RestartDelay > 0 {
		pc.RestartDelay = dc.RestartDelay
	}
	if dc.MaxRestartAttempts > 0 {
		pc.MaxRestartAttempts = dc.MaxRestartAttempts
	}
	pc.StaleAfter = dc.StaleAfter
	pc.LastActivity = lastSeen
	return pc
}

// registerGauges exposes queue and drop counters read at scrape time.
func registerGauges(prom *metrics.Manager, db *database.DB, rec *history.Recorder, sink *plc.ResultSink, feed *vision.Feed) error {
	if err := prom.RegisterGaugeFunc("database", "size_bytes",
		"Bytes on disk of the history database and its write-ahead log.", nil,
		func() float64 { return float64(db.Size()) }); err != nil {
		return err
	}
	if err := prom.RegisterCounterFunc("history", "dropped_total",
		"History records dropped because the queue was full.", nil,
		func() float64 { return float64(rec.Dropped()) }); err != nil {
		return err
	}
	if err := prom.RegisterCounterFunc("history", "failed_total",
		"History records rejected by the database.", nil,
		func() float64 { return float64(rec.Failed()) }); err != nil {
		return err
	}
	if err := prom.RegisterGaugeFunc("plc", "result_queue",
		"Verdict sequences waiting to be written.", nil,
		func() float64 { return float64(sink.Pending()) }); err != nil {
		return err
	}
	return prom.RegisterCounterFunc("vision", "rejected_total",
		"Detection messages that could not be decoded.", nil,
		func() float64 { return float64(feed.Rejected()) })
}

func registerBusCounters(prom *metrics.Manager, c *mqtt.Client) error {
	counters := []struct {
		name, help string
		value      func(mqtt.Stats) uint64
	}{
		{"messages_total", "Messages delivered to subscription handlers.", func(s mqtt.Stats) uint64 { return s.Delivered }},
		{"handler_errors_total", "Messages whose handler failed or panicked.", func(s mqtt.Stats) uint64 { return s.HandlerErrors }},
		{"reconnects_total", "Broker sessions re-established after a drop.", func(s mqtt.Stats) uint64 { return s.Reconnects }},
	}
	for _, ctr := range counters {
		value := ctr.value
		if err := prom.RegisterCounterFunc("mqtt", ctr.name, ctr.help, nil,
			func() float64 { return float64(value(c.Stats())) }); err != nil {
			return err
		}
	}
	return nil
}

func registerHubMetrics(prom *metrics.Manager, hub *api.Hub) error {
	if err := prom.RegisterGaugeFunc("websocket", "clients",
		"Connected event socket clients.", nil,
		func() float64 { return float64(hub.ClientCount()) }); err != nil {
		return err
	}
	return prom.RegisterCounterFunc("websocket", "dropped_total",
		"Events not delivered because a client fell behind.", nil,
		func() float64 { return float64(hub.Dropped()) })
}
