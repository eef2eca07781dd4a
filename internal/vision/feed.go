package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/cellcore/internal/infrastructure/mqtt"
	"github.com/nerrad567/cellcore/internal/tracker"
)

// Errors returned by the vision package.
var (
	ErrInvalidBatch  = errors.New("vision: invalid detection batch")
	ErrUnknownCamera = errors.New("vision: unknown camera")
	ErrInvalidConfig = errors.New("vision: invalid configuration")
)

// Batch is one frame's worth of detections published by the detector.
// Topic: {root}/vision/{camera}/detections
type Batch struct {
	Camera      string              `json:"camera"`
	FrameWidth  int                 `json:"frame_width"`
	FrameHeight int                 `json:"frame_height"`
	Timestamp   time.Time           `json:"timestamp"`
	Detections  []tracker.Detection `json:"detections"`
}

// MQTTClient is the subset of the MQTT client the feed needs.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Logger defines the logging interface used by the vision package.
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

// Feed receives detection batches from the broker and routes each one to
// its camera's slot.
type Feed struct {
	client MQTTClient
	topics mqtt.Topics
	qos    byte
	logger Logger

	mu    sync.RWMutex
	slots map[string]*Slot[Batch]

	lastSeen atomic.Int64 // unix nanos of the last accepted batch
	rejected atomic.Uint64
}

// NewFeed creates a feed. A nil logger discards output.
func NewFeed(client MQTTClient, topics mqtt.Topics, qos byte, logger Logger) *Feed {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Feed{
		client: client,
		topics: topics,
		qos:    qos,
		logger: logger,
		slots:  make(map[string]*Slot[Batch]),
	}
}

// Register returns the slot batches for camera are delivered to, creating
// it on first use.
func (f *Feed) Register(camera string) *Slot[Batch] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.slots[camera]; ok {
		return s
	}
	s := NewSlot[Batch]()
	f.slots[camera] = s
	return s
}

// Start subscribes to every camera's detection topic.
func (f *Feed) Start() error {
	if err := f.client.Subscribe(f.topics.AllVisionDetections(), f.qos, f.handle); err != nil {
		return fmt.Errorf("subscribing to detections: %w", err)
	}
	return nil
}

func (f *Feed) handle(topic string, payload []byte) error {
	camera, err := f.cameraFromTopic(topic)
	if err != nil {
		f.rejected.Add(1)
		return err
	}

	var b Batch
	if err := json.Unmarshal(payload, &b); err != nil {
		f.rejected.Add(1)
		return fmt.Errorf("%w: %s: %w", ErrInvalidBatch, camera, err)
	}
	b.Camera = camera

	return f.Publish(b)
}

// Publish hands a batch to its camera's slot. It is the entry point used
// by the MQTT handler and by in-process detectors.
func (f *Feed) Publish(b Batch) error {
	f.mu.RLock()
	slot, ok := f.slots[b.Camera]
	f.mu.RUnlock()
	if !ok {
		f.rejected.Add(1)
		return fmt.Errorf("%w: %q", ErrUnknownCamera, b.Camera)
	}

	if b.Timestamp.IsZero() {
		b.Timestamp = time.Now().UTC()
	}
	f.lastSeen.Store(time.Now().UnixNano())

	if slot.Put(b) {
		f.logger.Debug("detection batch dropped", "camera", b.Camera)
	}
	return nil
}

func (f *Feed) cameraFromTopic(topic string) (string, error) {
	// {root}/vision/{camera}/detections
	prefix := f.topics.VisionDetections("")
	head, tail, ok := strings.Cut(prefix, "//")
	if !ok {
		return "", fmt.Errorf("%w: topic %s", ErrInvalidBatch, topic)
	}
	camera, ok := strings.CutPrefix(topic, head+"/")
	if ok {
		camera, ok = strings.CutSuffix(camera, "/"+tail)
	}
	if !ok || camera == "" || strings.Contains(camera, "/") {
		return "", fmt.Errorf("%w: topic %s", ErrInvalidBatch, topic)
	}
	return camera, nil
}

// LastSeen returns when the last batch was accepted, or the zero time.
func (f *Feed) LastSeen() time.Time {
	n := f.lastSeen.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Rejected returns the number of batches that could not be routed.
func (f *Feed) Rejected() uint64 {
	return f.rejected.Load()
}
