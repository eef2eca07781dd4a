package plc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/cellcore/internal/infrastructure/mqtt"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 200 * time.Millisecond
)

// Errors returned by the controller bridge.
var (
	ErrWriteFailed    = errors.New("plc: bit write failed")
	ErrInvalidState   = errors.New("plc: invalid bit state payload")
	ErrInvalidConfig  = errors.New("plc: invalid configuration")
	ErrUnknownChannel = errors.New("plc: unknown result channel")
	ErrQueueFull      = errors.New("plc: result queue full")
)

// MQTTClient is the subset of the MQTT client the bridge needs.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// BitWriter writes one controller bit.
type BitWriter interface {
	WriteBit(ctx context.Context, tag string, value bool) error
}

// Logger defines the logging interface used by the bridge.
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

// WriterConfig configures a Writer.
type WriterConfig struct {
	Topics mqtt.Topics
	QoS    byte

	// Attempts is the number of publishes tried per write.
	Attempts int

	// Backoff is the wait before the first retry; it doubles per retry.
	Backoff time.Duration

	Source string
}

// Writer publishes bit writes to the controller gateway.
type Writer struct {
	client MQTTClient
	cfg    WriterConfig
	logger Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewWriter creates a Writer. A nil logger discards output.
func NewWriter(client MQTTClient, cfg WriterConfig, logger Logger) *Writer {
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Writer{client: client, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// WriteBit publishes tag=value, retrying failed publishes with exponential
// backoff until the attempts are exhausted or ctx is done.
func (w *Writer) WriteBit(ctx context.Context, tag string, value bool) error {
	cmd := BitCommand{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Tag:       tag,
		Value:     value,
		Source:    w.cfg.Source,
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrWriteFailed, tag, err)
	}
	topic := w.cfg.Topics.PLCCommand(tag)

	backoff := w.cfg.Backoff
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := w.client.Publish(topic, payload, w.cfg.QoS, false)
		if err == nil {
			w.logger.Debug("bit written", "tag", tag, "value", value, "attempt", attempt)
			return nil
		}
		if attempt >= w.cfg.Attempts {
			return fmt.Errorf("%w: %s=%t after %d attempts: %w", ErrWriteFailed, tag, value, attempt, err)
		}

		w.logger.Warn("bit write failed, retrying",
			"tag", tag,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := w.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
