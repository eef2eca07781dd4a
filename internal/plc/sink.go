package plc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultQueueSize = 16

// ResultWrite is one bit write of a verdict sequence. Delay is waited
// before the write.
type ResultWrite struct {
	Tag   string
	Value bool
	Delay time.Duration
}

// VerdictSequence is the controller handshake for one verdict: the Pre
// writes, Tag set, hold, Tag cleared, then the Post writes.
type VerdictSequence struct {
	Pre  []ResultWrite
	Tag  string
	Post []ResultWrite
}

// ChannelResult configures the verdict sequences of one camera channel.
type ChannelResult struct {
	Hold time.Duration
	Good VerdictSequence
	Bad  VerdictSequence
}

// DeliveryFunc observes each completed verdict sequence.
type DeliveryFunc func(channel string, isGood bool, err error)

type verdict struct {
	channel string
	isGood  bool
	queued  time.Time
}

// ResultSink delivers gated inspection verdicts to the controller.
//
// Deliver only enqueues, so the gate callback returns immediately. Run
// executes the queued sequences one at a time.
type ResultSink struct {
	writer   BitWriter
	channels map[string]ChannelResult
	queue    chan verdict
	logger   Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.RWMutex
	observer DeliveryFunc
}

// NewResultSink creates a sink for the given channels.
func NewResultSink(writer BitWriter, channels map[string]ChannelResult, queueSize int, logger Logger) (*ResultSink, error) {
	for id, ch := range channels {
		if ch.Good.Tag == "" || ch.Bad.Tag == "" {
			return nil, fmt.Errorf("%w: channel %s needs good and bad result tags", ErrInvalidConfig, id)
		}
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &ResultSink{
		writer:   writer,
		channels: channels,
		queue:    make(chan verdict, queueSize),
		logger:   logger,
		sleep:    sleepCtx,
	}, nil
}

// SetObserver registers fn to be called after every sequence.
func (s *ResultSink) SetObserver(fn DeliveryFunc) {
	s.mu.Lock()
	s.observer = fn
	s.mu.Unlock()
}

// Deliver queues a verdict for channel. It never blocks.
func (s *ResultSink) Deliver(channel string, isGood bool) error {
	if _, ok := s.channels[channel]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
	select {
	case s.queue <- verdict{channel: channel, isGood: isGood, queued: time.Now()}:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s verdict", ErrQueueFull, channel)
	}
}

// Pending returns the number of queued verdicts.
func (s *ResultSink) Pending() int {
	return len(s.queue)
}

// Run executes queued verdict sequences until ctx is done.
func (s *ResultSink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(s.queue); n > 0 {
				s.logger.Warn("result sink stopped with pending verdicts", "pending", n)
			}
			return nil
		case v := <-s.queue:
			err := s.apply(ctx, v)
			if err != nil {
				s.logger.Error("verdict delivery failed",
					"channel", v.channel,
					"good", v.isGood,
					"error", err,
				)
			} else {
				s.logger.Info("verdict delivered",
					"channel", v.channel,
					"good", v.isGood,
					"latency", time.Since(v.queued),
				)
			}

			s.mu.RLock()
			fn := s.observer
			s.mu.RUnlock()
			if fn != nil {
				fn(v.channel, v.isGood, err)
			}
		}
	}
}

// apply runs one verdict sequence. Once the result tag has been set it is
// always cleared again, even when ctx ends during the hold.
func (s *ResultSink) apply(ctx context.Context, v verdict) error {
	ch := s.channels[v.channel]
	seq := ch.Bad
	if v.isGood {
		seq = ch.Good
	}

	if err := s.writeAll(ctx, seq.Pre); err != nil {
		return fmt.Errorf("pre writes: %w", err)
	}

	if err := s.writer.WriteBit(ctx, seq.Tag, true); err != nil {
		return fmt.Errorf("setting %s: %w", seq.Tag, err)
	}
	holdErr := s.sleep(ctx, ch.Hold)
	if err := s.writer.WriteBit(context.WithoutCancel(ctx), seq.Tag, false); err != nil {
		return errors.Join(holdErr, fmt.Errorf("clearing %s: %w", seq.Tag, err))
	}
	if holdErr != nil {
		return holdErr
	}

	if err := s.writeAll(ctx, seq.Post); err != nil {
		return fmt.Errorf("post writes: %w", err)
	}
	return nil
}

func (s *ResultSink) writeAll(ctx context.Context, writes []ResultWrite) error {
	for _, w := range writes {
		if err := s.sleep(ctx, w.Delay); err != nil {
			return err
		}
		if err := s.writer.WriteBit(ctx, w.Tag, w.Value); err != nil {
			return fmt.Errorf("%s=%t: %w", w.Tag, w.Value, err)
		}
	}
	return nil
}
