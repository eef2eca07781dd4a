package history

import (
	"context"
	"sync/atomic"
	"time"
)

// Logger defines the logging interface used by the history package.
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

// writeTimeout bounds a single insert.
const writeTimeout = 5 * time.Second

type record struct {
	inspection *Inspection
	step       *StepExecution
}

// Recorder queues history writes for a background worker so the vision and
// step paths never wait on SQLite. When the queue is full the record is
// dropped and counted.
type Recorder struct {
	repo   Repository
	queue  chan record
	logger Logger

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewRecorder creates a recorder with a queue of size buffer.
func NewRecorder(repo Repository, buffer int, logger Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		repo:   repo,
		queue:  make(chan record, buffer),
		logger: logger,
	}
}

// Inspection queues an inspection record.
func (r *Recorder) Inspection(in Inspection) {
	r.enqueue(record{inspection: &in})
}

// Step queues a step execution record.
func (r *Recorder) Step(s StepExecution) {
	r.enqueue(record{step: &s})
}

func (r *Recorder) enqueue(rec record) {
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("history queue full, record dropped")
	}
}

// Run writes queued records until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-ctx.Done():
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(rec record) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch {
	case rec.inspection != nil:
		err = r.repo.RecordInspection(ctx, rec.inspection)
	case rec.step != nil:
		err = r.repo.RecordStep(ctx, rec.step)
	}
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("writing history record failed", "error", err)
	}
}

// Dropped returns the number of records discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Failed returns the number of records the repository rejected.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }
