package orchestrator

import (
	"time"

	"github.com/nerrad567/cellcore/internal/history"
	"github.com/nerrad567/cellcore/internal/infrastructure/influxdb"
	"github.com/nerrad567/cellcore/internal/infrastructure/metrics"
	"github.com/nerrad567/cellcore/internal/tracker"
)

// Metrics returns an observer that updates the Prometheus collectors.
func Metrics(m *metrics.Manager) Observer {
	return metricsObserver{m: m}
}

type metricsObserver struct {
	NopObserver
	m *metrics.Manager
}

func (o metricsObserver) Triggered(step int, err error) { o.m.Trigger(step, err == nil) }

func (o metricsObserver) StepStarted(resource string, _ int) { o.m.StepStarted(resource) }

func (o metricsObserver) StepFinished(resource string, step int, d time.Duration, err error) {
	o.m.StepFinished(resource, step, d, err)
}

func (o metricsObserver) BacklogChanged(resource string, depth int) { o.m.SetBacklog(resource, depth) }

func (o metricsObserver) EmergencyStopped(error) { o.m.EmergencyStop() }

func (o metricsObserver) Armed(channel string, armed bool) { o.m.ArmRequested(channel, armed) }

func (o metricsObserver) Finalized(channel string, ev tracker.FinalizeEvent, _ bool) {
	o.m.Finalized(channel, ev.IsDefective)
}

func (o metricsObserver) GateResult(channel string, isGood bool) { o.m.GateResult(channel, isGood) }

// History returns an observer that queues inspections and finished steps
// on the history recorder.
func History(r *history.Recorder) Observer {
	return historyObserver{r: r, now: time.Now}
}

type historyObserver struct {
	NopObserver
	r   *history.Recorder
	now func() time.Time
}

func (o historyObserver) Finalized(channel string, ev tracker.FinalizeEvent, gated bool) {
	o.r.Inspection(history.Inspection{
		Channel:       channel,
		ObjectID:      ev.ObjectID,
		IsDefective:   ev.IsDefective,
		ConfidenceAvg: ev.ConfidenceAvg,
		FrameCount:    ev.FrameCount,
		Labels:        ev.Labels,
		Gated:         gated,
		CreatedAt:     ev.Timestamp,
	})
}

func (o historyObserver) StepFinished(resource string, step int, d time.Duration, err error) {
	end := o.now().UTC()
	rec := history.StepExecution{
		Resource:    resource,
		Step:        step,
		StartedAt:   end.Add(-d),
		CompletedAt: end,
		Duration:    d,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	o.r.Step(rec)
}

// Influx returns an observer that writes telemetry points.
func Influx(c *influxdb.Client) Observer {
	return influxObserver{c: c}
}

type influxObserver struct {
	NopObserver
	c *influxdb.Client
}

func (o influxObserver) Finalized(channel string, ev tracker.FinalizeEvent, gated bool) {
	o.c.WriteInspection(influxdb.Inspection{
		Channel:       channel,
		ObjectID:      ev.ObjectID,
		IsDefective:   ev.IsDefective,
		ConfidenceAvg: ev.ConfidenceAvg,
		FrameCount:    ev.FrameCount,
		Gated:         gated,
		Timestamp:     ev.Timestamp,
	})
}

func (o influxObserver) GateResult(channel string, isGood bool) { o.c.WriteGateResult(channel, isGood) }

func (o influxObserver) StepFinished(resource string, step int, d time.Duration, err error) {
	o.c.WriteStep(resource, step, d, err)
}

func (o influxObserver) BacklogChanged(resource string, depth int) { o.c.WriteBacklog(resource, depth) }

// StepCompletion returns an observer that calls fn when a step body
// returns. The PLC watcher uses it to pulse the step's done bit.
func StepCompletion(fn func(step int, err error)) Observer {
	return completionObserver{fn: fn}
}

type completionObserver struct {
	NopObserver
	fn func(step int, err error)
}

func (o completionObserver) StepFinished(_ string, step int, _ time.Duration, err error) {
	o.fn(step, err)
}
