package tracker

import (
	"fmt"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Tracker.
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

// Detection is one detector output for a single frame.
type Detection struct {
	Box        Box     `json:"box"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Sample is a (label, confidence) pair collected while an object is tracked.
type Sample struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Decision is the quality verdict for a finalized object.
type Decision struct {
	IsGood        bool    `json:"is_good"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Object is a tracked physical part.
type Object struct {
	ID          int       `json:"id"`
	Box         Box       `json:"box"`
	Samples     []Sample  `json:"samples,omitempty"`
	SampleCount int       `json:"sample_count"`
	Missing     int       `json:"missing"`
	InROI       bool      `json:"in_roi"`
	Finalized   bool      `json:"finalized"`
	Decision    *Decision `json:"decision,omitempty"`
}

// clone returns a deep copy safe to hand to other goroutines.
func (o *Object) clone() Object {
	c := *o
	c.Samples = append([]Sample(nil), o.Samples...)
	if o.Decision != nil {
		d := *o.Decision
		c.Decision = &d
	}
	return c
}

// FinalizeEvent is emitted exactly once per finalized object.
type FinalizeEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	ObjectID      int       `json:"object_id"`
	IsDefective   bool      `json:"is_defective"`
	ConfidenceAvg float64   `json:"confidence_avg"`
	FrameCount    int       `json:"frame_count"`
	// Labels lists the distinct labels observed for the object, in the order
	// they were first seen.
	Labels []string `json:"labels"`
}

// Subscriber receives finalize events.
type Subscriber interface {
	OnFinalize(FinalizeEvent) error
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(FinalizeEvent) error

// OnFinalize calls f(ev).
func (f SubscriberFunc) OnFinalize(ev FinalizeEvent) error {
	return f(ev)
}

// Tracker associates detections across frames and finalizes objects.
type Tracker struct {
	cfg  Config
	good map[string]struct{}
	now  func() time.Time

	mu      sync.RWMutex
	objects []*Object // ascending id, which is also first-seen order
	nextID  int
	roi     *Rect
	frameW  int
	frameH  int

	subMu       sync.RWMutex
	subscribers []Subscriber

	logger Logger
}

// New creates a Tracker for one camera channel.
//
// Zero-valued numeric fields in cfg are replaced with their defaults before
// validation.
func New(cfg Config) (*Tracker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	good := make(map[string]struct{}, len(cfg.GoodLabels))
	for _, l := range cfg.GoodLabels {
		good[l] = struct{}{}
	}

	return &Tracker{
		cfg:    cfg,
		good:   good,
		now:    time.Now,
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger for the tracker.
func (t *Tracker) SetLogger(logger Logger) {
	if logger != nil {
		t.logger = logger
	}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config {
	return t.cfg
}

// Subscribe registers a subscriber. Subscribers are notified in
// registration order.
func (t *Tracker) Subscribe(sub Subscriber) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subscribers = append(t.subscribers, sub)
}

// Update processes one frame worth of detections.
//
// It returns the finalize events produced by this frame (already delivered
// to subscribers) or ErrFrameNotReady when the frame size is not known yet,
// in which case no state is touched.
func (t *Tracker) Update(detections []Detection, frameWidth, frameHeight int) ([]FinalizeEvent, error) {
	if frameWidth <= 0 || frameHeight <= 0 {
		return nil, ErrFrameNotReady
	}

	events := t.step(detections, frameWidth, frameHeight)
	for _, ev := range events {
		t.notify(ev)
	}
	return events, nil
}

// step runs one tracking cycle under the registry lock.
func (t *Tracker) step(detections []Detection, w, h int) []FinalizeEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.frameW, t.frameH = w, h
	if t.roi == nil {
		r := regionOfInterest(w, h, t.cfg.ROICenterRatio, t.cfg.ROIWidthRatio, t.cfg.ROIHeightRatio)
		t.roi = &r
		t.logger.Debug("roi initialised", "x1", r.X1, "y1", r.Y1, "x2", r.X2, "y2", r.Y2)
	}

	for _, obj := range t.objects {
		obj.Missing++
	}

	matched := make(map[int]bool, len(detections))
	for _, det := range detections {
		obj := t.bestMatch(det.Box)
		if obj == nil {
			obj = &Object{ID: t.nextID, Box: det.Box}
			t.nextID++
			t.objects = append(t.objects, obj)
			t.addSample(obj, det)
			matched[obj.ID] = true
			continue
		}

		obj.Missing = 0
		obj.Box = det.Box
		if !obj.Finalized {
			t.addSample(obj, det)
		}
		matched[obj.ID] = true
	}

	var events []FinalizeEvent
	kept := t.objects[:0]
	for _, obj := range t.objects {
		if t.evict(obj, matched[obj.ID]) {
			continue
		}
		if !obj.Finalized && obj.InROI && obj.SampleCount >= t.cfg.MinFinalizeSamples {
			if ev, ok := t.finalize(obj); ok {
				events = append(events, ev)
			}
		}
		kept = append(kept, obj)
	}
	clear(t.objects[len(kept):])
	t.objects = kept

	return events
}

// bestMatch returns the object with the strictly greatest IoU above the
// threshold. On ties the first-seen object wins.
func (t *Tracker) bestMatch(b Box) *Object {
	var best *Object
	bestIoU := t.cfg.IoUThreshold
	for _, obj := range t.objects {
		if iou := IoU(obj.Box, b); iou > bestIoU {
			best = obj
			bestIoU = iou
		}
	}
	return best
}

func (t *Tracker) addSample(obj *Object, det Detection) {
	obj.Samples = append(obj.Samples, Sample{Label: det.Label, Confidence: det.Confidence})
	obj.SampleCount++
	obj.InROI = t.roi.containsCenterX(obj.Box)
}

// evict reports whether the object should be removed this cycle.
// Rules are applied in precedence order.
func (t *Tracker) evict(obj *Object, matched bool) bool {
	switch {
	case obj.Finalized && outsideFrame(obj.Box, t.frameW, t.frameH):
		t.logger.Debug("object left frame", "object_id", obj.ID)
		return true
	case obj.Missing > t.cfg.MaxMissing:
		t.logger.Debug("object stale", "object_id", obj.ID, "missing", obj.Missing)
		return true
	case !obj.Finalized && !matched && obj.SampleCount < t.cfg.MinRetainSamples:
		return true
	}
	return false
}

// finalize decides and marks the object. It returns false (leaving the object
// untouched) when it is already finalized or the decision is deferred.
func (t *Tracker) finalize(obj *Object) (FinalizeEvent, bool) {
	if obj.Finalized {
		return FinalizeEvent{}, false
	}

	d, ok := decide(obj.Samples, t.good, t.cfg.MinDecisionSamples, t.cfg.GoodRatio)
	if !ok {
		return FinalizeEvent{}, false
	}

	obj.Finalized = true
	obj.Decision = &d

	t.logger.Info("object finalized",
		"object_id", obj.ID,
		"is_good", d.IsGood,
		"avg_confidence", d.AvgConfidence,
		"frames", obj.SampleCount,
	)

	return FinalizeEvent{
		Timestamp:     t.now(),
		ObjectID:      obj.ID,
		IsDefective:   !d.IsGood,
		ConfidenceAvg: d.AvgConfidence,
		FrameCount:    obj.SampleCount,
		Labels:        distinctLabels(obj.Samples),
	}, true
}

// decide computes the verdict from confidence-weighted label votes.
// It returns false when there are too few samples or no confidence mass.
func decide(samples []Sample, good map[string]struct{}, minSamples int, goodRatio float64) (Decision, bool) {
	if len(samples) < minSamples {
		return Decision{}, false
	}

	var goodScore, total float64
	for _, s := range samples {
		if _, ok := good[s.Label]; ok {
			goodScore += s.Confidence
		}
		total += s.Confidence
	}
	if total == 0 {
		return Decision{}, false
	}

	return Decision{
		IsGood:        goodScore/total >= goodRatio,
		AvgConfidence: total / float64(len(samples)),
	}, true
}

func distinctLabels(samples []Sample) []string {
	seen := make(map[string]struct{})
	var labels []string
	for _, s := range samples {
		if _, ok := seen[s.Label]; ok {
			continue
		}
		seen[s.Label] = struct{}{}
		labels = append(labels, s.Label)
	}
	return labels
}

// notify delivers an event to every subscriber in registration order.
// Errors and panics are logged and do not stop delivery.
func (t *Tracker) notify(ev FinalizeEvent) {
	t.subMu.RLock()
	subs := append([]Subscriber(nil), t.subscribers...)
	t.subMu.RUnlock()

	for i, sub := range subs {
		if err := t.deliver(sub, ev); err != nil {
			t.logger.Error("finalize subscriber failed",
				"subscriber", i,
				"object_id", ev.ObjectID,
				"error", err,
			)
		}
	}
}

func (t *Tracker) deliver(sub Subscriber, ev FinalizeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return sub.OnFinalize(ev)
}

// Snapshot returns deep copies of all tracked objects in id order.
func (t *Tracker) Snapshot() []Object {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Object, 0, len(t.objects))
	for _, obj := range t.objects {
		out = append(out, obj.clone())
	}
	return out
}

// Len returns the number of tracked objects.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

// ROI returns the region of interest and whether it has been derived yet.
func (t *Tracker) ROI() (Rect, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.roi == nil {
		return Rect{}, false
	}
	return *t.roi, true
}
