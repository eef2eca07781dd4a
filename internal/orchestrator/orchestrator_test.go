package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/cellcore/internal/scheduler"
	"github.com/nerrad567/cellcore/internal/sequence"
	"github.com/nerrad567/cellcore/internal/tracker"
	"github.com/nerrad567/cellcore/internal/vision"
)

const testPrograms = `
points:
  HOME: [200, 0, 50, 0]
programs:
  - step: 1
    name: unload
    resource: dobot1
    actions:
      - action: suction
        enable: true
  - step: 2
    name: present to cam1
    resource: dobot1
    actions:
      - action: arm_inspection
        channel: cam1
      - action: move
        point: HOME
  - step: 4
    name: present to cam0
    resource: dobot2
    actions:
      - action: arm_inspection
        channel: cam0
      - action: plc_write
        tag: M401
        value: true
`

// fakeMotion is an arm session that always succeeds.
type fakeMotion struct{}

func (fakeMotion) MoveTo(context.Context, float64, float64, float64, float64) error { return nil }
func (fakeMotion) Suction(context.Context, bool) error                             { return nil }

// fakeArms is a session pool. While hold is open, Acquire blocks.
type fakeArms struct {
	hold chan struct{}

	mu       sync.Mutex
	acquired []string
	halted   []string
	haltErr  map[string]error
}

func (a *fakeArms) Acquire(ctx context.Context, id string) (fakeMotion, error) {
	if a.hold != nil {
		select {
		case <-a.hold:
		case <-ctx.Done():
			return fakeMotion{}, ctx.Err()
		}
	}
	a.mu.Lock()
	a.acquired = append(a.acquired, id)
	a.mu.Unlock()
	return fakeMotion{}, nil
}

func (a *fakeArms) Release(string) error { return nil }

func (a *fakeArms) Halt(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.halted = append(a.halted, id)
	return a.haltErr[id]
}

type fakePLC struct {
	mu     sync.Mutex
	writes []string
}

func (p *fakePLC) WriteBit(_ context.Context, tag string, value bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if value {
		p.writes = append(p.writes, tag+"=1")
	} else {
		p.writes = append(p.writes, tag+"=0")
	}
	return nil
}

type verdict struct {
	Channel string
	IsGood  bool
}

type fakeSink struct {
	mu  sync.Mutex
	got []verdict
}

func (s *fakeSink) Deliver(channel string, isGood bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, verdict{channel, isGood})
	return nil
}

func (s *fakeSink) verdicts() []verdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]verdict(nil), s.got...)
}

type finalized struct {
	Channel   string
	ObjectID  int
	Defective bool
	Gated     bool
}

type stepDone struct {
	Resource string
	Step     int
	Err      error
}

// recordingObserver records events; finished steps are also sent on done.
type recordingObserver struct {
	NopObserver

	mu       sync.Mutex
	started  []int
	triggers []error
	finals   []finalized
	estops   []error
	done     chan stepDone
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{done: make(chan stepDone, 16)}
}

func (r *recordingObserver) Triggered(_ int, err error) {
	r.mu.Lock()
	r.triggers = append(r.triggers, err)
	r.mu.Unlock()
}

func (r *recordingObserver) StepStarted(_ string, step int) {
	r.mu.Lock()
	r.started = append(r.started, step)
	r.mu.Unlock()
}

func (r *recordingObserver) StepFinished(resource string, step int, _ time.Duration, err error) {
	r.done <- stepDone{resource, step, err}
}

func (r *recordingObserver) EmergencyStopped(err error) {
	r.mu.Lock()
	r.estops = append(r.estops, err)
	r.mu.Unlock()
}

func (r *recordingObserver) Finalized(channel string, ev tracker.FinalizeEvent, gated bool) {
	r.mu.Lock()
	r.finals = append(r.finals, finalized{channel, ev.ObjectID, ev.IsDefective, gated})
	r.mu.Unlock()
}

func (r *recordingObserver) wait(t *testing.T, n int) []stepDone {
	t.Helper()
	var out []stepDone
	for len(out) < n {
		select {
		case d := <-r.done:
			out = append(out, d)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d finished steps", len(out), n)
		}
	}
	return out
}

func trackerConfig() tracker.Config {
	return tracker.Config{
		GoodLabels:         []string{"good"},
		BadLabels:          []string{"scratch"},
		MinRetainSamples:   1,
		MinFinalizeSamples: 3,
		MinDecisionSamples: 3,
	}
}

func testConfig() Config {
	return Config{
		Channels: []ChannelConfig{
			{ID: "cam0", Tracker: trackerConfig(), MinConfidence: 0.5},
			{ID: "cam1", Tracker: trackerConfig(), MinConfidence: 0.5},
		},
		Priorities: map[string][]int{
			"dobot1": {2, 1},
			"dobot2": {4},
		},
	}
}

type fixture struct {
	orch *Orchestrator
	arms *fakeArms
	plc  *fakePLC
	sink *fakeSink
	obs  *recordingObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	catalog, err := sequence.Parse([]byte(testPrograms))
	if err != nil {
		t.Fatalf("sequence.Parse() error = %v", err)
	}

	f := &fixture{
		arms: &fakeArms{},
		plc:  &fakePLC{},
		sink: &fakeSink{},
		obs:  newRecordingObserver(),
	}
	f.orch, err = New(testConfig(), Deps{
		Programs: catalog,
		Arms:     Arms[fakeMotion](f.arms),
		PLC:      f.plc,
		Sink:     f.sink,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.orch.AddObserver(f.obs)
	return f
}

// frame runs one tracker cycle on channel with the given label at box.
func (f *fixture) frame(t *testing.T, channel string, box tracker.Box, label string) {
	t.Helper()
	_, err := f.orch.channels[channel].vision.Process(vision.Batch{
		Camera:      channel,
		FrameWidth:  640,
		FrameHeight: 480,
		Detections:  []tracker.Detection{{Box: box, Label: label, Confidence: 0.9}},
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
}

var (
	boxA = tracker.Box{300, 200, 340, 260}
	boxB = tracker.Box{420, 100, 460, 160}
)

func TestTrigger_PriorityOrder(t *testing.T) {
	f := newFixture(t)
	f.arms.hold = make(chan struct{})

	// Step 2 holds dobot1 in Acquire while 1 and 2 queue behind it.
	if err := f.orch.Trigger(2); err != nil {
		t.Fatalf("Trigger(2) error = %v", err)
	}
	if err := f.orch.Trigger(1); err != nil {
		t.Fatalf("Trigger(1) error = %v", err)
	}
	if err := f.orch.Trigger(2); err != nil {
		t.Fatalf("Trigger(2) error = %v", err)
	}
	close(f.arms.hold)

	f.obs.wait(t, 3)

	f.obs.mu.Lock()
	started := append([]int(nil), f.obs.started...)
	f.obs.mu.Unlock()
	if diff := cmp.Diff([]int{2, 2, 1}, started); diff != "" {
		t.Errorf("start order mismatch (-want +got):\n%s", diff)
	}
}

func TestTrigger_UnknownStep(t *testing.T) {
	f := newFixture(t)

	err := f.orch.Trigger(3)
	if !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("Trigger(3) error = %v, want ErrUnknownStep", err)
	}
	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	if len(f.obs.triggers) != 1 || !errors.Is(f.obs.triggers[0], ErrUnknownStep) {
		t.Errorf("observed triggers = %v, want one ErrUnknownStep", f.obs.triggers)
	}
}

func TestGate_ForwardsOneVerdictPerArm(t *testing.T) {
	f := newFixture(t)

	// Step 2 arms cam1.
	if err := f.orch.Trigger(2); err != nil {
		t.Fatalf("Trigger(2) error = %v", err)
	}
	if done := f.obs.wait(t, 1); done[0].Err != nil {
		t.Fatalf("step 2 failed: %v", done[0].Err)
	}
	if !f.orch.channels["cam1"].gate.Armed() {
		t.Fatal("cam1 gate not armed after step 2")
	}

	// First object finalizes good and is forwarded.
	for _i := 0; _i < 3; _i++ {
		f.frame(t, "cam1", boxA, "good")
	}
	// Second object finalizes bad while the gate is disarmed.
	for _i := 0; _i < 3; _i++ {
		f.frame(t, "cam1", boxB, "scratch")
	}

	if diff := cmp.Diff([]verdict{{"cam1", true}}, f.sink.verdicts()); diff != "" {
		t.Errorf("sink verdicts mismatch (-want +got):\n%s", diff)
	}

	f.obs.mu.Lock()
	finals := append([]finalized(nil), f.obs.finals...)
	f.obs.mu.Unlock()
	want := []finalized{
		{Channel: "cam1", ObjectID: 0, Defective: false, Gated: true},
		{Channel: "cam1", ObjectID: 1, Defective: true, Gated: false},
	}
	if diff := cmp.Diff(want, finals); diff != "" {
		t.Errorf("finalize events mismatch (-want +got):\n%s", diff)
	}

	st := f.orch.Status()
	for _, ch := range st.Channels {
		if ch.ID != "cam1" {
			continue
		}
		if ch.Counts.Good != 1 || ch.Counts.Bad != 1 {
			t.Errorf("cam1 counts = %+v, want 1 good and 1 bad", ch.Counts)
		}
		if ch.Gate.Forwarded != 1 || ch.Gate.Discarded != 1 {
			t.Errorf("cam1 gate stats = %+v, want 1 forwarded and 1 discarded", ch.Gate)
		}
	}
}

func TestGate_ChannelsAreIndependent(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.Arm("cam0"); err != nil {
		t.Fatalf("Arm(cam0) error = %v", err)
	}
	for _i := 0; _i < 3; _i++ {
		f.frame(t, "cam1", boxA, "good")
	}
	if got := f.sink.verdicts(); len(got) != 0 {
		t.Fatalf("cam1 verdict forwarded through cam0's arm: %v", got)
	}
	for _i := 0; _i < 3; _i++ {
		f.frame(t, "cam0", boxA, "scratch")
	}
	if diff := cmp.Diff([]verdict{{"cam0", false}}, f.sink.verdicts()); diff != "" {
		t.Errorf("sink verdicts mismatch (-want +got):\n%s", diff)
	}
}

func TestArm_UnknownChannel(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Arm("cam9"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Arm(cam9) error = %v, want ErrUnknownChannel", err)
	}
}

func TestStepProgram_WritesBits(t *testing.T) {
	f := newFixture(t)

	if err := f.orch.Trigger(4); err != nil {
		t.Fatalf("Trigger(4) error = %v", err)
	}
	done := f.obs.wait(t, 1)
	if diff := cmp.Diff([]stepDone{{Resource: "dobot2", Step: 4}}, done, cmp.Comparer(func(a, b error) bool { return a == b })); diff != "" {
		t.Errorf("finished steps mismatch (-want +got):\n%s", diff)
	}

	f.plc.mu.Lock()
	defer f.plc.mu.Unlock()
	if diff := cmp.Diff([]string{"M401=1"}, f.plc.writes); diff != "" {
		t.Errorf("plc writes mismatch (-want +got):\n%s", diff)
	}
	if !f.orch.channels["cam0"].gate.Armed() {
		t.Error("cam0 gate not armed after step 4")
	}
}

func TestEmergencyStop_HaltsEveryArm(t *testing.T) {
	f := newFixture(t)
	halt := errors.New("no response")
	f.arms.haltErr = map[string]error{"dobot2": halt}

	err := f.orch.EmergencyStop(context.Background())
	if !errors.Is(err, halt) {
		t.Fatalf("EmergencyStop() error = %v, want %v", err, halt)
	}

	f.arms.mu.Lock()
	halted := append([]string(nil), f.arms.halted...)
	f.arms.mu.Unlock()
	if len(halted) != 2 {
		t.Errorf("halted = %v, want both arms", halted)
	}

	f.obs.mu.Lock()
	defer f.obs.mu.Unlock()
	if len(f.obs.estops) != 1 || !errors.Is(f.obs.estops[0], halt) {
		t.Errorf("observed estops = %v", f.obs.estops)
	}
}

func TestEmergencyStop_WithoutArms(t *testing.T) {
	catalog, err := sequence.Parse([]byte(testPrograms))
	if err != nil {
		t.Fatalf("sequence.Parse() error = %v", err)
	}
	o, err := New(testConfig(), Deps{Programs: catalog})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := o.EmergencyStop(context.Background()); !errors.Is(err, scheduler.ErrNoStopper) {
		t.Errorf("EmergencyStop() error = %v, want ErrNoStopper", err)
	}
}

func TestNew_Invalid(t *testing.T) {
	catalog, err := sequence.Parse([]byte(testPrograms))
	if err != nil {
		t.Fatalf("sequence.Parse() error = %v", err)
	}

	tests := []struct {
		name string
		cfg  func(*Config)
		deps Deps
	}{
		{
			name: "no programs",
			cfg:  func(*Config) {},
			deps: Deps{},
		},
		{
			name: "no channels",
			cfg:  func(c *Config) { c.Channels = nil },
			deps: Deps{Programs: catalog},
		},
		{
			name: "duplicate channel",
			cfg:  func(c *Config) { c.Channels = append(c.Channels, c.Channels[0]) },
			deps: Deps{Programs: catalog},
		},
		{
			name: "step without program",
			cfg:  func(c *Config) { c.Priorities["dobot2"] = []int{4, 5} },
			deps: Deps{Programs: catalog},
		},
		{
			name: "step on wrong actuator",
			cfg:  func(c *Config) { c.Priorities = map[string][]int{"dobot1": {2, 1, 4}} },
			deps: Deps{Programs: catalog},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.cfg(&cfg)
			if _, err := New(cfg, tt.deps); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

type panickingObserver struct{ NopObserver }

func (panickingObserver) Armed(string, bool) { panic("observer bug") }

func TestObserver_PanicIsolated(t *testing.T) {
	f := newFixture(t)

	var armed []string
	f.orch.AddObserver(panickingObserver{})
	f.orch.AddObserver(armedFunc(func(ch string) { armed = append(armed, ch) }))

	if err := f.orch.Arm("cam1"); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if diff := cmp.Diff([]string{"cam1"}, armed); diff != "" {
		t.Errorf("later observer mismatch (-want +got):\n%s", diff)
	}
}

type armedFunc func(channel string)

func (armedFunc) Triggered(int, error)                           {}
func (armedFunc) StepStarted(string, int)                        {}
func (armedFunc) StepFinished(string, int, time.Duration, error) {}
func (armedFunc) BacklogChanged(string, int)                     {}
func (armedFunc) EmergencyStopped(error)                         {}
func (f armedFunc) Armed(channel string, _ bool)                 { f(channel) }
func (armedFunc) Finalized(string, tracker.FinalizeEvent, bool)  {}
func (armedFunc) GateResult(string, bool)                        {}

func TestRun_ProcessesPublishedBatches(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.orch.Run(ctx) }()

	if err := f.orch.Publish(vision.Batch{Camera: "cam0", FrameWidth: 640, FrameHeight: 480}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := f.orch.Publish(vision.Batch{Camera: "cam7"}); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Publish(cam7) error = %v, want ErrUnknownChannel", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.orch.Status().Channels[0].Vision.Batches == 0 {
		if time.Now().After(deadline) {
			t.Fatal("batch not processed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if err := f.orch.Trigger(1); !errors.Is(err, scheduler.ErrClosed) {
		t.Errorf("Trigger() after Run error = %v, want ErrClosed", err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	st := f.orch.Status()
	if diff := cmp.Diff([]string{"cam0", "cam1"}, f.orch.Channels()); diff != "" {
		t.Errorf("Channels() mismatch (-want +got):\n%s", diff)
	}
	if len(st.Actuators) != 2 || st.Actuators[0].Resource != "dobot1" {
		t.Errorf("actuators = %+v", st.Actuators)
	}
	if diff := cmp.Diff([]scheduler.StepID{2, 1}, st.Actuators[0].Priority); diff != "" {
		t.Errorf("dobot1 priority mismatch (-want +got):\n%s", diff)
	}

	if err := f.orch.ResetCounts("cam9"); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("ResetCounts(cam9) error = %v, want ErrUnknownChannel", err)
	}
}
