package plc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/cellcore/internal/infrastructure/mqtt"
)

// mockMQTT captures published messages and registered handlers.
type mockMQTT struct {
	mu       sync.Mutex
	messages []mqttMessage
	handlers map[string]mqtt.MessageHandler
	failures int // number of publishes to fail before succeeding
}

type mqttMessage struct {
	topic   string
	payload BitCommand
}

var errBrokerDown = errors.New("broker down")

func (m *mockMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errBrokerDown
	}
	var cmd BitCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return err
	}
	m.messages = append(m.messages, mqttMessage{topic: topic, payload: cmd})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[string]mqtt.MessageHandler)
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) getMessages() []mqttMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mqttMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// bitRecorder records writes as "tag=0|1".
type bitRecorder struct {
	mu     sync.Mutex
	writes []string
	fail   map[string]error
}

func (r *bitRecorder) WriteBit(_ context.Context, tag string, value bool) error {
	key := tag + "=0"
	if value {
		key = tag + "=1"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[key]; err != nil {
		return err
	}
	r.writes = append(r.writes, key)
	return nil
}

func (r *bitRecorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// =============================================================================
// Messages
// =============================================================================

func TestParseBitState(t *testing.T) {
	tests := []struct {
		payload string
		want    bool
		wantErr bool
	}{
		{`1`, true, false},
		{`0`, false, false},
		{`true`, true, false},
		{` OFF `, false, false},
		{`{"value":true}`, true, false},
		{`{"value":1,"timestamp":"2026-01-01T00:00:00Z"}`, true, false},
		{`{"value":"0"}`, false, false},
		{`{"value":7}`, false, true},
		{`{}`, false, true},
		{`garbage`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseBitState([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBitState() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidState) {
				t.Errorf("error = %v, want ErrInvalidState", err)
			}
			if got != tt.want {
				t.Errorf("ParseBitState() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTagFromTopic(t *testing.T) {
	prefix := mqtt.Topics{}.PLCStatePrefix()
	if tag, ok := tagFromTopic(prefix, "cell/plc/state/X3"); !ok || tag != "X3" {
		t.Errorf("tagFromTopic() = %q, %v", tag, ok)
	}
	for _, topic := range []string{"cell/plc/state/", "cell/plc/command/X3", "cell/plc/state/a/b"} {
		if _, ok := tagFromTopic(prefix, topic); ok {
			t.Errorf("tagFromTopic(%q) accepted", topic)
		}
	}
}

// =============================================================================
// Writer
// =============================================================================

func TestWriter_WriteBit(t *testing.T) {
	client := &mockMQTT{}
	w := NewWriter(client, WriterConfig{Source: "result"}, nil)

	if err := w.WriteBit(context.Background(), "M2100", true); err != nil {
		t.Fatalf("WriteBit() error = %v", err)
	}

	msgs := client.getMessages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "cell/plc/command/M2100" {
		t.Errorf("topic = %q", msgs[0].topic)
	}
	cmd := msgs[0].payload
	if cmd.Tag != "M2100" || !cmd.Value || cmd.Source != "result" || cmd.ID == "" || cmd.Timestamp.IsZero() {
		t.Errorf("command = %+v", cmd)
	}
}

func TestWriter_Retry(t *testing.T) {
	client := &mockMQTT{failures: 2}
	w := NewWriter(client, WriterConfig{Attempts: 3, Backoff: 100 * time.Millisecond}, nil)

	var waits []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	if err := w.WriteBit(context.Background(), "M0", false); err != nil {
		t.Fatalf("WriteBit() error = %v", err)
	}
	if diff := cmp.Diff([]time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, waits); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
	if n := len(client.getMessages()); n != 1 {
		t.Errorf("published %d messages, want 1", n)
	}
}

func TestWriter_GivesUp(t *testing.T) {
	client := &mockMQTT{failures: 5}
	w := NewWriter(client, WriterConfig{Attempts: 2}, nil)
	w.sleep = noSleep

	err := w.WriteBit(context.Background(), "M0", true)
	if !errors.Is(err, ErrWriteFailed) || !errors.Is(err, errBrokerDown) {
		t.Errorf("WriteBit() error = %v, want ErrWriteFailed wrapping broker error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := w.WriteBit(ctx, "M0", true); !errors.Is(err, context.Canceled) {
		t.Errorf("WriteBit() cancelled error = %v", err)
	}
}

// =============================================================================
// Watcher
// =============================================================================

type fakeTarget struct {
	mu         sync.Mutex
	triggers   []int
	stops      int
	triggerErr error
}

func (f *fakeTarget) Trigger(step int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, step)
	return f.triggerErr
}

func (f *fakeTarget) EmergencyStop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTarget) snapshot() ([]int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.triggers...), f.stops
}

func newTestWatcher(t *testing.T, target *fakeTarget, rec *bitRecorder) (*Watcher, *mockMQTT) {
	t.Helper()
	client := &mockMQTT{}
	w, err := NewWatcher(client, rec, target, WatcherConfig{
		EStopTag: "X3",
		Signals: []StepSignal{
			{Step: 1, Start: "X0", Done: "M10"},
			{Step: 2, Start: "X1"},
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	w.sleep = noSleep
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return w, client
}

func setBit(t *testing.T, client *mockMQTT, tag, value string) {
	t.Helper()
	client.mu.Lock()
	h := client.handlers["cell/plc/state/+"]
	client.mu.Unlock()
	if h == nil {
		t.Fatal("watcher did not subscribe to bit states")
	}
	if err := h("cell/plc/state/"+tag, []byte(value)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
}

func TestWatcher_RisingEdgeTriggersOnce(t *testing.T) {
	target := &fakeTarget{}
	w, client := newTestWatcher(t, target, &bitRecorder{})
	ctx := context.Background()

	setBit(t, client, "X0", "1")
	w.poll(ctx)
	w.poll(ctx) // still held: no new edge
	w.wg.Wait()

	if got, _ := target.snapshot(); !cmp.Equal(got, []int{1}) {
		t.Fatalf("triggers = %v, want [1]", got)
	}

	setBit(t, client, "X0", "0")
	w.poll(ctx)
	setBit(t, client, "X0", `{"value":true}`)
	w.poll(ctx)
	w.wg.Wait()

	if got, _ := target.snapshot(); !cmp.Equal(got, []int{1, 1}) {
		t.Errorf("triggers = %v, want [1 1]", got)
	}
	if v, known := w.Bit("X0"); !v || !known {
		t.Errorf("Bit(X0) = %v, %v", v, known)
	}
}

func TestWatcher_EmergencyStop(t *testing.T) {
	target := &fakeTarget{}
	w, client := newTestWatcher(t, target, &bitRecorder{})
	ctx := context.Background()

	setBit(t, client, "X3", "1")
	setBit(t, client, "X1", "1")
	w.poll(ctx)
	w.poll(ctx)
	w.wg.Wait()

	triggers, stops := target.snapshot()
	if stops != 2 {
		t.Errorf("EmergencyStop called %d times, want once per poll (2)", stops)
	}
	if len(triggers) != 0 {
		t.Errorf("triggers during e-stop = %v", triggers)
	}

	// The start bit raised during the stop is not replayed on release.
	setBit(t, client, "X3", "0")
	w.poll(ctx)
	w.wg.Wait()
	if triggers, _ := target.snapshot(); len(triggers) != 0 {
		t.Errorf("triggers after release = %v", triggers)
	}
}

func TestWatcher_StepCompletedPulsesDone(t *testing.T) {
	rec := &bitRecorder{}
	w, _ := newTestWatcher(t, &fakeTarget{}, rec)

	w.StepCompleted(1, errors.New("arm alarm"))
	w.StepCompleted(2, nil) // no done bit configured
	w.StepCompleted(9, nil) // unknown step
	w.wg.Wait()

	if diff := cmp.Diff([]string{"M10=1", "M10=0"}, rec.get()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestWatcher_RejectedTriggerStillPulses(t *testing.T) {
	rec := &bitRecorder{}
	target := &fakeTarget{triggerErr: errors.New("backlog full")}
	w, client := newTestWatcher(t, target, rec)

	setBit(t, client, "X0", "1")
	w.poll(context.Background())
	w.wg.Wait()

	if diff := cmp.Diff([]string{"M10=1", "M10=0"}, rec.get()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestWatcher_Run(t *testing.T) {
	target := &fakeTarget{}
	client := &mockMQTT{}
	w, err := NewWatcher(client, &bitRecorder{}, target, WatcherConfig{
		Signals:      []StepSignal{{Step: 4, Start: "X2"}},
		PollInterval: time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	setBit(t, client, "X2", "1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if got, _ := target.snapshot(); len(got) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("step 4 was not triggered")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}

func TestNewWatcher_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		signals []StepSignal
	}{
		{"missing start", []StepSignal{{Step: 1}}},
		{"duplicate step", []StepSignal{{Step: 1, Start: "X0"}, {Step: 1, Start: "X1"}}},
		{"shared start bit", []StepSignal{{Step: 1, Start: "X0"}, {Step: 2, Start: "X0"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWatcher(&mockMQTT{}, &bitRecorder{}, &fakeTarget{}, WatcherConfig{Signals: tt.signals}, nil)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewWatcher() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

// =============================================================================
// ResultSink
// =============================================================================

// testChannels mirrors the two inspection stations: cam1 drives the
// reject diverter on a bad part, cam0 only reports.
func testChannels() map[string]ChannelResult {
	return map[string]ChannelResult{
		"cam1": {
			Hold: 3 * time.Second,
			Good: VerdictSequence{
				Tag:  "M2100",
				Post: []ResultWrite{{Tag: "M401"}, {Tag: "M202"}},
			},
			Bad: VerdictSequence{
				Pre:  []ResultWrite{{Tag: "M401", Value: true}, {Tag: "M202", Value: true}},
				Tag:  "M2101",
				Post: []ResultWrite{{Tag: "M401"}, {Tag: "M600", Value: true}, {Tag: "M600", Delay: 1500 * time.Millisecond}},
			},
		},
		"cam0": {
			Hold: 3 * time.Second,
			Good: VerdictSequence{Tag: "M2102", Post: []ResultWrite{{Tag: "M401"}}},
			Bad:  VerdictSequence{Tag: "M2103", Post: []ResultWrite{{Tag: "M401"}}},
		},
	}
}

func newTestSink(t *testing.T, rec *bitRecorder, queue int) (*ResultSink, *[]time.Duration) {
	t.Helper()
	s, err := NewResultSink(rec, testChannels(), queue, nil)
	if err != nil {
		t.Fatalf("NewResultSink() error = %v", err)
	}
	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		if d > 0 {
			waits = append(waits, d)
		}
		return ctx.Err()
	}
	return s, &waits
}

func TestResultSink_Sequences(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		good    bool
		want    []string
		waits   []time.Duration
	}{
		{
			name:    "cam1 good",
			channel: "cam1",
			good:    true,
			want:    []string{"M2100=1", "M2100=0", "M401=0", "M202=0"},
			waits:   []time.Duration{3 * time.Second},
		},
		{
			name:    "cam1 bad",
			channel: "cam1",
			want:    []string{"M401=1", "M202=1", "M2101=1", "M2101=0", "M401=0", "M600=1", "M600=0"},
			waits:   []time.Duration{3 * time.Second, 1500 * time.Millisecond},
		},
		{
			name:    "cam0 bad",
			channel: "cam0",
			want:    []string{"M2103=1", "M2103=0", "M401=0"},
			waits:   []time.Duration{3 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &bitRecorder{}
			s, waits := newTestSink(t, rec, 1)

			err := s.apply(context.Background(), verdict{channel: tt.channel, isGood: tt.good})
			if err != nil {
				t.Fatalf("apply() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, rec.get()); diff != "" {
				t.Errorf("writes mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.waits, *waits); diff != "" {
				t.Errorf("waits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResultSink_ClearsTagWhenHoldInterrupted(t *testing.T) {
	rec := &bitRecorder{}
	s, _ := newTestSink(t, rec, 1)

	ctx, cancel := context.WithCancel(context.Background())
	s.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	err := s.apply(ctx, verdict{channel: "cam0", isGood: true})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("apply() error = %v, want context.Canceled", err)
	}
	if diff := cmp.Diff([]string{"M2102=1", "M2102=0"}, rec.get()); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
}

func TestResultSink_FailedSetSkipsRest(t *testing.T) {
	errWrite := errors.New("gateway offline")
	rec := &bitRecorder{fail: map[string]error{"M2102=1": errWrite}}
	s, _ := newTestSink(t, rec, 1)

	err := s.apply(context.Background(), verdict{channel: "cam0", isGood: true})
	if !errors.Is(err, errWrite) {
		t.Errorf("apply() error = %v, want %v", err, errWrite)
	}
	if got := rec.get(); len(got) != 0 {
		t.Errorf("writes after failed set = %v", got)
	}
}

func TestResultSink_Deliver(t *testing.T) {
	s, _ := newTestSink(t, &bitRecorder{}, 1)

	if err := s.Deliver("cam9", true); !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Deliver(cam9) error = %v, want ErrUnknownChannel", err)
	}
	if err := s.Deliver("cam0", true); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := s.Deliver("cam0", false); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Deliver() on full queue error = %v, want ErrQueueFull", err)
	}
	if s.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", s.Pending())
	}
}

func TestResultSink_RunSerializes(t *testing.T) {
	rec := &bitRecorder{}
	s, _ := newTestSink(t, rec, 4)

	type delivery struct {
		channel string
		good    bool
	}
	delivered := make(chan delivery, 4)
	s.SetObserver(func(channel string, isGood bool, err error) {
		if err != nil {
			t.Errorf("delivery error = %v", err)
		}
		delivered <- delivery{channel, isGood}
	})

	if err := s.Deliver("cam1", true); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := s.Deliver("cam0", false); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	var got []delivery
	for _i := 0; _i < 2; _i++ {
		select {
		case d := <-delivered:
			got = append(got, d)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for delivery")
		}
	}

	if diff := cmp.Diff([]delivery{{"cam1", true}, {"cam0", false}}, got, cmp.AllowUnexported(delivery{})); diff != "" {
		t.Errorf("deliveries mismatch (-want +got):\n%s", diff)
	}
	want := []string{"M2100=1", "M2100=0", "M401=0", "M202=0", "M2103=1", "M2103=0", "M401=0"}
	if diff := cmp.Diff(want, rec.get()); diff != "" {
		t.Errorf("writes interleaved (-want +got):\n%s", diff)
	}
}

func TestNewResultSink_Invalid(t *testing.T) {
	_, err := NewResultSink(&bitRecorder{}, map[string]ChannelResult{"cam0": {Good: VerdictSequence{Tag: "M1"}}}, 1, nil)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewResultSink() error = %v, want ErrInvalidConfig", err)
	}
}
