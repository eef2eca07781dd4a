package gate

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestController_InitiallyDisarmed(t *testing.T) {
	c := New("cam0")
	if c.Armed() {
		t.Error("new gate is armed, want disarmed")
	}
}

func TestController_DiscardsWhileDisarmed(t *testing.T) {
	c := New("cam0")
	var calls int
	c.SetResultCallback(func(bool) { calls++ })

	if c.OnFinalize(true) {
		t.Error("OnFinalize() = true on a disarmed gate")
	}
	if calls != 0 {
		t.Errorf("callback called %d times, want 0", calls)
	}
	if got := c.Stats().Discarded; got != 1 {
		t.Errorf("Discarded = %d, want 1", got)
	}
}

func TestController_FiresOncePerArm(t *testing.T) {
	c := New("cam0")
	var got []bool
	c.SetResultCallback(func(ok bool) { got = append(got, ok) })

	if !c.RequestStart() {
		t.Fatal("RequestStart() = false on a disarmed gate")
	}
	if c.RequestStart() {
		t.Error("RequestStart() = true on an armed gate")
	}

	c.OnFinalize(false)
	c.OnFinalize(true)
	c.OnFinalize(true)

	if diff := cmp.Diff([]bool{false}, got); diff != "" {
		t.Errorf("callback values mismatch (-want +got):\n%s", diff)
	}
	if c.Armed() {
		t.Error("gate still armed after firing")
	}

	c.RequestStart()
	c.OnFinalize(true)
	if diff := cmp.Diff([]bool{false, true}, got); diff != "" {
		t.Errorf("callback values mismatch after re-arm (-want +got):\n%s", diff)
	}

	want := Stats{Arms: 2, Forwarded: 2, Discarded: 2}
	if diff := cmp.Diff(want, c.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

func TestController_UnsetCallbackStillDisarms(t *testing.T) {
	c := New("cam1")
	c.RequestStart()

	if !c.OnFinalize(true) {
		t.Error("OnFinalize() = false on an armed gate")
	}
	if c.Armed() {
		t.Error("gate still armed after verdict with no callback")
	}
}

func TestController_CallbackReplacedBeforeFiring(t *testing.T) {
	c := New("cam0")
	var first, second int
	c.SetResultCallback(func(bool) { first++ })
	c.RequestStart()
	c.SetResultCallback(func(bool) { second++ })
	c.OnFinalize(true)

	if first != 0 || second != 1 {
		t.Errorf("first = %d, second = %d, want 0 and 1", first, second)
	}
}

func TestController_CallbackPanicRecovered(t *testing.T) {
	c := New("cam0")
	c.SetResultCallback(func(bool) { panic("sink exploded") })
	c.RequestStart()

	if !c.OnFinalize(true) {
		t.Error("OnFinalize() = false, want true even when callback panics")
	}
	if c.Armed() {
		t.Error("gate still armed after panicking callback")
	}
}

func TestController_CallbackMayRearm(t *testing.T) {
	c := New("cam0")
	c.SetResultCallback(func(bool) { c.RequestStart() })
	c.RequestStart()
	c.OnFinalize(true)

	if !c.Armed() {
		t.Error("gate not re-armed from inside callback")
	}
}

func TestController_ConcurrentVerdictsFireOnce(t *testing.T) {
	c := New("cam0")
	var fired atomic.Int32
	c.SetResultCallback(func(bool) { fired.Add(1) })
	c.RequestStart()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.OnFinalize(true)
		}()
	}
	wg.Wait()

	if got := fired.Load(); got != 1 {
		t.Errorf("callback fired %d times, want 1", got)
	}
}

func TestController_Disarm(t *testing.T) {
	c := New("cam0")
	if c.Disarm() {
		t.Error("Disarm() = true on a disarmed gate")
	}
	c.RequestStart()
	if !c.Disarm() {
		t.Error("Disarm() = false on an armed gate")
	}
	if c.OnFinalize(true) {
		t.Error("verdict forwarded after Disarm")
	}
}
