package recognition

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/event"
)

type fakeEngine struct {
	starts    int
	stops     int
	startErrs []error
	emit      func(event.Event)
}

func (f *fakeEngine) Start(emit func(event.Event)) error {
	f.starts++
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		if err != nil {
			return err
		}
	}
	f.emit = emit
	return nil
}

func (f *fakeEngine) Stop() {
	f.stops++
}

type harness struct {
	t             *testing.T
	loop          *event.Loop
	clock         *event.ManualClock
	engine        *fakeEngine
	manager       *Manager
	out           []event.Event
	interruptible bool
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:      t,
		clock:  event.NewManualClock(time.Unix(0, 0)),
		engine: &fakeEngine{},
	}
	h.loop = event.NewLoop(func(ev event.Event) {
		if h.manager.Handle(ev) {
			return
		}
		h.out = append(h.out, ev)
	})
	gate := GateFunc(func() bool { return h.interruptible })
	h.manager = NewManager(h.engine, h.loop, h.clock, gate, DefaultManagerConfig(), zerolog.Nop())
	return h
}

func (h *harness) start() {
	if err := h.manager.Start(); err != nil {
		h.t.Fatalf("Start failed: %v", err)
	}
	h.loop.Drain()
}

func (h *harness) emit(ev event.Event) {
	h.engine.emit(ev)
	h.loop.Drain()
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.Drain()
}

func (h *harness) finals() []UtteranceFinal {
	var finals []UtteranceFinal
	for _, ev := range h.out {
		if f, ok := ev.(UtteranceFinal); ok {
			finals = append(finals, f)
		}
	}
	return finals
}

func (h *harness) interruptions() int {
	count := 0
	for _, ev := range h.out {
		if _, ok := ev.(Interruption); ok {
			count++
		}
	}
	return count
}

func TestManager_InterimsThenFinal(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Result{Text: "what"})
	h.emit(Result{Text: "what is"})
	h.emit(Result{Text: "what is the"})
	h.emit(Result{Text: "what is the weather", Final: true})

	finals := h.finals()
	if len(finals) != 1 {
		t.Fatalf("Expected 1 final, got %d", len(finals))
	}
	if finals[0].Text != "what is the weather" {
		t.Errorf("Expected final 'what is the weather', got '%s'", finals[0].Text)
	}
	if finals[0].BestEffort {
		t.Error("Expected a real final, got best effort")
	}
}

func TestManager_DuplicateFinal(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Result{Text: "hello there", Final: true})
	h.emit(Result{Text: " hello there ", Final: true})

	if len(h.finals()) != 1 {
		t.Errorf("Expected duplicate final to be forwarded once, got %d", len(h.finals()))
	}

	h.emit(Result{Text: "something else", Final: true})
	if len(h.finals()) != 2 {
		t.Errorf("Expected a different final to be forwarded, got %d", len(h.finals()))
	}
}

func TestManager_ShortOrEmptyFinal(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Result{Text: "hi", Final: true})
	h.emit(Result{Text: "   ", Final: true})
	h.emit(Result{Text: "", Final: true})
	// Multibyte text is measured in characters
	h.emit(Result{Text: "是", Final: true})
	h.emit(Result{Text: "né", Final: true})

	if len(h.finals()) != 0 {
		t.Errorf("Expected no finals, got %v", h.finals())
	}

	h.emit(Result{Text: "你好吗", Final: true})
	if finals := h.finals(); len(finals) != 1 || finals[0].Text != "你好吗" {
		t.Errorf("Expected three-character final forwarded, got %v", finals)
	}
}

func TestManager_SingleRestartTimer(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Ended{})
	h.advance(50 * time.Millisecond)
	h.emit(Ended{})

	if h.clock.Pending() != 1 {
		t.Errorf("Expected exactly 1 pending timer, got %d", h.clock.Pending())
	}
	if h.manager.State() != StateRestartPending {
		t.Errorf("Expected restart-pending, got %s", h.manager.State())
	}

	h.advance(200 * time.Millisecond)

	if h.engine.starts != 2 {
		t.Errorf("Expected 1 restart (2 starts total), got %d starts", h.engine.starts)
	}
	if h.manager.State() != StateRunning {
		t.Errorf("Expected running, got %s", h.manager.State())
	}
}

func TestManager_RestartAfterEndedDelay(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Ended{})
	h.advance(99 * time.Millisecond)
	if h.engine.starts != 1 {
		t.Errorf("Expected no restart before delay, got %d starts", h.engine.starts)
	}
	h.advance(time.Millisecond)
	if h.engine.starts != 2 {
		t.Errorf("Expected restart after delay, got %d starts", h.engine.starts)
	}
}

func TestManager_InterimInterruptsWhenInterruptible(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.interruptible = true

	h.emit(Result{Text: "wait"})
	h.emit(Result{Text: "wait a second"})

	if h.interruptions() != 1 {
		t.Errorf("Expected 1 interruption, got %d", h.interruptions())
	}

	h.emit(SpeechStarted{})
	if h.interruptions() != 2 {
		t.Errorf("Expected speech start to raise an interruption, got %d", h.interruptions())
	}
}

func TestManager_InterruptionRearmsForNextReply(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.interruptible = true

	h.emit(Result{Text: "hold on"})
	h.interruptible = false
	h.emit(Result{Text: "hold on please"})
	h.emit(Result{Text: "hold on please", Final: true})

	// A later reply in the same stream can be interrupted again
	h.interruptible = true
	h.emit(Result{Text: "no wait"})

	if h.interruptions() != 2 {
		t.Errorf("Expected 2 interruptions, got %d", h.interruptions())
	}
	if len(h.finals()) != 1 {
		t.Errorf("Expected 1 final, got %d", len(h.finals()))
	}
}

func TestManager_NoInterruptionWhenNotInterruptible(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.interruptible = false

	h.emit(SpeechStarted{})
	for i := 0; i < 5; i++ {
		h.emit(Result{Text: "loud talking"})
	}

	if h.interruptions() != 0 {
		t.Errorf("Expected no interruptions, got %d", h.interruptions())
	}
}

func TestManager_ShortInterimIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.interruptible = true

	h.emit(Result{Text: "uh"})
	h.emit(Result{Text: "是的"})
	h.emit(Ended{})

	if h.interruptions() != 0 {
		t.Errorf("Expected short interim to be ignored, got %d interruptions", h.interruptions())
	}
	if len(h.finals()) != 0 {
		t.Errorf("Expected no best-effort final, got %d", len(h.finals()))
	}
}

func TestManager_BestEffortFinalOnEnded(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Result{Text: "turn off"})
	h.emit(Result{Text: "turn off the lights"})
	h.emit(Ended{})

	finals := h.finals()
	if len(finals) != 1 {
		t.Fatalf("Expected 1 best-effort final, got %d", len(finals))
	}
	if finals[0].Text != "turn off the lights" || !finals[0].BestEffort {
		t.Errorf("Expected best-effort 'turn off the lights', got %+v", finals[0])
	}

	// The same words finalized by the next stream are a duplicate
	h.advance(100 * time.Millisecond)
	h.emit(Result{Text: "turn off the lights", Final: true})
	if len(h.finals()) != 1 {
		t.Errorf("Expected duplicate to be dropped, got %d finals", len(h.finals()))
	}
}

func TestManager_NoBestEffortDuringInterruption(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.interruptible = true

	h.emit(Result{Text: "stop talking"})
	h.emit(Ended{})

	if len(h.finals()) != 0 {
		t.Errorf("Expected no best-effort final while interrupting, got %d", len(h.finals()))
	}
}

func TestManager_TerminalError(t *testing.T) {
	for _, err := range []error{ErrPermissionDenied, ErrServiceNotAllowed} {
		t.Run(err.Error(), func(t *testing.T) {
			h := newHarness(t)
			h.start()

			h.emit(Failed{Err: err})

			if h.manager.RestartPending() {
				t.Error("Expected no restart after terminal error")
			}
			if h.manager.State() != StateIdle {
				t.Errorf("Expected idle, got %s", h.manager.State())
			}
			var unavailable *CaptureUnavailable
			for _, ev := range h.out {
				if cu, ok := ev.(CaptureUnavailable); ok {
					unavailable = &cu
				}
			}
			if unavailable == nil {
				t.Fatal("Expected CaptureUnavailable event")
			}
			if !errors.Is(unavailable.Err, err) {
				t.Errorf("Expected %v, got %v", err, unavailable.Err)
			}

			h.advance(time.Second)
			if h.engine.starts != 1 {
				t.Errorf("Expected no restart, got %d starts", h.engine.starts)
			}
		})
	}
}

func TestManager_TransientErrorRestarts(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Failed{Err: errors.New("network hiccup")})
	h.advance(499 * time.Millisecond)
	if h.engine.starts != 1 {
		t.Errorf("Expected no restart before error delay, got %d starts", h.engine.starts)
	}
	h.advance(time.Millisecond)
	if h.engine.starts != 2 {
		t.Errorf("Expected restart after error delay, got %d starts", h.engine.starts)
	}
}

func TestManager_RetryOnceThenGiveUp(t *testing.T) {
	h := newHarness(t)
	h.engine.startErrs = []error{ErrAlreadyStarted, ErrAborted}

	if err := h.manager.Start(); err != nil {
		t.Fatalf("Expected transient start error to be absorbed, got %v", err)
	}
	if h.manager.State() != StateRestartPending {
		t.Errorf("Expected restart-pending, got %s", h.manager.State())
	}

	h.advance(200 * time.Millisecond)
	if h.engine.starts != 2 {
		t.Errorf("Expected one retry, got %d starts", h.engine.starts)
	}
	if h.manager.State() != StateIdle || h.manager.RestartPending() {
		t.Errorf("Expected idle with nothing pending, got %s", h.manager.State())
	}

	h.advance(time.Second)
	if h.engine.starts != 2 {
		t.Errorf("Expected no further retries, got %d starts", h.engine.starts)
	}
	if len(h.out) != 0 {
		t.Errorf("Expected giving up to be silent, got %d events", len(h.out))
	}
}

func TestManager_RetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.engine.startErrs = []error{ErrAborted}

	h.start()
	h.advance(200 * time.Millisecond)

	if h.manager.State() != StateRunning {
		t.Errorf("Expected running after retry, got %s", h.manager.State())
	}
}

func TestManager_StopCancelsRestartAndDropsStale(t *testing.T) {
	h := newHarness(t)
	h.start()
	emit := h.engine.emit

	h.emit(Ended{})
	h.manager.Stop()

	if h.manager.RestartPending() {
		t.Error("Expected stop to cancel pending restart")
	}
	h.advance(time.Second)
	if h.engine.starts != 1 {
		t.Errorf("Expected no restart after stop, got %d starts", h.engine.starts)
	}

	// A final from the stopped stream surfaces late
	emit(Result{Text: "late transcript", Final: true})
	h.loop.Drain()
	if len(h.finals()) != 0 {
		t.Errorf("Expected stale final to be dropped, got %d", len(h.finals()))
	}

	// Idempotent
	h.manager.Stop()
	if h.manager.State() != StateIdle {
		t.Errorf("Expected idle, got %s", h.manager.State())
	}
}

func TestManager_StopWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.emit(Result{Text: "half a sentence"})
	h.manager.Stop()

	if h.engine.stops != 1 {
		t.Errorf("Expected engine stop, got %d", h.engine.stops)
	}
	if len(h.manager.interim) != 0 {
		t.Error("Expected interim buffer cleared on stop")
	}
}

func TestManager_StartIsNoOpWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.start()

	if h.engine.starts != 1 {
		t.Errorf("Expected 1 start, got %d", h.engine.starts)
	}
}

func TestManager_Unsupported(t *testing.T) {
	manager := NewManager(nil, event.SinkFunc(func(event.Event) {}), nil, nil, DefaultManagerConfig(), zerolog.Nop())
	if err := manager.Start(); !errors.Is(err, ErrUnsupported) {
		t.Errorf("Expected ErrUnsupported, got %v", err)
	}
}
