package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/event"
)

type fakeStream struct {
	frames chan []int16
	mu     sync.Mutex
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan []int16, 16)}
}

func (s *fakeStream) Frames() <-chan []int16 { return s.frames }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordingSink struct {
	mu     sync.Mutex
	events []event.Event
	ch     chan event.Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{ch: make(chan event.Event, 16)}
}

func (s *recordingSink) Post(ev event.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
	s.ch <- ev
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestMonitor_InertWhenDisarmed(t *testing.T) {
	sink := newRecordingSink()
	clock := event.NewManualClock(time.Unix(0, 0))
	monitor := NewMonitor(&LevelConfig{Threshold: 500, WindowFrames: 1, HoldDown: time.Second}, sink, clock, zerolog.Nop())

	stream := newFakeStream()
	if err := monitor.Start(stream); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		stream.frames <- constantFrame(20000)
	}
	monitor.process(constantFrame(20000))
	monitor.Stop()

	if sink.count() != 0 {
		t.Errorf("Expected no events while disarmed, got %d", sink.count())
	}
}

func TestMonitor_TriggersOncePerSound(t *testing.T) {
	sink := newRecordingSink()
	clock := event.NewManualClock(time.Unix(0, 0))
	monitor := NewMonitor(&LevelConfig{Threshold: 500, WindowFrames: 1, HoldDown: time.Second}, sink, clock, zerolog.Nop())
	monitor.Arm(true)

	for i := 0; i < 10; i++ {
		monitor.process(constantFrame(5000))
		clock.Advance(20 * time.Millisecond)
	}

	if sink.count() != 1 {
		t.Fatalf("Expected 1 event, got %d", sink.count())
	}
	ev, ok := (<-sink.ch).(SoundDetected)
	if !ok {
		t.Fatal("Expected SoundDetected event")
	}
	if ev.Level < 4999 {
		t.Errorf("Expected level around 5000, got %.1f", ev.Level)
	}
}

func TestMonitor_StartStop(t *testing.T) {
	sink := newRecordingSink()
	monitor := NewMonitor(&LevelConfig{Threshold: 500, WindowFrames: 1, HoldDown: time.Second}, sink, nil, zerolog.Nop())

	if err := monitor.Start(nil); err != ErrNoInput {
		t.Errorf("Expected ErrNoInput, got %v", err)
	}

	// Stop before start is a no-op
	monitor.Stop()

	stream := newFakeStream()
	if err := monitor.Start(stream); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !monitor.Running() {
		t.Error("Expected monitor to be running")
	}

	monitor.Arm(true)
	stream.frames <- constantFrame(5000)

	select {
	case ev := <-sink.ch:
		if ev.Kind() != "sound_detected" {
			t.Errorf("Expected sound_detected, got %s", ev.Kind())
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for sound event")
	}

	monitor.Stop()
	if !stream.isClosed() {
		t.Error("Expected stream to be closed on stop")
	}
	if monitor.Running() || monitor.Armed() {
		t.Error("Expected monitor stopped and disarmed")
	}

	// Second stop is safe
	monitor.Stop()
}
