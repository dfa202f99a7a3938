package audio

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeInput reads successfully a fixed number of times, then fails
type fakeInput struct {
	reads     int
	failAfter int
	stopped   bool
	closed    bool
}

func (f *fakeInput) Read() error {
	f.reads++
	if f.reads > f.failAfter {
		return errors.New("device removed")
	}
	return nil
}

func (f *fakeInput) Stop() error  { f.stopped = true; return nil }
func (f *fakeInput) Close() error { f.closed = true; return nil }

func TestMicrophone_FanOut(t *testing.T) {
	mic := NewMicrophone(16000, 320, zerolog.Nop())
	monitorTap := mic.Tap("monitor")
	recognizerTap := mic.Tap("recognizer")

	mic.broadcast([]int16{1, 2, 3})

	for _, tap := range []*Tap{monitorTap, recognizerTap} {
		select {
		case frame := <-tap.Frames():
			if len(frame) != 3 || frame[0] != 1 {
				t.Errorf("Expected frame [1 2 3] on %s, got %v", tap.name, frame)
			}
		default:
			t.Errorf("Expected frame on %s tap", tap.name)
		}
	}
}

func TestMicrophone_SlowTapDrops(t *testing.T) {
	mic := NewMicrophone(16000, 320, zerolog.Nop())
	tap := mic.Tap("slow")

	for i := 0; i < tapQueueSize+5; i++ {
		mic.broadcast([]int16{int16(i)})
	}

	if len(tap.frames) != tapQueueSize {
		t.Errorf("Expected %d queued frames, got %d", tapQueueSize, len(tap.frames))
	}
	if tap.dropped != 5 {
		t.Errorf("Expected 5 dropped frames, got %d", tap.dropped)
	}
}

func TestTap_Close(t *testing.T) {
	mic := NewMicrophone(16000, 320, zerolog.Nop())
	tap := mic.Tap("closing")

	if err := tap.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-tap.Frames(); ok {
		t.Error("Expected frames channel to be closed")
	}

	// Closed taps receive nothing and a second close is safe
	mic.broadcast([]int16{1})
	if err := tap.Close(); err != nil {
		t.Errorf("Expected second close to succeed, got %v", err)
	}
}

func TestMicrophone_CloseClosesTaps(t *testing.T) {
	mic := NewMicrophone(16000, 320, zerolog.Nop())
	a := mic.Tap("a")
	b := mic.Tap("b")

	if err := mic.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	for _, tap := range []*Tap{a, b} {
		if _, ok := <-tap.Frames(); ok {
			t.Errorf("Expected %s tap closed", tap.name)
		}
	}
}

func TestMicrophone_ReadErrorClosesTaps(t *testing.T) {
	mic := NewMicrophone(16000, 4, zerolog.Nop())
	tap := mic.Tap("recognition")
	input := &fakeInput{failAfter: 2}

	mic.wg.Add(1)
	go mic.capture(context.Background(), input, make([]int16, 4))

	frames := 0
	timeout := time.After(2 * time.Second)
	for closed := false; !closed; {
		select {
		case _, ok := <-tap.Frames():
			if !ok {
				closed = true
				continue
			}
			frames++
		case <-timeout:
			t.Fatal("Timed out waiting for tap to close after read error")
		}
	}
	mic.wg.Wait()

	if frames != 2 {
		t.Errorf("Expected 2 frames before the failure, got %d", frames)
	}
	if !input.stopped || !input.closed {
		t.Error("Expected input stream stopped and closed")
	}

	// Consumers that reopen after the failure see a closed tap at once
	if _, ok := <-mic.Tap("retry").Frames(); ok {
		t.Error("Expected tap opened after failure to be closed")
	}
}
