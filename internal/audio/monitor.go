package audio

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/event"
)

// ErrNoInput indicates the monitor was started without an input stream
var ErrNoInput = errors.New("audio: no input stream")

// SoundDetected is emitted on the rising edge of ambient sound while armed
type SoundDetected struct {
	Level float64
	At    time.Time
}

// Kind implements event.Event
func (SoundDetected) Kind() string { return "sound_detected" }

// Stream is a source of PCM16 frames owned by a single consumer
type Stream interface {
	Frames() <-chan []int16
	Close() error
}

// Monitor samples an input stream and reports ambient sound with hysteresis.
// It is inert unless armed, and the caller arms it only while an
// interruptible utterance is playing.
type Monitor struct {
	detector *LevelDetector
	sink     event.Sink
	clock    event.Clock
	logger   zerolog.Logger

	armed atomic.Bool

	mu     sync.Mutex
	stream Stream
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor that posts SoundDetected to sink
func NewMonitor(config *LevelConfig, sink event.Sink, clock event.Clock, logger zerolog.Logger) *Monitor {
	if clock == nil {
		clock = event.SystemClock{}
	}
	return &Monitor{
		detector: NewLevelDetector(config),
		sink:     sink,
		clock:    clock,
		logger:   logger.With().Str("component", "sound_monitor").Logger(),
	}
}

// Start begins sampling stream. Starting an already running monitor replaces
// nothing and returns nil.
func (m *Monitor) Start(stream Stream) error {
	if stream == nil {
		return ErrNoInput
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return nil
	}

	m.stream = stream
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.run(stream.Frames(), m.done)

	m.logger.Debug().Msg("Sound monitor started")
	return nil
}

// Stop releases the input stream. Safe to call when not started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stream := m.stream
	done := m.done
	m.stream = nil
	m.done = nil
	m.mu.Unlock()

	if stream == nil {
		return
	}

	close(done)
	if err := stream.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("Error closing monitor input stream")
	}
	m.wg.Wait()
	m.armed.Store(false)
	m.logger.Debug().Msg("Sound monitor stopped")
}

// Arm enables or disables triggering
func (m *Monitor) Arm(on bool) {
	m.armed.Store(on)
}

// Armed reports whether the monitor may trigger
func (m *Monitor) Armed() bool {
	return m.armed.Load()
}

// Running reports whether a stream is attached
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream != nil
}

func (m *Monitor) run(frames <-chan []int16, done <-chan struct{}) {
	defer m.wg.Done()

	wasArmed := false
	for {
		select {
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			armed := m.armed.Load()
			if !armed {
				if wasArmed {
					m.detector.Reset()
				}
				wasArmed = false
				continue
			}
			wasArmed = true
			m.process(frame)
		}
	}
}

// process runs one frame through the detector and posts a trigger.
// Only called from the run goroutine (or tests).
func (m *Monitor) process(frame []int16) {
	now := m.clock.Now()
	level, triggered := m.detector.Process(frame, now)
	if !triggered {
		return
	}
	// Re-check the gate right before emitting
	if !m.armed.Load() {
		return
	}
	m.logger.Debug().Float64("level", level).Msg("Ambient sound detected")
	m.sink.Post(SoundDetected{Level: level, At: now})
}
