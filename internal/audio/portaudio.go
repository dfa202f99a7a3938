package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// ErrDeviceUnavailable indicates the audio device could not be opened
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

const tapQueueSize = 64

// Initialize loads the PortAudio host library
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return nil
}

// Terminate releases the PortAudio host library
func Terminate(logger zerolog.Logger) {
	if err := portaudio.Terminate(); err != nil {
		logger.Warn().Err(err).Msg("Error terminating PortAudio")
	}
}

// Microphone captures mono PCM16 from the default input device and fans
// frames out to every open tap. A slow tap drops frames instead of stalling
// capture.
type Microphone struct {
	sampleRate      int
	framesPerBuffer int
	logger          zerolog.Logger

	mu     sync.Mutex
	taps   map[*Tap]struct{}
	failed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMicrophone creates a microphone. Start must be called before taps see frames.
func NewMicrophone(sampleRate, framesPerBuffer int, logger zerolog.Logger) *Microphone {
	return &Microphone{
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
		logger:          logger.With().Str("component", "microphone").Logger(),
		taps:            make(map[*Tap]struct{}),
	}
}

// SampleRate returns the capture rate in Hz
func (m *Microphone) SampleRate() int {
	return m.sampleRate
}

// Start opens the default input device and begins capturing
func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return nil
	}

	buffer := make([]int16, m.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.sampleRate), len(buffer), &buffer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	captureCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.capture(captureCtx, stream, buffer)

	m.logger.Info().Int("sample_rate", m.sampleRate).Msg("Microphone capture started")
	return nil
}

// inputStream is the part of a PortAudio stream that capture reads from
type inputStream interface {
	Read() error
	Stop() error
	Close() error
}

func (m *Microphone) capture(ctx context.Context, stream inputStream, buffer []int16) {
	defer m.wg.Done()
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error().Err(err).Msg("Microphone read error")
			// Consumers see their channel close and can report the loss
			m.fail()
			return
		}

		frame := make([]int16, len(buffer))
		copy(frame, buffer)
		m.broadcast(frame)
	}
}

func (m *Microphone) broadcast(frame []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for tap := range m.taps {
		select {
		case tap.frames <- frame:
		default:
			tap.dropped++
		}
	}
}

// Tap opens a new consumer of captured frames. After a device failure the
// tap is returned already closed.
func (m *Microphone) Tap(name string) *Tap {
	m.mu.Lock()
	defer m.mu.Unlock()

	tap := &Tap{
		name:   name,
		mic:    m,
		frames: make(chan []int16, tapQueueSize),
	}
	if m.failed {
		close(tap.frames)
		return tap
	}
	m.taps[tap] = struct{}{}
	return tap
}

// fail marks the device dead and closes every tap
func (m *Microphone) fail() {
	m.mu.Lock()
	m.failed = true
	m.mu.Unlock()
	m.closeTaps()
}

func (m *Microphone) closeTaps() {
	m.mu.Lock()
	taps := make([]*Tap, 0, len(m.taps))
	for tap := range m.taps {
		taps = append(taps, tap)
	}
	m.mu.Unlock()

	for _, tap := range taps {
		m.detach(tap)
	}
}

func (m *Microphone) detach(tap *Tap) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.taps[tap]; !ok {
		return false
	}
	delete(m.taps, tap)
	close(tap.frames)
	if tap.dropped > 0 {
		m.logger.Debug().Str("tap", tap.name).Int("dropped_frames", tap.dropped).Msg("Tap closed with dropped frames")
	}
	return true
}

// Close stops capture and closes every tap
func (m *Microphone) Close() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}

	m.closeTaps()
	return nil
}

// Tap is one consumer's view of the microphone
type Tap struct {
	name    string
	mic     *Microphone
	frames  chan []int16
	dropped int // guarded by mic.mu
}

// Frames returns the frame channel. It is closed when the tap is closed.
func (t *Tap) Frames() <-chan []int16 {
	return t.frames
}

// Close detaches the tap. Safe to call more than once.
func (t *Tap) Close() error {
	t.mic.detach(t)
	return nil
}

// Speaker plays PCM16 through the default output device
type Speaker struct {
	sampleRate      int
	framesPerBuffer int
	logger          zerolog.Logger

	mu sync.Mutex // one playback at a time
}

// NewSpeaker creates a speaker running at the given device rate
func NewSpeaker(sampleRate, framesPerBuffer int, logger zerolog.Logger) *Speaker {
	return &Speaker{
		sampleRate:      sampleRate,
		framesPerBuffer: framesPerBuffer,
		logger:          logger.With().Str("component", "speaker").Logger(),
	}
}

// Play decodes little-endian PCM16 recorded at inRate and plays it.
// It returns ctx.Err() if playback is cut short by cancellation.
func (s *Speaker) Play(ctx context.Context, pcm []byte, inRate int) error {
	samples, err := DecodePCM16(pcm, inRate, s.sampleRate)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	buffer := make([]int16, s.framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(s.sampleRate), len(buffer), &buffer)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	defer func() {
		_ = stream.Stop()
		_ = stream.Close()
	}()

	for offset := 0; offset < len(samples); {
		if err := ctx.Err(); err != nil {
			s.logger.Debug().Int("played_samples", offset).Msg("Playback cancelled")
			return err
		}
		n := copy(buffer, samples[offset:])
		for i := n; i < len(buffer); i++ {
			buffer[i] = 0
		}
		offset += n
		if err := stream.Write(); err != nil {
			return fmt.Errorf("failed to write audio: %w", err)
		}
	}
	return nil
}
