package recognition

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/event"
	"github.com/lexiqai/duplex-voice/internal/observability"
)

// State is the lifecycle state of the capture stream
type State int

const (
	StateIdle State = iota
	StateRunning
	StateRestartPending
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateRestartPending:
		return "restart-pending"
	default:
		return "unknown"
	}
}

// UtteranceFinal is a finalized user transcript ready for the backend
type UtteranceFinal struct {
	Text string
	// BestEffort is set when the transcript was promoted from an interim
	// result because the stream ended before a final arrived.
	BestEffort bool
}

// Kind implements event.Event
func (UtteranceFinal) Kind() string { return "utterance_final" }

// Interruption means the user is speaking over an interruptible utterance
type Interruption struct {
	Source string // "interim" or "speech_start"
}

// Kind implements event.Event
func (Interruption) Kind() string { return "interruption" }

// CaptureUnavailable is raised when capture can no longer continue
type CaptureUnavailable struct {
	Err error
}

// Kind implements event.Event
func (CaptureUnavailable) Kind() string { return "capture_unavailable" }

// Gate tells the manager whether agent speech may currently be interrupted
type Gate interface {
	Interruptible() bool
}

// GateFunc adapts a function to Gate
type GateFunc func() bool

// Interruptible implements Gate
func (f GateFunc) Interruptible() bool { return f() }

// ManagerConfig holds recognition lifecycle settings
type ManagerConfig struct {
	MinTranscriptLength int           // Shortest transcript worth forwarding
	RestartDelay        time.Duration // Delay before restarting an ended stream
	RetryDelay          time.Duration // Delay before the single retry of a failed start
	ErrorRestartDelay   time.Duration // Delay before restarting after a stream error
}

// DefaultManagerConfig returns the default lifecycle settings
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MinTranscriptLength: 3,
		RestartDelay:        100 * time.Millisecond,
		RetryDelay:          200 * time.Millisecond,
		ErrorRestartDelay:   500 * time.Millisecond,
	}
}

// streamEvent carries an engine event tagged with the stream it came from
type streamEvent struct {
	generation uint64
	ev         event.Event
}

func (streamEvent) Kind() string { return "recognition_stream" }

// restartDue fires when a scheduled restart timer elapses
type restartDue struct {
	seq   uint64
	retry bool
}

func (restartDue) Kind() string { return "recognition_restart_due" }

// Manager owns the continuous capture stream.
//
// All methods, including Handle, must be called from the event loop that
// drains sink. Engine callbacks and timer expiries are posted to sink and
// come back through Handle, so the manager never needs a lock.
type Manager struct {
	engine Engine
	sink   event.Sink
	clock  event.Clock
	gate   Gate
	config ManagerConfig
	logger zerolog.Logger

	state      State
	wanted     bool
	generation uint64

	restartTimer event.Timer
	restartSeq   uint64

	interim      []string
	lastFinal    string
	interrupting bool
}

// NewManager creates a lifecycle manager. A nil engine makes Start report ErrUnsupported.
func NewManager(engine Engine, sink event.Sink, clock event.Clock, gate Gate, config ManagerConfig, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = event.SystemClock{}
	}
	if gate == nil {
		gate = GateFunc(func() bool { return false })
	}
	if config.MinTranscriptLength <= 0 {
		config.MinTranscriptLength = 1
	}
	return &Manager{
		engine: engine,
		sink:   sink,
		clock:  clock,
		gate:   gate,
		config: config,
		logger: logger.With().Str("component", "recognition").Logger(),
	}
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	return m.state
}

// RestartPending reports whether a restart timer is outstanding
func (m *Manager) RestartPending() bool {
	return m.restartTimer != nil
}

// Start begins continuous capture. It is a no-op while running.
func (m *Manager) Start() error {
	if m.engine == nil {
		return ErrUnsupported
	}

	m.wanted = true
	switch m.state {
	case StateRunning:
		return nil
	case StateRestartPending:
		m.cancelRestart()
	}
	return m.begin(false)
}

// Stop ends capture, cancels any pending restart and returns to idle
func (m *Manager) Stop() {
	m.wanted = false
	m.cancelRestart()
	if m.state == StateRunning && m.engine != nil {
		m.engine.Stop()
	}
	// Anything still in flight from the old stream is now stale
	m.generation++
	m.state = StateIdle
	m.interim = nil
	m.interrupting = false
}

// ResetTranscripts forgets the duplicate guard. Called when a session ends.
func (m *Manager) ResetTranscripts() {
	m.lastFinal = ""
	m.interim = nil
}

// Handle processes manager-internal events. It returns false for events
// that belong to someone else.
func (m *Manager) Handle(ev event.Event) bool {
	switch e := ev.(type) {
	case streamEvent:
		if e.generation != m.generation {
			m.logger.Debug().Str("event", e.ev.Kind()).Msg("Dropping event from stale capture stream")
			if r, ok := e.ev.(Result); ok && r.Final {
				observability.RecordTranscript("dropped_stale")
			}
			return true
		}
		m.handleStream(e.ev)
		return true
	case restartDue:
		m.handleRestartDue(e)
		return true
	default:
		return false
	}
}

func (m *Manager) handleStream(ev event.Event) {
	switch e := ev.(type) {
	case Result:
		if e.Final {
			m.onFinal(e.Text)
		} else {
			m.onInterim(e.Text)
		}
	case SpeechStarted:
		if m.gate.Interruptible() {
			m.sink.Post(Interruption{Source: "speech_start"})
		}
	case Ended:
		m.onEnded()
	case Failed:
		m.onFailed(e.Err)
	}
}

func (m *Manager) onInterim(text string) {
	text = strings.TrimSpace(text)
	if !m.longEnough(text) {
		return
	}
	m.interim = append(m.interim, text)

	if !m.gate.Interruptible() {
		// Any earlier interruption has been honored
		m.interrupting = false
		return
	}
	if !m.interrupting {
		m.interrupting = true
		m.logger.Debug().Str("interim", text).Msg("Interim speech while agent is speaking")
		m.sink.Post(Interruption{Source: "interim"})
	}
}

func (m *Manager) onFinal(text string) {
	text = strings.TrimSpace(text)
	m.interim = nil
	m.interrupting = false

	switch {
	case text == "":
		observability.RecordTranscript("dropped_empty")
		return
	case !m.longEnough(text):
		observability.RecordTranscript("dropped_short")
		return
	case text == m.lastFinal:
		m.logger.Debug().Str("transcript", text).Msg("Dropping duplicate final transcript")
		observability.RecordTranscript("dropped_duplicate")
		return
	}

	m.lastFinal = text
	observability.RecordTranscript("forwarded")
	m.sink.Post(UtteranceFinal{Text: text})
}

// longEnough counts characters, not bytes
func (m *Manager) longEnough(text string) bool {
	return utf8.RuneCountInString(text) >= m.config.MinTranscriptLength
}

func (m *Manager) onEnded() {
	m.logger.Debug().Msg("Capture stream ended")

	if len(m.interim) > 0 && !m.interrupting {
		latest := m.interim[len(m.interim)-1]
		if latest != m.lastFinal {
			m.lastFinal = latest
			observability.RecordTranscript("best_effort")
			m.sink.Post(UtteranceFinal{Text: latest, BestEffort: true})
		}
	}
	m.interim = nil
	m.interrupting = false

	m.state = StateIdle
	if m.wanted {
		m.scheduleRestart(m.config.RestartDelay, false)
	}
}

func (m *Manager) onFailed(err error) {
	m.interrupting = false
	m.state = StateIdle

	if IsTerminal(err) {
		m.logger.Error().Err(err).Msg("Capture is not permitted")
		m.wanted = false
		m.cancelRestart()
		m.sink.Post(CaptureUnavailable{Err: err})
		return
	}

	m.logger.Warn().Err(err).Msg("Capture stream error")
	if m.wanted {
		m.scheduleRestart(m.config.ErrorRestartDelay, false)
	}
}

func (m *Manager) handleRestartDue(e restartDue) {
	if m.restartTimer == nil || e.seq != m.restartSeq {
		return
	}
	m.restartTimer = nil
	m.state = StateIdle

	if !m.wanted {
		return
	}
	if err := m.begin(e.retry); err != nil {
		m.logger.Debug().Err(err).Msg("Capture restart failed")
	}
}

// begin starts a new stream generation
func (m *Manager) begin(retry bool) error {
	m.generation++
	gen := m.generation
	sink := m.sink

	err := m.engine.Start(func(ev event.Event) {
		sink.Post(streamEvent{generation: gen, ev: ev})
	})
	if err == nil {
		m.state = StateRunning
		if retry {
			observability.RecordCaptureRestart("retried")
		} else {
			observability.RecordCaptureRestart("restarted")
		}
		return nil
	}

	m.state = StateIdle
	switch {
	case IsTerminal(err):
		m.logger.Error().Err(err).Msg("Capture is not permitted")
		m.wanted = false
		m.sink.Post(CaptureUnavailable{Err: err})
	case IsTransient(err) && !retry:
		m.logger.Info().Err(err).Msg("Capture start failed, retrying once")
		observability.RecordCaptureRestart("retry")
		m.scheduleRestart(m.config.RetryDelay, true)
		return nil
	case IsTransient(err):
		m.logger.Warn().Err(err).Msg("Capture retry failed, giving up")
		observability.RecordCaptureRestart("gave_up")
		return nil
	default:
		m.logger.Warn().Err(err).Msg("Capture start failed")
	}
	return err
}

// scheduleRestart replaces any pending restart with a new one
func (m *Manager) scheduleRestart(delay time.Duration, retry bool) {
	m.cancelRestart()

	m.restartSeq++
	seq := m.restartSeq
	sink := m.sink
	m.restartTimer = m.clock.AfterFunc(delay, func() {
		sink.Post(restartDue{seq: seq, retry: retry})
	})
	m.state = StateRestartPending
	observability.RecordCaptureRestart("scheduled")
}

func (m *Manager) cancelRestart() {
	if m.restartTimer == nil {
		return
	}
	m.restartTimer.Stop()
	m.restartTimer = nil
	if m.state == StateRestartPending {
		m.state = StateIdle
	}
}
