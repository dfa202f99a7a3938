package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/audio"
	"github.com/lexiqai/duplex-voice/internal/event"
	"github.com/lexiqai/duplex-voice/internal/observability"
	"github.com/lexiqai/duplex-voice/internal/recognition"
	"github.com/lexiqai/duplex-voice/internal/synthesis"
)

// Config holds conversation timing
type Config struct {
	Mode           string        // Sent with InitializeConversation
	GreetingDelay  time.Duration // Pause between the backend greeting and speaking it
	ResumeDelay    time.Duration // Pause before capture restarts after Resume
	ReplyTimeout   time.Duration // Longest wait for an agent reply
	SuspendTimeout time.Duration // Longest pause before the session is torn down
}

// DefaultConfig returns the default conversation timing
func DefaultConfig() Config {
	return Config{
		Mode:           ModeVoice,
		GreetingDelay:  300 * time.Millisecond,
		ResumeDelay:    200 * time.Millisecond,
		ReplyTimeout:   30 * time.Second,
		SuspendTimeout: 60 * time.Second,
	}
}

// Deps are the collaborators a session coordinates
type Deps struct {
	Capture Capture
	Speech  Speech
	Monitor SoundMonitor // Optional
	Gateway Gateway
	Sink    event.Sink
	Clock   event.Clock
}

// handler is implemented by collaborators that consume their own events
type handler interface {
	Handle(ev event.Event) bool
}

// oneShot is a single-owner timer. Scheduling always cancels the previous
// run and expiries from a cancelled run are recognised by their sequence.
type oneShot struct {
	kind  timerKind
	clock event.Clock
	sink  event.Sink
	timer event.Timer
	seq   uint64
}

func (o *oneShot) schedule(d time.Duration) {
	o.cancel()
	o.seq++
	due := timerDue{timer: o.kind, seq: o.seq}
	sink := o.sink
	o.timer = o.clock.AfterFunc(d, func() { sink.Post(due) })
}

func (o *oneShot) cancel() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
}

// fire reports whether an expiry is the current run, and consumes it
func (o *oneShot) fire(seq uint64) bool {
	if o.timer == nil || seq != o.seq {
		return false
	}
	o.timer = nil
	return true
}

// Session is the conversation state machine. It consumes events from
// capture, speech, the sound monitor and the backend, and issues commands
// back to them.
//
// Handle must be the handler of the event loop behind Deps.Sink; every other
// method must be called from that loop too.
type Session struct {
	capture Capture
	speech  Speech
	monitor SoundMonitor
	gateway Gateway
	sink    event.Sink
	clock   event.Clock
	config  Config

	baseLogger zerolog.Logger
	logger     zerolog.Logger
	metrics    *observability.Metrics
	onStatus   func(Status)

	state State
	id    string

	initialized   bool // backend conversation survives a stop/start
	awaitingReady bool
	greeting      bool // opening utterance phase, interruption disabled
	greetingText  string
	heldFinal     string
	utterance     *synthesis.Utterance
	suspended     bool

	captureUnavailable bool
	speechUnavailable  bool
	lastErr            string

	// Requests sent on the current connection, oldest first. The backend
	// answers each one exactly once and in order.
	pending []pendingRequest

	timers map[timerKind]*oneShot
}

type pendingRequest struct {
	event string
	stale bool // sent by a conversation that has since ended
}

// NewSession creates an idle session
func NewSession(deps Deps, config Config, logger zerolog.Logger) *Session {
	if deps.Clock == nil {
		deps.Clock = event.SystemClock{}
	}
	if config.Mode == "" {
		config.Mode = ModeVoice
	}

	s := &Session{
		capture:    deps.Capture,
		speech:     deps.Speech,
		monitor:    deps.Monitor,
		gateway:    deps.Gateway,
		sink:       deps.Sink,
		clock:      deps.Clock,
		config:     config,
		baseLogger: logger.With().Str("component", "conversation").Logger(),
		metrics:    observability.NewSessionMetrics(""),
		timers:     make(map[timerKind]*oneShot),
	}
	s.logger = s.baseLogger
	for _, kind := range []timerKind{greetingTimer, replyTimer, resumeTimer, suspendTimer} {
		s.timers[kind] = &oneShot{kind: kind, clock: deps.Clock, sink: deps.Sink}
	}
	return s
}

// OnStatus registers a function called on the loop whenever the status changes
func (s *Session) OnStatus(fn func(Status)) {
	s.onStatus = fn
}

// State returns the current conversation state
func (s *Session) State() State {
	return s.state
}

// ID returns the current session id, empty before the first start
func (s *Session) ID() string {
	return s.id
}

// Status returns what the status indicator should show
func (s *Session) Status() Status {
	return Status{
		State:       s.state,
		Unavailable: s.captureUnavailable || s.speechUnavailable,
		Suspended:   s.suspended,
		Err:         s.lastErr,
	}
}

// Interruptible reports whether agent speech may be cut off right now.
// It is the gate for recognition interruptions and arms the sound monitor.
func (s *Session) Interruptible() bool {
	return s.state == StateSpeaking && s.utterance != nil && s.utterance.Interruptible
}

// Handle dispatches one event. Collaborator-internal events are routed to
// the collaborator that owns them first.
func (s *Session) Handle(ev event.Event) {
	for _, c := range []any{s.capture, s.speech} {
		if h, ok := c.(handler); ok && h.Handle(ev) {
			return
		}
	}

	switch e := ev.(type) {
	case Start:
		s.start()
	case Stop:
		s.teardown("")
	case Toggle:
		if s.state == StateIdle {
			s.start()
		} else {
			s.teardown("")
		}
	case Suspend:
		s.suspend()
	case Resume:
		s.resume()

	case ConversationReady:
		if s.answerIsCurrent(ev) {
			s.onReady(e)
		}
	case AgentReply:
		if s.answerIsCurrent(ev) {
			s.onReply(e)
		}
	case BackendError:
		if s.answerIsCurrent(ev) {
			s.onBackendError(e)
		}
	case Disconnected:
		s.initialized = false
		// A new connection never answers requests sent on the old one
		s.pending = nil
		if s.state != StateIdle {
			msg := "backend disconnected"
			if e.Err != nil {
				msg = fmt.Sprintf("backend disconnected: %v", e.Err)
			}
			s.teardown(msg)
		}

	case recognition.UtteranceFinal:
		s.onFinal(e)
	case recognition.Interruption:
		s.interrupt(e.Source)
	case audio.SoundDetected:
		s.interrupt("sound")
	case recognition.CaptureUnavailable:
		s.captureUnavailable = true
		s.metrics.RecordError("capture_unavailable", "recognition")
		s.teardown(fmt.Sprintf("speech capture unavailable: %v", e.Err))

	case synthesis.Started:
		if s.utterance != nil && s.utterance.ID == e.Utterance.ID {
			s.metrics.RecordSpeakStarted()
		}
	case synthesis.Ended:
		s.onSpeechDone(e.Utterance, nil)
	case synthesis.Failed:
		s.onSpeechDone(e.Utterance, e.Err)

	case timerDue:
		s.onTimer(e)

	default:
		s.logger.Debug().Str("event", ev.Kind()).Msg("Ignoring unhandled event")
	}
}

func (s *Session) start() {
	if s.state != StateIdle {
		return
	}

	s.id = uuid.New().String()
	s.logger = s.baseLogger.With().
		Str("session_id", s.id).
		Str("correlation_id", observability.NewCorrelationID()).
		Logger()
	s.metrics = observability.NewSessionMetrics(s.id)
	s.metrics.RecordSessionStart()
	s.lastErr = ""

	s.transition(StateListening)
	s.logger.Info().Bool("resuming", s.initialized).Msg("Conversation started")

	if err := s.capture.Start(); err != nil {
		if errors.Is(err, recognition.ErrUnsupported) {
			s.captureUnavailable = true
		}
		s.teardown(fmt.Sprintf("failed to start speech capture: %v", err))
		return
	}
	s.captureUnavailable = false

	if s.initialized {
		// The backend still holds our conversation, so skip the greeting
		return
	}

	s.awaitingReady = true
	if err := s.gateway.InitializeConversation(s.config.Mode); err != nil {
		observability.RecordBackendRequest("initializeChat", false, 0)
		s.teardown(fmt.Sprintf("failed to initialize conversation: %v", err))
		return
	}
	s.pending = append(s.pending, pendingRequest{event: "initializeChat"})
}

// answerIsCurrent consumes the oldest pending request for a backend answer.
// Answers to requests from an ended conversation are dropped here so a late
// reply is never spoken, or a late error reported, in the next one.
func (s *Session) answerIsCurrent(ev event.Event) bool {
	if len(s.pending) == 0 {
		return true
	}
	req := s.pending[0]
	s.pending = s.pending[1:]
	if req.stale {
		s.logger.Debug().
			Str("event", ev.Kind()).
			Str("request", req.event).
			Msg("Dropping answer to an abandoned request")
		return false
	}
	return true
}

func (s *Session) onReady(e ConversationReady) {
	if s.state == StateIdle || !s.awaitingReady {
		s.logger.Debug().Msg("Dropping unexpected conversation ready")
		return
	}
	s.awaitingReady = false
	s.initialized = true
	observability.RecordBackendRequest("initializeChat", true, 0)

	greeting := strings.TrimSpace(e.Greeting)
	if greeting == "" {
		return
	}
	s.greeting = true
	s.greetingText = greeting
	s.timers[greetingTimer].schedule(s.config.GreetingDelay)
}

func (s *Session) onFinal(e recognition.UtteranceFinal) {
	log := s.logger.Debug().Str("transcript", e.Text).Bool("best_effort", e.BestEffort)

	switch {
	case s.state == StateIdle:
		log.Msg("Dropping transcript outside a conversation")
	case s.greeting:
		// No interruption during the greeting, but the turn is not lost
		s.heldFinal = e.Text
		log.Msg("Holding transcript until the greeting ends")
	case s.state == StateListening:
		log.Msg("User utterance")
		s.submit(e.Text)
	case s.state == StateSpeaking && s.Interruptible():
		log.Msg("User utterance over agent speech")
		s.cancelSpeech("final")
		s.submit(e.Text)
	case s.state == StateThinking:
		observability.RecordTranscript("dropped_busy")
		log.Msg("Dropping transcript while waiting for a reply")
	default:
		s.heldFinal = e.Text
		log.Msg("Holding transcript until speech ends")
	}
}

func (s *Session) submit(text string) {
	s.transition(StateThinking)
	s.metrics.RecordReplyStart()

	if err := s.gateway.SubmitUtterance(text); err != nil {
		s.metrics.RecordReplyEnd(false)
		s.teardown(fmt.Sprintf("failed to send message: %v", err))
		return
	}
	s.pending = append(s.pending, pendingRequest{event: "textMessage"})
	s.timers[replyTimer].schedule(s.config.ReplyTimeout)
}

func (s *Session) onReply(e AgentReply) {
	if s.state != StateThinking {
		s.logger.Debug().Str("state", s.state.String()).Msg("Dropping agent reply outside thinking")
		return
	}
	s.timers[replyTimer].cancel()
	s.metrics.RecordReplyEnd(true)

	text := strings.TrimSpace(e.Text)
	if text == "" {
		s.transition(StateListening)
		return
	}
	s.speak(text, true)
}

func (s *Session) onBackendError(e BackendError) {
	s.metrics.RecordError("backend", "gateway")
	if s.state == StateIdle {
		s.logger.Warn().Str("message", e.Message).Msg("Backend error outside a conversation")
		return
	}
	if s.state == StateThinking {
		s.metrics.RecordReplyEnd(false)
	}
	s.teardown(e.Message)
}

func (s *Session) speak(text string, interruptible bool) {
	s.metrics.RecordSpeakStart()

	u, err := s.speech.Speak(text, interruptible)
	if err != nil {
		if errors.Is(err, synthesis.ErrUnsupported) {
			s.speechUnavailable = true
		}
		s.logger.Warn().Err(err).Str("text", text).Msg("Could not speak, continuing without audio")
		s.metrics.RecordUtterance("failed")
		s.afterSpeech()
		return
	}

	s.utterance = &u
	s.transition(StateSpeaking)
	s.arm(interruptible)
}

func (s *Session) onSpeechDone(u synthesis.Utterance, err error) {
	if s.utterance == nil || s.utterance.ID != u.ID {
		s.logger.Debug().Str("utterance_id", u.ID).Msg("Dropping event for inactive utterance")
		return
	}

	if err != nil {
		// A broken voice must not stall the conversation
		s.logger.Warn().Err(err).Str("utterance_id", u.ID).Msg("Speech failed, treating as finished")
		s.metrics.RecordUtterance("failed")
	} else {
		s.metrics.RecordUtterance("completed")
	}
	s.afterSpeech()
}

// afterSpeech returns to listening once an utterance is over
func (s *Session) afterSpeech() {
	s.utterance = nil
	s.arm(false)
	if s.greeting {
		s.greeting = false
		s.greetingText = ""
		s.logger.Debug().Msg("Greeting finished, interruption enabled")
	}
	s.transition(StateListening)

	if !s.suspended {
		if err := s.capture.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("Could not continue capture")
		}
	}

	if s.heldFinal != "" {
		text := s.heldFinal
		s.heldFinal = ""
		s.submit(text)
	}
}

func (s *Session) interrupt(source string) {
	if !s.Interruptible() {
		return
	}
	s.logger.Info().Str("source", source).Str("utterance_id", s.utterance.ID).Msg("Agent interrupted")
	s.cancelSpeech(source)
	s.transition(StateListening)
}

// cancelSpeech stops the active utterance. Capture keeps running.
func (s *Session) cancelSpeech(source string) {
	s.speech.Cancel()
	s.utterance = nil
	s.arm(false)
	s.metrics.RecordInterruption(source)
	s.metrics.RecordUtterance("interrupted")
}

func (s *Session) suspend() {
	if s.state == StateIdle || s.suspended {
		return
	}
	s.suspended = true
	s.timers[resumeTimer].cancel()
	s.capture.Stop()
	s.timers[suspendTimer].schedule(s.config.SuspendTimeout)
	s.logger.Info().Str("state", s.state.String()).Msg("Conversation paused")
	s.notify()
}

func (s *Session) resume() {
	if !s.suspended {
		return
	}
	s.suspended = false
	s.timers[suspendTimer].cancel()
	s.timers[resumeTimer].schedule(s.config.ResumeDelay)
	s.logger.Info().Msg("Conversation resumed")
	s.notify()
}

func (s *Session) onTimer(e timerDue) {
	t, ok := s.timers[e.timer]
	if !ok || !t.fire(e.seq) {
		return
	}

	switch e.timer {
	case greetingTimer:
		if s.state == StateListening && s.greeting {
			s.speak(s.greetingText, false)
		}
	case replyTimer:
		if s.state == StateThinking {
			s.metrics.RecordReplyEnd(false)
			s.teardown("timed out waiting for a reply")
		}
	case resumeTimer:
		if s.state != StateIdle && !s.suspended {
			if err := s.capture.Start(); err != nil {
				s.teardown(fmt.Sprintf("failed to resume speech capture: %v", err))
			}
		}
	case suspendTimer:
		if s.suspended {
			s.logger.Info().Msg("Paused conversation expired")
			s.teardown("")
		}
	}
}

// teardown returns to idle and discards all session data. Safe in any state.
func (s *Session) teardown(reason string) {
	wasActive := s.state != StateIdle

	s.speech.Cancel()
	s.capture.Stop()
	s.capture.ResetTranscripts()
	for _, t := range s.timers {
		t.cancel()
	}
	s.arm(false)

	s.utterance = nil
	s.greeting = false
	s.greetingText = ""
	s.heldFinal = ""
	s.awaitingReady = false
	s.suspended = false
	for i := range s.pending {
		s.pending[i].stale = true
	}

	if reason != "" {
		s.lastErr = reason
		s.logger.Error().Str("reason", reason).Msg("Conversation ended with error")
	}

	if !wasActive {
		s.notify()
		return
	}
	s.transition(StateIdle)
	s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Conversation ended")
}

func (s *Session) transition(to State) {
	if s.state == to {
		return
	}
	from := s.state
	s.state = to
	s.metrics.RecordStateTransition(to.String())
	s.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State transition")
	s.notify()
}

func (s *Session) arm(on bool) {
	if s.monitor != nil {
		s.monitor.Arm(on)
	}
}

func (s *Session) notify() {
	if s.onStatus != nil {
		s.onStatus(s.Status())
	}
}
