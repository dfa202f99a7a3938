package conversation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/audio"
	"github.com/lexiqai/duplex-voice/internal/event"
	"github.com/lexiqai/duplex-voice/internal/recognition"
	"github.com/lexiqai/duplex-voice/internal/synthesis"
)

type fakeCapture struct {
	starts   int
	stops    int
	resets   int
	startErr error
}

func (f *fakeCapture) Start() error {
	f.starts++
	return f.startErr
}

func (f *fakeCapture) Stop()             { f.stops++ }
func (f *fakeCapture) ResetTranscripts() { f.resets++ }

type fakeSpeech struct {
	spoken   []synthesis.Utterance
	active   bool
	cancels  int
	speakErr error
}

func (f *fakeSpeech) Speak(text string, interruptible bool) (synthesis.Utterance, error) {
	if f.speakErr != nil {
		return synthesis.Utterance{}, f.speakErr
	}
	u := synthesis.Utterance{
		ID:            fmt.Sprintf("u%d", len(f.spoken)+1),
		Text:          text,
		Interruptible: interruptible,
	}
	f.spoken = append(f.spoken, u)
	f.active = true
	return u, nil
}

// Cancel counts only cancellations of an active utterance
func (f *fakeSpeech) Cancel() bool {
	if !f.active {
		return false
	}
	f.active = false
	f.cancels++
	return true
}

func (f *fakeSpeech) last() synthesis.Utterance {
	return f.spoken[len(f.spoken)-1]
}

type fakeMonitor struct {
	armed bool
}

func (f *fakeMonitor) Arm(on bool) { f.armed = on }

type fakeGateway struct {
	inits     []string
	submitted []string
	submitErr error
}

func (f *fakeGateway) InitializeConversation(mode string) error {
	f.inits = append(f.inits, mode)
	return nil
}

func (f *fakeGateway) SubmitUtterance(text string) error {
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, text)
	return nil
}

type sessionHarness struct {
	t       *testing.T
	loop    *event.Loop
	clock   *event.ManualClock
	capture *fakeCapture
	speech  *fakeSpeech
	monitor *fakeMonitor
	gateway *fakeGateway
	session *Session
	states  []State
}

func newSessionHarness(t *testing.T) *sessionHarness {
	h := &sessionHarness{
		t:       t,
		clock:   event.NewManualClock(time.Unix(0, 0)),
		capture: &fakeCapture{},
		speech:  &fakeSpeech{},
		monitor: &fakeMonitor{},
		gateway: &fakeGateway{},
	}
	h.loop = event.NewLoop(nil)
	h.session = NewSession(Deps{
		Capture: h.capture,
		Speech:  h.speech,
		Monitor: h.monitor,
		Gateway: h.gateway,
		Sink:    h.loop,
		Clock:   h.clock,
	}, DefaultConfig(), zerolog.Nop())
	h.loop.SetHandler(h.session.Handle)
	h.session.OnStatus(func(s Status) {
		if len(h.states) == 0 || h.states[len(h.states)-1] != s.State {
			h.states = append(h.states, s.State)
		}
	})
	return h
}

func (h *sessionHarness) post(ev event.Event) {
	h.loop.Post(ev)
	h.loop.Drain()
}

func (h *sessionHarness) advance(d time.Duration) {
	h.clock.Advance(d)
	h.loop.Drain()
}

func (h *sessionHarness) expectState(want State) {
	h.t.Helper()
	if got := h.session.State(); got != want {
		h.t.Fatalf("Expected state %s, got %s", want, got)
	}
}

// greet starts a conversation and plays the greeting to completion
func (h *sessionHarness) greet() {
	h.t.Helper()
	h.post(Start{})
	h.post(ConversationReady{Greeting: "Good morning! How can I help?"})
	h.advance(300 * time.Millisecond)
	h.post(synthesis.Ended{Utterance: h.speech.last()})
	h.expectState(StateListening)
}

// reply submits a user utterance and lets the agent start answering
func (h *sessionHarness) reply(user, agent string) {
	h.t.Helper()
	h.post(recognition.UtteranceFinal{Text: user})
	h.expectState(StateThinking)
	h.post(AgentReply{Text: agent})
	h.expectState(StateSpeaking)
}

func TestSession_GreetingScenario(t *testing.T) {
	h := newSessionHarness(t)

	h.post(Start{})
	h.expectState(StateListening)
	if len(h.gateway.inits) != 1 || h.gateway.inits[0] != ModeVoice {
		t.Fatalf("Expected one voice initialization, got %v", h.gateway.inits)
	}
	if h.capture.starts != 1 {
		t.Errorf("Expected capture to start with the conversation, got %d starts", h.capture.starts)
	}

	h.post(ConversationReady{Greeting: "Good morning! I'm Lexi."})
	h.expectState(StateListening)
	h.advance(300 * time.Millisecond)

	h.expectState(StateSpeaking)
	greeting := h.speech.last()
	if greeting.Interruptible {
		t.Error("Expected greeting to be non-interruptible")
	}
	if h.session.Interruptible() || h.monitor.armed {
		t.Error("Expected interruption disabled during greeting")
	}

	h.post(synthesis.Ended{Utterance: greeting})
	h.expectState(StateListening)

	want := []State{StateListening, StateSpeaking, StateListening}
	if fmt.Sprint(h.states) != fmt.Sprint(want) {
		t.Errorf("Expected states %v, got %v", want, h.states)
	}
}

func TestSession_GreetingIsNotInterruptible(t *testing.T) {
	h := newSessionHarness(t)
	h.post(Start{})
	h.post(ConversationReady{Greeting: "Good evening!"})
	h.advance(300 * time.Millisecond)

	for i := 0; i < 10; i++ {
		h.post(audio.SoundDetected{Level: 9000})
		h.post(recognition.Interruption{Source: "interim"})
	}
	h.expectState(StateSpeaking)
	if h.speech.cancels != 0 {
		t.Errorf("Expected no cancellation during greeting, got %d", h.speech.cancels)
	}

	h.post(synthesis.Ended{Utterance: h.speech.last()})
	h.reply("what time is it", "It is noon.")
	if !h.speech.last().Interruptible || !h.session.Interruptible() || !h.monitor.armed {
		t.Error("Expected replies after the greeting to be interruptible")
	}
}

func TestSession_FinalDuringGreetingIsHeld(t *testing.T) {
	h := newSessionHarness(t)
	h.post(Start{})
	h.post(ConversationReady{Greeting: "Good afternoon!"})
	h.advance(300 * time.Millisecond)

	h.post(recognition.UtteranceFinal{Text: "tell me a joke"})
	h.expectState(StateSpeaking)
	if len(h.gateway.submitted) != 0 {
		t.Fatalf("Expected nothing submitted during greeting, got %v", h.gateway.submitted)
	}

	h.post(synthesis.Ended{Utterance: h.speech.last()})
	h.expectState(StateThinking)
	if len(h.gateway.submitted) != 1 || h.gateway.submitted[0] != "tell me a joke" {
		t.Errorf("Expected held utterance to be submitted, got %v", h.gateway.submitted)
	}
}

func TestSession_NoGreeting(t *testing.T) {
	h := newSessionHarness(t)
	h.post(Start{})
	h.post(ConversationReady{})
	h.advance(time.Second)

	h.expectState(StateListening)
	if len(h.speech.spoken) != 0 {
		t.Errorf("Expected nothing spoken, got %d", len(h.speech.spoken))
	}

	h.post(recognition.UtteranceFinal{Text: "hello there"})
	h.expectState(StateThinking)
}

func TestSession_InterruptionScenario(t *testing.T) {
	sources := []event.Event{
		audio.SoundDetected{Level: 1200},
		recognition.Interruption{Source: "interim"},
		recognition.Interruption{Source: "speech_start"},
	}

	for _, ev := range sources {
		t.Run(ev.Kind(), func(t *testing.T) {
			h := newSessionHarness(t)
			h.greet()
			h.reply("explain photosynthesis", "Photosynthesis is how plants make food from light.")

			startsBefore, stopsBefore := h.capture.starts, h.capture.stops
			h.post(ev)
			h.post(ev)

			h.expectState(StateListening)
			if h.speech.cancels != 1 {
				t.Errorf("Expected exactly 1 cancel, got %d", h.speech.cancels)
			}
			if h.capture.stops != stopsBefore || h.capture.starts != startsBefore {
				t.Error("Expected capture to be neither stopped nor restarted")
			}
			if h.monitor.armed {
				t.Error("Expected monitor to be disarmed after interruption")
			}
		})
	}
}

func TestSession_FinalDuringReplyBargesIn(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.reply("first question", "A long answer.")

	h.post(recognition.UtteranceFinal{Text: "actually never mind"})

	h.expectState(StateThinking)
	if h.speech.cancels != 1 {
		t.Errorf("Expected reply to be cancelled, got %d cancels", h.speech.cancels)
	}
	if got := h.gateway.submitted[len(h.gateway.submitted)-1]; got != "actually never mind" {
		t.Errorf("Expected barge-in utterance submitted, got %q", got)
	}
}

func TestSession_StaleSpeechEventsIgnored(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.reply("question", "answer")
	cancelled := h.speech.last()

	h.post(recognition.Interruption{Source: "interim"})
	h.post(recognition.UtteranceFinal{Text: "next question"})
	h.expectState(StateThinking)

	// Terminal events from the cancelled utterance must not advance the state
	h.post(synthesis.Ended{Utterance: cancelled})
	h.post(synthesis.Failed{Utterance: cancelled, Err: errors.New("interrupted")})
	h.expectState(StateThinking)
}

func TestSession_SpeechEndResumesListening(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.reply("hi", "Hello!")
	starts := h.capture.starts

	h.post(synthesis.Ended{Utterance: h.speech.last()})

	h.expectState(StateListening)
	if h.capture.starts != starts+1 {
		t.Errorf("Expected capture to be continued, got %d starts", h.capture.starts-starts)
	}
	if h.capture.stops != 0 {
		t.Errorf("Expected no capture stop, got %d", h.capture.stops)
	}
}

func TestSession_SynthesisErrorCountsAsCompletion(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.reply("hi", "Hello!")

	h.post(synthesis.Failed{Utterance: h.speech.last(), Err: errors.New("voice broken")})
	h.expectState(StateListening)

	h.post(recognition.UtteranceFinal{Text: "are you there"})
	h.expectState(StateThinking)
}

func TestSession_SynthesisUnsupported(t *testing.T) {
	h := newSessionHarness(t)
	h.speech.speakErr = synthesis.ErrUnsupported

	h.post(Start{})
	h.post(ConversationReady{Greeting: "Hello!"})
	h.advance(300 * time.Millisecond)

	h.expectState(StateListening)
	if !h.session.Status().Unavailable {
		t.Error("Expected status to report unavailable synthesis")
	}

	h.post(recognition.UtteranceFinal{Text: "can you hear me"})
	h.post(AgentReply{Text: "Yes."})
	h.expectState(StateListening)
}

func TestSession_BackendErrorWhileThinking(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.post(recognition.UtteranceFinal{Text: "what's the weather"})
	h.expectState(StateThinking)

	h.post(BackendError{Message: "Failed to process message: quota exceeded"})

	h.expectState(StateIdle)
	if h.capture.stops == 0 {
		t.Error("Expected capture to be stopped")
	}
	if h.capture.resets == 0 {
		t.Error("Expected transcripts to be reset")
	}
	if status := h.session.Status(); status.Err == "" {
		t.Error("Expected error to be surfaced in status")
	}
}

func TestSession_ReplyTimeout(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.post(recognition.UtteranceFinal{Text: "slow question"})

	h.advance(29 * time.Second)
	h.expectState(StateThinking)
	h.advance(time.Second)
	h.expectState(StateIdle)
}

func TestSession_ReplyCancelsTimeout(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.reply("question", "answer")

	h.advance(time.Minute)
	h.expectState(StateSpeaking)
}

func TestSession_DropsFinalWhileThinking(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.post(recognition.UtteranceFinal{Text: "first"})
	h.post(recognition.UtteranceFinal{Text: "second"})

	if len(h.gateway.submitted) != 1 {
		t.Errorf("Expected 1 submission while thinking, got %v", h.gateway.submitted)
	}
}

func TestSession_CaptureUnavailable(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.reply("hello", "Hi there!")

	h.post(recognition.CaptureUnavailable{Err: recognition.ErrPermissionDenied})

	h.expectState(StateIdle)
	if h.speech.cancels != 1 {
		t.Errorf("Expected utterance to be cancelled, got %d", h.speech.cancels)
	}
	status := h.session.Status()
	if !status.Unavailable || status.String() != "unavailable" {
		t.Errorf("Expected unavailable status, got %+v", status)
	}
}

func TestSession_CaptureUnsupportedOnStart(t *testing.T) {
	h := newSessionHarness(t)
	h.capture.startErr = recognition.ErrUnsupported

	h.post(Start{})

	h.expectState(StateIdle)
	if len(h.gateway.inits) != 0 {
		t.Error("Expected no backend initialization without capture")
	}
	if !h.session.Status().Unavailable {
		t.Error("Expected unavailable status")
	}
}

func TestSession_StopClearsEverything(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.reply("question", "answer")

	h.post(Stop{})

	h.expectState(StateIdle)
	if h.speech.cancels != 1 || h.capture.stops != 1 {
		t.Errorf("Expected cancel and capture stop, got %d cancels %d stops", h.speech.cancels, h.capture.stops)
	}
	if h.clock.Pending() != 0 {
		t.Errorf("Expected no pending timers, got %d", h.clock.Pending())
	}

	// Late events from the ended conversation are dropped
	h.post(recognition.UtteranceFinal{Text: "late transcript"})
	h.post(AgentReply{Text: "late reply"})
	h.expectState(StateIdle)
	if len(h.gateway.submitted) != 1 {
		t.Errorf("Expected no late submission, got %v", h.gateway.submitted)
	}
}

func TestSession_RestartSkipsGreetingWhenInitialized(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.post(Stop{})

	h.post(Start{})
	h.expectState(StateListening)
	if len(h.gateway.inits) != 1 {
		t.Errorf("Expected no second initialization, got %d", len(h.gateway.inits))
	}

	h.post(Disconnected{})
	h.expectState(StateIdle)
	h.post(Start{})
	if len(h.gateway.inits) != 2 {
		t.Errorf("Expected initialization after disconnect, got %d", len(h.gateway.inits))
	}
}

func TestSession_SuspendResume(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	starts := h.capture.starts

	h.post(Suspend{})
	if h.capture.stops != 1 {
		t.Errorf("Expected capture stop on suspend, got %d", h.capture.stops)
	}
	if !h.session.Status().Suspended {
		t.Error("Expected suspended status")
	}

	h.post(Resume{})
	h.advance(100 * time.Millisecond)
	if h.capture.starts != starts {
		t.Error("Expected capture to wait for the resume delay")
	}
	h.advance(100 * time.Millisecond)
	if h.capture.starts != starts+1 {
		t.Errorf("Expected capture restart after resume, got %d", h.capture.starts-starts)
	}
	h.expectState(StateListening)

	// The suspend timeout was cancelled by resume
	h.advance(2 * time.Minute)
	h.expectState(StateListening)
}

func TestSession_SuspendTimeout(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()

	h.post(Suspend{})
	h.advance(59 * time.Second)
	h.expectState(StateListening)
	h.advance(time.Second)
	h.expectState(StateIdle)
}

func TestSession_SubmitFailure(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.gateway.submitErr = errors.New("connection reset")

	h.post(recognition.UtteranceFinal{Text: "are you there"})

	h.expectState(StateIdle)
	if h.session.Status().Err == "" {
		t.Error("Expected submit failure in status")
	}
}

func TestSession_Toggle(t *testing.T) {
	h := newSessionHarness(t)

	h.post(Toggle{})
	h.expectState(StateListening)

	h.post(Toggle{})
	h.expectState(StateIdle)
	if h.capture.stops != 1 {
		t.Errorf("Expected capture stop, got %d", h.capture.stops)
	}

	// A session that tore itself down starts again on the next toggle
	h.post(Toggle{})
	// The abandoned first initialization is answered first
	h.post(ConversationReady{Greeting: "Hello!"})
	h.post(BackendError{Message: "quota exceeded"})
	h.expectState(StateIdle)
	h.post(Toggle{})
	h.expectState(StateListening)
}

func TestSession_LateReplyFromEndedConversationDropped(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.post(recognition.UtteranceFinal{Text: "first question"})
	h.post(Stop{})

	h.post(Start{})
	h.expectState(StateListening)
	h.post(recognition.UtteranceFinal{Text: "second question"})
	h.expectState(StateThinking)
	spoken := len(h.speech.spoken)

	h.post(AgentReply{Text: "answer to the first question"})
	h.expectState(StateThinking)
	if len(h.speech.spoken) != spoken {
		t.Fatalf("Expected the late reply not to be spoken, got %q", h.speech.last().Text)
	}

	h.post(AgentReply{Text: "answer to the second question"})
	h.expectState(StateSpeaking)
	if got := h.speech.last().Text; got != "answer to the second question" {
		t.Errorf("Expected the current reply to be spoken, got %q", got)
	}
}

func TestSession_LateErrorAfterReplyTimeoutDropped(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.post(recognition.UtteranceFinal{Text: "slow question"})
	h.advance(30 * time.Second)
	h.expectState(StateIdle)

	h.post(Start{})
	h.expectState(StateListening)

	h.post(BackendError{Message: "Failed to process text message: deadline exceeded"})
	h.expectState(StateListening)
	if err := h.session.Status().Err; err != "" {
		t.Errorf("Expected no error in the new conversation, got %q", err)
	}

	// Requests of the new conversation are answered normally
	h.reply("next question", "next answer")
}

func TestSession_DisconnectForgetsPendingRequests(t *testing.T) {
	h := newSessionHarness(t)
	h.greet()
	h.post(recognition.UtteranceFinal{Text: "question"})
	h.post(Disconnected{})
	h.expectState(StateIdle)

	h.post(Start{})
	if len(h.gateway.inits) != 2 {
		t.Fatalf("Expected initialization on the new connection, got %d", len(h.gateway.inits))
	}
	h.post(ConversationReady{Greeting: "Welcome back!"})
	h.advance(300 * time.Millisecond)
	h.expectState(StateSpeaking)
	if got := h.speech.last().Text; got != "Welcome back!" {
		t.Errorf("Expected greeting of the new connection, got %q", got)
	}
}
