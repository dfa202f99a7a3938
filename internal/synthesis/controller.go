package synthesis

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/duplex-voice/internal/event"
)

const cancelWait = time.Second

// Started is emitted when an utterance begins producing audio
type Started struct {
	Utterance Utterance
}

// Kind implements event.Event
func (Started) Kind() string { return "synthesis_started" }

// Ended is emitted when an utterance finished playing on its own
type Ended struct {
	Utterance Utterance
}

// Kind implements event.Event
func (Ended) Kind() string { return "synthesis_ended" }

// Failed is emitted when an utterance could not be rendered or played
type Failed struct {
	Utterance Utterance
	Err       error
}

// Kind implements event.Event
func (Failed) Kind() string { return "synthesis_failed" }

type playbackStarted struct{ id string }

func (playbackStarted) Kind() string { return "synthesis_playback_started" }

type playbackDone struct {
	id  string
	err error
}

func (playbackDone) Kind() string { return "synthesis_playback_done" }

type playback struct {
	utterance Utterance
	cancel    context.CancelFunc
	done      chan struct{}
	started   bool
}

// Controller owns agent speech playback. At most one utterance is active.
//
// Like the recognition manager it lives on the event loop: Speak, Cancel
// and Handle must be called from the goroutine that drains sink.
type Controller struct {
	engine Engine
	sink   event.Sink
	policy *VoicePolicy
	logger zerolog.Logger

	voice   Voice
	current *playback
}

// NewController creates a synthesis controller. A nil engine makes Speak report ErrUnsupported.
func NewController(engine Engine, sink event.Sink, policy *VoicePolicy, logger zerolog.Logger) *Controller {
	if policy == nil {
		policy = DefaultVoicePolicy()
	}
	return &Controller{
		engine: engine,
		sink:   sink,
		policy: policy,
		logger: logger.With().Str("component", "synthesis").Logger(),
	}
}

// LoadVoices asks the engine for its voices and applies the preference
// policy. Call it before the event loop starts.
func (c *Controller) LoadVoices(ctx context.Context) error {
	if c.engine == nil {
		return ErrUnsupported
	}

	voices, err := c.engine.Voices(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not list voices, using engine default")
	}

	voice, ok := c.policy.Select(voices)
	if !ok {
		c.logger.Info().Int("voices", len(voices)).Msg("No preferred voice available, using engine default")
		return nil
	}
	c.voice = voice
	c.logger.Info().Str("voice_id", voice.ID).Str("voice_name", voice.Name).Msg("Selected voice")
	return nil
}

// Voice returns the selected voice
func (c *Controller) Voice() Voice {
	return c.voice
}

// Active returns the utterance currently playing, if any
func (c *Controller) Active() (Utterance, bool) {
	if c.current == nil {
		return Utterance{}, false
	}
	return c.current.utterance, true
}

// Speak cancels any active utterance and starts a new one. The
// interruptible flag is fixed for the utterance's lifetime.
func (c *Controller) Speak(text string, interruptible bool) (Utterance, error) {
	if c.engine == nil {
		return Utterance{}, ErrUnsupported
	}
	c.Cancel()

	u := Utterance{
		ID:            uuid.New().String(),
		Text:          text,
		Voice:         c.voice,
		Interruptible: interruptible,
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &playback{
		utterance: u,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.current = p

	engine, sink := c.engine, c.sink
	go func() {
		defer close(p.done)
		err := engine.Speak(ctx, u, func() {
			sink.Post(playbackStarted{id: u.ID})
		})
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		sink.Post(playbackDone{id: u.ID, err: err})
	}()

	c.logger.Debug().
		Str("utterance_id", u.ID).
		Bool("interruptible", interruptible).
		Int("chars", len(text)).
		Msg("Speaking")
	return u, nil
}

// Cancel stops the active utterance and returns at once. No event is
// reported for the cancelled utterance. Safe to call when idle.
func (c *Controller) Cancel() bool {
	p := c.current
	if p == nil {
		return false
	}
	c.current = nil
	p.cancel()

	// Never block the loop on the engine. Its late completion is dropped
	// by Handle because the utterance is no longer current.
	logger, id := c.logger, p.utterance.ID
	go func() {
		select {
		case <-p.done:
		case <-time.After(cancelWait):
			logger.Warn().Str("utterance_id", id).Msg("Synthesis engine slow to honor cancel")
		}
	}()

	c.logger.Debug().Str("utterance_id", id).Msg("Utterance cancelled")
	return true
}

// Handle processes controller-internal events. Events for utterances that
// are no longer current, and any terminal event after the first, are
// dropped. It returns false for events that belong to someone else.
func (c *Controller) Handle(ev event.Event) bool {
	switch e := ev.(type) {
	case playbackStarted:
		if c.current == nil || c.current.utterance.ID != e.id || c.current.started {
			return true
		}
		c.current.started = true
		c.sink.Post(Started{Utterance: c.current.utterance})
		return true

	case playbackDone:
		if c.current == nil || c.current.utterance.ID != e.id {
			return true
		}
		u := c.current.utterance
		c.current = nil
		if e.err == nil || errors.Is(e.err, context.Canceled) {
			c.sink.Post(Ended{Utterance: u})
		} else {
			c.logger.Warn().Err(e.err).Str("utterance_id", u.ID).Msg("Synthesis failed")
			c.sink.Post(Failed{Utterance: u, Err: e.err})
		}
		return true

	default:
		return false
	}
}
