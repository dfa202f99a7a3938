package synthesis

import (
	"context"
	"errors"
)

// ErrUnsupported indicates no synthesizer is available
var ErrUnsupported = errors.New("synthesis: unsupported")

// Voice is a synthesizer voice
type Voice struct {
	ID   string
	Name string
}

// Utterance is one unit of agent speech
type Utterance struct {
	ID            string
	Text          string
	Voice         Voice
	Interruptible bool
}

// Engine renders and plays speech.
//
// Speak blocks until playback has finished, failed, or ctx is cancelled.
// started is called once, when the first audio is about to play. Once ctx
// is cancelled Speak must stop writing audio promptly and return ctx.Err().
// Callers do not wait for it.
type Engine interface {
	Voices(ctx context.Context) ([]Voice, error)
	Speak(ctx context.Context, utterance Utterance, started func()) error
}
