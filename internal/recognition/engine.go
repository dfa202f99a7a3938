package recognition

import (
	"errors"

	"github.com/lexiqai/duplex-voice/internal/event"
)

var (
	// ErrUnsupported indicates no recognition engine is available
	ErrUnsupported = errors.New("recognition: unsupported")

	// ErrAlreadyStarted is returned by an engine asked to start while running
	ErrAlreadyStarted = errors.New("recognition: already started")

	// ErrAborted indicates the engine aborted the stream
	ErrAborted = errors.New("recognition: aborted")

	// ErrPermissionDenied indicates capture is not allowed
	ErrPermissionDenied = errors.New("recognition: permission denied")

	// ErrServiceNotAllowed indicates the recognition service refused the client
	ErrServiceNotAllowed = errors.New("recognition: service not allowed")
)

// IsTerminal reports whether err ends capture for the session
func IsTerminal(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrServiceNotAllowed)
}

// IsTransient reports whether a failed start should be retried once
func IsTransient(err error) bool {
	return errors.Is(err, ErrAlreadyStarted) || errors.Is(err, ErrAborted)
}

// Engine is a continuous streaming recognizer.
//
// Start returns promptly; connection work happens in the background and
// every outcome is delivered through emit as one of Result, SpeechStarted,
// Ended or Failed. emit may be called from any goroutine. After Stop returns
// the engine must not produce new results for the stopped stream, though
// events already in flight may still arrive.
type Engine interface {
	Start(emit func(event.Event)) error
	Stop()
}

// Result is a transcript from the engine
type Result struct {
	Text  string
	Final bool
}

// Kind implements event.Event
func (Result) Kind() string { return "recognition_result" }

// SpeechStarted is the engine's own voice activity signal
type SpeechStarted struct{}

// Kind implements event.Event
func (SpeechStarted) Kind() string { return "recognition_speech_started" }

// Ended reports that the stream closed
type Ended struct{}

// Kind implements event.Event
func (Ended) Kind() string { return "recognition_ended" }

// Failed reports a stream error
type Failed struct {
	Err error
}

// Kind implements event.Event
func (Failed) Kind() string { return "recognition_failed" }
