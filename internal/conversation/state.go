package conversation

// State is the canonical conversation state. Exactly one holds at a time.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Status is what the status indicator shows
type Status struct {
	State State
	// Unavailable is set when capture or synthesis is not supported here
	Unavailable bool
	Suspended   bool
	// Err is the last error that tore the session down, if any
	Err string
}

// String returns the indicator label
func (s Status) String() string {
	switch {
	case s.Unavailable && s.State == StateIdle:
		return "unavailable"
	case s.Suspended:
		return s.State.String() + " (paused)"
	default:
		return s.State.String()
	}
}
