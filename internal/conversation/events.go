package conversation

// Start asks the session to begin a conversation
type Start struct{}

// Kind implements event.Event
func (Start) Kind() string { return "start" }

// Stop asks the session to end the conversation
type Stop struct{}

// Kind implements event.Event
func (Stop) Kind() string { return "stop" }

// Toggle starts an idle session and stops a running one
type Toggle struct{}

// Kind implements event.Event
func (Toggle) Kind() string { return "toggle" }

// Suspend pauses capture, for example while the user steps away
type Suspend struct{}

// Kind implements event.Event
func (Suspend) Kind() string { return "suspend" }

// Resume restarts capture after Suspend
type Resume struct{}

// Kind implements event.Event
func (Resume) Kind() string { return "resume" }

// ConversationReady is the backend's answer to InitializeConversation.
// An empty Greeting means the backend has nothing to say first.
type ConversationReady struct {
	Greeting string
}

// Kind implements event.Event
func (ConversationReady) Kind() string { return "conversation_ready" }

// AgentReply carries the agent's answer to a submitted utterance
type AgentReply struct {
	Text string
}

// Kind implements event.Event
func (AgentReply) Kind() string { return "agent_reply" }

// BackendError is an error reported by, or about, the backend
type BackendError struct {
	Message string
}

// Kind implements event.Event
func (BackendError) Kind() string { return "backend_error" }

// Error implements error
func (e BackendError) Error() string { return "backend error: " + e.Message }

// Disconnected means the backend connection is gone
type Disconnected struct {
	Err error
}

// Kind implements event.Event
func (Disconnected) Kind() string { return "disconnected" }

type timerKind int

const (
	greetingTimer timerKind = iota
	replyTimer
	resumeTimer
	suspendTimer
)

func (k timerKind) String() string {
	switch k {
	case greetingTimer:
		return "greeting"
	case replyTimer:
		return "reply"
	case resumeTimer:
		return "resume"
	case suspendTimer:
		return "suspend"
	default:
		return "unknown"
	}
}

// timerDue fires when one of the session's single-shot timers elapses
type timerDue struct {
	timer timerKind
	seq   uint64
}

func (timerDue) Kind() string { return "conversation_timer" }
