package conversation

import (
	"github.com/lexiqai/duplex-voice/internal/synthesis"
)

// Mode values accepted by InitializeConversation
const (
	ModeVoice = "voice"
	ModeText  = "text"
)

// Gateway sends requests to the conversational backend. Replies come back
// asynchronously as ConversationReady, AgentReply, BackendError and
// Disconnected events.
type Gateway interface {
	InitializeConversation(mode string) error
	SubmitUtterance(text string) error
}

// Capture is the session's view of the recognition lifecycle manager
type Capture interface {
	Start() error
	Stop()
	ResetTranscripts()
}

// Speech is the session's view of the synthesis controller
type Speech interface {
	Speak(text string, interruptible bool) (synthesis.Utterance, error)
	Cancel() bool
}

// SoundMonitor is armed only while an interruptible utterance plays
type SoundMonitor interface {
	Arm(on bool)
}
