package gateway

import (
	"encoding/json"
	"fmt"
)

// Event names on the backend WebSocket
const (
	// Client to server
	EventInitializeChat = "initializeChat" // data: mode string
	EventTextMessage    = "textMessage"    // data: utterance string
	EventVoiceGreeting  = "voiceGreeting"  // no data

	// Server to client
	EventChatInitialized = "chatInitialized" // data: ChatInitialized
	EventAIResponse      = "aiResponse"      // data: AIResponse
	EventError           = "error"           // data: message string
)

// Envelope is one frame on the backend WebSocket
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatInitialized answers initializeChat. Greeting is null when there is none.
type ChatInitialized struct {
	Greeting *string `json:"greeting"`
	Mode     string  `json:"mode"`
}

// AIResponse carries an agent reply. Audio is reserved and always null.
type AIResponse struct {
	Text  string  `json:"text"`
	Audio *string `json:"audio"`
}

// Encode builds a frame. A nil data omits the data field.
func Encode(event string, data interface{}) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s data: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("message has no event")
	}
	return env, nil
}

// DecodeData unmarshals the frame's data into v
func (e Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s message has no data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", e.Event, err)
	}
	return nil
}
