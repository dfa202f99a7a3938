package backend

import (
	"fmt"
	"time"
)

// TimeOfDayGreeting returns the salutation for the local hour of t
func TimeOfDayGreeting(t time.Time) string {
	switch hour := t.Hour(); {
	case hour < 12:
		return "Good morning!"
	case hour < 17:
		return "Good afternoon!"
	default:
		return "Good evening!"
	}
}

// WelcomeMessage is the opening line for a new conversation in mode
func WelcomeMessage(t time.Time, assistantName, mode string) string {
	return fmt.Sprintf("%s I'm %s, your %s assistant. How can I help you today?", TimeOfDayGreeting(t), assistantName, mode)
}
