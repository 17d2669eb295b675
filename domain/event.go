package domain

import "time"

// SessionEventsTopic carries SessionEvent payloads; the routing key is the
// session ID.
const SessionEventsTopic = "chat.events"

type EventType string

const (
	EventTurn      EventType = "turn"
	EventFragment  EventType = "fragment"
	EventCommitted EventType = "committed"
	EventFailed    EventType = "failed"
	EventCleared   EventType = "cleared"

	// EventSnapshot is sent to a renderer when it first attaches.
	EventSnapshot EventType = "snapshot"
	// EventRejected answers a submission the session refused.
	EventRejected EventType = "rejected"
)

// SessionEvent is emitted after every change a renderer has to show.
type SessionEvent struct {
	Type      EventType  `json:"type"`
	SessionID string     `json:"session_id"`
	Turn      *ChatTurn  `json:"turn,omitempty"`
	Text      string     `json:"text,omitempty"`
	HTML      string     `json:"html,omitempty"`
	Error     string     `json:"error,omitempty"`
	Turns     []ChatTurn `json:"turns,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Renderer turns assistant markdown into HTML for display.
type Renderer interface {
	Render(markdown string) (string, error)
}
