package models

import (
	"fmt"
)

// Message types exchanged by channel peers.
const (
	TypeUserPublished   = "user-published"
	TypeUserUnpublished = "user-unpublished"
	TypeUserLeft        = "user-left"
	TypeTrackMuted      = "track-muted"
	TypeTrackUnmuted    = "track-unmuted"
)

// Message types emitted by the service into a call channel.
const (
	TypeTick                = "tick"
	TypeExtendPrompt        = "extend-prompt"
	TypeInsufficientBalance = "insufficient-balance"
	TypeCallEnded           = "call-ended"
	TypeCallError           = "call-error"
)

// Message channel websocket message.
type Message struct {
	Type     string      `json:"type,omitempty"`
	SenderID string      `json:"senderId,omitempty"`
	Channel  string      `json:"channel,omitempty"`
	Kind     string      `json:"kind,omitempty"`
	Body     interface{} `json:"body,omitempty"`
}

func (m Message) String() string {
	return fmt.Sprintf("Message(type=%s, senderId=%s, channel=%s, kind=%s)", m.Type, m.SenderID, m.Channel, m.Kind)
}
