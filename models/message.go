package models

import (
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem is only ever sent upstream, never stored.
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is one turn of a user's conversation. ID is empty until the
// store has persisted it.
type Message struct {
	ID      string `json:"id,omitempty"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Timestamp is the client-side creation time used for immediate display.
	Timestamp time.Time `json:"timestamp"`
	// ServerTimestamp is the store-assigned write time, nil while pending.
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`
}

// EffectiveTime returns the ordering key: the server time when known,
// otherwise the client time. The zero time means neither is known.
func (m Message) EffectiveTime() time.Time {
	if m.ServerTimestamp != nil {
		return *m.ServerTimestamp
	}
	return m.Timestamp
}

func (m Message) Persisted() bool {
	return m.ID != ""
}

// Turn returns the role/content pair sent over the wire.
func (m Message) Turn() ChatTurn {
	return ChatTurn{Role: m.Role, Content: m.Content}
}
