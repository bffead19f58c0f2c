// Package domain contains core domain types for the CareMate application.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser marks messages typed or dictated by the person.
	RoleUser Role = "user"
	// RoleAssistant marks replies from the remote responder and local greetings.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single transcript entry. Entries are immutable once stored.
type Message struct {
	Role      Role
	Content   string
	Timestamp time.Time
}

// storedMessage is the persisted {role, content, ts} triple; ts is Unix milliseconds.
type storedMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

// MarshalJSON encodes the message in the persisted layout.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(storedMessage{
		Role:    m.Role,
		Content: m.Content,
		TS:      m.Timestamp.UnixMilli(),
	})
}

// UnmarshalJSON decodes the persisted layout and rejects unknown roles.
func (m *Message) UnmarshalJSON(data []byte) error {
	var s storedMessage
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !s.Role.Valid() {
		return fmt.Errorf("unknown message role %q", s.Role)
	}
	m.Role = s.Role
	m.Content = s.Content
	m.Timestamp = time.UnixMilli(s.TS)
	return nil
}

// Wire strips the timestamp for the responder request.
func (m Message) Wire() WireMessage {
	return WireMessage{Role: m.Role, Content: m.Content}
}

// WireMessage is the {role, content} pair sent to the remote responder.
type WireMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SupportRequest is the body posted to the remote responder.
type SupportRequest struct {
	Messages []WireMessage `json:"messages"`
}

// SupportReply is the remote responder's answer.
type SupportReply struct {
	Reply    string `json:"reply"`
	RiskFlag bool   `json:"risk_flag"`
}
