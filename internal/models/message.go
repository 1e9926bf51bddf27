package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartReasoning  PartType = "reasoning"
)

// Part is one typed fragment of a message. The Type field discriminates
// which of the remaining fields are meaningful.
type Part struct {
	Type      PartType        `json:"type"`
	Text      string          `json:"text,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// Message is one user or assistant entry in a session, stored as an
// ordered part list. ProcessingMS is set only on the final assistant
// message of a turn.
type Message struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	SessionID    string    `json:"session_id"`
	Role         Role      `json:"role"`
	Parts        []Part    `json:"parts"`
	ProcessingMS int64     `json:"processing_ms,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Text concatenates the message's text parts in order. This is the
// visible prose of the message.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// TextMessage builds a single-part message, the common case for user input.
func TextMessage(ownerID, sessionID string, role Role, text string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		SessionID: sessionID,
		Role:      role,
		Parts:     []Part{{Type: PartText, Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

// CanonicalID returns id unchanged when it already is a well-formed UUID
// and mints a fresh one otherwise. Client-supplied ids are never trusted
// past this point.
func CanonicalID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewString()
}

// EncodeParts serializes a part list for storage.
func EncodeParts(parts []Part) (string, error) {
	data, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeParts parses a stored part list. A corrupt row degrades to an
// empty part list so one bad record cannot take down a whole listing.
func DecodeParts(raw string) []Part {
	var parts []Part
	if err := json.Unmarshal([]byte(raw), &parts); err != nil {
		return nil
	}
	return parts
}
