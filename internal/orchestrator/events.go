package orchestrator

import "encoding/json"

// EventType enumerates the typed events a turn streams to the client.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCallStart  EventType = "tool-call-start"
	EventToolResult     EventType = "tool-result"
	EventError          EventType = "error"
	EventFinish         EventType = "finish"
)

// Machine-readable error codes surfaced to clients.
const (
	CodeModelCompatibility = "MODEL_COMPATIBILITY_ERROR"
	CodeChatError          = "CHAT_ERROR"
)

// Event is one element of a turn's response stream. The stream is
// terminated exactly once, by either finish or a terminal error event.
type Event struct {
	Type         EventType       `json:"type"`
	Delta        string          `json:"delta,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput   json.RawMessage `json:"tool_output,omitempty"`
	ToolStatus   string          `json:"tool_status,omitempty"`
	Code         string          `json:"code,omitempty"`
	Message      string          `json:"message,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	MessageID    string          `json:"message_id,omitempty"`
	Title        string          `json:"title,omitempty"`
	ProcessingMS int64           `json:"processing_ms,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil return marks the
// client as gone; the turn keeps running detached.
type EmitFunc func(Event) error
