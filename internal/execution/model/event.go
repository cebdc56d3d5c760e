// Package model defines the wire types shared by every component of the
// execution pipeline: the ExecutionRequest sent to an executor and the
// ExecutionEvent stream it produces in response.
package model

import "encoding/json"

// EventType tags the variant of an ExecutionEvent.
type EventType string

const (
	EventStart      EventType = "start"
	EventChunk      EventType = "chunk"
	EventThinking   EventType = "thinking"
	EventToolStart  EventType = "tool_start"
	EventToolResult EventType = "tool_result"
	EventProgress   EventType = "progress"
	EventDone       EventType = "done"
	EventError      EventType = "error"
	EventCancelled  EventType = "cancelled"
)

// IsTerminal reports whether this event type closes the stream: no further
// events for the subtask should be accepted after one of these.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventDone, EventError, EventCancelled:
		return true
	default:
		return false
	}
}

// Result is the typed shape of a subtask's accumulated outcome. It is kept
// as a concrete struct here (rather than opaque JSON) because the design
// treats these fields as load-bearing. It round-trips through
// Subtask.Result as JSON; producer fields it does not declare are dropped
// on decode.
type Result struct {
	Value      string          `json:"value,omitempty"`
	Thinking   string          `json:"thinking,omitempty"`
	Workbench  json.RawMessage `json:"workbench,omitempty"`
	SilentExit bool            `json:"silent_exit,omitempty"`

	// LastEmittedOffset is internal bookkeeping for resumable streams and
	// must never be copied onto an emitted ExecutionEvent payload.
	LastEmittedOffset int  `json:"_last_emitted_offset,omitempty"`
	Streaming         bool `json:"streaming,omitempty"`
}

// EventData carries the type-specific payload fields that don't belong on
// every event (shell_type on start, blocks on thinking, block offsets on
// chunk, tool status on tool_result).
type EventData struct {
	ShellType    string `json:"shell_type,omitempty"`
	Blocks       any    `json:"blocks,omitempty"`
	BlockID      string `json:"block_id,omitempty"`
	BlockOffset  int    `json:"block_offset,omitempty"`
	Status       string `json:"status,omitempty"` // ok | error, for tool_result
	TaskType     string `json:"task_type,omitempty"`
}

// ExecutionEvent is one step of a streaming response.
type ExecutionEvent struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	SubtaskID string    `json:"subtask_id"`
	MessageID int64     `json:"message_id"`

	Content string `json:"content,omitempty"` // chunk/thinking text delta
	Offset  int    `json:"offset,omitempty"`

	ToolUseID   string `json:"tool_use_id,omitempty"`
	ToolName    string `json:"tool_name,omitempty"`
	ToolInput   any    `json:"tool_input,omitempty"`
	ToolOutput  any    `json:"tool_output,omitempty"`

	Progress int    `json:"progress,omitempty"` // 0-100
	Status   string `json:"status,omitempty"`    // free-form progress status

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`

	Data *EventData `json:"data,omitempty"`
}

// UnmarshalEventType decodes a raw event type, defaulting unknown values to
// EventChunk.
func UnmarshalEventType(raw string) EventType {
	switch EventType(raw) {
	case EventStart, EventChunk, EventThinking, EventToolStart, EventToolResult,
		EventProgress, EventDone, EventError, EventCancelled:
		return EventType(raw)
	default:
		return EventChunk
	}
}

// ParseEvent decodes a JSON event body, normalizing an unrecognized type to
// chunk instead of failing.
func ParseEvent(data []byte) (*ExecutionEvent, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	var ev ExecutionEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	ev.Type = UnmarshalEventType(raw.Type)
	return &ev, nil
}
