package chat

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates stream events
type EventType string

// Stream event types
const (
	EventMeta  EventType = "meta"  // Server-assigned ids for the turns created by this action
	EventChunk EventType = "chunk" // Incremental text fragment
	EventDone  EventType = "done"  // Success, carries the authoritative full text
	EventError EventType = "error" // Failure in place of done
)

// TurnRef anchors a turn created by a streaming action
type TurnRef struct {
	ID          string `json:"id"`
	TurnNo      int    `json:"turn_no"`
	CandidateID string `json:"candidate_id"`
}

// StreamEvent is the decoded form of one `data:` frame.
// Which fields are set depends on Type.
type StreamEvent struct {
	Type EventType `json:"type"`

	// meta
	UserTurn      *TurnRef `json:"user_turn,omitempty"`
	AssistantTurn *TurnRef `json:"assistant_turn,omitempty"`

	// chunk
	Content string `json:"content,omitempty"`

	// done
	FullContent          string  `json:"full_content,omitempty"`
	AssistantTurnID      *string `json:"assistant_turn_id,omitempty"`
	AssistantCandidateID *string `json:"assistant_candidate_id,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsTerminal reports whether no further events follow this one
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ErrorText renders an error event the way it is shown inline in a message
func (e StreamEvent) ErrorText() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	return "Unknown error"
}

// MetaEvent is the wire shape of a meta frame
type MetaEvent struct {
	Type          EventType `json:"type"`
	UserTurn      *TurnRef  `json:"user_turn,omitempty"`
	AssistantTurn *TurnRef  `json:"assistant_turn,omitempty"`
}

// ChunkEvent is the wire shape of a chunk frame
type ChunkEvent struct {
	Type    EventType `json:"type"`
	Content string    `json:"content"`
}

// DoneEvent is the wire shape of a done frame
type DoneEvent struct {
	Type                 EventType `json:"type"`
	FullContent          string    `json:"full_content"`
	AssistantTurnID      *string   `json:"assistant_turn_id,omitempty"`
	AssistantCandidateID *string   `json:"assistant_candidate_id,omitempty"`
}

// ErrorEvent is the wire shape of an error frame
type ErrorEvent struct {
	Type    EventType `json:"type"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// FormatSSE formats one frame for transmission:
//
//	data: {"type": "chunk", ...}
//	\n
func FormatSSE(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stream event: %w", err)
	}

	return fmt.Sprintf("data: %s\n\n", jsonData), nil
}

// NewMetaEvent creates a meta frame
func NewMetaEvent(userTurn, assistantTurn *TurnRef) (string, error) {
	return FormatSSE(MetaEvent{
		Type:          EventMeta,
		UserTurn:      userTurn,
		AssistantTurn: assistantTurn,
	})
}

// NewChunkEvent creates a chunk frame
func NewChunkEvent(content string) (string, error) {
	return FormatSSE(ChunkEvent{
		Type:    EventChunk,
		Content: content,
	})
}

// NewDoneEvent creates a done frame
func NewDoneEvent(fullContent string, assistantTurnID, assistantCandidateID *string) (string, error) {
	return FormatSSE(DoneEvent{
		Type:                 EventDone,
		FullContent:          fullContent,
		AssistantTurnID:      assistantTurnID,
		AssistantCandidateID: assistantCandidateID,
	})
}

// NewErrorEvent creates an error frame
func NewErrorEvent(code, message string) (string, error) {
	return FormatSSE(ErrorEvent{
		Type:    EventError,
		Code:    code,
		Message: message,
	})
}
