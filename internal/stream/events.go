// Package stream normalizes provider response streams into one canonical
// event sequence. Three upstream shapes are supported: Anthropic native
// SSE, OpenAI-compatible chat completion chunks, and Gemini
// generateContentResponse chunks. Every normalizer yields the same
// sequence: message_start, content_block_start, repeated
// content_block_delta, content_block_stop, message_delta carrying the stop
// reason, message_stop.
package stream

// EventType identifies a canonical stream event.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
)

// Stop reasons in the canonical sequence.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// BlockInfo describes a content block opened by content_block_start.
type BlockInfo struct {
	Type string `json:"type"` // "text" | "tool_use"
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Event is one canonical stream event.
type Event struct {
	Type  EventType `json:"type"`
	Index int       `json:"index,omitempty"`

	// Block is set on content_block_start.
	Block *BlockInfo `json:"content_block,omitempty"`

	// TextDelta carries streamed text on content_block_delta.
	TextDelta string `json:"text,omitempty"`

	// PartialJSON carries streamed tool input on content_block_delta.
	PartialJSON string `json:"partial_json,omitempty"`

	// StopReason is set on message_delta.
	StopReason string `json:"stop_reason,omitempty"`

	// Token usage, populated where the upstream reports it.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Handler consumes canonical events. Returning an error stops the
// normalizer.
type Handler func(Event) error
