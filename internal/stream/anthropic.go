package stream

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
)

// anthropicFrame is the native Anthropic SSE payload. Its event names
// already match the canonical sequence, so normalization is mostly a
// field lift.
type anthropicFrame struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// AnthropicNormalizer handles Anthropic-native SSE streams.
type AnthropicNormalizer struct{}

func (AnthropicNormalizer) Normalize(r io.Reader, emit Handler) error {
	return scanSSE(r, func(_, data string) error {
		var frame anthropicFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			return nil // skip unparseable events
		}

		switch frame.Type {
		case "message_start":
			ev := Event{Type: EventMessageStart}
			if frame.Message != nil {
				ev.InputTokens = frame.Message.Usage.InputTokens
			}
			return emit(ev)

		case "content_block_start":
			if frame.ContentBlock == nil {
				return nil
			}
			block := &BlockInfo{
				Type: frame.ContentBlock.Type,
				ID:   frame.ContentBlock.ID,
				Name: frame.ContentBlock.Name,
			}
			if block.Type == "tool_use" && block.ID == "" {
				block.ID = "toolu_" + uuid.NewString()
			}
			return emit(Event{Type: EventContentBlockStart, Index: frame.Index, Block: block})

		case "content_block_delta":
			if frame.Delta == nil {
				return nil
			}
			ev := Event{Type: EventContentBlockDelta, Index: frame.Index}
			switch frame.Delta.Type {
			case "text_delta":
				ev.TextDelta = frame.Delta.Text
			case "input_json_delta":
				ev.PartialJSON = frame.Delta.PartialJSON
			default:
				return nil
			}
			return emit(ev)

		case "content_block_stop":
			return emit(Event{Type: EventContentBlockStop, Index: frame.Index})

		case "message_delta":
			ev := Event{Type: EventMessageDelta}
			if frame.Delta != nil {
				ev.StopReason = frame.Delta.StopReason
			}
			if frame.Usage != nil {
				ev.OutputTokens = frame.Usage.OutputTokens
			}
			return emit(ev)

		case "message_stop":
			return emit(Event{Type: EventMessageStop})
		}
		// ping and unknown event types pass silently.
		return nil
	})
}
