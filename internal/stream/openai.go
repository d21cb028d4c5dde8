package stream

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAINormalizer handles OpenAI-compatible chat completion chunk
// streams (choices[].delta with content and tool_calls, terminated by a
// [DONE] sentinel). Many self-hosted and third-party endpoints speak
// this dialect, so it tolerates missing usage and absent tool call ids.
type OpenAINormalizer struct{}

func (OpenAINormalizer) Normalize(r io.Reader, emit Handler) error {
	var (
		started    bool
		nextIndex  int
		openIndex  = -1 // canonical index of the currently open block
		openIsText bool
		toolIndex  = map[int]int{} // upstream tool_call index -> canonical index
		stopReason string
		usage      *openai.Usage
		done       bool
	)

	closeOpen := func() error {
		if openIndex < 0 {
			return nil
		}
		idx := openIndex
		openIndex = -1
		return emit(Event{Type: EventContentBlockStop, Index: idx})
	}

	start := func() error {
		if started {
			return nil
		}
		started = true
		return emit(Event{Type: EventMessageStart})
	}

	finish := func() error {
		if done {
			return nil
		}
		done = true
		if err := start(); err != nil {
			return err
		}
		if err := closeOpen(); err != nil {
			return err
		}
		if stopReason == "" {
			stopReason = StopEndTurn
		}
		delta := Event{Type: EventMessageDelta, StopReason: stopReason}
		if usage != nil {
			delta.InputTokens = usage.PromptTokens
			delta.OutputTokens = usage.CompletionTokens
		}
		if err := emit(delta); err != nil {
			return err
		}
		return emit(Event{Type: EventMessageStop})
	}

	err := scanSSE(r, func(_, data string) error {
		if data == "[DONE]" {
			return finish()
		}
		if done {
			return nil
		}

		var chunk openai.ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil // skip unparseable events
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]

		if err := start(); err != nil {
			return err
		}

		if choice.Delta.Content != "" {
			if !openIsText || openIndex < 0 {
				if err := closeOpen(); err != nil {
					return err
				}
				openIndex = nextIndex
				openIsText = true
				nextIndex++
				ev := Event{
					Type:  EventContentBlockStart,
					Index: openIndex,
					Block: &BlockInfo{Type: "text"},
				}
				if err := emit(ev); err != nil {
					return err
				}
			}
			ev := Event{Type: EventContentBlockDelta, Index: openIndex, TextDelta: choice.Delta.Content}
			if err := emit(ev); err != nil {
				return err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			upstream := 0
			if tc.Index != nil {
				upstream = *tc.Index
			}
			idx, known := toolIndex[upstream]
			if !known {
				if err := closeOpen(); err != nil {
					return err
				}
				idx = nextIndex
				nextIndex++
				toolIndex[upstream] = idx
				openIndex = idx
				openIsText = false
				id := tc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				ev := Event{
					Type:  EventContentBlockStart,
					Index: idx,
					Block: &BlockInfo{Type: "tool_use", ID: id, Name: tc.Function.Name},
				}
				if err := emit(ev); err != nil {
					return err
				}
			}
			if tc.Function.Arguments != "" {
				ev := Event{Type: EventContentBlockDelta, Index: idx, PartialJSON: tc.Function.Arguments}
				if err := emit(ev); err != nil {
					return err
				}
			}
		}

		switch choice.FinishReason {
		case openai.FinishReasonStop:
			stopReason = StopEndTurn
		case openai.FinishReasonToolCalls:
			stopReason = StopToolUse
		case openai.FinishReasonLength:
			stopReason = StopMaxTokens
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Some compatible endpoints omit [DONE]; finalize anyway.
	if started {
		return finish()
	}
	return nil
}
