package stream

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"
)

// geminiChunk is one generateContentResponse frame from the Gemini
// streaming endpoint (alt=sse).
type geminiChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type geminiPart struct {
	Text         string `json:"text"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall"`
}

// GeminiNormalizer handles Gemini streams. Gemini never assigns tool
// call ids and delivers function call arguments whole, so each
// functionCall part becomes a complete tool_use block with a fresh id
// and a single input delta.
type GeminiNormalizer struct{}

func (GeminiNormalizer) Normalize(r io.Reader, emit Handler) error {
	var (
		started     bool
		nextIndex   int
		textIndex   = -1
		sawToolCall bool
		stopReason  string
		inTokens    int
		outTokens   int
	)

	start := func() error {
		if started {
			return nil
		}
		started = true
		return emit(Event{Type: EventMessageStart})
	}

	closeText := func() error {
		if textIndex < 0 {
			return nil
		}
		idx := textIndex
		textIndex = -1
		return emit(Event{Type: EventContentBlockStop, Index: idx})
	}

	err := scanSSE(r, func(_, data string) error {
		var chunk geminiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil // skip unparseable events
		}
		if chunk.UsageMetadata != nil {
			inTokens = chunk.UsageMetadata.PromptTokenCount
			outTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 {
			return nil
		}
		cand := chunk.Candidates[0]

		if err := start(); err != nil {
			return err
		}

		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				sawToolCall = true
				if err := closeText(); err != nil {
					return err
				}
				idx := nextIndex
				nextIndex++
				ev := Event{
					Type:  EventContentBlockStart,
					Index: idx,
					Block: &BlockInfo{
						Type: "tool_use",
						ID:   "toolu_" + uuid.NewString(),
						Name: part.FunctionCall.Name,
					},
				}
				if err := emit(ev); err != nil {
					return err
				}
				input := string(part.FunctionCall.Args)
				if input == "" {
					input = "{}"
				}
				if err := emit(Event{Type: EventContentBlockDelta, Index: idx, PartialJSON: input}); err != nil {
					return err
				}
				if err := emit(Event{Type: EventContentBlockStop, Index: idx}); err != nil {
					return err
				}

			case part.Text != "":
				if textIndex < 0 {
					textIndex = nextIndex
					nextIndex++
					ev := Event{
						Type:  EventContentBlockStart,
						Index: textIndex,
						Block: &BlockInfo{Type: "text"},
					}
					if err := emit(ev); err != nil {
						return err
					}
				}
				if err := emit(Event{Type: EventContentBlockDelta, Index: textIndex, TextDelta: part.Text}); err != nil {
					return err
				}
			}
		}

		if cand.FinishReason != "" && stopReason == "" {
			switch cand.FinishReason {
			case "MAX_TOKENS":
				stopReason = StopMaxTokens
			default:
				stopReason = StopEndTurn
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	if err := closeText(); err != nil {
		return err
	}
	if sawToolCall {
		stopReason = StopToolUse
	} else if stopReason == "" {
		stopReason = StopEndTurn
	}
	delta := Event{Type: EventMessageDelta, StopReason: stopReason, InputTokens: inTokens, OutputTokens: outTokens}
	if err := emit(delta); err != nil {
		return err
	}
	return emit(Event{Type: EventMessageStop})
}
