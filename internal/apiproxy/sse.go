package apiproxy

import (
	"encoding/json"
	"fmt"

	"github.com/robman/flohub/internal/stream"
)

// encodeSSE renders a canonical event back into Anthropic's SSE wire
// form. CLI-proxied providers are served to clients through this
// encoding so the browser sees one dialect regardless of backend.
func encodeSSE(ev stream.Event) []byte {
	payload := map[string]any{"type": string(ev.Type)}

	switch ev.Type {
	case stream.EventMessageStart:
		payload["message"] = map[string]any{
			"usage": map[string]int{"input_tokens": ev.InputTokens},
		}
	case stream.EventContentBlockStart:
		payload["index"] = ev.Index
		block := map[string]any{"type": "text"}
		if ev.Block != nil {
			block["type"] = ev.Block.Type
			if ev.Block.ID != "" {
				block["id"] = ev.Block.ID
			}
			if ev.Block.Name != "" {
				block["name"] = ev.Block.Name
			}
		}
		payload["content_block"] = block
	case stream.EventContentBlockDelta:
		payload["index"] = ev.Index
		if ev.PartialJSON != "" {
			payload["delta"] = map[string]any{"type": "input_json_delta", "partial_json": ev.PartialJSON}
		} else {
			payload["delta"] = map[string]any{"type": "text_delta", "text": ev.TextDelta}
		}
	case stream.EventContentBlockStop:
		payload["index"] = ev.Index
	case stream.EventMessageDelta:
		payload["delta"] = map[string]any{"stop_reason": ev.StopReason}
		payload["usage"] = map[string]int{"output_tokens": ev.OutputTokens}
	case stream.EventMessageStop:
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", ev.Type, data))
}
