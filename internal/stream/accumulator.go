package stream

import (
	"encoding/json"
	"strings"

	"github.com/robman/flohub/pkg/models"
)

// Accumulator folds a canonical event sequence into the assistant
// message's content blocks plus the turn's stop reason and token usage.
type Accumulator struct {
	blocks  []models.ContentBlock
	byIndex map[int]int // event index -> position in blocks
	jsonBuf map[int]*strings.Builder

	StopReason   string
	InputTokens  int
	OutputTokens int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		byIndex: make(map[int]int),
		jsonBuf: make(map[int]*strings.Builder),
	}
}

// Feed applies one event.
func (a *Accumulator) Feed(ev Event) {
	switch ev.Type {
	case EventMessageStart:
		a.InputTokens = ev.InputTokens

	case EventContentBlockStart:
		if ev.Block == nil {
			return
		}
		block := models.ContentBlock{
			Type: models.BlockType(ev.Block.Type),
			ID:   ev.Block.ID,
			Name: ev.Block.Name,
		}
		a.byIndex[ev.Index] = len(a.blocks)
		a.blocks = append(a.blocks, block)

	case EventContentBlockDelta:
		pos, ok := a.byIndex[ev.Index]
		if !ok {
			return
		}
		if ev.TextDelta != "" {
			a.blocks[pos].Text += ev.TextDelta
		}
		if ev.PartialJSON != "" {
			buf, ok := a.jsonBuf[ev.Index]
			if !ok {
				buf = &strings.Builder{}
				a.jsonBuf[ev.Index] = buf
			}
			buf.WriteString(ev.PartialJSON)
		}

	case EventContentBlockStop:
		pos, ok := a.byIndex[ev.Index]
		if !ok {
			return
		}
		if buf, ok := a.jsonBuf[ev.Index]; ok {
			a.blocks[pos].Input = parseToolInput(buf.String())
			delete(a.jsonBuf, ev.Index)
		} else if a.blocks[pos].Type == models.BlockToolUse {
			a.blocks[pos].Input = json.RawMessage("{}")
		}

	case EventMessageDelta:
		if ev.StopReason != "" {
			a.StopReason = ev.StopReason
		}
		if ev.InputTokens > 0 {
			a.InputTokens = ev.InputTokens
		}
		if ev.OutputTokens > 0 {
			a.OutputTokens = ev.OutputTokens
		}
	}
}

// Blocks returns the accumulated content blocks.
func (a *Accumulator) Blocks() []models.ContentBlock {
	return a.blocks
}

// ToolUses returns only the tool_use blocks, in emission order.
func (a *Accumulator) ToolUses() []models.ContentBlock {
	var out []models.ContentBlock
	for _, b := range a.blocks {
		if b.Type == models.BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// parseToolInput validates accumulated partial JSON; malformed input
// degrades to an empty object rather than poisoning the conversation.
func parseToolInput(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" || !json.Valid([]byte(s)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
