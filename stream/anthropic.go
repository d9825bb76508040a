package stream

import (
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// AnthropicAccumulator tracks in-flight tool-use blocks across one Anthropic
// event stream. The SDK streams tool arguments as partial JSON per block
// index; a complete normalized tool call is only emitted when its block
// stops. One accumulator per stream, owned by the stream goroutine.
type AnthropicAccumulator struct {
	blocks map[int]*anthropicToolBlock
}

type anthropicToolBlock struct {
	id        string
	name      string
	fragments []string
}

// NewAnthropicAccumulator returns an empty accumulator.
func NewAnthropicAccumulator() *AnthropicAccumulator {
	return &AnthropicAccumulator{blocks: make(map[int]*anthropicToolBlock)}
}

// FromAnthropicEvent decodes one Anthropic streaming event into the vendor
// chunk variant. Events that carry neither text nor a completed tool call
// (message bookkeeping, signature deltas, unknown shapes) decode to an empty
// vendor delta.
func FromAnthropicEvent(acc *AnthropicAccumulator, event sdk.MessageStreamEventUnion) Chunk {
	v := &VendorDelta{}

	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		acc.blocks = make(map[int]*anthropicToolBlock)

	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			acc.blocks[int(ev.Index)] = &anthropicToolBlock{
				id:   toolUse.ID,
				name: toolUse.Name,
			}
		}

	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			v.Text = delta.Text
		case sdk.InputJSONDelta:
			if tb := acc.blocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		}

	case sdk.ContentBlockStopEvent:
		if tb := acc.blocks[int(ev.Index)]; tb != nil {
			delete(acc.blocks, int(ev.Index))
			v.ToolCall = &ToolCall{
				ID:   tb.id,
				Type: "function",
				Function: FunctionCall{
					Name:      tb.name,
					Arguments: tb.finalArguments(),
				},
			}
		}

	case sdk.MessageStopEvent:
		acc.blocks = make(map[int]*anthropicToolBlock)
	}

	return Chunk{Type: ChunkVendor, Vendor: v}
}

func (tb *anthropicToolBlock) finalArguments() string {
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}
