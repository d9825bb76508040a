package stream

import (
	"github.com/sashabaranov/go-openai"
)

// FromChatStream decodes one chat-completions streaming response into the
// closed chunk union. Only the first choice's content delta is carried;
// chunks without choices decode to an empty delta, which the classifier
// treats as "nothing produced".
func FromChatStream(resp openai.ChatCompletionStreamResponse) Chunk {
	c := &ChatDelta{}
	if len(resp.Choices) > 0 {
		c.Content = resp.Choices[0].Delta.Content
	}
	return Chunk{Type: ChunkChat, Chat: c}
}

// FromCompletionStream decodes a legacy completions streaming response.
func FromCompletionStream(resp openai.CompletionResponse) Chunk {
	c := &CompletionDelta{}
	if len(resp.Choices) > 0 {
		c.Text = resp.Choices[0].Text
	}
	return Chunk{Type: ChunkCompletion, Completion: c}
}

// FromIndexToolCalls builds an index-engine chunk from go-openai tool-call
// deltas for wrappers that resend the accumulated call on every chunk.
func FromIndexToolCalls(delta string, calls []openai.ToolCall) Chunk {
	ic := &IndexChatDelta{Delta: delta}
	for _, tc := range calls {
		ic.ToolCalls = append(ic.ToolCalls, ToolCallFragment{
			ID: tc.ID,
			Function: &FunctionFragment{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return Chunk{Type: ChunkIndexChat, IndexChat: ic}
}
