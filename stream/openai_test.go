package stream

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromChatStream(t *testing.T) {
	ch := FromChatStream(openai.ChatCompletionStreamResponse{
		Choices: []openai.ChatCompletionStreamChoice{
			{Delta: openai.ChatCompletionStreamChoiceDelta{Content: "partial"}},
		},
	})
	require.Equal(t, ChunkChat, ch.Type)
	assert.Equal(t, "partial", ch.Chat.Content)

	// No choices is a keep-alive, not an error.
	empty := FromChatStream(openai.ChatCompletionStreamResponse{})
	delta, hasText, _ := Classify(NewState(), empty)
	assert.Empty(t, delta)
	assert.False(t, hasText)
}

func TestFromCompletionStream(t *testing.T) {
	ch := FromCompletionStream(openai.CompletionResponse{
		Choices: []openai.CompletionChoice{{Text: "legacy"}},
	})
	require.Equal(t, ChunkCompletion, ch.Type)
	assert.Equal(t, "legacy", ch.Completion.Text)
}

func TestFromIndexToolCalls(t *testing.T) {
	ch := FromIndexToolCalls("", []openai.ToolCall{
		{
			ID: "call_7",
			Function: openai.FunctionCall{
				Name:      "fetch",
				Arguments: `{"url":"https://example.com"}`,
			},
		},
	})
	require.Equal(t, ChunkIndexChat, ch.Type)

	s := NewState()
	_, _, updated := Classify(s, ch)
	require.True(t, updated)

	calls := s.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_7", calls[0].ID)
	assert.Equal(t, "fetch", calls[0].Function.Name)
}
