package stream

// State accumulates tool-call output across one provider stream. A fresh
// State is created per stream; it is not safe for concurrent use and is
// owned by the goroutine driving the stream.
type State struct {
	toolCalls []ToolCall
}

// NewState returns an empty per-stream accumulator.
func NewState() *State {
	return &State{}
}

// ToolCalls returns the current accumulated tool calls. The slice is a copy;
// mutating it does not affect the state.
func (s *State) ToolCalls() []ToolCall {
	out := make([]ToolCall, len(s.toolCalls))
	copy(out, s.toolCalls)
	return out
}

// Classify extracts the semantic content of one chunk: a text delta (hasText
// reports whether one was present, an empty delta included) and whether the
// stream's tool-call state changed. A chunk carrying neither is not an
// error; unknown shapes simply produce nothing.
func Classify(s *State, ch Chunk) (delta string, hasText bool, toolUpdated bool) {
	switch ch.Type {
	case ChunkRaw:
		return ch.Raw, ch.Raw != "", false

	case ChunkChat:
		if ch.Chat == nil {
			return "", false, false
		}
		return ch.Chat.Content, ch.Chat.Content != "", false

	case ChunkCompletion:
		if ch.Completion == nil {
			return "", false, false
		}
		return ch.Completion.Text, ch.Completion.Text != "", false

	case ChunkResponses:
		if ch.Responses == nil {
			return "", false, false
		}
		return ch.Responses.Delta, ch.Responses.Delta != "", false

	case ChunkLangChat:
		if ch.LangChat == nil {
			return "", false, false
		}
		return ch.LangChat.Content, ch.LangChat.Content != "", false

	case ChunkIndexChat:
		if ch.IndexChat == nil {
			return "", false, false
		}
		updated := s.applyIndexFragments(ch.IndexChat.ToolCalls)
		return ch.IndexChat.Delta, ch.IndexChat.Delta != "", updated

	case ChunkVendor:
		if ch.Vendor == nil {
			return "", false, false
		}
		updated := false
		if tc := ch.Vendor.ToolCall; tc != nil && tc.ID != "" {
			s.replaceToolCall(*tc)
			updated = true
		}
		return ch.Vendor.Text, ch.Vendor.Text != "", updated
	}
	return "", false, false
}

// applyIndexFragments resolves index-engine tool-call fragments. This format
// resends the full accumulated call on every delta, so a fragment with a
// valid id replaces the accumulator rather than appending to it. Appending
// here would duplicate the arguments string on every chunk.
func (s *State) applyIndexFragments(fragments []ToolCallFragment) bool {
	updated := false
	for _, frag := range fragments {
		id := frag.CallID
		if id == "" {
			id = frag.ID
		}
		if id == "" {
			continue
		}

		name := frag.Name
		if name == "" && frag.Function != nil {
			name = frag.Function.Name
		}

		args := frag.Arguments
		if args == "" && frag.Function != nil {
			args = frag.Function.Arguments
		}
		if args == "" {
			args = "{}"
		}

		s.replaceToolCall(ToolCall{
			ID:   id,
			Type: "function",
			Function: FunctionCall{
				Name:      name,
				Arguments: args,
			},
		})
		updated = true
	}
	return updated
}

// replaceToolCall installs the single normalized record, last fragment wins.
func (s *State) replaceToolCall(tc ToolCall) {
	s.toolCalls = s.toolCalls[:0]
	s.toolCalls = append(s.toolCalls, tc)
}
