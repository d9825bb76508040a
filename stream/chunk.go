package stream

// ChunkType tags the upstream wire format a chunk was decoded from. The set
// is closed: provider adapters decode SDK payloads into exactly one variant
// at the boundary so the classifier can match exhaustively.
type ChunkType int

const (
	// ChunkRaw is the fallback variant: a plain string fragment.
	ChunkRaw ChunkType = iota
	// ChunkChat is a chat-completions streaming delta.
	ChunkChat
	// ChunkCompletion is a legacy completions streaming delta.
	ChunkCompletion
	// ChunkResponses is a responses-API output-text delta.
	ChunkResponses
	// ChunkLangChat is a chat-model-wrapper delta (content only).
	ChunkLangChat
	// ChunkIndexChat is an index-engine chat delta. The only variant that
	// carries incremental tool-call fragments.
	ChunkIndexChat
	// ChunkVendor is a vendor-SDK delta (Anthropic events and similar),
	// pre-accumulated by the adapter into text and/or a complete tool call.
	ChunkVendor
)

// String returns the wire-format name of the chunk type.
func (t ChunkType) String() string {
	switch t {
	case ChunkRaw:
		return "raw"
	case ChunkChat:
		return "chat"
	case ChunkCompletion:
		return "completion"
	case ChunkResponses:
		return "responses"
	case ChunkLangChat:
		return "lang_chat"
	case ChunkIndexChat:
		return "index_chat"
	case ChunkVendor:
		return "vendor"
	default:
		return "unknown"
	}
}

// Chunk is one decoded streaming delta. Exactly the payload field matching
// Type is set; everything else is nil.
type Chunk struct {
	Type       ChunkType
	Raw        string
	Chat       *ChatDelta
	Completion *CompletionDelta
	Responses  *ResponsesDelta
	LangChat   *LangChatDelta
	IndexChat  *IndexChatDelta
	Vendor     *VendorDelta
}

// ChatDelta carries the incremental content of a chat-completions chunk.
type ChatDelta struct {
	Content string
}

// CompletionDelta carries the text of a legacy completions chunk.
type CompletionDelta struct {
	Text string
}

// ResponsesDelta carries a responses-API output text delta.
type ResponsesDelta struct {
	Delta string
}

// LangChatDelta carries a chat-model-wrapper content delta.
type LangChatDelta struct {
	Content string
}

// IndexChatDelta carries an index-engine delta plus the incremental
// tool-call fragments this format resends on every chunk.
type IndexChatDelta struct {
	Delta     string
	ToolCalls []ToolCallFragment
}

// VendorDelta carries adapter-accumulated vendor SDK output: a text delta
// and/or one complete tool call emitted when its block closed.
type VendorDelta struct {
	Text     string
	ToolCall *ToolCall
}

// ToolCallFragment is one raw tool-call fragment as emitted by an
// index-engine stream. Fields may be set directly or nested under Function
// depending on the provider; resolution order lives in the classifier.
type ToolCallFragment struct {
	ID        string
	CallID    string
	Name      string
	Arguments string
	Function  *FunctionFragment
}

// FunctionFragment is the nested "function" object of a tool-call fragment.
type FunctionFragment struct {
	Name      string
	Arguments string
}

// ToolCall is the normalized tool-call record kept in stream state.
type ToolCall struct {
	ID       string
	Type     string
	Function FunctionCall
}

// FunctionCall holds the resolved function name and arguments JSON.
type FunctionCall struct {
	Name      string
	Arguments string
}

// TextChunk wraps a plain string fragment in the raw fallback variant.
func TextChunk(s string) Chunk {
	return Chunk{Type: ChunkRaw, Raw: s}
}
