// Package conversation holds the per-turn data model of the assistant: the
// user/assistant exchange context, the per-surface output buffer, and the
// persistence contract used by the kernel.
package conversation

import (
	"time"

	"github.com/google/uuid"
)

// Extra-map keys used by the realtime session bookkeeping. Kept as plain
// strings so persisted contexts stay forward-compatible with unknown keys.
const (
	ExtraSessionID      = "realtime_session_id"
	ExtraSessionExpires = "realtime_session_expires"
)

// Command is one parsed command payload extracted from assistant output.
type Command struct {
	Name   string         `json:"cmd"`
	Params map[string]any `json:"params,omitempty"`
	Silent bool           `json:"silent,omitempty"`
}

// Result is the outcome of executing one command.
type Result struct {
	Command string `json:"cmd"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Ctx is one user/assistant exchange. It is created per user turn, mutated
// by the streaming pipeline (output, tokens) and the command dispatcher
// (results), and persisted through a Store. The core never deletes one.
type Ctx struct {
	ID           string         `json:"id"`
	MetaID       string         `json:"meta_id"`
	Input        string         `json:"input"`
	Output       string         `json:"output"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	TotalTokens  int            `json:"total_tokens"`
	Commands     []Command      `json:"commands,omitempty"`
	Results      []Result       `json:"results,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
	Reply        bool           `json:"reply"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// internal marks kernel-generated follow-up turns whose input must not
	// be echoed to the UI. A control flag, never serialized.
	internal bool
}

// NewCtx creates a turn context bound to a conversation meta id.
func NewCtx(metaID, input string) *Ctx {
	now := time.Now()
	return &Ctx{
		ID:        uuid.New().String(),
		MetaID:    metaID,
		Input:     input,
		Extra:     make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MarkInternal flags the context as a kernel-generated follow-up.
func (c *Ctx) MarkInternal() {
	c.internal = true
}

// IsInternal reports whether this context was generated by the kernel
// rather than typed by the user.
func (c *Ctx) IsInternal() bool {
	return c.internal
}

// SetExtra stores a free-form key on the context, allocating the map when
// the context came from storage without one.
func (c *Ctx) SetExtra(key string, value any) {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = value
}

// ExtraString reads a string-valued extra key, empty when absent.
func (c *Ctx) ExtraString(key string) string {
	if c.Extra == nil {
		return ""
	}
	s, _ := c.Extra[key].(string)
	return s
}

// SessionID returns the realtime session handle stashed on this context.
func (c *Ctx) SessionID() string {
	return c.ExtraString(ExtraSessionID)
}

// TurnStats carries token usage and timing of one provider call. Shape
// mirrors what streaming providers report at end of stream.
type TurnStats struct {
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
	TotalTokens      int   `json:"total_tokens"`
	FirstChunkMs     int64 `json:"first_chunk_ms"`
	TotalMs          int64 `json:"total_ms"`
}

// ApplyStats records provider usage onto the context.
func (c *Ctx) ApplyStats(st *TurnStats) {
	if st == nil {
		return
	}
	c.InputTokens = st.PromptTokens
	c.OutputTokens = st.CompletionTokens
	c.TotalTokens = st.TotalTokens
	c.UpdatedAt = time.Now()
}
