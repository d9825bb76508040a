package kernel

import "github.com/halcyonsky/murmur/conversation"

// ReplyType tells the kernel why a follow-up turn was requested.
type ReplyType int

const (
	// ReplyAgentContinue re-submits model output so an autonomous run can
	// take another step.
	ReplyAgentContinue ReplyType = iota
	// ReplyCommandExecute feeds command results back to the model after a
	// dispatch cycle.
	ReplyCommandExecute
	// ReplyCommandInline feeds results back even when the surface would
	// normally suppress the follow-up, forced by a plugin.
	ReplyCommandInline
	// ReplyExpertCall routes the follow-up to a delegated expert persona.
	ReplyExpertCall
)

func (t ReplyType) String() string {
	switch t {
	case ReplyAgentContinue:
		return "agent-continue"
	case ReplyCommandExecute:
		return "command-execute"
	case ReplyCommandInline:
		return "command-inline"
	case ReplyExpertCall:
		return "expert-call"
	default:
		return "unknown"
	}
}

// ReplyContext carries one queued follow-up turn. The internal flag rides
// in an unexported field so it can never leak through serialization; a
// deserialized ReplyContext is always external.
type ReplyContext struct {
	Type     ReplyType
	Ctx      *conversation.Ctx
	PrevCtx  *conversation.Ctx
	ParentID string
	Input    string

	internal bool
}

// MarkInternal flags the follow-up as kernel-generated, which bypasses
// surface-level echo of the input.
func (r *ReplyContext) MarkInternal() { r.internal = true }

// Internal reports whether the follow-up was generated by the kernel
// rather than typed by the user.
func (r *ReplyContext) Internal() bool { return r.internal }
