package realtime

import (
	"context"
	"log/slog"

	"github.com/halcyonsky/murmur/conversation"
)

// TurnMode decides who ends a voice turn: the client (manual) or the
// provider's activity detection (auto). The enum is provider-independent;
// only the payload shape it maps onto differs per provider family.
type TurnMode string

const (
	// TurnModeManual disables provider-side activity detection; the client
	// signals end-of-turn explicitly.
	TurnModeManual TurnMode = "manual"
	// TurnModeAuto lets provider-side activity detection decide turn
	// boundaries.
	TurnModeAuto TurnMode = "auto"
)

// ProviderFamily selects the session-config payload shape.
type ProviderFamily string

const (
	// FamilyOpenAI uses a nested "turn_detection" object, null to disable.
	FamilyOpenAI ProviderFamily = "openai"
	// FamilyGemini uses a nested "automatic_activity_detection.disabled"
	// boolean.
	FamilyGemini ProviderFamily = "gemini"
)

// Session is the realtime bookkeeping embedded in a Ctx's extra map: turn
// mode, the opaque provider session handle, and its expiry.
type Session struct {
	Mode      TurnMode
	Handle    string
	ExpiresAt int64
}

// ApplyTurnMode mutates the outgoing session-configuration payload to match
// the requested turn mode in the given provider family's shape.
func ApplyTurnMode(payload map[string]any, mode TurnMode, family ProviderFamily) {
	if payload == nil {
		return
	}
	switch family {
	case FamilyGemini:
		payload["automatic_activity_detection"] = map[string]any{
			"disabled": mode == TurnModeManual,
		}
	default:
		if mode == TurnModeManual {
			payload["turn_detection"] = nil
		} else {
			payload["turn_detection"] = map[string]any{"type": "server_vad"}
		}
	}
}

// PersistHandle stashes the provider session handle on the context and
// flushes it through the store. Best-effort: session bookkeeping must never
// abort an in-flight conversation, so failures are logged and swallowed.
func PersistHandle(ctx context.Context, store conversation.Store, c *conversation.Ctx, handle string) {
	if c == nil || handle == "" {
		return
	}
	c.SetExtra(conversation.ExtraSessionID, handle)
	if store == nil {
		return
	}
	if err := store.UpdateItem(ctx, c); err != nil {
		slog.Warn("failed to persist realtime session handle",
			"ctx_id", c.ID, "error", err)
	}
}

// PersistExpiry stashes the session expiry epoch on the context,
// best-effort like PersistHandle.
func PersistExpiry(ctx context.Context, store conversation.Store, c *conversation.Ctx, epochSeconds int64) {
	if c == nil {
		return
	}
	c.SetExtra(conversation.ExtraSessionExpires, epochSeconds)
	if store == nil {
		return
	}
	if err := store.UpdateItem(ctx, c); err != nil {
		slog.Warn("failed to persist realtime session expiry",
			"ctx_id", c.ID, "error", err)
	}
}

// LastSessionID scans a context history newest-first and returns the first
// non-empty session handle, enabling resumption without a session table.
func LastSessionID(history []*conversation.Ctx) string {
	for i := len(history) - 1; i >= 0; i-- {
		if id := history[i].SessionID(); id != "" {
			return id
		}
	}
	return ""
}
