package conversation

import "context"

// Store is the narrow persistence contract the kernel depends on. Failures
// from either method must be treated as non-fatal by callers doing
// best-effort bookkeeping (session handles, stats).
type Store interface {
	// LoadHistory returns the contexts of one conversation in creation
	// order, oldest first.
	LoadHistory(ctx context.Context, metaID string) ([]*Ctx, error)

	// UpdateItem persists the current state of a context, inserting it on
	// first write.
	UpdateItem(ctx context.Context, c *Ctx) error
}
