// Package repository is the durable store for notifications and their
// actions. Writes happen in bulk inside per-invocation transactions.
package repository

import (
	"context"
	"time"

	"soundstream/notifier/internal/notification/domain"
)

// Store is the notification store. WithinBatch is the engine's only write
// entry point; the read-side methods serve drivers and the delivery surface.
type Store interface {
	// WithinBatch runs fn inside one transaction that also holds the
	// engine-wide advisory lock, so two invocations never interleave on the
	// same key space. Every write fn performs commits or rolls back together.
	WithinBatch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// HighestBlocknumber returns the largest blocknumber ever persisted, or 0
	// when the store is empty. Drivers use it to resume the feed.
	HighestBlocknumber(ctx context.Context) (int64, error)

	// MarkViewed and MarkAllViewed belong to the delivery surface; the engine
	// never calls them. Marking a notification viewed closes its merge window.
	MarkViewed(ctx context.Context, notificationID string) error
	MarkAllViewed(ctx context.Context, userID int64) error
}

// Tx is the write surface of a single engine invocation.
type Tx interface {
	// UnviewedIDs returns, for one grouping (kind, entityID), the unviewed
	// notification id per recipient in userIDs. Recipients without an
	// unviewed notification are absent. Lookups are chunked internally; the
	// round-trip count does not grow with recipient count beyond chunking.
	UnviewedIDs(ctx context.Context, kind domain.Kind, entityID int64, userIDs []int64) (map[int64]string, error)

	// RemixExists reports whether a remix notification for this exact
	// occurrence was already persisted (replay probe for non-stacking kinds).
	RemixExists(ctx context.Context, userID, entityID, blocknumber int64) (bool, error)

	// InsertNotifications bulk-inserts header rows in chunks.
	InsertNotifications(ctx context.Context, ns []domain.Notification) error

	// InsertActions bulk-inserts action rows in chunks, skipping rows that
	// collide on the (notification, entity, blocknumber) idempotency key.
	// Returns the number of rows actually inserted.
	InsertActions(ctx context.Context, as []domain.Action) (int64, error)

	// TouchNotifications bumps updated_at on the given header rows after an
	// append, so delivery lists resort merged notifications.
	TouchNotifications(ctx context.Context, ids []string, at time.Time) error
}
