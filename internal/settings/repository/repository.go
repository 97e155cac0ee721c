// Package repository provides access to user notification settings.
package repository

import (
	"context"

	"soundstream/notifier/internal/settings/domain"
)

// Repository reads notification settings for batches of users.
type Repository interface {
	// ByUsers returns stored settings keyed by user id. Users without a row
	// are absent; callers apply domain.DefaultSettings for them.
	ByUsers(ctx context.Context, userIDs []int64) (map[int64]domain.Settings, error)
}
