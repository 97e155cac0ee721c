// Package repository provides read-only access to the subscription registry.
package repository

import "context"

// Repository resolves subscribers for event initiators.
type Repository interface {
	// SubscribersByUsers returns subscriber ids keyed by subscribed-to user id
	// for every id in userIDs. Users without subscribers are simply absent
	// from the result; that is not an error.
	SubscribersByUsers(ctx context.Context, userIDs []int64) (map[int64][]int64, error)
}
