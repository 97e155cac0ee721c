// Package domain models the subscription registry. The registry is owned by
// another system; this engine only reads it.
package domain

// Edge is one "subscriber follows subscribed-to" pair.
type Edge struct {
	UserID       int64 // the subscribed-to user (content creator)
	SubscriberID int64 // the user receiving creation notifications
}
