// Package domain models per-user notification opt-outs.
package domain

// Settings holds a user's notification opt-out flags. A user without a
// settings row gets DefaultSettings (everything enabled). Creation
// notifications are not gated by settings.
type Settings struct {
	UserID    int64
	Follows   bool
	Reposts   bool
	Favorites bool
	Remixes   bool
}

// DefaultSettings returns the settings applied when a user has no row.
func DefaultSettings(userID int64) Settings {
	return Settings{UserID: userID, Follows: true, Reposts: true, Favorites: true, Remixes: true}
}
