// Package domain defines the domain events consumed from the append-only
// event feed. The feed is external; this engine only reads it.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for event validation; callers reject the whole batch on either.
var (
	ErrUnknownKind  = errors.New("unknown event kind")
	ErrInvalidEvent = errors.New("invalid event")
)

// Kind is the type tag carried by a feed event.
type Kind string

const (
	KindCreate      Kind = "Create"
	KindFollow      Kind = "Follow"
	KindRepost      Kind = "Repost"
	KindFavorite    Kind = "Favorite"
	KindRemixCreate Kind = "RemixCreate"
)

// EntityKind is the content entity a Create/Repost/Favorite event refers to.
type EntityKind string

const (
	EntityTrack    EntityKind = "track"
	EntityAlbum    EntityKind = "album"
	EntityPlaylist EntityKind = "playlist"
)

// TrackRef is one entry of a collection's track list.
type TrackRef struct {
	Track int64 `json:"track"`
	Time  int64 `json:"time"`
}

// CollectionContent lists the tracks contained in a created album or playlist.
type CollectionContent struct {
	TrackIDs []TrackRef `json:"track_ids"`
}

// Metadata carries the kind-specific payload of a feed event. Fields not
// relevant to the event's kind are zero.
type Metadata struct {
	EntityID      int64      `json:"entity_id"`
	EntityOwnerID int64      `json:"entity_owner_id"`
	EntityKind    EntityKind `json:"entity_type"`
	// CollectionContent is set only for album/playlist creation events.
	CollectionContent      *CollectionContent `json:"collection_content,omitempty"`
	FollowerUserID         int64              `json:"follower_user_id"`
	FolloweeUserID         int64              `json:"followee_user_id"`
	RemixParentTrackID     int64              `json:"remix_parent_track_id"`
	RemixParentTrackUserID int64              `json:"remix_parent_track_user_id"`
}

// Event is one immutable record of the feed. Blocknumber is the feed's
// monotonic sequence number and the only ordering guarantee.
type Event struct {
	Blocknumber int64     `json:"blocknumber"`
	Initiator   int64     `json:"initiator"`
	Kind        Kind      `json:"type"`
	Metadata    Metadata  `json:"metadata"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks that the event carries every field its kind requires.
// It returns an error wrapping ErrUnknownKind for an unsupported kind and
// ErrInvalidEvent for missing metadata; either must reject the whole batch
// before any write.
func (e *Event) Validate() error {
	if e.Initiator <= 0 {
		return fmt.Errorf("%w: block %d: initiator must be positive", ErrInvalidEvent, e.Blocknumber)
	}
	if e.Blocknumber < 0 {
		return fmt.Errorf("%w: negative blocknumber %d", ErrInvalidEvent, e.Blocknumber)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: block %d: missing timestamp", ErrInvalidEvent, e.Blocknumber)
	}

	switch e.Kind {
	case KindCreate:
		if err := e.validateEntityKind(); err != nil {
			return err
		}
		if e.Metadata.EntityID <= 0 || e.Metadata.EntityOwnerID <= 0 {
			return fmt.Errorf("%w: block %d: create event missing entity_id or entity_owner_id", ErrInvalidEvent, e.Blocknumber)
		}
		if e.Metadata.EntityKind != EntityTrack && e.Metadata.CollectionContent == nil {
			return fmt.Errorf("%w: block %d: %s create event missing collection_content", ErrInvalidEvent, e.Blocknumber, e.Metadata.EntityKind)
		}
	case KindFollow:
		if e.Metadata.FollowerUserID <= 0 || e.Metadata.FolloweeUserID <= 0 {
			return fmt.Errorf("%w: block %d: follow event missing follower_user_id or followee_user_id", ErrInvalidEvent, e.Blocknumber)
		}
	case KindRepost, KindFavorite:
		if err := e.validateEntityKind(); err != nil {
			return err
		}
		if e.Metadata.EntityID <= 0 || e.Metadata.EntityOwnerID <= 0 {
			return fmt.Errorf("%w: block %d: %s event missing entity_id or entity_owner_id", ErrInvalidEvent, e.Blocknumber, e.Kind)
		}
	case KindRemixCreate:
		if e.Metadata.EntityID <= 0 || e.Metadata.EntityOwnerID <= 0 {
			return fmt.Errorf("%w: block %d: remix event missing entity_id or entity_owner_id", ErrInvalidEvent, e.Blocknumber)
		}
		if e.Metadata.RemixParentTrackID <= 0 || e.Metadata.RemixParentTrackUserID <= 0 {
			return fmt.Errorf("%w: block %d: remix event missing parent track metadata", ErrInvalidEvent, e.Blocknumber)
		}
	default:
		return fmt.Errorf("%w: %q at block %d", ErrUnknownKind, e.Kind, e.Blocknumber)
	}
	return nil
}

func (e *Event) validateEntityKind() error {
	switch e.Metadata.EntityKind {
	case EntityTrack, EntityAlbum, EntityPlaylist:
		return nil
	default:
		return fmt.Errorf("%w: block %d: invalid entity_type %q", ErrInvalidEvent, e.Blocknumber, e.Metadata.EntityKind)
	}
}

// TrackIDs returns the ids of the tracks contained in the event's collection,
// or nil when the event has no collection content.
func (e *Event) TrackIDs() []int64 {
	if e.Metadata.CollectionContent == nil {
		return nil
	}
	ids := make([]int64, 0, len(e.Metadata.CollectionContent.TrackIDs))
	for _, ref := range e.Metadata.CollectionContent.TrackIDs {
		ids = append(ids, ref.Track)
	}
	return ids
}
