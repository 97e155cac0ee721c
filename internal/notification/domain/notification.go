// Package domain defines the persisted notification model and the pure
// mapping from feed events onto notification rows.
package domain

import (
	"fmt"
	"time"

	eventdomain "soundstream/notifier/internal/event/domain"
)

// Kind is the persisted notification type. Creation/repost/favorite kinds are
// subtyped by the content entity so that, say, track and playlist uploads by
// the same creator stay separate notifications.
type Kind string

const (
	KindFollow           Kind = "Follow"
	KindRepostTrack      Kind = "RepostTrack"
	KindRepostAlbum      Kind = "RepostAlbum"
	KindRepostPlaylist   Kind = "RepostPlaylist"
	KindFavoriteTrack    Kind = "FavoriteTrack"
	KindFavoriteAlbum    Kind = "FavoriteAlbum"
	KindFavoritePlaylist Kind = "FavoritePlaylist"
	KindCreateTrack      Kind = "CreateTrack"
	KindCreateAlbum      Kind = "CreateAlbum"
	KindCreatePlaylist   Kind = "CreatePlaylist"
	KindRemixCreate      Kind = "RemixCreate"
)

// ActionEntityKind tags what an action's entity id refers to.
type ActionEntityKind string

const (
	ActionEntityUser  ActionEntityKind = "User"
	ActionEntityTrack ActionEntityKind = "Track"
)

// Notification is the mutable header row. At most one unviewed notification
// exists per (UserID, Kind, EntityID); the store enforces this. EntityID is
// the grouping entity (0 for kinds without one, e.g. Follow).
type Notification struct {
	ID          string
	UserID      int64
	Kind        Kind
	EntityID    int64
	IsViewed    bool
	Blocknumber int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Action is one occurrence under a notification. Created once per qualifying
// event, never mutated. Blocknumber of the source event doubles as the
// idempotency key component.
type Action struct {
	ID             string
	NotificationID string
	EntityKind     ActionEntityKind
	EntityID       int64
	Blocknumber    int64
	CreatedAt      time.Time
}

// Key is the grouping key: two events with the same key collapse into one
// unviewed notification.
type Key struct {
	UserID   int64
	Kind     Kind
	EntityID int64
}

// ActionRef is one action a classified event contributes, before a
// notification id is known.
type ActionRef struct {
	Kind     ActionEntityKind
	EntityID int64
}

// Class describes how one feed event maps onto notification rows. It is the
// output of the grouping key deriver: recipient-independent, so one Class
// serves every recipient of the event.
type Class struct {
	Kind Kind
	// EntityID is the grouping entity id. For track creation it is the
	// initiator's user id, which is what lets several uploads by the same
	// creator collapse; for collection creation it is the collection id.
	EntityID int64
	// Actions holds one ref per action row the event contributes. Most kinds
	// contribute exactly one; collection creation contributes one per
	// contained track.
	Actions []ActionRef
	// Stacks reports whether occurrences merge into an existing unviewed
	// notification. Non-stacking kinds (remix creation) open a new
	// notification every time.
	Stacks bool
}

// Classify derives the notification class for a validated feed event.
// It is pure and total over supported kinds; an unsupported kind is a hard
// error wrapping eventdomain.ErrUnknownKind.
func Classify(ev eventdomain.Event) (Class, error) {
	switch ev.Kind {
	case eventdomain.KindCreate:
		return classifyCreate(ev)
	case eventdomain.KindFollow:
		return Class{
			Kind:     KindFollow,
			EntityID: 0,
			Actions:  []ActionRef{{Kind: ActionEntityUser, EntityID: ev.Metadata.FollowerUserID}},
			Stacks:   true,
		}, nil
	case eventdomain.KindRepost:
		kind, err := subtype(ev, KindRepostTrack, KindRepostAlbum, KindRepostPlaylist)
		if err != nil {
			return Class{}, err
		}
		return Class{
			Kind:     kind,
			EntityID: ev.Metadata.EntityID,
			Actions:  []ActionRef{{Kind: ActionEntityUser, EntityID: ev.Initiator}},
			Stacks:   true,
		}, nil
	case eventdomain.KindFavorite:
		kind, err := subtype(ev, KindFavoriteTrack, KindFavoriteAlbum, KindFavoritePlaylist)
		if err != nil {
			return Class{}, err
		}
		return Class{
			Kind:     kind,
			EntityID: ev.Metadata.EntityID,
			Actions:  []ActionRef{{Kind: ActionEntityUser, EntityID: ev.Initiator}},
			Stacks:   true,
		}, nil
	case eventdomain.KindRemixCreate:
		return Class{
			Kind:     KindRemixCreate,
			EntityID: ev.Metadata.EntityID,
			Actions:  []ActionRef{{Kind: ActionEntityTrack, EntityID: ev.Metadata.RemixParentTrackID}},
			Stacks:   false,
		}, nil
	default:
		return Class{}, fmt.Errorf("%w: %q at block %d", eventdomain.ErrUnknownKind, ev.Kind, ev.Blocknumber)
	}
}

func classifyCreate(ev eventdomain.Event) (Class, error) {
	switch ev.Metadata.EntityKind {
	case eventdomain.EntityTrack:
		// Grouping on the uploader, action on the track: repeated uploads by
		// one creator land in one notification with one action per track.
		return Class{
			Kind:     KindCreateTrack,
			EntityID: ev.Initiator,
			Actions:  []ActionRef{{Kind: ActionEntityTrack, EntityID: ev.Metadata.EntityID}},
			Stacks:   true,
		}, nil
	case eventdomain.EntityAlbum:
		return Class{
			Kind:     KindCreateAlbum,
			EntityID: ev.Metadata.EntityID,
			Actions:  collectionActions(ev),
			Stacks:   true,
		}, nil
	case eventdomain.EntityPlaylist:
		return Class{
			Kind:     KindCreatePlaylist,
			EntityID: ev.Metadata.EntityID,
			Actions:  collectionActions(ev),
			Stacks:   true,
		}, nil
	default:
		return Class{}, fmt.Errorf("%w: block %d: invalid entity_type %q", eventdomain.ErrInvalidEvent, ev.Blocknumber, ev.Metadata.EntityKind)
	}
}

// collectionActions lists the collection's contained tracks, so subscribers
// see the tracks through the collection notification alone. An empty
// collection falls back to a single owner action.
func collectionActions(ev eventdomain.Event) []ActionRef {
	trackIDs := ev.TrackIDs()
	if len(trackIDs) == 0 {
		return []ActionRef{{Kind: ActionEntityUser, EntityID: ev.Metadata.EntityOwnerID}}
	}
	refs := make([]ActionRef, 0, len(trackIDs))
	for _, id := range trackIDs {
		refs = append(refs, ActionRef{Kind: ActionEntityTrack, EntityID: id})
	}
	return refs
}

func subtype(ev eventdomain.Event, track, album, playlist Kind) (Kind, error) {
	switch ev.Metadata.EntityKind {
	case eventdomain.EntityTrack:
		return track, nil
	case eventdomain.EntityAlbum:
		return album, nil
	case eventdomain.EntityPlaylist:
		return playlist, nil
	default:
		return "", fmt.Errorf("%w: block %d: invalid entity_type %q", eventdomain.ErrInvalidEvent, ev.Blocknumber, ev.Metadata.EntityKind)
	}
}
