package service

import (
	eventdomain "soundstream/notifier/internal/event/domain"
)

// AbsorbedTrackIDs returns the ids of tracks contained in any album or
// playlist created in the same batch. A track creation whose track id is
// absorbed produces no standalone notification; subscribers see it only
// through the collection's notification.
func AbsorbedTrackIDs(events []eventdomain.Event) map[int64]struct{} {
	absorbed := make(map[int64]struct{})
	for i := range events {
		ev := &events[i]
		if ev.Kind != eventdomain.KindCreate || ev.Metadata.EntityKind == eventdomain.EntityTrack {
			continue
		}
		for _, id := range ev.TrackIDs() {
			absorbed[id] = struct{}{}
		}
	}
	return absorbed
}
