package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	eventdomain "soundstream/notifier/internal/event/domain"
	"soundstream/notifier/internal/notification/domain"
	settingsdomain "soundstream/notifier/internal/settings/domain"
)

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type actionKey struct {
	notificationID string
	entityKind     domain.ActionEntityKind
	entityID       int64
	blocknumber    int64
}

// memTx keeps the transaction write surface in maps so tests can assert on
// exactly what a batch persisted.
type memTx struct {
	notifications map[string]domain.Notification
	actions       []domain.Action
	actionKeys    map[actionKey]struct{}
}

func newMemTx() *memTx {
	return &memTx{
		notifications: make(map[string]domain.Notification),
		actionKeys:    make(map[actionKey]struct{}),
	}
}

func (m *memTx) UnviewedIDs(_ context.Context, kind domain.Kind, entityID int64, userIDs []int64) (map[int64]string, error) {
	want := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		want[id] = struct{}{}
	}
	out := make(map[int64]string)
	for id, n := range m.notifications {
		if n.IsViewed || n.Kind != kind || n.EntityID != entityID {
			continue
		}
		if _, ok := want[n.UserID]; ok {
			out[n.UserID] = id
		}
	}
	return out, nil
}

func (m *memTx) RemixExists(_ context.Context, userID, entityID, blocknumber int64) (bool, error) {
	for _, n := range m.notifications {
		if n.Kind == domain.KindRemixCreate && n.UserID == userID && n.EntityID == entityID && n.Blocknumber == blocknumber {
			return true, nil
		}
	}
	return false, nil
}

func (m *memTx) InsertNotifications(_ context.Context, ns []domain.Notification) error {
	for _, n := range ns {
		m.notifications[n.ID] = n
	}
	return nil
}

func (m *memTx) InsertActions(_ context.Context, as []domain.Action) (int64, error) {
	var inserted int64
	for _, a := range as {
		key := actionKey{a.NotificationID, a.EntityKind, a.EntityID, a.Blocknumber}
		if _, ok := m.actionKeys[key]; ok {
			continue
		}
		m.actionKeys[key] = struct{}{}
		m.actions = append(m.actions, a)
		inserted++
	}
	return inserted, nil
}

func (m *memTx) TouchNotifications(_ context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		n, ok := m.notifications[id]
		if !ok {
			return fmt.Errorf("touch unknown notification %s", id)
		}
		if n.UpdatedAt.Before(at) {
			n.UpdatedAt = at
			m.notifications[id] = n
		}
	}
	return nil
}

func (m *memTx) byKind(kind domain.Kind) []domain.Notification {
	var out []domain.Notification
	for _, n := range m.notifications {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (m *memTx) actionsFor(notificationID string) []domain.Action {
	var out []domain.Action
	for _, a := range m.actions {
		if a.NotificationID == notificationID {
			out = append(out, a)
		}
	}
	return out
}

type memSubscriptions struct {
	byUser map[int64][]int64
	calls  int
}

func (m *memSubscriptions) SubscribersByUsers(_ context.Context, userIDs []int64) (map[int64][]int64, error) {
	m.calls++
	out := make(map[int64][]int64, len(userIDs))
	for _, id := range userIDs {
		if subs, ok := m.byUser[id]; ok {
			out[id] = subs
		}
	}
	return out, nil
}

type memSettings struct {
	byUser map[int64]settingsdomain.Settings
}

func (m *memSettings) ByUsers(_ context.Context, userIDs []int64) (map[int64]settingsdomain.Settings, error) {
	out := make(map[int64]settingsdomain.Settings, len(userIDs))
	for _, id := range userIDs {
		if s, ok := m.byUser[id]; ok {
			out[id] = s
		}
	}
	return out, nil
}

func newTestProcessor(subs map[int64][]int64, settings map[int64]settingsdomain.Settings) (*Processor, *memSubscriptions) {
	resolver := &memSubscriptions{byUser: subs}
	return NewProcessor(resolver, &memSettings{byUser: settings}, nil, 0), resolver
}

func eventAt(block int64) time.Time {
	return baseTime.Add(time.Duration(block) * time.Second)
}

func trackCreate(block, initiator, trackID int64) eventdomain.Event {
	return eventdomain.Event{
		Blocknumber: block,
		Initiator:   initiator,
		Kind:        eventdomain.KindCreate,
		Timestamp:   eventAt(block),
		Metadata: eventdomain.Metadata{
			EntityID:      trackID,
			EntityOwnerID: initiator,
			EntityKind:    eventdomain.EntityTrack,
		},
	}
}

func playlistCreate(block, initiator, playlistID int64, trackIDs ...int64) eventdomain.Event {
	content := &eventdomain.CollectionContent{}
	for _, id := range trackIDs {
		content.TrackIDs = append(content.TrackIDs, eventdomain.TrackRef{Track: id, Time: block})
	}
	return eventdomain.Event{
		Blocknumber: block,
		Initiator:   initiator,
		Kind:        eventdomain.KindCreate,
		Timestamp:   eventAt(block),
		Metadata: eventdomain.Metadata{
			EntityID:          playlistID,
			EntityOwnerID:     initiator,
			EntityKind:        eventdomain.EntityPlaylist,
			CollectionContent: content,
		},
	}
}

func follow(block, follower, followee int64) eventdomain.Event {
	return eventdomain.Event{
		Blocknumber: block,
		Initiator:   follower,
		Kind:        eventdomain.KindFollow,
		Timestamp:   eventAt(block),
		Metadata: eventdomain.Metadata{
			FollowerUserID: follower,
			FolloweeUserID: followee,
		},
	}
}

func repost(block, initiator, trackID, owner int64) eventdomain.Event {
	return eventdomain.Event{
		Blocknumber: block,
		Initiator:   initiator,
		Kind:        eventdomain.KindRepost,
		Timestamp:   eventAt(block),
		Metadata: eventdomain.Metadata{
			EntityID:      trackID,
			EntityOwnerID: owner,
			EntityKind:    eventdomain.EntityTrack,
		},
	}
}

func remix(block, initiator, trackID, parentTrackID, parentOwner int64) eventdomain.Event {
	return eventdomain.Event{
		Blocknumber: block,
		Initiator:   initiator,
		Kind:        eventdomain.KindRemixCreate,
		Timestamp:   eventAt(block),
		Metadata: eventdomain.Metadata{
			EntityID:               trackID,
			EntityOwnerID:          initiator,
			EntityKind:             eventdomain.EntityTrack,
			RemixParentTrackID:     parentTrackID,
			RemixParentTrackUserID: parentOwner,
		},
	}
}

func TestProcessFansOutToEverySubscriber(t *testing.T) {
	p, resolver := newTestProcessor(map[int64][]int64{10: {101, 102, 103}}, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{trackCreate(50, 10, 7)})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 3 || stats.Actions != 3 || stats.Merged != 0 {
		t.Errorf("stats = %+v, want 3 created, 3 actions, 0 merged", stats)
	}
	if stats.MaxBlocknumber != 50 {
		t.Errorf("MaxBlocknumber = %d, want 50", stats.MaxBlocknumber)
	}
	if got := len(tx.notifications); got != 3 {
		t.Fatalf("notifications = %d, want 3", got)
	}
	for _, n := range tx.notifications {
		if n.Kind != domain.KindCreateTrack || n.EntityID != 10 {
			t.Errorf("notification = %+v, want kind CreateTrack grouped on user 10", n)
		}
	}
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want 1", resolver.calls)
	}
}

func TestProcessMergesOntoUnviewedNotification(t *testing.T) {
	p, _ := newTestProcessor(map[int64][]int64{10: {101}}, nil)
	tx := newMemTx()
	tx.notifications["existing"] = domain.Notification{
		ID:          "existing",
		UserID:      101,
		Kind:        domain.KindCreateTrack,
		EntityID:    10,
		Blocknumber: 40,
		CreatedAt:   eventAt(40),
		UpdatedAt:   eventAt(40),
	}

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{trackCreate(60, 10, 8)})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 0 || stats.Merged != 1 {
		t.Errorf("stats = %+v, want 0 created, 1 merged", stats)
	}
	if got := len(tx.notifications); got != 1 {
		t.Fatalf("notifications = %d, want the existing one only", got)
	}
	if got := tx.notifications["existing"].UpdatedAt; !got.Equal(eventAt(60)) {
		t.Errorf("UpdatedAt = %v, want bumped to %v", got, eventAt(60))
	}
	acts := tx.actionsFor("existing")
	if len(acts) != 1 || acts[0].EntityID != 8 || acts[0].EntityKind != domain.ActionEntityTrack {
		t.Errorf("actions = %+v, want one track action for track 8", acts)
	}
}

func TestProcessViewedNotificationGetsAFreshOne(t *testing.T) {
	p, _ := newTestProcessor(map[int64][]int64{10: {101}}, nil)
	tx := newMemTx()
	tx.notifications["seen"] = domain.Notification{
		ID:       "seen",
		UserID:   101,
		Kind:     domain.KindCreateTrack,
		EntityID: 10,
		IsViewed: true,
	}

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{trackCreate(60, 10, 8)})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 1 || stats.Merged != 0 {
		t.Errorf("stats = %+v, want a fresh notification", stats)
	}
	if got := len(tx.notifications); got != 2 {
		t.Errorf("notifications = %d, want viewed row plus a fresh one", got)
	}
	if got := len(tx.actionsFor("seen")); got != 0 {
		t.Errorf("viewed notification gained %d actions, want 0", got)
	}
}

func TestProcessMergesWithinOneBatch(t *testing.T) {
	p, resolver := newTestProcessor(map[int64][]int64{10: {101}}, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		trackCreate(50, 10, 7),
		trackCreate(51, 10, 8),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 1 || stats.Merged != 1 || stats.Actions != 2 {
		t.Errorf("stats = %+v, want 1 created, 1 merged, 2 actions", stats)
	}
	if got := len(tx.notifications); got != 1 {
		t.Fatalf("notifications = %d, want both uploads under one", got)
	}
	for id, n := range tx.notifications {
		if len(tx.actionsFor(id)) != 2 {
			t.Errorf("actions under %s = %d, want 2", id, len(tx.actionsFor(id)))
		}
		if !n.UpdatedAt.Equal(eventAt(51)) {
			t.Errorf("UpdatedAt = %v, want the second upload's time %v", n.UpdatedAt, eventAt(51))
		}
	}
	if resolver.calls != 1 {
		t.Errorf("resolver calls = %d, want one call for the whole batch", resolver.calls)
	}
}

func TestProcessCollapsesTracksIntoTheirCollection(t *testing.T) {
	p, _ := newTestProcessor(map[int64][]int64{10: {101}}, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		trackCreate(50, 10, 1),
		trackCreate(51, 10, 2),
		trackCreate(52, 10, 3),
		playlistCreate(53, 10, 99, 2),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	trackNotifs := tx.byKind(domain.KindCreateTrack)
	if len(trackNotifs) != 1 {
		t.Fatalf("track notifications = %d, want 1", len(trackNotifs))
	}
	got := map[int64]bool{}
	for _, a := range tx.actionsFor(trackNotifs[0].ID) {
		got[a.EntityID] = true
	}
	if len(got) != 2 || !got[1] || !got[3] {
		t.Errorf("standalone track actions = %v, want tracks 1 and 3 only", got)
	}

	playlistNotifs := tx.byKind(domain.KindCreatePlaylist)
	if len(playlistNotifs) != 1 {
		t.Fatalf("playlist notifications = %d, want 1", len(playlistNotifs))
	}
	if playlistNotifs[0].EntityID != 99 {
		t.Errorf("playlist notification grouped on %d, want the collection id 99", playlistNotifs[0].EntityID)
	}
	playlistActs := tx.actionsFor(playlistNotifs[0].ID)
	if len(playlistActs) != 1 || playlistActs[0].EntityID != 2 || playlistActs[0].EntityKind != domain.ActionEntityTrack {
		t.Errorf("playlist actions = %+v, want track 2 under the collection only", playlistActs)
	}
	if stats.Created != 2 {
		t.Errorf("Created = %d, want 2", stats.Created)
	}
}

func TestProcessLargeFanout(t *testing.T) {
	const subscribers = 50_000
	subs := make([]int64, subscribers)
	for i := range subs {
		subs[i] = int64(1000 + i)
	}
	p, _ := newTestProcessor(map[int64][]int64{10: subs}, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{trackCreate(50, 10, 7)})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != subscribers || stats.Actions != subscribers {
		t.Errorf("stats = %+v, want %d created and %d actions", stats, subscribers, subscribers)
	}
	if got := len(tx.notifications); got != subscribers {
		t.Errorf("notifications = %d, want %d", got, subscribers)
	}
}

func TestProcessKeepsInitiatorsSeparate(t *testing.T) {
	p, _ := newTestProcessor(map[int64][]int64{10: {101}, 11: {101}}, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		trackCreate(50, 10, 7),
		trackCreate(51, 11, 8),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 2 {
		t.Errorf("Created = %d, want one notification per initiator", stats.Created)
	}
}

func TestProcessZeroSubscribersWritesNothing(t *testing.T) {
	p, _ := newTestProcessor(nil, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{trackCreate(50, 10, 7)})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 0 || stats.Actions != 0 {
		t.Errorf("stats = %+v, want no writes", stats)
	}
	if stats.Events != 1 || stats.MaxBlocknumber != 50 {
		t.Errorf("stats = %+v, want the event still counted and the blocknumber advanced", stats)
	}
}

func TestProcessRejectsMalformedBatchBeforeAnyWrite(t *testing.T) {
	p, _ := newTestProcessor(map[int64][]int64{10: {101}}, nil)
	tx := newMemTx()

	bad := trackCreate(51, 10, 8)
	bad.Kind = "Mystery"
	_, err := p.Process(context.Background(), tx, []eventdomain.Event{trackCreate(50, 10, 7), bad})
	if !errors.Is(err, eventdomain.ErrUnknownKind) {
		t.Fatalf("Process() error = %v, want ErrUnknownKind", err)
	}
	if len(tx.notifications) != 0 || len(tx.actions) != 0 {
		t.Errorf("writes = %d notifications, %d actions; want none", len(tx.notifications), len(tx.actions))
	}

	missing := trackCreate(52, 10, 9)
	missing.Metadata.EntityID = 0
	_, err = p.Process(context.Background(), tx, []eventdomain.Event{missing})
	if !errors.Is(err, eventdomain.ErrInvalidEvent) {
		t.Fatalf("Process() error = %v, want ErrInvalidEvent", err)
	}
}

func TestProcessFollowStacksOnTheFollowee(t *testing.T) {
	p, _ := newTestProcessor(nil, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		follow(50, 201, 10),
		follow(51, 202, 10),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 1 || stats.Merged != 1 {
		t.Errorf("stats = %+v, want both follows under one notification", stats)
	}
	notifs := tx.byKind(domain.KindFollow)
	if len(notifs) != 1 || notifs[0].UserID != 10 || notifs[0].EntityID != 0 {
		t.Fatalf("notifications = %+v, want one for user 10 with no grouping entity", notifs)
	}
	acts := tx.actionsFor(notifs[0].ID)
	if len(acts) != 2 {
		t.Fatalf("actions = %d, want one per follower", len(acts))
	}
	for _, a := range acts {
		if a.EntityKind != domain.ActionEntityUser {
			t.Errorf("action entity kind = %q, want User", a.EntityKind)
		}
	}
}

func TestProcessHonorsSettingsOptOut(t *testing.T) {
	settings := map[int64]settingsdomain.Settings{
		10: {UserID: 10, Follows: false, Reposts: true, Favorites: true, Remixes: true},
	}
	p, _ := newTestProcessor(nil, settings)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		follow(50, 201, 10),
		repost(51, 202, 7, 10),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if got := len(tx.byKind(domain.KindFollow)); got != 0 {
		t.Errorf("follow notifications = %d, want gated off", got)
	}
	if got := len(tx.byKind(domain.KindRepostTrack)); got != 1 {
		t.Errorf("repost notifications = %d, want 1", got)
	}
	if stats.Created != 1 {
		t.Errorf("Created = %d, want 1", stats.Created)
	}
}

func TestProcessRemixNeverStacks(t *testing.T) {
	p, _ := newTestProcessor(nil, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		remix(50, 201, 7, 3, 10),
		remix(51, 202, 8, 3, 10),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 2 || stats.Merged != 0 {
		t.Errorf("stats = %+v, want two separate notifications", stats)
	}

	// Replaying a block must not duplicate the notification.
	stats, err = p.Process(context.Background(), tx, []eventdomain.Event{remix(50, 201, 7, 3, 10)})
	if err != nil {
		t.Fatalf("Process() replay error = %v", err)
	}
	if stats.Created != 0 || stats.Actions != 0 {
		t.Errorf("replay stats = %+v, want no new rows", stats)
	}
	if got := len(tx.byKind(domain.KindRemixCreate)); got != 2 {
		t.Errorf("remix notifications = %d, want 2", got)
	}
}

func TestProcessDuplicateRemixWithinOneBatch(t *testing.T) {
	p, _ := newTestProcessor(nil, nil)
	tx := newMemTx()

	// Rebalances refetch uncommitted messages, so one batch can carry the
	// same remix event twice.
	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		remix(50, 201, 7, 3, 10),
		remix(50, 201, 7, 3, 10),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.Created != 1 || stats.Actions != 1 {
		t.Errorf("stats = %+v, want the duplicate suppressed", stats)
	}
	if got := len(tx.byKind(domain.KindRemixCreate)); got != 1 {
		t.Errorf("remix notifications = %d, want 1", got)
	}
}

func TestProcessReplayedBatchIsIdempotent(t *testing.T) {
	p, _ := newTestProcessor(map[int64][]int64{10: {101, 102}}, nil)
	tx := newMemTx()
	batch := []eventdomain.Event{trackCreate(50, 10, 7), follow(51, 201, 102)}

	if _, err := p.Process(context.Background(), tx, batch); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	before := len(tx.actions)

	stats, err := p.Process(context.Background(), tx, batch)
	if err != nil {
		t.Fatalf("Process() replay error = %v", err)
	}
	if stats.Created != 0 {
		t.Errorf("replay Created = %d, want everything merged onto existing rows", stats.Created)
	}
	if stats.Actions != 0 {
		t.Errorf("replay Actions = %d, want duplicates skipped", stats.Actions)
	}
	if got := len(tx.actions); got != before {
		t.Errorf("actions = %d, want unchanged %d", got, before)
	}
}

func TestProcessOrdersByBlocknumber(t *testing.T) {
	p, _ := newTestProcessor(map[int64][]int64{10: {101}}, nil)
	tx := newMemTx()

	stats, err := p.Process(context.Background(), tx, []eventdomain.Event{
		trackCreate(55, 10, 8),
		trackCreate(52, 10, 7),
	})
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats.MaxBlocknumber != 55 {
		t.Errorf("MaxBlocknumber = %d, want 55", stats.MaxBlocknumber)
	}
	for _, n := range tx.notifications {
		if n.Blocknumber != 52 {
			t.Errorf("notification opened at block %d, want the earliest block 52", n.Blocknumber)
		}
		if !n.UpdatedAt.Equal(eventAt(55)) {
			t.Errorf("UpdatedAt = %v, want the latest event's time", n.UpdatedAt)
		}
	}
}

func TestProcessEmptyBatch(t *testing.T) {
	p, _ := newTestProcessor(nil, nil)
	stats, err := p.Process(context.Background(), newMemTx(), nil)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if stats != (Stats{}) {
		t.Errorf("stats = %+v, want zero value", stats)
	}
}
