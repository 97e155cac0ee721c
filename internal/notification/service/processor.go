package service

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	eventdomain "soundstream/notifier/internal/event/domain"
	"soundstream/notifier/internal/notification/domain"
	"soundstream/notifier/internal/notification/repository"
	settingsdomain "soundstream/notifier/internal/settings/domain"
	"soundstream/notifier/internal/telemetry"
)

const tracerName = "soundstream/notifier/internal/notification/service"

// SubscriptionResolver reports the subscriber fan-out for a set of users.
type SubscriptionResolver interface {
	SubscribersByUsers(ctx context.Context, userIDs []int64) (map[int64][]int64, error)
}

// SettingsReader loads per-user notification preferences.
type SettingsReader interface {
	ByUsers(ctx context.Context, userIDs []int64) (map[int64]settingsdomain.Settings, error)
}

// occurrenceKey identifies one non-stacking notification occurrence, the same
// key the store's replay probe matches on.
type occurrenceKey struct {
	userID      int64
	entityID    int64
	blocknumber int64
}

// Stats summarizes one processed batch.
type Stats struct {
	Events         int
	Created        int
	Merged         int
	Actions        int64
	MaxBlocknumber int64
}

// Processor turns a batch of ingest events into notification writes inside
// a single repository transaction. Processing an event never commits on its
// own; the caller owns the transaction boundary.
type Processor struct {
	subs          SubscriptionResolver
	settings      SettingsReader
	metrics       *telemetry.EngineMetrics
	maxFanoutWarn int
}

func NewProcessor(subs SubscriptionResolver, settings SettingsReader, metrics *telemetry.EngineMetrics, maxFanoutWarn int) *Processor {
	return &Processor{
		subs:          subs,
		settings:      settings,
		metrics:       metrics,
		maxFanoutWarn: maxFanoutWarn,
	}
}

// Process validates, classifies and persists a batch of events through tx.
// Any malformed event rejects the whole batch before the first write so the
// caller can roll back and route the batch to inspection.
func (p *Processor) Process(ctx context.Context, tx repository.Tx, events []eventdomain.Event) (Stats, error) {
	start := time.Now()
	stats, err := p.process(ctx, tx, events)
	if err != nil {
		p.metrics.RecordFailure(ctx, time.Since(start))
		return stats, err
	}
	p.metrics.RecordBatch(ctx, stats.Events, stats.Created, stats.Actions, time.Since(start))
	return stats, nil
}

func (p *Processor) process(ctx context.Context, tx repository.Tx, events []eventdomain.Event) (Stats, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notification.ProcessBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.events", len(events)))

	var stats Stats
	if len(events) == 0 {
		return stats, nil
	}

	// Validate and classify everything before the first write.
	classes := make([]domain.Class, len(events))
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return stats, fmt.Errorf("event at block %d: %w", events[i].Blocknumber, err)
		}
		c, err := domain.Classify(events[i])
		if err != nil {
			return stats, fmt.Errorf("event at block %d: %w", events[i].Blocknumber, err)
		}
		classes[i] = c
	}

	// The feed emits events in block order; restore it if the transport
	// reordered them, so merge decisions stay deterministic.
	order := make([]int, len(events))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return events[order[a]].Blocknumber < events[order[b]].Blocknumber
	})

	absorbed := AbsorbedTrackIDs(events)

	subs, err := p.resolveSubscribers(ctx, events)
	if err != nil {
		return stats, err
	}
	settings, err := p.loadSettings(ctx, events)
	if err != nil {
		return stats, err
	}

	// Notifications opened earlier in this batch must be visible to later
	// events before anything is flushed to the database.
	pending := make(map[domain.Key]string)
	// Non-stacking creates are buffered until InsertNotifications, so the
	// store probe cannot see them; issued mirrors its key for duplicates
	// arriving within one batch.
	issued := make(map[occurrenceKey]struct{})
	var creates []domain.Notification
	var actions []domain.Action
	touch := make(map[string]time.Time)

	for _, i := range order {
		ev := &events[i]
		class := classes[i]
		if ev.Blocknumber > stats.MaxBlocknumber {
			stats.MaxBlocknumber = ev.Blocknumber
		}

		if class.Kind == domain.KindCreateTrack {
			if _, ok := absorbed[ev.Metadata.EntityID]; ok {
				continue
			}
		}

		recipients := p.recipients(ev, subs, settings)
		if len(recipients) == 0 {
			continue
		}
		if p.maxFanoutWarn > 0 && len(recipients) > p.maxFanoutWarn {
			log.Printf("notification: event at block %d fans out to %d recipients, above threshold %d",
				ev.Blocknumber, len(recipients), p.maxFanoutWarn)
		}

		if !class.Stacks {
			for _, r := range recipients {
				occ := occurrenceKey{userID: r, entityID: class.EntityID, blocknumber: ev.Blocknumber}
				if _, ok := issued[occ]; ok {
					continue
				}
				exists, err := tx.RemixExists(ctx, r, class.EntityID, ev.Blocknumber)
				if err != nil {
					return stats, fmt.Errorf("probe remix notification: %w", err)
				}
				issued[occ] = struct{}{}
				if exists {
					continue
				}
				id := uuid.New().String()
				creates = append(creates, domain.Notification{
					ID:          id,
					UserID:      r,
					Kind:        class.Kind,
					EntityID:    class.EntityID,
					Blocknumber: ev.Blocknumber,
					CreatedAt:   ev.Timestamp,
					UpdatedAt:   ev.Timestamp,
				})
				for _, ref := range class.Actions {
					actions = append(actions, domain.Action{
						ID:             uuid.New().String(),
						NotificationID: id,
						EntityKind:     ref.Kind,
						EntityID:       ref.EntityID,
						Blocknumber:    ev.Blocknumber,
						CreatedAt:      ev.Timestamp,
					})
				}
				stats.Created++
			}
			continue
		}

		// Look up open notifications only for recipients this batch has
		// not already decided.
		var unresolved []int64
		for _, r := range recipients {
			if _, ok := pending[domain.Key{UserID: r, Kind: class.Kind, EntityID: class.EntityID}]; !ok {
				unresolved = append(unresolved, r)
			}
		}
		existing := map[int64]string{}
		if len(unresolved) > 0 {
			existing, err = tx.UnviewedIDs(ctx, class.Kind, class.EntityID, unresolved)
			if err != nil {
				return stats, fmt.Errorf("look up open notifications: %w", err)
			}
		}

		for _, r := range recipients {
			key := domain.Key{UserID: r, Kind: class.Kind, EntityID: class.EntityID}
			id, ok := pending[key]
			switch {
			case ok:
				stats.Merged++
				touch[id] = ev.Timestamp
			case existing[r] != "":
				id = existing[r]
				pending[key] = id
				stats.Merged++
				touch[id] = ev.Timestamp
			default:
				id = uuid.New().String()
				pending[key] = id
				creates = append(creates, domain.Notification{
					ID:          id,
					UserID:      r,
					Kind:        class.Kind,
					EntityID:    class.EntityID,
					Blocknumber: ev.Blocknumber,
					CreatedAt:   ev.Timestamp,
					UpdatedAt:   ev.Timestamp,
				})
				stats.Created++
			}
			for _, ref := range class.Actions {
				actions = append(actions, domain.Action{
					ID:             uuid.New().String(),
					NotificationID: id,
					EntityKind:     ref.Kind,
					EntityID:       ref.EntityID,
					Blocknumber:    ev.Blocknumber,
					CreatedAt:      ev.Timestamp,
				})
			}
		}
	}

	if len(creates) > 0 {
		if err := tx.InsertNotifications(ctx, creates); err != nil {
			return stats, fmt.Errorf("insert notifications: %w", err)
		}
	}
	if len(actions) > 0 {
		inserted, err := tx.InsertActions(ctx, actions)
		if err != nil {
			return stats, fmt.Errorf("insert actions: %w", err)
		}
		stats.Actions = inserted
	}
	for at, ids := range invertTouches(touch) {
		if err := tx.TouchNotifications(ctx, ids, at); err != nil {
			return stats, fmt.Errorf("touch notifications: %w", err)
		}
	}

	stats.Events = len(events)
	span.SetAttributes(
		attribute.Int("batch.created", stats.Created),
		attribute.Int("batch.merged", stats.Merged),
		attribute.Int64("batch.actions", stats.Actions),
	)
	return stats, nil
}

// resolveSubscribers fans out once per distinct creation initiator. Follow,
// repost, favorite and remix events address a single recipient carried on
// the event itself and need no resolver call.
func (p *Processor) resolveSubscribers(ctx context.Context, events []eventdomain.Event) (map[int64][]int64, error) {
	seen := make(map[int64]struct{})
	var initiators []int64
	for i := range events {
		if events[i].Kind != eventdomain.KindCreate {
			continue
		}
		if _, ok := seen[events[i].Initiator]; ok {
			continue
		}
		seen[events[i].Initiator] = struct{}{}
		initiators = append(initiators, events[i].Initiator)
	}
	if len(initiators) == 0 {
		return map[int64][]int64{}, nil
	}
	sort.Slice(initiators, func(a, b int) bool { return initiators[a] < initiators[b] })
	subs, err := p.subs.SubscribersByUsers(ctx, initiators)
	if err != nil {
		return nil, fmt.Errorf("resolve subscribers: %w", err)
	}
	return subs, nil
}

func (p *Processor) loadSettings(ctx context.Context, events []eventdomain.Event) (map[int64]settingsdomain.Settings, error) {
	seen := make(map[int64]struct{})
	var recipients []int64
	add := func(id int64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		recipients = append(recipients, id)
	}
	for i := range events {
		switch events[i].Kind {
		case eventdomain.KindFollow:
			add(events[i].Metadata.FolloweeUserID)
		case eventdomain.KindRepost, eventdomain.KindFavorite:
			add(events[i].Metadata.EntityOwnerID)
		case eventdomain.KindRemixCreate:
			add(events[i].Metadata.RemixParentTrackUserID)
		}
	}
	if len(recipients) == 0 {
		return map[int64]settingsdomain.Settings{}, nil
	}
	sort.Slice(recipients, func(a, b int) bool { return recipients[a] < recipients[b] })
	settings, err := p.settings.ByUsers(ctx, recipients)
	if err != nil {
		return nil, fmt.Errorf("load notification settings: %w", err)
	}
	return settings, nil
}

func (p *Processor) recipients(ev *eventdomain.Event, subs map[int64][]int64, settings map[int64]settingsdomain.Settings) []int64 {
	switch ev.Kind {
	case eventdomain.KindCreate:
		return subs[ev.Initiator]
	case eventdomain.KindFollow:
		if settingFor(settings, ev.Metadata.FolloweeUserID).Follows {
			return []int64{ev.Metadata.FolloweeUserID}
		}
	case eventdomain.KindRepost:
		if settingFor(settings, ev.Metadata.EntityOwnerID).Reposts {
			return []int64{ev.Metadata.EntityOwnerID}
		}
	case eventdomain.KindFavorite:
		if settingFor(settings, ev.Metadata.EntityOwnerID).Favorites {
			return []int64{ev.Metadata.EntityOwnerID}
		}
	case eventdomain.KindRemixCreate:
		if settingFor(settings, ev.Metadata.RemixParentTrackUserID).Remixes {
			return []int64{ev.Metadata.RemixParentTrackUserID}
		}
	}
	return nil
}

func settingFor(settings map[int64]settingsdomain.Settings, userID int64) settingsdomain.Settings {
	if s, ok := settings[userID]; ok {
		return s
	}
	return settingsdomain.DefaultSettings(userID)
}

// invertTouches groups notification ids by the timestamp they should carry
// so updated_at bumps happen in one statement per distinct event time.
func invertTouches(touch map[string]time.Time) map[time.Time][]string {
	byTime := make(map[time.Time][]string, len(touch))
	for id, at := range touch {
		byTime[at] = append(byTime[at], id)
	}
	return byTime
}
