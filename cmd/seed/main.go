// seed inserts development sample data for local testing. Run via go run ./cmd/seed.
// Idempotent: upserts subscriptions and settings for the dev users. When
// KAFKA_BROKERS is set it also publishes a small batch of feed events so a
// running worker has something to process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"soundstream/notifier/internal/config"
	"soundstream/notifier/internal/db"
	eventdomain "soundstream/notifier/internal/event/domain"
)

const (
	devArtistID     = 10
	devListenerAID  = 101
	devListenerBID  = 102
	devListenerCID  = 103
	devTrackBaseID  = 7000
	devPlaylistID   = 9000
	devBlocknumBase = 100
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()

	listeners := []int64{devListenerAID, devListenerBID, devListenerCID}
	for _, listener := range listeners {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO subscriptions (user_id, subscriber_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			devArtistID, listener,
		); err != nil {
			log.Fatalf("seed subscription %d -> %d: %v", listener, devArtistID, err)
		}
	}

	// Listener C opts out of repost notifications so the gate is visible in dev.
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO user_notification_settings (user_id, follows, reposts, favorites, remixes)
		 VALUES ($1, TRUE, FALSE, TRUE, TRUE)
		 ON CONFLICT (user_id) DO UPDATE SET reposts = FALSE, updated_at = now()`,
		devListenerCID,
	); err != nil {
		log.Fatalf("seed settings: %v", err)
	}

	log.Printf("Seeded %d subscriptions to artist %d.", len(listeners), devArtistID)

	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Println("KAFKA_BROKERS not set; skipping feed event publish.")
		return
	}
	if err := publishSampleEvents(ctx, brokers, cfg.EventsKafkaTopic); err != nil {
		log.Fatalf("publish sample events: %v", err)
	}
	fmt.Printf("Published sample feed events to %s.\n", cfg.EventsKafkaTopic)
}

// publishSampleEvents emits three track uploads followed by a playlist that
// contains the second track, which exercises collection collapsing end to end.
func publishSampleEvents(ctx context.Context, brokers []string, topic string) error {
	now := time.Now().UTC()
	events := []eventdomain.Event{
		trackUpload(devBlocknumBase, devTrackBaseID+1, now),
		trackUpload(devBlocknumBase+1, devTrackBaseID+2, now.Add(time.Second)),
		trackUpload(devBlocknumBase+2, devTrackBaseID+3, now.Add(2*time.Second)),
		{
			Blocknumber: devBlocknumBase + 3,
			Initiator:   devArtistID,
			Kind:        eventdomain.KindCreate,
			Timestamp:   now.Add(3 * time.Second),
			Metadata: eventdomain.Metadata{
				EntityID:      devPlaylistID,
				EntityOwnerID: devArtistID,
				EntityKind:    eventdomain.EntityPlaylist,
				CollectionContent: &eventdomain.CollectionContent{
					TrackIDs: []eventdomain.TrackRef{{Track: devTrackBaseID + 2, Time: now.Unix()}},
				},
			},
		},
		{
			Blocknumber: devBlocknumBase + 4,
			Initiator:   devListenerAID,
			Kind:        eventdomain.KindRepost,
			Timestamp:   now.Add(4 * time.Second),
			Metadata: eventdomain.Metadata{
				EntityID:      devTrackBaseID + 1,
				EntityOwnerID: devArtistID,
				EntityKind:    eventdomain.EntityTrack,
			},
		},
	}

	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}
	defer writer.Close()

	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Value: payload})
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return writer.WriteMessages(writeCtx, msgs...)
}

func trackUpload(block, trackID int64, at time.Time) eventdomain.Event {
	return eventdomain.Event{
		Blocknumber: block,
		Initiator:   devArtistID,
		Kind:        eventdomain.KindCreate,
		Timestamp:   at,
		Metadata: eventdomain.Metadata{
			EntityID:      trackID,
			EntityOwnerID: devArtistID,
			EntityKind:    eventdomain.EntityTrack,
		},
	}
}
