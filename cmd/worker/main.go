// Worker consumes feed events from Kafka and persists aggregated notifications.
// Set DATABASE_URL, KAFKA_BROKERS, EVENTS_KAFKA_TOPIC, and KAFKA_GROUP_ID.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"soundstream/notifier/internal/config"
	"soundstream/notifier/internal/db"
	eventdomain "soundstream/notifier/internal/event/domain"
	notifrepo "soundstream/notifier/internal/notification/repository"
	"soundstream/notifier/internal/notification/service"
	settingsrepo "soundstream/notifier/internal/settings/repository"
	subsrepo "soundstream/notifier/internal/subscription/repository"
	"soundstream/notifier/internal/telemetry"
	otelsetup "soundstream/notifier/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("worker: DATABASE_URL is required")
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) == 0 {
		log.Fatal("worker: KAFKA_BROKERS is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	providers, err := otelsetup.NewProviders(ctx, cfg.OTELExporterOTLPEndpoint, "soundstream-notifier", false)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = providers.Shutdown(shutdownCtx)
	}()
	providers.SetGlobal()

	engineMetrics, err := telemetry.NewEngineMetrics(providers.MeterProvider.Meter("soundstream/notifier"))
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}

	store := notifrepo.NewPostgresStore(conn, cfg.InsertBatchSize, cfg.LookupBatchSize)
	processor := service.NewProcessor(
		subsrepo.NewPostgresRepository(conn),
		settingsrepo.NewPostgresRepository(conn),
		engineMetrics,
		cfg.MaxFanoutWarn,
	)

	resumeFrom, err := store.HighestBlocknumber(ctx)
	if err != nil {
		log.Fatalf("worker: read resume blocknumber: %v", err)
	}
	log.Printf("worker: highest persisted blocknumber is %d", resumeFrom)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.EventsKafkaTopic,
		GroupID:  cfg.KafkaGroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  1 * time.Second,
	})
	defer reader.Close()

	log.Printf("worker: consuming from %s (group %s), batches of up to %d events",
		cfg.EventsKafkaTopic, cfg.KafkaGroupID, cfg.WorkerBatchSize)

	run(ctx, reader, store, processor, cfg.WorkerBatchSize, cfg.FlushInterval(), retryBackoff)
	log.Println("worker: stopped")
}

// retryBackoff is the pause between attempts when a batch fails on a
// transient store error.
const retryBackoff = 5 * time.Second

// messageSource is the slice of kafka.Reader the batching loop uses.
type messageSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// run accumulates messages into batches and flushes each through one store
// transaction. Offsets are committed only after the transaction commits, so
// a crash replays the batch; replays are idempotent in the store.
func run(ctx context.Context, src messageSource, store notifrepo.Store, processor *service.Processor, batchSize int, flushInterval, backoff time.Duration) {
	var pending []kafka.Message

	// A failed batch keeps its messages and retries in place: FetchMessage
	// never redelivers within a session, and committing any later offset
	// would commit past the failed range for good.
	flush := func() {
		for len(pending) > 0 {
			err := flushBatch(ctx, src, store, processor, pending)
			if err == nil {
				pending = pending[:0]
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("worker: batch of %d messages failed, retrying in %s: %v", len(pending), backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	for {
		fetchCtx, cancelFetch := context.WithTimeout(ctx, flushInterval)
		msg, err := src.FetchMessage(fetchCtx)
		cancelFetch()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Deadline means a quiet topic; flush what we have and keep going.
			flush()
			continue
		}
		pending = append(pending, msg)
		if len(pending) >= batchSize {
			flush()
		}
	}
}

func flushBatch(ctx context.Context, src messageSource, store notifrepo.Store, processor *service.Processor, msgs []kafka.Message) error {
	events := make([]eventdomain.Event, 0, len(msgs))
	for _, msg := range msgs {
		var ev eventdomain.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			// A payload that does not even decode can never succeed on
			// replay; commit past it after logging.
			log.Printf("worker: dropping undecodable message at offset %d: %v", msg.Offset, err)
			continue
		}
		events = append(events, ev)
	}

	err := store.WithinBatch(ctx, func(ctx context.Context, tx notifrepo.Tx) error {
		stats, err := processor.Process(ctx, tx, events)
		if err != nil {
			return err
		}
		log.Printf("worker: batch committed: %d events, %d created, %d merged, %d actions, up to block %d",
			stats.Events, stats.Created, stats.Merged, stats.Actions, stats.MaxBlocknumber)
		return nil
	})
	if err != nil {
		// A malformed event fails validation on every replay; log the batch
		// for inspection and move past it instead of looping.
		if errors.Is(err, eventdomain.ErrInvalidEvent) || errors.Is(err, eventdomain.ErrUnknownKind) {
			log.Printf("worker: rejecting malformed batch of %d messages (offsets %d-%d): %v",
				len(msgs), msgs[0].Offset, msgs[len(msgs)-1].Offset, err)
			return src.CommitMessages(ctx, msgs...)
		}
		return err
	}

	if err := src.CommitMessages(ctx, msgs...); err != nil {
		// The batch is persisted; the uncommitted offsets will replay it,
		// which the store absorbs.
		log.Printf("worker: offset commit failed after persist: %v", err)
	}
	return nil
}
