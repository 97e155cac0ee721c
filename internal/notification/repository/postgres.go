package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"soundstream/notifier/internal/notification/domain"
)

const (
	// defaultInsertBatchSize bounds rows per INSERT statement. 8 columns per
	// notification row keeps this well under Postgres's 65535 bind limit.
	defaultInsertBatchSize = 2000
	// defaultLookupBatchSize bounds ids per ANY($1) lookup.
	defaultLookupBatchSize = 10000

	// batchLockKey is the advisory lock guarding the whole key space: one
	// engine invocation at a time. pg_advisory_xact_lock releases on commit
	// or rollback.
	batchLockKey = 0x6e6f7469667965
)

type PostgresStore struct {
	db              *sql.DB
	insertBatchSize int
	lookupBatchSize int
}

// NewPostgresStore returns a Store backed by db. Zero batch sizes select the
// defaults.
func NewPostgresStore(db *sql.DB, insertBatchSize, lookupBatchSize int) *PostgresStore {
	if insertBatchSize <= 0 {
		insertBatchSize = defaultInsertBatchSize
	}
	if lookupBatchSize <= 0 {
		lookupBatchSize = defaultLookupBatchSize
	}
	return &PostgresStore{db: db, insertBatchSize: insertBatchSize, lookupBatchSize: lookupBatchSize}
}

// WithinBatch opens a transaction, takes the engine advisory lock, and runs
// fn. Any error rolls the whole invocation back; the caller retries the
// identical batch, which is safe because nothing was persisted.
func (s *PostgresStore) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	if _, err := dbTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(batchLockKey)); err != nil {
		return fmt.Errorf("acquire batch lock: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: dbTx, insertBatchSize: s.insertBatchSize, lookupBatchSize: s.lookupBatchSize}); err != nil {
		return err
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// HighestBlocknumber considers actions as well as headers: an append carries
// a higher blocknumber than the header it merged into.
func (s *PostgresStore) HighestBlocknumber(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `
		SELECT GREATEST(
			COALESCE((SELECT MAX(blocknumber) FROM notifications), 0),
			COALESCE((SELECT MAX(blocknumber) FROM notification_actions), 0)
		)`).Scan(&max)
	if err != nil {
		return 0, err
	}
	return max, nil
}

// MarkViewed closes the merge window of one notification.
func (s *PostgresStore) MarkViewed(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_viewed = TRUE, updated_at = now() WHERE id = $1`,
		notificationID,
	)
	return err
}

// MarkAllViewed closes the merge window of every notification of one user.
func (s *PostgresStore) MarkAllViewed(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET is_viewed = TRUE, updated_at = now()
		  WHERE user_id = $1 AND NOT is_viewed`,
		userID,
	)
	return err
}

type pgTx struct {
	tx              *sql.Tx
	insertBatchSize int
	lookupBatchSize int
}

func (t *pgTx) UnviewedIDs(ctx context.Context, kind domain.Kind, entityID int64, userIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string)
	for start := 0; start < len(userIDs); start += t.lookupBatchSize {
		end := start + t.lookupBatchSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		rows, err := t.tx.QueryContext(ctx,
			`SELECT user_id, id FROM notifications
			  WHERE NOT is_viewed AND type = $1 AND entity_id = $2 AND user_id = ANY($3)`,
			string(kind), entityID, userIDs[start:end],
		)
		if err != nil {
			return nil, fmt.Errorf("unviewed lookup %s/%d: %w", kind, entityID, err)
		}
		for rows.Next() {
			var userID int64
			var id string
			if err := rows.Scan(&userID, &id); err != nil {
				rows.Close()
				return nil, err
			}
			out[userID] = id
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}

func (t *pgTx) RemixExists(ctx context.Context, userID, entityID, blocknumber int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM notifications
			 WHERE user_id = $1 AND type = $2 AND entity_id = $3 AND blocknumber = $4
		)`,
		userID, string(domain.KindRemixCreate), entityID, blocknumber,
	).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertNotifications(ctx context.Context, ns []domain.Notification) error {
	const cols = 8
	for start := 0; start < len(ns); start += t.insertBatchSize {
		end := start + t.insertBatchSize
		if end > len(ns) {
			end = len(ns)
		}
		chunk := ns[start:end]
		args := make([]any, 0, len(chunk)*cols)
		for _, n := range chunk {
			args = append(args, n.ID, n.UserID, string(n.Kind), n.EntityID, n.IsViewed, n.Blocknumber, n.CreatedAt, n.UpdatedAt)
		}
		query := `INSERT INTO notifications (id, user_id, type, entity_id, is_viewed, blocknumber, created_at, updated_at) VALUES ` +
			valuesPlaceholders(len(chunk), cols)
		if _, err := t.tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert notifications (%d rows): %w", len(chunk), err)
		}
	}
	return nil
}

func (t *pgTx) InsertActions(ctx context.Context, as []domain.Action) (int64, error) {
	const cols = 6
	var inserted int64
	for start := 0; start < len(as); start += t.insertBatchSize {
		end := start + t.insertBatchSize
		if end > len(as) {
			end = len(as)
		}
		chunk := as[start:end]
		args := make([]any, 0, len(chunk)*cols)
		for _, a := range chunk {
			args = append(args, a.ID, a.NotificationID, string(a.EntityKind), a.EntityID, a.Blocknumber, a.CreatedAt)
		}
		query := `INSERT INTO notification_actions (id, notification_id, action_entity_kind, action_entity_id, blocknumber, created_at) VALUES ` +
			valuesPlaceholders(len(chunk), cols) +
			` ON CONFLICT ON CONSTRAINT notification_actions_dedupe DO NOTHING`
		res, err := t.tx.ExecContext(ctx, query, args...)
		if err != nil {
			return inserted, fmt.Errorf("insert actions (%d rows): %w", len(chunk), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func (t *pgTx) TouchNotifications(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.tx.ExecContext(ctx,
		`UPDATE notifications SET updated_at = $1 WHERE id = ANY($2) AND updated_at < $1`,
		at, ids,
	)
	return err
}

// valuesPlaceholders renders "($1,$2,...),($k+1,...)" for rows x cols bind
// parameters.
func valuesPlaceholders(rows, cols int) string {
	var b strings.Builder
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}
