package repository

import (
	"context"
	"database/sql"

	"soundstream/notifier/internal/subscription/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a subscription repository reading from db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SubscribersByUsers resolves all initiators of a batch in one query.
func (r *PostgresRepository) SubscribersByUsers(ctx context.Context, userIDs []int64) (map[int64][]int64, error) {
	if len(userIDs) == 0 {
		return map[int64][]int64{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, subscriber_id FROM subscriptions WHERE user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]int64, len(userIDs))
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.UserID, &e.SubscriberID); err != nil {
			return nil, err
		}
		out[e.UserID] = append(out[e.UserID], e.SubscriberID)
	}
	return out, rows.Err()
}
