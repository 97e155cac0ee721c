package repository

import (
	"context"
	"database/sql"

	"soundstream/notifier/internal/settings/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a settings repository reading from db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// ByUsers fetches settings rows for all given users in one query.
func (r *PostgresRepository) ByUsers(ctx context.Context, userIDs []int64) (map[int64]domain.Settings, error) {
	if len(userIDs) == 0 {
		return map[int64]domain.Settings{}, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, follows, reposts, favorites, remixes
		   FROM user_notification_settings WHERE user_id = ANY($1)`,
		userIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]domain.Settings)
	for rows.Next() {
		var s domain.Settings
		if err := rows.Scan(&s.UserID, &s.Follows, &s.Reposts, &s.Favorites, &s.Remixes); err != nil {
			return nil, err
		}
		out[s.UserID] = s
	}
	return out, rows.Err()
}
