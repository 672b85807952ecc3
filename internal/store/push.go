package store

import (
	"context"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

// UpsertPushSubscription registers an endpoint for a user, refreshing keys and
// reactivating it when it already exists.
func (q *Queries) UpsertPushSubscription(ctx context.Context, sub model.PushSubscription) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh_key, auth_key, created_at, active)
		 VALUES (?, ?, ?, ?, ?, 1)
		 ON CONFLICT(user_id, endpoint) DO UPDATE SET
			p256dh_key = excluded.p256dh_key, auth_key = excluded.auth_key, active = 1`,
		sub.UserID, sub.Endpoint, sub.P256dhKey, sub.AuthKey, time.Now().UTC(),
	)
	return err
}

// DeactivatePushSubscription marks an endpoint inactive. It reports whether a
// subscription existed.
func (q *Queries) DeactivatePushSubscription(ctx context.Context, userID int64, endpoint string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE push_subscriptions SET active = 0 WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListActivePushSubscriptions returns a user's active endpoints.
func (q *Queries) ListActivePushSubscriptions(ctx context.Context, userID int64) ([]model.PushSubscription, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, p256dh_key, auth_key, created_at, active
		 FROM push_subscriptions WHERE user_id = ? AND active = 1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.PushSubscription
	for rows.Next() {
		var s model.PushSubscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.Endpoint, &s.P256dhKey, &s.AuthKey, &s.CreatedAt, &s.Active); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}
