package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

// loginLifetime bounds a sign-in.
const loginLifetime = 24 * time.Hour

// NewLoginSession signs a user in and returns the opaque cookie token.
func (q *Queries) NewLoginSession(ctx context.Context, userID int64) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("login token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw[:])
	issued := time.Now().UTC()
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, issued, issued.Add(loginLifetime),
	); err != nil {
		return "", fmt.Errorf("insert login session: %w", err)
	}
	return token, nil
}

// LoginSession looks up a live login. Unknown and lapsed tokens yield nil;
// lapsed rows stay until PurgeLoginSessions runs.
func (q *Queries) LoginSession(ctx context.Context, token string) (*model.AuthSession, error) {
	var ls model.AuthSession
	err := q.db.QueryRowContext(ctx,
		`SELECT id, user_id, created_at, expires_at FROM auth_sessions WHERE id = ? AND expires_at > ?`,
		token, time.Now().UTC(),
	).Scan(&ls.ID, &ls.UserID, &ls.CreatedAt, &ls.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ls, nil
}

// EndLoginSession signs out one browser.
func (q *Queries) EndLoginSession(ctx context.Context, token string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE id = ?`, token)
	return err
}

// EndUserLoginSessions signs a user out everywhere.
func (q *Queries) EndUserLoginSessions(ctx context.Context, userID int64) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE user_id = ?`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeLoginSessions drops logins that lapsed before now and reports how many.
func (q *Queries) PurgeLoginSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
