package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

const userColumns = `id, google_id, email, name, picture, password_hash, role, active, created_at, last_login, updated_at`

func scanUser(row interface{ Scan(...any) error }) (model.User, error) {
	var u model.User
	var googleID sql.NullString
	err := row.Scan(&u.ID, &googleID, &u.Email, &u.Name, &u.Picture, &u.PasswordHash,
		&u.Role, &u.Active, &u.CreatedAt, &u.LastLogin, &u.UpdatedAt)
	u.GoogleID = googleID.String
	return u, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// CreateUser inserts a new user.
func (q *Queries) CreateUser(ctx context.Context, u model.User) (int64, error) {
	now := time.Now().UTC()
	if u.Role == "" {
		u.Role = model.UserRoleStudent
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO users (google_id, email, name, picture, password_hash, role, active, created_at, last_login, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullString(u.GoogleID), u.Email, u.Name, u.Picture, u.PasswordHash, u.Role, u.Active, now, now, now,
	)
	if err != nil {
		slog.Error("failed to create user", "email", u.Email, "error", err)
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Info("created user", "id", id, "email", u.Email, "role", u.Role)
	return id, nil
}

// UpdateUserLogin refreshes profile fields copied from the identity provider.
func (q *Queries) UpdateUserLogin(ctx context.Context, id int64, email, name, picture string) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx,
		`UPDATE users SET email = ?, name = ?, picture = ?, last_login = ?, updated_at = ? WHERE id = ?`,
		email, name, picture, now, now, id,
	)
	return err
}

// TouchLastLogin stamps the last login time.
func (q *Queries) TouchLastLogin(ctx context.Context, id int64) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, `UPDATE users SET last_login = ?, updated_at = ? WHERE id = ?`, now, now, id)
	return err
}

// GetUserByGoogleID returns a user by external identity id, or nil if absent.
func (q *Queries) GetUserByGoogleID(ctx context.Context, googleID string) (*model.User, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE google_id = ?`, googleID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail returns a user by email, or nil if absent.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByID returns a user by ID, or nil if absent.
func (q *Queries) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns all users.
func (q *Queries) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ToggleUserActive flips the active flag on a user.
func (q *Queries) ToggleUserActive(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `UPDATE users SET active = NOT active, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

// SetUserRole changes a user's role.
func (q *Queries) SetUserRole(ctx context.Context, id int64, role model.UserRole) error {
	_, err := q.db.ExecContext(ctx, `UPDATE users SET role = ?, updated_at = ? WHERE id = ?`, role, time.Now().UTC(), id)
	return err
}

// DeleteUser removes a user and, through foreign key cascades, everything the
// user owns.
func (q *Queries) DeleteUser(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.NotFoundError{Entity: "user", ID: id}
	}
	slog.Info("deleted user", "id", id)
	return nil
}

// UserCount returns the total number of users.
func (q *Queries) UserCount(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

// LinkGoogleID attaches an external identity id to an existing local account.
func (q *Queries) LinkGoogleID(ctx context.Context, id int64, googleID string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE users SET google_id = ?, updated_at = ? WHERE id = ?`,
		nullString(googleID), time.Now().UTC(), id)
	return err
}
