package store

import (
	"context"
	"database/sql"
	"time"
)

// GetImportedFileHash returns the sha256 recorded for a catalog file.
// Returns empty string and nil error if the file was never imported.
func (q *Queries) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := q.db.QueryRowContext(ctx, `SELECT sha256 FROM imported_files WHERE path = ?`, path).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return hash, err
}

// SetImportedFileHash upserts the sha256 recorded for a catalog file.
func (q *Queries) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO imported_files (path, sha256, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET sha256 = excluded.sha256, imported_at = excluded.imported_at`,
		path, hash, time.Now().UTC(),
	)
	return err
}
