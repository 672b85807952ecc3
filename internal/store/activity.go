package store

import (
	"context"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

// UpsertProgress applies an incremental update to the progress row of
// (user, subject, topic), creating it when missing.
func (q *Queries) UpsertProgress(ctx context.Context, userID int64, d model.ProgressDelta) (model.Progress, error) {
	now := time.Now().UTC()
	completed := d.Completed != nil && *d.Completed
	var score float64
	if d.Score != nil {
		score = *d.Score
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO progress (user_id, subject, topic, completed, score, time_spent, last_accessed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, subject, topic) DO UPDATE SET
			completed = completed OR excluded.completed,
			score = CASE WHEN ? THEN excluded.score ELSE score END,
			time_spent = time_spent + excluded.time_spent,
			last_accessed = excluded.last_accessed`,
		userID, d.Subject, d.Topic, completed, score, d.TimeSpentDelta, now, d.Score != nil,
	)
	if err != nil {
		return model.Progress{}, err
	}
	var p model.Progress
	err = q.db.QueryRowContext(ctx,
		`SELECT id, user_id, subject, topic, completed, score, time_spent, last_accessed
		 FROM progress WHERE user_id = ? AND subject = ? AND topic = ?`, userID, d.Subject, d.Topic,
	).Scan(&p.ID, &p.UserID, &p.Subject, &p.Topic, &p.Completed, &p.Score, &p.TimeSpent, &p.LastAccessed)
	return p, err
}

// ListProgress returns all progress rows of a user.
func (q *Queries) ListProgress(ctx context.Context, userID int64) ([]model.Progress, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, subject, topic, completed, score, time_spent, last_accessed
		 FROM progress WHERE user_id = ? ORDER BY subject, topic`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Progress
	for rows.Next() {
		var p model.Progress
		if err := rows.Scan(&p.ID, &p.UserID, &p.Subject, &p.Topic, &p.Completed, &p.Score, &p.TimeSpent, &p.LastAccessed); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreateUpload records an uploaded file.
func (q *Queries) CreateUpload(ctx context.Context, u model.Upload) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO uploads (user_id, filename, original_filename, file_type, file_size, subject, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.UserID, u.Filename, u.OriginalFilename, u.FileType, u.FileSize, u.Subject, u.UploadedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListUploads returns a user's uploads, newest first. A positive limit caps
// the result.
func (q *Queries) ListUploads(ctx context.Context, userID int64, limit int) ([]model.Upload, error) {
	query := `SELECT id, user_id, filename, original_filename, file_type, file_size, subject, uploaded_at
		 FROM uploads WHERE user_id = ? ORDER BY uploaded_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Upload
	for rows.Next() {
		var u model.Upload
		if err := rows.Scan(&u.ID, &u.UserID, &u.Filename, &u.OriginalFilename, &u.FileType, &u.FileSize, &u.Subject, &u.UploadedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CreateStudySession records a block of study time.
func (q *Queries) CreateStudySession(ctx context.Context, s model.StudySession) (int64, error) {
	if s.SessionDate.IsZero() {
		s.SessionDate = time.Now().UTC()
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO study_sessions (user_id, subject, duration, topics_covered, notes, session_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.UserID, s.Subject, s.Duration, s.TopicsCovered, s.Notes, s.SessionDate,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListStudySessions returns a user's sessions, newest first.
func (q *Queries) ListStudySessions(ctx context.Context, userID int64, limit int) ([]model.StudySession, error) {
	query := `SELECT id, user_id, subject, duration, topics_covered, notes, session_date
		 FROM study_sessions WHERE user_id = ? ORDER BY session_date DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.StudySession
	for rows.Next() {
		var s model.StudySession
		if err := rows.Scan(&s.ID, &s.UserID, &s.Subject, &s.Duration, &s.TopicsCovered, &s.Notes, &s.SessionDate); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetDashboard builds the summary shown on the dashboard page.
func (q *Queries) GetDashboard(ctx context.Context, userID int64) (*model.Dashboard, error) {
	var d model.Dashboard
	err := q.db.QueryRowContext(ctx,
		`SELECT
			COALESCE((SELECT SUM(duration) FROM study_sessions WHERE user_id = ?), 0),
			(SELECT COUNT(*) FROM progress WHERE user_id = ? AND completed = 1),
			(SELECT COUNT(*) FROM uploads WHERE user_id = ?)`,
		userID, userID, userID,
	).Scan(&d.TotalStudyTime, &d.CompletedTopics, &d.TotalUploads)
	if err != nil {
		return nil, err
	}

	if d.RecentSessions, err = q.ListStudySessions(ctx, userID, 5); err != nil {
		return nil, err
	}
	if d.RecentUploads, err = q.ListUploads(ctx, userID, 5); err != nil {
		return nil, err
	}
	if d.RecentAttempts, err = q.ListUserAttempts(ctx, userID, 5); err != nil {
		return nil, err
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT subject, COUNT(id), COALESCE(SUM(completed), 0)
		 FROM progress WHERE user_id = ? GROUP BY subject ORDER BY subject`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sp model.SubjectProgress
		if err := rows.Scan(&sp.Subject, &sp.TotalTopics, &sp.CompletedTopics); err != nil {
			return nil, err
		}
		d.ProgressBySubject = append(d.ProgressBySubject, sp)
	}
	return &d, rows.Err()
}
