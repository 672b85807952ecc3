package store

import (
	"context"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

const attemptColumns = `id, user_id, assessment_id, score, total_marks, percentage, time_taken, status, started_at, completed_at, created_at`

func scanAttempt(row interface{ Scan(...any) error }) (model.Attempt, error) {
	var a model.Attempt
	err := row.Scan(&a.ID, &a.UserID, &a.AssessmentID, &a.Score, &a.TotalMarks, &a.Percentage,
		&a.TimeTaken, &a.Status, &a.StartedAt, &a.CompletedAt, &a.CreatedAt)
	return a, err
}

// CreateAttempt inserts an attempt in the in_progress state.
func (q *Queries) CreateAttempt(ctx context.Context, a model.Attempt) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO assessment_attempts (user_id, assessment_id, total_marks, status, started_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.UserID, a.AssessmentID, a.TotalMarks, model.StatusInProgress, a.StartedAt, a.StartedAt,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetAttempt returns an attempt by ID.
func (q *Queries) GetAttempt(ctx context.Context, id int64) (model.Attempt, error) {
	a, err := scanAttempt(q.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM assessment_attempts WHERE id = ?`, id))
	return a, notFound(err, "attempt", id)
}

// MarkSubmitted moves an in_progress attempt to submitted and records its
// score. It reports false when the attempt was no longer in_progress, which
// happens when a concurrent submission won.
func (q *Queries) MarkSubmitted(ctx context.Context, a model.Attempt) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE assessment_attempts
		 SET status = ?, score = ?, percentage = ?, time_taken = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		model.StatusSubmitted, a.Score, a.Percentage, a.TimeTaken, a.CompletedAt, a.ID, model.StatusInProgress,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateAttemptScore stores a recomputed score for an attempt.
func (q *Queries) UpdateAttemptScore(ctx context.Context, id int64, score, percentage float64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE assessment_attempts SET score = ?, percentage = ? WHERE id = ?`, score, percentage, id)
	return err
}

// MarkCompleted moves a submitted attempt to completed. It reports false when
// the attempt was not in the submitted state.
func (q *Queries) MarkCompleted(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE assessment_attempts SET status = ? WHERE id = ? AND status = ?`,
		model.StatusCompleted, id, model.StatusSubmitted,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListUserAttempts returns a user's attempts, newest first.
func (q *Queries) ListUserAttempts(ctx context.Context, userID int64, limit int) ([]model.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM assessment_attempts WHERE user_id = ? ORDER BY id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return q.listAttempts(ctx, query, args...)
}

// ListAttempts returns all attempts, oldest first.
func (q *Queries) ListAttempts(ctx context.Context) ([]model.Attempt, error) {
	return q.listAttempts(ctx, `SELECT `+attemptColumns+` FROM assessment_attempts ORDER BY id`)
}

// ListAttemptsByStatus returns attempts in the given status, oldest first.
func (q *Queries) ListAttemptsByStatus(ctx context.Context, status model.AttemptStatus) ([]model.Attempt, error) {
	return q.listAttempts(ctx,
		`SELECT `+attemptColumns+` FROM assessment_attempts WHERE status = ? ORDER BY id`, status)
}

func (q *Queries) listAttempts(ctx context.Context, query string, args ...any) ([]model.Attempt, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// CountRows returns the number of rows in table owned by userID. It is used by
// tests and the admin page to show what a user deletion removes.
func (q *Queries) CountRows(ctx context.Context, table string, userID int64) (int, error) {
	switch table {
	case "progress", "uploads", "study_sessions", "push_subscriptions", "assessment_attempts", "auth_sessions":
	default:
		return 0, model.Validationf("unknown table %q", table)
	}
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// InsertAnswer stores a scored answer.
func (q *Queries) InsertAnswer(ctx context.Context, a model.Answer) (int64, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO answers (attempt_id, question_id, answer_text, is_correct, marks_obtained, feedback, graded, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttemptID, a.QuestionID, a.Text, a.IsCorrect, a.MarksObtained, a.Feedback, a.Graded, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateAnswerGrade records the grading authority's marks and feedback.
func (q *Queries) UpdateAnswerGrade(ctx context.Context, attemptID, questionID int64, isCorrect bool, marks float64, feedback string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE answers SET is_correct = ?, marks_obtained = ?, feedback = ?, graded = 1, updated_at = ?
		 WHERE attempt_id = ? AND question_id = ?`,
		isCorrect, marks, feedback, time.Now().UTC(), attemptID, questionID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &model.NotFoundError{Entity: "answer", ID: questionID}
	}
	return nil
}

// ListAnswers returns the answers of an attempt ordered by ID.
func (q *Queries) ListAnswers(ctx context.Context, attemptID int64) ([]model.Answer, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, attempt_id, question_id, answer_text, is_correct, marks_obtained, feedback, graded, created_at, updated_at
		 FROM answers WHERE attempt_id = ? ORDER BY id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		var a model.Answer
		if err := rows.Scan(&a.ID, &a.AttemptID, &a.QuestionID, &a.Text, &a.IsCorrect, &a.MarksObtained,
			&a.Feedback, &a.Graded, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// SumAnswerMarks returns the total marks obtained and the number of ungraded
// answers of an attempt.
func (q *Queries) SumAnswerMarks(ctx context.Context, attemptID int64) (float64, int, error) {
	var sum float64
	var ungraded int
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(marks_obtained), 0), COALESCE(SUM(CASE WHEN graded = 0 THEN 1 ELSE 0 END), 0)
		 FROM answers WHERE attempt_id = ?`, attemptID,
	).Scan(&sum, &ungraded)
	return sum, ungraded, err
}

// UpsertDraft saves unsubmitted work for one question.
func (q *Queries) UpsertDraft(ctx context.Context, d model.AnswerDraft) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO answer_drafts (attempt_id, question_id, answer_text, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(attempt_id, question_id) DO UPDATE SET answer_text = excluded.answer_text, updated_at = excluded.updated_at`,
		d.AttemptID, d.QuestionID, d.Text, time.Now().UTC(),
	)
	return err
}

// ListDrafts returns the saved drafts of an attempt.
func (q *Queries) ListDrafts(ctx context.Context, attemptID int64) ([]model.AnswerDraft, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT attempt_id, question_id, answer_text, updated_at FROM answer_drafts WHERE attempt_id = ? ORDER BY question_id`,
		attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var drafts []model.AnswerDraft
	for rows.Next() {
		var d model.AnswerDraft
		if err := rows.Scan(&d.AttemptID, &d.QuestionID, &d.Text, &d.UpdatedAt); err != nil {
			return nil, err
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// DeleteDrafts removes all drafts of an attempt.
func (q *Queries) DeleteDrafts(ctx context.Context, attemptID int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM answer_drafts WHERE attempt_id = ?`, attemptID)
	return err
}
