package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

// CreateSubject inserts a subject.
func (q *Queries) CreateSubject(ctx context.Context, s model.Subject) (int64, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO subjects (name, code, description, active, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		s.Name, s.Code, s.Description, s.Active, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const subjectColumns = `id, name, code, description, active, created_at, updated_at`

func scanSubject(row interface{ Scan(...any) error }) (model.Subject, error) {
	var s model.Subject
	err := row.Scan(&s.ID, &s.Name, &s.Code, &s.Description, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// ListSubjects returns active subjects ordered by name.
func (q *Queries) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE active = 1 ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subjects []model.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// GetSubject returns a subject by ID.
func (q *Queries) GetSubject(ctx context.Context, id int64) (model.Subject, error) {
	s, err := scanSubject(q.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE id = ?`, id))
	return s, notFound(err, "subject", id)
}

// GetSubjectByCode returns a subject by its short code (e.g. "BIO").
func (q *Queries) GetSubjectByCode(ctx context.Context, code string) (model.Subject, error) {
	s, err := scanSubject(q.db.QueryRowContext(ctx, `SELECT `+subjectColumns+` FROM subjects WHERE code = ?`, code))
	return s, notFound(err, "subject", code)
}

// DeleteSubject removes a subject with its chapters and assessments.
func (q *Queries) DeleteSubject(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM subjects WHERE id = ?`, id)
	return err
}

// CreateChapter inserts a chapter.
func (q *Queries) CreateChapter(ctx context.Context, c model.Chapter) (int64, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO chapters (subject_id, title, description, content, sort_order, estimated_time, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SubjectID, c.Title, c.Description, c.Content, c.Order, c.EstimatedTime, c.Active, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const chapterColumns = `id, subject_id, title, description, content, sort_order, estimated_time, active, created_at, updated_at`

func scanChapter(row interface{ Scan(...any) error }) (model.Chapter, error) {
	var c model.Chapter
	err := row.Scan(&c.ID, &c.SubjectID, &c.Title, &c.Description, &c.Content, &c.Order,
		&c.EstimatedTime, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// ListChapters returns the active chapters of a subject in authored order.
func (q *Queries) ListChapters(ctx context.Context, subjectID int64) ([]model.Chapter, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE subject_id = ? AND active = 1 ORDER BY sort_order, id`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chapters []model.Chapter
	for rows.Next() {
		c, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

// GetChapter returns a chapter by ID.
func (q *Queries) GetChapter(ctx context.Context, id int64) (model.Chapter, error) {
	c, err := scanChapter(q.db.QueryRowContext(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id))
	return c, notFound(err, "chapter", id)
}

// ChapterStats returns section count and the summed estimated time of a
// subject's active chapters.
func (q *Queries) ChapterStats(ctx context.Context, subjectID int64) (model.ChapterStats, error) {
	var st model.ChapterStats
	err := q.db.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM sections s JOIN chapters c ON s.chapter_id = c.id
			 WHERE c.subject_id = ? AND c.active = 1 AND s.active = 1),
			COALESCE((SELECT SUM(estimated_time) FROM chapters WHERE subject_id = ? AND active = 1), 0)`,
		subjectID, subjectID,
	).Scan(&st.SectionCount, &st.TotalEstimatedTime)
	return st, err
}

// CreateSection inserts a section. Key points and examples are stored as JSON.
func (q *Queries) CreateSection(ctx context.Context, s model.Section) (int64, error) {
	keyPoints, err := marshalList(s.KeyPoints)
	if err != nil {
		return 0, fmt.Errorf("encode key points: %w", err)
	}
	examples, err := marshalList(s.Examples)
	if err != nil {
		return 0, fmt.Errorf("encode examples: %w", err)
	}
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO sections (chapter_id, title, content, key_points, examples, sort_order, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ChapterID, s.Title, s.Content, keyPoints, examples, s.Order, s.Active, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSections returns the active sections of a chapter in authored order.
func (q *Queries) ListSections(ctx context.Context, chapterID int64) ([]model.Section, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, chapter_id, title, content, key_points, examples, sort_order, active, created_at, updated_at
		 FROM sections WHERE chapter_id = ? AND active = 1 ORDER BY sort_order, id`, chapterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sections []model.Section
	for rows.Next() {
		var s model.Section
		var keyPoints, examples string
		if err := rows.Scan(&s.ID, &s.ChapterID, &s.Title, &s.Content, &keyPoints, &examples,
			&s.Order, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keyPoints), &s.KeyPoints); err != nil {
			return nil, fmt.Errorf("decode key points of section %d: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(examples), &s.Examples); err != nil {
			return nil, fmt.Errorf("decode examples of section %d: %w", s.ID, err)
		}
		sections = append(sections, s)
	}
	return sections, rows.Err()
}

// CreateAssessment inserts an assessment.
func (q *Queries) CreateAssessment(ctx context.Context, a model.Assessment) (int64, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO assessments (subject_id, chapter_id, title, description, question_type, time_limit, total_marks, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.SubjectID, a.ChapterID, a.Title, a.Description, a.QuestionType, a.TimeLimit, a.TotalMarks, a.Active, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const assessmentColumns = `id, subject_id, chapter_id, title, description, question_type, time_limit, total_marks, active, created_at, updated_at`

func scanAssessment(row interface{ Scan(...any) error }) (model.Assessment, error) {
	var a model.Assessment
	var chapterID sql.NullInt64
	err := row.Scan(&a.ID, &a.SubjectID, &chapterID, &a.Title, &a.Description, &a.QuestionType,
		&a.TimeLimit, &a.TotalMarks, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if chapterID.Valid {
		a.ChapterID = &chapterID.Int64
	}
	return a, err
}

// GetAssessment returns an assessment by ID.
func (q *Queries) GetAssessment(ctx context.Context, id int64) (model.Assessment, error) {
	a, err := scanAssessment(q.db.QueryRowContext(ctx, `SELECT `+assessmentColumns+` FROM assessments WHERE id = ?`, id))
	return a, notFound(err, "assessment", id)
}

// SetAssessmentActive toggles whether new attempts may be started.
func (q *Queries) SetAssessmentActive(ctx context.Context, id int64, active bool) error {
	_, err := q.db.ExecContext(ctx, `UPDATE assessments SET active = ?, updated_at = ? WHERE id = ?`, active, time.Now().UTC(), id)
	return err
}

// DeleteAssessment removes an assessment with its questions and attempts.
func (q *Queries) DeleteAssessment(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM assessments WHERE id = ?`, id)
	return err
}

// ListAssessments returns the active assessments of a subject with question
// aggregates. A non-nil chapterID restricts the list to that chapter.
func (q *Queries) ListAssessments(ctx context.Context, subjectID int64, chapterID *int64) ([]model.AssessmentSummary, error) {
	return q.listAssessments(ctx, subjectID, chapterID, true)
}

// ListAllAssessments returns every assessment of a subject, inactive ones
// included.
func (q *Queries) ListAllAssessments(ctx context.Context, subjectID int64) ([]model.AssessmentSummary, error) {
	return q.listAssessments(ctx, subjectID, nil, false)
}

func (q *Queries) listAssessments(ctx context.Context, subjectID int64, chapterID *int64, activeOnly bool) ([]model.AssessmentSummary, error) {
	query := `SELECT a.id, a.subject_id, a.chapter_id, a.title, a.description, a.question_type, a.time_limit,
			a.total_marks, a.active, a.created_at, a.updated_at,
			COUNT(qn.id), COALESCE(SUM(qn.marks), 0)
		FROM assessments a LEFT JOIN questions qn ON qn.assessment_id = a.id
		WHERE a.subject_id = ?`
	if activeOnly {
		query += ` AND a.active = 1`
	}
	args := []any{subjectID}
	if chapterID != nil {
		query += ` AND a.chapter_id = ?`
		args = append(args, *chapterID)
	}
	query += ` GROUP BY a.id ORDER BY a.id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AssessmentSummary
	for rows.Next() {
		var s model.AssessmentSummary
		var chID sql.NullInt64
		if err := rows.Scan(&s.ID, &s.SubjectID, &chID, &s.Title, &s.Description, &s.QuestionType,
			&s.TimeLimit, &s.TotalMarks, &s.Active, &s.CreatedAt, &s.UpdatedAt,
			&s.QuestionCount, &s.MarksSum); err != nil {
			return nil, err
		}
		if chID.Valid {
			s.ChapterID = &chID.Int64
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertQuestion stores a question. Options are stored as JSON.
func (q *Queries) InsertQuestion(ctx context.Context, qn model.Question) (int64, error) {
	options, err := marshalList(qn.Options)
	if err != nil {
		return 0, fmt.Errorf("encode options: %w", err)
	}
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO questions (assessment_id, question_type, question_text, options, correct_answer, explanation, marks, sort_order, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		qn.AssessmentID, qn.Type, qn.Text, options, qn.CorrectAnswer, qn.Explanation, qn.Marks, qn.Order, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const questionColumns = `id, assessment_id, question_type, question_text, options, correct_answer, explanation, marks, sort_order`

func scanQuestion(row interface{ Scan(...any) error }) (model.Question, error) {
	var qn model.Question
	var options string
	if err := row.Scan(&qn.ID, &qn.AssessmentID, &qn.Type, &qn.Text, &options, &qn.CorrectAnswer,
		&qn.Explanation, &qn.Marks, &qn.Order); err != nil {
		return qn, err
	}
	if err := json.Unmarshal([]byte(options), &qn.Options); err != nil {
		return qn, fmt.Errorf("decode options of question %d: %w", qn.ID, err)
	}
	return qn, nil
}

// ListQuestions returns the questions of an assessment in authored order.
func (q *Queries) ListQuestions(ctx context.Context, assessmentID int64) ([]model.Question, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE assessment_id = ? ORDER BY sort_order, id`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		qn, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		questions = append(questions, qn)
	}
	return questions, rows.Err()
}

// GetQuestion returns a question by ID.
func (q *Queries) GetQuestion(ctx context.Context, id int64) (model.Question, error) {
	qn, err := scanQuestion(q.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ?`, id))
	return qn, notFound(err, "question", id)
}

// QuestionCount returns the number of questions in the database.
func (q *Queries) QuestionCount(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&count)
	return count, err
}

// marshalList encodes a slice as JSON, writing "[]" for nil.
func marshalList[T any](items []T) (string, error) {
	if items == nil {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
