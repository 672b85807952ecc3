package store

import (
	"context"
	"fmt"

	"github.com/cikgu/cikgu/internal/model"
)

// GetAttemptView loads an attempt with its assessment, owner, questions,
// answers and drafts.
func (q *Queries) GetAttemptView(ctx context.Context, attemptID int64) (*model.AttemptView, error) {
	attempt, err := q.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	assessment, err := q.GetAssessment(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	user, err := q.GetUserByID(ctx, attempt.UserID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	questions, err := q.ListQuestions(ctx, attempt.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	answers, err := q.ListAnswers(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	drafts, err := q.ListDrafts(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}

	byQuestion := make(map[int64]*model.Answer, len(answers))
	for i := range answers {
		byQuestion[answers[i].QuestionID] = &answers[i]
	}
	draftByQuestion := make(map[int64]*model.AnswerDraft, len(drafts))
	for i := range drafts {
		draftByQuestion[drafts[i].QuestionID] = &drafts[i]
	}

	view := &model.AttemptView{
		Attempt:    attempt,
		Assessment: assessment,
		User:       user,
	}
	for _, qn := range questions {
		view.Items = append(view.Items, model.AnswerView{
			Question: qn,
			Answer:   byQuestion[qn.ID],
			Draft:    draftByQuestion[qn.ID],
		})
	}
	return view, nil
}

// ListPendingGrading returns subjective answers of submitted attempts that
// have not been graded yet, oldest attempt first.
func (q *Queries) ListPendingGrading(ctx context.Context) ([]model.PendingGrade, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT an.attempt_id, an.question_id, a.title, s.name
		 FROM answers an
		 JOIN assessment_attempts at ON an.attempt_id = at.id
		 JOIN assessments a ON at.assessment_id = a.id
		 JOIN subjects s ON a.subject_id = s.id
		 WHERE an.graded = 0 AND at.status = ?
		 ORDER BY at.id, an.id`, model.StatusSubmitted)
	if err != nil {
		return nil, err
	}
	type key struct {
		attemptID, questionID int64
		title, subject        string
	}
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.attemptID, &k.questionID, &k.title, &k.subject); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows are closed before the follow-up lookups so this works on a single
	// connection.
	var pending []model.PendingGrade
	attempts := make(map[int64]model.Attempt)
	for _, k := range keys {
		attempt, ok := attempts[k.attemptID]
		if !ok {
			if attempt, err = q.GetAttempt(ctx, k.attemptID); err != nil {
				return nil, err
			}
			attempts[k.attemptID] = attempt
		}
		qn, err := q.GetQuestion(ctx, k.questionID)
		if err != nil {
			return nil, err
		}
		answer, err := q.GetAnswer(ctx, k.attemptID, k.questionID)
		if err != nil {
			return nil, err
		}
		pending = append(pending, model.PendingGrade{
			Attempt:         attempt,
			AssessmentTitle: k.title,
			SubjectName:     k.subject,
			Question:        qn,
			Answer:          answer,
		})
	}
	return pending, nil
}

// GetAnswer returns the answer of an attempt to one question.
func (q *Queries) GetAnswer(ctx context.Context, attemptID, questionID int64) (model.Answer, error) {
	var a model.Answer
	err := q.db.QueryRowContext(ctx,
		`SELECT id, attempt_id, question_id, answer_text, is_correct, marks_obtained, feedback, graded, created_at, updated_at
		 FROM answers WHERE attempt_id = ? AND question_id = ?`, attemptID, questionID,
	).Scan(&a.ID, &a.AttemptID, &a.QuestionID, &a.Text, &a.IsCorrect, &a.MarksObtained,
		&a.Feedback, &a.Graded, &a.CreatedAt, &a.UpdatedAt)
	return a, notFound(err, "answer", questionID)
}

// ExportAttempts builds export-ready results from every attempt. A non-empty
// subjectCode restricts the export to that subject.
func (s *Store) ExportAttempts(ctx context.Context, subjectCode string) ([]model.StudentResult, error) {
	attempts, err := s.ListAttempts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	var subjectID int64
	if subjectCode != "" {
		subject, err := s.GetSubjectByCode(ctx, subjectCode)
		if err != nil {
			return nil, err
		}
		subjectID = subject.ID
	}

	// Track attempt count per user and assessment for attempt_number.
	type key struct{ userID, assessmentID int64 }
	attemptCount := make(map[key]int)

	var results []model.StudentResult
	for _, a := range attempts {
		attemptCount[key{a.UserID, a.AssessmentID}]++
		view, err := s.GetAttemptView(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("get attempt %d: %w", a.ID, err)
		}
		if subjectID != 0 && view.Assessment.SubjectID != subjectID {
			continue
		}

		var email, name string
		if view.User != nil {
			email = view.User.Email
			name = view.User.Name
		}

		var questions []model.QuestionResult
		for _, item := range view.Items {
			qr := model.QuestionResult{
				Text:  item.Question.Text,
				Type:  item.Question.Type,
				Marks: item.Question.Marks,
			}
			if item.Answer != nil {
				qr.Answer = item.Answer.Text
				qr.IsCorrect = item.Answer.IsCorrect
				qr.MarksObtained = item.Answer.MarksObtained
				qr.Feedback = item.Answer.Feedback
				qr.Graded = item.Answer.Graded
			}
			questions = append(questions, qr)
		}

		results = append(results, model.StudentResult{
			AttemptID:     a.ID,
			Email:         email,
			Name:          name,
			Assessment:    view.Assessment.Title,
			AttemptNumber: attemptCount[key{a.UserID, a.AssessmentID}],
			Status:        a.Status,
			StartedAt:     a.StartedAt,
			CompletedAt:   a.CompletedAt,
			Score:         a.Score,
			TotalMarks:    a.TotalMarks,
			Percentage:    a.Percentage,
			TimeTaken:     a.TimeTaken,
			Questions:     questions,
		})
	}
	return results, nil
}
