// Package assessment implements the attempt lifecycle: starting, drafting,
// submitting, grading and finalizing assessment attempts.
package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

// Options configures an Engine.
type Options struct {
	// AutoComplete moves an attempt to completed as soon as no answer is
	// left ungraded. When false, Finalize is the only way to complete.
	AutoComplete bool
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// OnCompleted is called after an attempt reaches completed.
	OnCompleted func(ctx context.Context, a model.Attempt)
}

// Engine runs attempt state transitions against the store.
type Engine struct {
	store *store.Store
	opts  Options
}

// New creates an Engine.
func New(s *store.Store, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: s, opts: opts}
}

func (e *Engine) now() time.Time {
	return e.opts.Now().UTC()
}

// StartAttempt creates an in_progress attempt for a user. Several attempts of
// the same assessment may coexist.
func (e *Engine) StartAttempt(ctx context.Context, userID, assessmentID int64) (model.Attempt, error) {
	var a model.Attempt
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		a, err = e.start(ctx, q, userID, assessmentID)
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("attempt started", "attempt", a.ID, "user", userID, "assessment", assessmentID)
	return a, nil
}

func (e *Engine) start(ctx context.Context, q *store.Queries, userID, assessmentID int64) (model.Attempt, error) {
	user, err := q.GetUserByID(ctx, userID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return model.Attempt{}, &model.NotFoundError{Entity: "user", ID: userID}
	}
	a, err := q.GetAssessment(ctx, assessmentID)
	if err != nil {
		return model.Attempt{}, err
	}
	if !a.Active {
		return model.Attempt{}, model.Validationf("assessment %d is not active", assessmentID)
	}
	questions, err := q.ListQuestions(ctx, assessmentID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("list questions: %w", err)
	}

	id, err := q.CreateAttempt(ctx, model.Attempt{
		UserID:       userID,
		AssessmentID: assessmentID,
		TotalMarks:   TotalMarks(questions, a.TotalMarks),
		StartedAt:    e.now(),
	})
	if err != nil {
		return model.Attempt{}, fmt.Errorf("create attempt: %w", err)
	}
	return q.GetAttempt(ctx, id)
}

// SubmitAnswers scores the answers and moves the attempt to submitted. All
// rows are written in one transaction; on error nothing is stored.
func (e *Engine) SubmitAnswers(ctx context.Context, attemptID int64, answers []model.SubmittedAnswer) (model.Attempt, error) {
	var result model.Attempt
	completed := false
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		result, completed, err = e.submit(ctx, q, attemptID, answers)
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	e.submitted(ctx, result, completed)
	return result, nil
}

// StartAndSubmit creates an attempt and submits answers to it in one
// transaction, so a rejected submission leaves no attempt behind.
func (e *Engine) StartAndSubmit(ctx context.Context, userID, assessmentID int64, answers []model.SubmittedAnswer) (model.Attempt, error) {
	var result model.Attempt
	completed := false
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		a, err := e.start(ctx, q, userID, assessmentID)
		if err != nil {
			return err
		}
		result, completed, err = e.submit(ctx, q, a.ID, answers)
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("attempt started", "attempt", result.ID, "user", userID, "assessment", assessmentID)
	e.submitted(ctx, result, completed)
	return result, nil
}

func (e *Engine) submitted(ctx context.Context, a model.Attempt, completed bool) {
	slog.Info("attempt submitted", "attempt", a.ID, "score", a.Score,
		"total_marks", a.TotalMarks, "status", a.Status)
	if completed {
		e.completed(ctx, a)
	}
}

func (e *Engine) submit(ctx context.Context, q *store.Queries, attemptID int64, answers []model.SubmittedAnswer) (model.Attempt, bool, error) {
	attempt, err := q.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, false, err
	}
	if attempt.Status != model.StatusInProgress {
		return model.Attempt{}, false, &model.StateError{Op: "submit", Status: attempt.Status}
	}
	a, byID, err := assessmentQuestions(ctx, q, attempt.AssessmentID)
	if err != nil {
		return model.Attempt{}, false, err
	}
	if err := checkOwnership(answers, byID, a.ID); err != nil {
		return model.Attempt{}, false, err
	}

	scored := make([]model.Answer, 0, len(answers))
	ungraded := 0
	for _, sa := range answers {
		qn := byID[sa.QuestionID]
		ans := ScoreAnswer(qn, EffectiveType(qn, a), attemptID, sa.Text)
		if !ans.Graded {
			ungraded++
		}
		if _, err := q.InsertAnswer(ctx, ans); err != nil {
			return model.Attempt{}, false, fmt.Errorf("insert answer for question %d: %w", sa.QuestionID, err)
		}
		scored = append(scored, ans)
	}

	now := e.now()
	attempt.Score = Score(scored)
	attempt.Percentage = Percentage(attempt.Score, attempt.TotalMarks)
	attempt.TimeTaken = TimeTaken(attempt.StartedAt, now)
	attempt.CompletedAt = &now

	ok, err := q.MarkSubmitted(ctx, attempt)
	if err != nil {
		return model.Attempt{}, false, fmt.Errorf("mark submitted: %w", err)
	}
	if !ok {
		// A concurrent submission got there first.
		current, err := q.GetAttempt(ctx, attemptID)
		if err != nil {
			return model.Attempt{}, false, err
		}
		return model.Attempt{}, false, &model.StateError{Op: "submit", Status: current.Status}
	}
	if err := q.DeleteDrafts(ctx, attemptID); err != nil {
		return model.Attempt{}, false, fmt.Errorf("delete drafts: %w", err)
	}
	completed := false
	if e.opts.AutoComplete && ungraded == 0 {
		if completed, err = q.MarkCompleted(ctx, attemptID); err != nil {
			return model.Attempt{}, false, fmt.Errorf("mark completed: %w", err)
		}
	}
	result, err := q.GetAttempt(ctx, attemptID)
	return result, completed, err
}

// SaveDraft stores partial answers of an in_progress attempt. It never
// changes the attempt's status or score.
func (e *Engine) SaveDraft(ctx context.Context, attemptID int64, answers []model.SubmittedAnswer) error {
	return e.store.InTx(ctx, func(q *store.Queries) error {
		attempt, err := q.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if attempt.Status != model.StatusInProgress {
			return &model.StateError{Op: "save draft", Status: attempt.Status}
		}
		_, byID, err := assessmentQuestions(ctx, q, attempt.AssessmentID)
		if err != nil {
			return err
		}
		if err := checkOwnership(answers, byID, attempt.AssessmentID); err != nil {
			return err
		}
		for _, sa := range answers {
			if err := q.UpsertDraft(ctx, model.AnswerDraft{
				AttemptID:  attemptID,
				QuestionID: sa.QuestionID,
				Text:       sa.Text,
			}); err != nil {
				return fmt.Errorf("save draft for question %d: %w", sa.QuestionID, err)
			}
		}
		return nil
	})
}

// Drafts returns the saved drafts of an attempt.
func (e *Engine) Drafts(ctx context.Context, attemptID int64) ([]model.AnswerDraft, error) {
	if _, err := e.store.GetAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	return e.store.ListDrafts(ctx, attemptID)
}

// GradeAnswer records marks and feedback for a subjective answer of a
// submitted attempt and recomputes the attempt score.
func (e *Engine) GradeAnswer(ctx context.Context, attemptID, questionID int64, marks float64, feedback string) (model.Attempt, error) {
	var result model.Attempt
	completed := false
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		attempt, err := q.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if attempt.Status != model.StatusSubmitted {
			return &model.StateError{Op: "grade", Status: attempt.Status}
		}
		a, err := q.GetAssessment(ctx, attempt.AssessmentID)
		if err != nil {
			return err
		}
		qn, err := q.GetQuestion(ctx, questionID)
		if err != nil {
			return err
		}
		if qn.AssessmentID != attempt.AssessmentID {
			return model.Validationf("question %d does not belong to assessment %d", questionID, attempt.AssessmentID)
		}
		if EffectiveType(qn, a).Objective() {
			return model.Validationf("question %d is scored automatically", questionID)
		}
		if marks < 0 || marks > float64(qn.Marks) {
			return model.Validationf("marks %.2f outside [0, %d]", marks, qn.Marks)
		}
		if _, err := q.GetAnswer(ctx, attemptID, questionID); err != nil {
			return err
		}
		if err := q.UpdateAnswerGrade(ctx, attemptID, questionID, marks == float64(qn.Marks), marks, feedback); err != nil {
			return fmt.Errorf("update grade: %w", err)
		}

		score, ungraded, err := q.SumAnswerMarks(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("sum marks: %w", err)
		}
		if err := q.UpdateAttemptScore(ctx, attemptID, score, Percentage(score, attempt.TotalMarks)); err != nil {
			return fmt.Errorf("update score: %w", err)
		}
		if e.opts.AutoComplete && ungraded == 0 {
			if completed, err = q.MarkCompleted(ctx, attemptID); err != nil {
				return fmt.Errorf("mark completed: %w", err)
			}
		}
		result, err = q.GetAttempt(ctx, attemptID)
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("answer graded", "attempt", attemptID, "question", questionID, "marks", marks)
	if completed {
		e.completed(ctx, result)
	}
	return result, nil
}

// Finalize moves a submitted attempt to completed once every answer is graded.
func (e *Engine) Finalize(ctx context.Context, attemptID int64) (model.Attempt, error) {
	var result model.Attempt
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		attempt, err := q.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if attempt.Status != model.StatusSubmitted {
			return &model.StateError{Op: "finalize", Status: attempt.Status}
		}
		_, ungraded, err := q.SumAnswerMarks(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("sum marks: %w", err)
		}
		if ungraded > 0 {
			return &model.StateError{Op: "finalize", Status: attempt.Status,
				Reason: fmt.Sprintf("%d answers not graded", ungraded)}
		}
		ok, err := q.MarkCompleted(ctx, attemptID)
		if err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		if !ok {
			current, err := q.GetAttempt(ctx, attemptID)
			if err != nil {
				return err
			}
			return &model.StateError{Op: "finalize", Status: current.Status}
		}
		result, err = q.GetAttempt(ctx, attemptID)
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("attempt completed", "attempt", attemptID, "percentage", result.Percentage)
	e.completed(ctx, result)
	return result, nil
}

// Attempt returns an attempt by ID.
func (e *Engine) Attempt(ctx context.Context, id int64) (model.Attempt, error) {
	return e.store.GetAttempt(ctx, id)
}

// AttemptView returns an attempt with its assessment, questions and answers.
func (e *Engine) AttemptView(ctx context.Context, id int64) (*model.AttemptView, error) {
	return e.store.GetAttemptView(ctx, id)
}

// ListUserAttempts returns a user's attempts, newest first.
func (e *Engine) ListUserAttempts(ctx context.Context, userID int64) ([]model.Attempt, error) {
	return e.store.ListUserAttempts(ctx, userID, 0)
}

// ListPendingGrading returns subjective answers waiting for a grader.
func (e *Engine) ListPendingGrading(ctx context.Context) ([]model.PendingGrade, error) {
	return e.store.ListPendingGrading(ctx)
}

func (e *Engine) completed(ctx context.Context, a model.Attempt) {
	if e.opts.OnCompleted != nil {
		e.opts.OnCompleted(ctx, a)
	}
}

func assessmentQuestions(ctx context.Context, q *store.Queries, assessmentID int64) (model.Assessment, map[int64]model.Question, error) {
	a, err := q.GetAssessment(ctx, assessmentID)
	if err != nil {
		return model.Assessment{}, nil, err
	}
	questions, err := q.ListQuestions(ctx, assessmentID)
	if err != nil {
		return model.Assessment{}, nil, fmt.Errorf("list questions: %w", err)
	}
	byID := make(map[int64]model.Question, len(questions))
	for _, qn := range questions {
		byID[qn.ID] = qn
	}
	return a, byID, nil
}

// checkOwnership rejects answers for questions outside the assessment and
// repeated question IDs.
func checkOwnership(answers []model.SubmittedAnswer, byID map[int64]model.Question, assessmentID int64) error {
	seen := make(map[int64]bool, len(answers))
	for _, sa := range answers {
		if _, ok := byID[sa.QuestionID]; !ok {
			return model.Validationf("question %d does not belong to assessment %d", sa.QuestionID, assessmentID)
		}
		if seen[sa.QuestionID] {
			return model.Validationf("question %d answered more than once", sa.QuestionID)
		}
		seen[sa.QuestionID] = true
	}
	return nil
}
