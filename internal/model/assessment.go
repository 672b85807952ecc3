package model

import (
	"fmt"
	"time"
)

// QuestionType is the kind of question an assessment contains.
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionEssay          QuestionType = "essay"
	QuestionTrueFalse      QuestionType = "true_false"
)

// ParseQuestionType converts a stored or imported string into a QuestionType.
func ParseQuestionType(s string) (QuestionType, error) {
	switch t := QuestionType(s); t {
	case QuestionMultipleChoice, QuestionShortAnswer, QuestionEssay, QuestionTrueFalse:
		return t, nil
	}
	return "", &ValidationError{Msg: fmt.Sprintf("unknown question type %q", s)}
}

// Objective reports whether answers of this type have a single verifiable
// correct answer and can be scored without a grader.
func (t QuestionType) Objective() bool {
	switch t {
	case QuestionMultipleChoice, QuestionTrueFalse:
		return true
	case QuestionShortAnswer, QuestionEssay:
		return false
	}
	return false
}

// AttemptStatus is the lifecycle state of an assessment attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusSubmitted  AttemptStatus = "submitted"
	StatusCompleted  AttemptStatus = "completed"
)

// ParseAttemptStatus converts a stored string into an AttemptStatus.
func ParseAttemptStatus(s string) (AttemptStatus, error) {
	switch st := AttemptStatus(s); st {
	case StatusInProgress, StatusSubmitted, StatusCompleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown attempt status %q", s)
}

// CanTransition reports whether next directly follows s. Attempts only move
// forward: in_progress, submitted, completed.
func (s AttemptStatus) CanTransition(next AttemptStatus) bool {
	switch s {
	case StatusInProgress:
		return next == StatusSubmitted
	case StatusSubmitted:
		return next == StatusCompleted
	case StatusCompleted:
		return false
	}
	return false
}

// Option is one selectable choice of a multiple-choice question.
type Option struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Assessment is a set of ordered questions for a subject or chapter.
type Assessment struct {
	ID           int64        `json:"id"`
	SubjectID    int64        `json:"subject_id"`
	ChapterID    *int64       `json:"chapter_id,omitempty"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	QuestionType QuestionType `json:"question_type"`
	TimeLimit    int          `json:"time_limit"` // minutes
	TotalMarks   int          `json:"total_marks"`
	Active       bool         `json:"active"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Question is a single item of an assessment.
type Question struct {
	ID            int64        `json:"id"`
	AssessmentID  int64        `json:"assessment_id"`
	Type          QuestionType `json:"type"`
	Text          string       `json:"question_text"`
	Options       []Option     `json:"options"`
	CorrectAnswer string       `json:"correct_answer"`
	Explanation   string       `json:"explanation"`
	Marks         int          `json:"marks"`
	Order         int          `json:"order"`
}

// AssessmentSummary adds question aggregates to an assessment.
type AssessmentSummary struct {
	Assessment
	QuestionCount int `json:"question_count"`
	MarksSum      int `json:"marks_sum"`
}

// Attempt binds a user to one sitting of an assessment.
type Attempt struct {
	ID           int64         `json:"id"`
	UserID       int64         `json:"user_id"`
	AssessmentID int64         `json:"assessment_id"`
	Score        float64       `json:"score"`
	TotalMarks   int           `json:"total_marks"`
	Percentage   float64       `json:"percentage"`
	TimeTaken    int           `json:"time_taken"` // seconds
	Status       AttemptStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Answer is a submitted response to one question of an attempt.
type Answer struct {
	ID            int64     `json:"id"`
	AttemptID     int64     `json:"attempt_id"`
	QuestionID    int64     `json:"question_id"`
	Text          string    `json:"answer_text"`
	IsCorrect     bool      `json:"is_correct"`
	MarksObtained float64   `json:"marks_obtained"`
	Feedback      string    `json:"feedback"`
	Graded        bool      `json:"graded"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AnswerDraft is unsubmitted work saved while an attempt is in progress.
type AnswerDraft struct {
	AttemptID  int64     `json:"attempt_id"`
	QuestionID int64     `json:"question_id"`
	Text       string    `json:"answer_text"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SubmittedAnswer is the raw input for one question.
type SubmittedAnswer struct {
	QuestionID int64  `json:"question_id"`
	Text       string `json:"answer"`
}

// AnswerView pairs a question with the attempt's answer, if any.
type AnswerView struct {
	Question Question
	Answer   *Answer
	Draft    *AnswerDraft
}

// AttemptView combines an attempt with its assessment and answers for display.
type AttemptView struct {
	Attempt    Attempt
	Assessment Assessment
	User       *User
	Items      []AnswerView
}

// PendingGrade is a subjective answer still waiting for a grading authority.
type PendingGrade struct {
	Attempt         Attempt
	AssessmentTitle string
	SubjectName     string
	Question        Question
	Answer          Answer
}
