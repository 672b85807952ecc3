package assessment

import (
	"math"
	"strings"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

// EffectiveType returns the question's own type, falling back to the type of
// its assessment.
func EffectiveType(q model.Question, a model.Assessment) model.QuestionType {
	if q.Type != "" {
		return q.Type
	}
	return a.QuestionType
}

// IsCorrect compares a submitted answer with the stored correct answer.
// Surrounding whitespace is ignored; true/false answers ignore case.
func IsCorrect(t model.QuestionType, correct, given string) bool {
	correct = strings.TrimSpace(correct)
	given = strings.TrimSpace(given)
	if correct == "" {
		return false
	}
	if t == model.QuestionTrueFalse {
		return strings.EqualFold(correct, given)
	}
	return correct == given
}

// ScoreAnswer builds the stored answer for one submitted response. Objective
// answers are graded immediately; subjective ones wait for a grader.
func ScoreAnswer(q model.Question, t model.QuestionType, attemptID int64, text string) model.Answer {
	a := model.Answer{
		AttemptID:  attemptID,
		QuestionID: q.ID,
		Text:       text,
	}
	if !t.Objective() {
		return a
	}
	a.Graded = true
	if IsCorrect(t, q.CorrectAnswer, text) {
		a.IsCorrect = true
		a.MarksObtained = float64(q.Marks)
	}
	return a
}

// Score sums the marks obtained across answers.
func Score(answers []model.Answer) float64 {
	var sum float64
	for _, a := range answers {
		sum += a.MarksObtained
	}
	return sum
}

// Percentage returns score as a percentage of total, clamped to [0,100].
// A non-positive total yields 0.
func Percentage(score float64, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := score / float64(total) * 100
	return math.Min(100, math.Max(0, p))
}

// TimeTaken returns whole seconds elapsed between start and end, never negative.
func TimeTaken(start, end time.Time) int {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// TotalMarks returns the sum of question marks, or fallback when the
// assessment has no questions.
func TotalMarks(questions []model.Question, fallback int) int {
	var total int
	for _, q := range questions {
		total += q.Marks
	}
	if len(questions) == 0 {
		return fallback
	}
	return total
}
