package assessment

import (
	"math"
	"testing"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

func TestIsCorrect(t *testing.T) {
	tests := []struct {
		name    string
		qt      model.QuestionType
		correct string
		given   string
		want    bool
	}{
		{"exact mcq", model.QuestionMultipleChoice, "B", "B", true},
		{"wrong mcq", model.QuestionMultipleChoice, "B", "C", false},
		{"mcq is case sensitive", model.QuestionMultipleChoice, "B", "b", false},
		{"whitespace trimmed", model.QuestionMultipleChoice, "B", "  B\n", true},
		{"empty answer", model.QuestionMultipleChoice, "B", "", false},
		{"no stored answer", model.QuestionMultipleChoice, "", "", false},
		{"true false case insensitive", model.QuestionTrueFalse, "True", "true", true},
		{"true false mismatch", model.QuestionTrueFalse, "True", "false", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCorrect(tt.qt, tt.correct, tt.given); got != tt.want {
				t.Errorf("IsCorrect(%q, %q) = %v, want %v", tt.correct, tt.given, got, tt.want)
			}
		})
	}
}

func TestScoreAnswer(t *testing.T) {
	q := model.Question{ID: 7, CorrectAnswer: "A", Marks: 3}

	tests := []struct {
		name        string
		qt          model.QuestionType
		text        string
		wantMarks   float64
		wantCorrect bool
		wantGraded  bool
	}{
		{"correct objective", model.QuestionMultipleChoice, "A", 3, true, true},
		{"incorrect objective", model.QuestionMultipleChoice, "D", 0, false, true},
		{"short answer waits for grader", model.QuestionShortAnswer, "A", 0, false, false},
		{"essay waits for grader", model.QuestionEssay, "long text", 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ScoreAnswer(q, tt.qt, 11, tt.text)
			if a.MarksObtained != tt.wantMarks || a.IsCorrect != tt.wantCorrect || a.Graded != tt.wantGraded {
				t.Errorf("got marks=%v correct=%v graded=%v", a.MarksObtained, a.IsCorrect, a.Graded)
			}
			if a.AttemptID != 11 || a.QuestionID != 7 || a.Text != tt.text {
				t.Errorf("references not copied: %+v", a)
			}
		})
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		total int
		want  float64
	}{
		{"half", 1, 2, 50},
		{"full", 30, 30, 100},
		{"fraction", 1, 3, 100.0 / 3},
		{"zero total", 5, 0, 0},
		{"negative total", 5, -1, 0},
		{"clamped high", 12, 10, 100},
		{"clamped low", -2, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Percentage(tt.score, tt.total)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Percentage(%v, %d) = %v, want %v", tt.score, tt.total, got, tt.want)
			}
		})
	}
}

func TestPercentageInvariant(t *testing.T) {
	for total := 1; total <= 40; total++ {
		for score := 0; score <= total; score++ {
			got := Percentage(float64(score), total)
			want := float64(score) / float64(total) * 100
			if math.Abs(got-want) > 1e-9 {
				t.Fatalf("Percentage(%d, %d) = %v, want %v", score, total, got, want)
			}
			if got < 0 || got > 100 {
				t.Fatalf("Percentage(%d, %d) = %v out of range", score, total, got)
			}
		}
	}
}

func TestTimeTaken(t *testing.T) {
	start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		end  time.Time
		want int
	}{
		{"whole seconds", start.Add(90 * time.Second), 90},
		{"floors fractions", start.Add(1999 * time.Millisecond), 1},
		{"same instant", start, 0},
		{"clock skew", start.Add(-time.Minute), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeTaken(start, tt.end); got != tt.want {
				t.Errorf("TimeTaken = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTotalMarks(t *testing.T) {
	qs := []model.Question{{Marks: 10}, {Marks: 5}, {Marks: 15}}
	if got := TotalMarks(qs, 100); got != 30 {
		t.Errorf("expected 30, got %d", got)
	}
	if got := TotalMarks(nil, 100); got != 100 {
		t.Errorf("expected fallback 100, got %d", got)
	}
}

func TestEffectiveType(t *testing.T) {
	a := model.Assessment{QuestionType: model.QuestionEssay}
	if got := EffectiveType(model.Question{}, a); got != model.QuestionEssay {
		t.Errorf("expected assessment type, got %q", got)
	}
	if got := EffectiveType(model.Question{Type: model.QuestionTrueFalse}, a); got != model.QuestionTrueFalse {
		t.Errorf("expected question type, got %q", got)
	}
}
