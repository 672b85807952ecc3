package assessment

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

type fixture struct {
	store  *store.Store
	engine *Engine
	userID int64
	// mcq is an assessment of two 1-mark multiple-choice questions.
	mcq     int64
	mcqQs   []int64
	written int64
	// writtenQs: short answer (10), essay (30), multiple choice (2).
	writtenQs []int64
	clock     *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	return newFixtureAt(t, ":memory:", opts)
}

// newFixtureAt is newFixture backed by the database at path. A file database
// gets a pool of connections, so goroutines really run concurrently.
func newFixtureAt(t *testing.T, path string, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(path)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = clock.Now
	f := &fixture{store: s, engine: New(s, opts), clock: clock}

	f.userID, err = s.CreateUser(ctx, model.User{GoogleID: "g-1", Email: "murid@example.com", Name: "Murid", Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	subjectID, err := s.CreateSubject(ctx, model.Subject{Name: "Biologi", Code: "BIO", Active: true})
	if err != nil {
		t.Fatalf("CreateSubject: %v", err)
	}

	f.mcq = mustAssessment(t, s, subjectID, model.QuestionMultipleChoice)
	for i := 1; i <= 2; i++ {
		f.mcqQs = append(f.mcqQs, mustQuestion(t, s, model.Question{
			AssessmentID:  f.mcq,
			Type:          model.QuestionMultipleChoice,
			Text:          "Which organelle?",
			Options:       []model.Option{{Key: "A", Text: "Nucleus"}, {Key: "B", Text: "Mitochondria"}},
			CorrectAnswer: "B",
			Marks:         1,
			Order:         i,
		}))
	}

	f.written = mustAssessment(t, s, subjectID, model.QuestionShortAnswer)
	f.writtenQs = append(f.writtenQs,
		mustQuestion(t, s, model.Question{AssessmentID: f.written, Type: model.QuestionShortAnswer, Text: "Explain osmosis", Marks: 10, Order: 1}),
		mustQuestion(t, s, model.Question{AssessmentID: f.written, Type: model.QuestionEssay, Text: "Discuss enzymes", Marks: 30, Order: 2}),
		mustQuestion(t, s, model.Question{AssessmentID: f.written, Type: model.QuestionMultipleChoice, Text: "Pick one", CorrectAnswer: "A", Marks: 2, Order: 3}),
	)
	return f
}

func mustAssessment(t *testing.T, s *store.Store, subjectID int64, qt model.QuestionType) int64 {
	t.Helper()
	id, err := s.CreateAssessment(context.Background(), model.Assessment{
		SubjectID: subjectID, Title: "Quiz " + string(qt), QuestionType: qt, TimeLimit: 30, TotalMarks: 100, Active: true,
	})
	if err != nil {
		t.Fatalf("CreateAssessment: %v", err)
	}
	return id
}

func mustQuestion(t *testing.T, s *store.Store, q model.Question) int64 {
	t.Helper()
	id, err := s.InsertQuestion(context.Background(), q)
	if err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}
	return id
}

func (f *fixture) start(t *testing.T, assessmentID int64) model.Attempt {
	t.Helper()
	a, err := f.engine.StartAttempt(context.Background(), f.userID, assessmentID)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	return a
}

func TestStartAttempt(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a := f.start(t, f.written)
	if a.Status != model.StatusInProgress {
		t.Errorf("expected in_progress, got %q", a.Status)
	}
	if a.TotalMarks != 42 {
		t.Errorf("expected total marks 42 from questions, got %d", a.TotalMarks)
	}

	// Retakes are independent rows.
	b := f.start(t, f.written)
	if b.ID == a.ID {
		t.Error("expected a new attempt row")
	}

	if _, err := f.engine.StartAttempt(ctx, f.userID, 9999); !model.IsNotFound(err) {
		t.Errorf("expected NotFoundError for missing assessment, got %v", err)
	}
	if _, err := f.engine.StartAttempt(ctx, 9999, f.mcq); !model.IsNotFound(err) {
		t.Errorf("expected NotFoundError for missing user, got %v", err)
	}

	if err := f.store.SetAssessmentActive(ctx, f.mcq, false); err != nil {
		t.Fatalf("SetAssessmentActive: %v", err)
	}
	if _, err := f.engine.StartAttempt(ctx, f.userID, f.mcq); !model.IsValidation(err) {
		t.Errorf("expected ValidationError for inactive assessment, got %v", err)
	}
}

func TestStartAttemptWithoutQuestionsUsesAssessmentTotal(t *testing.T) {
	f := newFixture(t, Options{})
	subject, _ := f.store.GetSubjectByCode(context.Background(), "BIO")
	empty := mustAssessment(t, f.store, subject.ID, model.QuestionEssay)
	a := f.start(t, empty)
	if a.TotalMarks != 100 {
		t.Errorf("expected fallback total 100, got %d", a.TotalMarks)
	}
}

func TestSubmitTwoMCQScenario(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.start(t, f.mcq)
	f.clock.Advance(95*time.Second + 400*time.Millisecond)

	got, err := f.engine.SubmitAnswers(context.Background(), a.ID, []model.SubmittedAnswer{
		{QuestionID: f.mcqQs[0], Text: "B"},
		{QuestionID: f.mcqQs[1], Text: "A"},
	})
	if err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}
	if got.Score != 1 || got.TotalMarks != 2 || got.Percentage != 50.0 {
		t.Errorf("expected 1/2 = 50%%, got %v/%d = %v", got.Score, got.TotalMarks, got.Percentage)
	}
	if got.Status != model.StatusSubmitted {
		t.Errorf("expected submitted, got %q", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be stamped")
	}
	if got.TimeTaken != 95 {
		t.Errorf("expected 95 seconds, got %d", got.TimeTaken)
	}

	view, err := f.engine.AttemptView(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("AttemptView: %v", err)
	}
	if len(view.Items) != 2 || view.Items[0].Answer == nil || !view.Items[0].Answer.IsCorrect {
		t.Errorf("unexpected view items %+v", view.Items)
	}
	if view.Items[1].Answer.IsCorrect || view.Items[1].Answer.MarksObtained != 0 {
		t.Errorf("second answer should be wrong: %+v", view.Items[1].Answer)
	}
}

func TestSubmitAutoComplete(t *testing.T) {
	var mu sync.Mutex
	var notified []int64
	f := newFixture(t, Options{
		AutoComplete: true,
		OnCompleted: func(_ context.Context, a model.Attempt) {
			mu.Lock()
			notified = append(notified, a.ID)
			mu.Unlock()
		},
	})
	a := f.start(t, f.mcq)
	got, err := f.engine.SubmitAnswers(context.Background(), a.ID, []model.SubmittedAnswer{
		{QuestionID: f.mcqQs[0], Text: "B"},
		{QuestionID: f.mcqQs[1], Text: "B"},
	})
	if err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}
	if got.Status != model.StatusCompleted || got.Percentage != 100 {
		t.Errorf("expected completed at 100%%, got %q at %v", got.Status, got.Percentage)
	}
	if len(notified) != 1 || notified[0] != a.ID {
		t.Errorf("expected completion callback for %d, got %v", a.ID, notified)
	}

	// Subjective answers hold the attempt in submitted.
	w := f.start(t, f.written)
	got, err = f.engine.SubmitAnswers(context.Background(), w.ID, []model.SubmittedAnswer{
		{QuestionID: f.writtenQs[0], Text: "Water moves across a membrane"},
	})
	if err != nil {
		t.Fatalf("SubmitAnswers written: %v", err)
	}
	if got.Status != model.StatusSubmitted {
		t.Errorf("expected submitted while grading pending, got %q", got.Status)
	}
}

func TestSubmitRejectsWrongState(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.start(t, f.mcq)
	answers := []model.SubmittedAnswer{{QuestionID: f.mcqQs[0], Text: "B"}}

	first, err := f.engine.SubmitAnswers(ctx, a.ID, answers)
	if err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}

	_, err = f.engine.SubmitAnswers(ctx, a.ID, []model.SubmittedAnswer{{QuestionID: f.mcqQs[1], Text: "B"}})
	var se *model.StateError
	if !errors.As(err, &se) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if se.Status != model.StatusSubmitted {
		t.Errorf("expected status submitted in error, got %q", se.Status)
	}

	after, _ := f.engine.Attempt(ctx, a.ID)
	if after.Score != first.Score || after.Percentage != first.Percentage || after.Status != first.Status {
		t.Errorf("attempt changed after rejected submit: %+v vs %+v", after, first)
	}
	answersStored, _ := f.store.ListAnswers(ctx, a.ID)
	if len(answersStored) != 1 {
		t.Errorf("expected 1 stored answer, got %d", len(answersStored))
	}

	if _, err := f.engine.SubmitAnswers(ctx, 9999, answers); !model.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestSubmitRejectsForeignQuestion(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.start(t, f.mcq)

	tests := []struct {
		name    string
		answers []model.SubmittedAnswer
	}{
		{"question of another assessment", []model.SubmittedAnswer{
			{QuestionID: f.mcqQs[0], Text: "B"},
			{QuestionID: f.writtenQs[0], Text: "text"},
		}},
		{"unknown question", []model.SubmittedAnswer{{QuestionID: 9999, Text: "B"}}},
		{"duplicate question", []model.SubmittedAnswer{
			{QuestionID: f.mcqQs[0], Text: "B"},
			{QuestionID: f.mcqQs[0], Text: "A"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.SubmitAnswers(ctx, a.ID, tt.answers)
			if !model.IsValidation(err) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			stored, _ := f.store.ListAnswers(ctx, a.ID)
			if len(stored) != 0 {
				t.Errorf("expected no committed answers, got %d", len(stored))
			}
			got, _ := f.engine.Attempt(ctx, a.ID)
			if got.Status != model.StatusInProgress || got.Score != 0 {
				t.Errorf("attempt changed: %+v", got)
			}
		})
	}
}

func TestConcurrentSubmitOnlyOneWins(t *testing.T) {
	f := newFixtureAt(t, filepath.Join(t.TempDir(), "x.db"), Options{})
	ctx := context.Background()
	a := f.start(t, f.mcq)

	const n = 8
	var wg sync.WaitGroup
	ready := make(chan struct{})
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-ready
			_, errs[i] = f.engine.SubmitAnswers(ctx, a.ID, []model.SubmittedAnswer{{QuestionID: f.mcqQs[0], Text: "B"}})
		}(i)
	}
	close(ready)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case model.IsState(err):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one successful submit, got %d", wins)
	}
	stored, _ := f.store.ListAnswers(ctx, a.ID)
	if len(stored) != 1 {
		t.Errorf("expected 1 stored answer, got %d", len(stored))
	}
}

func TestSaveDraftKeepsStatusAndScore(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.start(t, f.written)

	for _, text := range []string{"Osmosis is", "Osmosis is the movement of water"} {
		if err := f.engine.SaveDraft(ctx, a.ID, []model.SubmittedAnswer{{QuestionID: f.writtenQs[0], Text: text}}); err != nil {
			t.Fatalf("SaveDraft: %v", err)
		}
		got, err := f.engine.Attempt(ctx, a.ID)
		if err != nil {
			t.Fatalf("Attempt: %v", err)
		}
		if got.Status != model.StatusInProgress || got.Score != 0 || got.Percentage != 0 {
			t.Errorf("draft changed attempt: %+v", got)
		}
	}

	drafts, err := f.engine.Drafts(ctx, a.ID)
	if err != nil {
		t.Fatalf("Drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Text != "Osmosis is the movement of water" {
		t.Errorf("unexpected drafts %+v", drafts)
	}

	if err := f.engine.SaveDraft(ctx, a.ID, []model.SubmittedAnswer{{QuestionID: f.mcqQs[0], Text: "B"}}); !model.IsValidation(err) {
		t.Errorf("expected ValidationError for foreign question, got %v", err)
	}

	// Submitting clears drafts; further drafts are refused.
	if _, err := f.engine.SubmitAnswers(ctx, a.ID, []model.SubmittedAnswer{{QuestionID: f.writtenQs[0], Text: drafts[0].Text}}); err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}
	drafts, _ = f.engine.Drafts(ctx, a.ID)
	if len(drafts) != 0 {
		t.Errorf("expected drafts cleared, got %d", len(drafts))
	}
	if err := f.engine.SaveDraft(ctx, a.ID, []model.SubmittedAnswer{{QuestionID: f.writtenQs[0], Text: "late"}}); !model.IsState(err) {
		t.Errorf("expected StateError after submit, got %v", err)
	}
}

func TestGradeAnswerAndFinalize(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.start(t, f.written)

	if _, err := f.engine.GradeAnswer(ctx, a.ID, f.writtenQs[0], 5, ""); !model.IsState(err) {
		t.Errorf("expected StateError grading in_progress attempt, got %v", err)
	}

	sub, err := f.engine.SubmitAnswers(ctx, a.ID, []model.SubmittedAnswer{
		{QuestionID: f.writtenQs[0], Text: "Water moves"},
		{QuestionID: f.writtenQs[1], Text: "Enzymes are catalysts"},
		{QuestionID: f.writtenQs[2], Text: "A"},
	})
	if err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}
	if sub.Score != 2 || sub.TotalMarks != 42 {
		t.Errorf("expected objective score 2 of 42, got %v of %d", sub.Score, sub.TotalMarks)
	}

	if _, err := f.engine.Finalize(ctx, a.ID); !model.IsState(err) {
		t.Errorf("expected StateError finalizing with ungraded answers, got %v", err)
	}

	pending, err := f.engine.ListPendingGrading(ctx)
	if err != nil {
		t.Fatalf("ListPendingGrading: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending answers, got %d", len(pending))
	}

	invalid := []struct {
		name       string
		questionID int64
		marks      float64
	}{
		{"negative marks", f.writtenQs[0], -1},
		{"above question marks", f.writtenQs[0], 11},
		{"objective question", f.writtenQs[2], 1},
		{"foreign question", f.mcqQs[0], 1},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.GradeAnswer(ctx, a.ID, tt.questionID, tt.marks, ""); !model.IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	got, err := f.engine.GradeAnswer(ctx, a.ID, f.writtenQs[0], 10, "Complete")
	if err != nil {
		t.Fatalf("GradeAnswer: %v", err)
	}
	if got.Score != 12 {
		t.Errorf("expected score 12, got %v", got.Score)
	}
	if math.Abs(got.Percentage-12.0/42*100) > 1e-9 {
		t.Errorf("percentage not recomputed: %v", got.Percentage)
	}

	got, err = f.engine.GradeAnswer(ctx, a.ID, f.writtenQs[1], 15.5, "Partial")
	if err != nil {
		t.Fatalf("GradeAnswer essay: %v", err)
	}
	if got.Status != model.StatusSubmitted {
		t.Errorf("expected submitted without auto-complete, got %q", got.Status)
	}

	view, _ := f.engine.AttemptView(ctx, a.ID)
	short := view.Items[0].Answer
	essay := view.Items[1].Answer
	if !short.IsCorrect || !short.Graded || short.Feedback != "Complete" {
		t.Errorf("unexpected short answer %+v", short)
	}
	if essay.IsCorrect || essay.MarksObtained != 15.5 {
		t.Errorf("unexpected essay answer %+v", essay)
	}

	final, err := f.engine.Finalize(ctx, a.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if final.Status != model.StatusCompleted || final.Score != 27.5 {
		t.Errorf("unexpected final attempt %+v", final)
	}

	if _, err := f.engine.Finalize(ctx, a.ID); !model.IsState(err) {
		t.Errorf("expected StateError finalizing twice, got %v", err)
	}
	if _, err := f.engine.GradeAnswer(ctx, a.ID, f.writtenQs[0], 1, ""); !model.IsState(err) {
		t.Errorf("expected StateError grading completed attempt, got %v", err)
	}
}

func TestGradeAnswerAutoCompletes(t *testing.T) {
	f := newFixture(t, Options{AutoComplete: true})
	ctx := context.Background()
	a := f.start(t, f.written)
	if _, err := f.engine.SubmitAnswers(ctx, a.ID, []model.SubmittedAnswer{{QuestionID: f.writtenQs[0], Text: "x"}}); err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}
	got, err := f.engine.GradeAnswer(ctx, a.ID, f.writtenQs[0], 4, "")
	if err != nil {
		t.Fatalf("GradeAnswer: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("expected completed, got %q", got.Status)
	}
}

func TestListUserAttempts(t *testing.T) {
	f := newFixture(t, Options{})
	first := f.start(t, f.mcq)
	second := f.start(t, f.written)

	list, err := f.engine.ListUserAttempts(context.Background(), f.userID)
	if err != nil {
		t.Fatalf("ListUserAttempts: %v", err)
	}
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("expected newest first, got %+v", list)
	}
}

func TestStartAndSubmit(t *testing.T) {
	f := newFixture(t, Options{AutoComplete: true})
	ctx := context.Background()

	got, err := f.engine.StartAndSubmit(ctx, f.userID, f.mcq, []model.SubmittedAnswer{{QuestionID: f.mcqQs[0], Text: "B"}})
	if err != nil {
		t.Fatalf("StartAndSubmit: %v", err)
	}
	if got.Status != model.StatusCompleted || got.Score != 1 {
		t.Errorf("got status %s score %v, want completed 1", got.Status, got.Score)
	}

	_, err = f.engine.StartAndSubmit(ctx, f.userID, f.mcq, []model.SubmittedAnswer{{QuestionID: f.writtenQs[0], Text: "x"}})
	if !model.IsValidation(err) {
		t.Fatalf("foreign question: got %v, want validation error", err)
	}
	attempts, err := f.engine.ListUserAttempts(ctx, f.userID)
	if err != nil {
		t.Fatalf("ListUserAttempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Errorf("rejected submission should leave no attempt, got %d attempts", len(attempts))
	}
}
