package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st, err := Seed(ctx, s)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	want := Stats{Subjects: 6, Chapters: 3, Sections: 3, Assessments: 2, Questions: 7}
	if st != want {
		t.Errorf("Seed stats = %+v, want %+v", st, want)
	}

	bio, err := s.GetSubjectByCode(ctx, "BIO")
	if err != nil {
		t.Fatalf("GetSubjectByCode: %v", err)
	}
	chapters, err := s.ListChapters(ctx, bio.ID)
	if err != nil {
		t.Fatalf("ListChapters: %v", err)
	}
	if len(chapters) != 3 || chapters[0].EstimatedTime != 45 || chapters[2].Title != "Biologi Molekul" {
		t.Errorf("unexpected chapters %+v", chapters)
	}
	stats, err := s.ChapterStats(ctx, bio.ID)
	if err != nil {
		t.Fatalf("ChapterStats: %v", err)
	}
	if stats.TotalEstimatedTime != 195 {
		t.Errorf("TotalEstimatedTime = %d, want 195", stats.TotalEstimatedTime)
	}

	sections, err := s.ListSections(ctx, chapters[0].ID)
	if err != nil {
		t.Fatalf("ListSections: %v", err)
	}
	if len(sections) != 2 || len(sections[0].KeyPoints) != 3 || len(sections[0].Examples) != 1 {
		t.Errorf("unexpected sections %+v", sections)
	}

	list, err := s.ListAssessments(ctx, bio.ID, &chapters[0].ID)
	if err != nil {
		t.Fatalf("ListAssessments: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 chapter assessments, got %d", len(list))
	}
	mcq, written := list[0], list[1]
	if mcq.QuestionType != model.QuestionMultipleChoice || mcq.TotalMarks != 3 || mcq.QuestionCount != 3 {
		t.Errorf("unexpected MCQ assessment %+v", mcq)
	}
	if written.TotalMarks != 60 || written.MarksSum != 60 || written.TimeLimit != 60 {
		t.Errorf("unexpected subjective assessment %+v", written)
	}
	qs, err := s.ListQuestions(ctx, written.ID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if qs[0].Type != model.QuestionShortAnswer || qs[3].Type != model.QuestionEssay || qs[3].Marks != 30 {
		t.Errorf("unexpected question types %+v", qs)
	}

	again, err := Seed(ctx, s)
	if err != nil {
		t.Fatalf("second Seed: %v", err)
	}
	if again != (Stats{Skipped: true}) {
		t.Errorf("second Seed should be a no-op, got %+v", again)
	}
}

func TestImportFilesChangedFileSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kimia.json")

	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write(`{"subjects":[{"name":"Kimia","code":"KIM","assessments":[
		{"title":"Jadual Berkala","question_type":"true_false","questions":[
			{"question_text":"Natrium ialah logam alkali.","correct_answer":"True","marks":2}]}]}]}`)

	if err := ImportFiles(ctx, s, []string{path}); err != nil {
		t.Fatalf("ImportFiles: %v", err)
	}
	kim, err := s.GetSubjectByCode(ctx, "KIM")
	if err != nil {
		t.Fatalf("GetSubjectByCode: %v", err)
	}
	list, _ := s.ListAssessments(ctx, kim.ID, nil)
	if len(list) != 1 || list[0].ChapterID != nil || list[0].TotalMarks != 2 {
		t.Fatalf("unexpected assessments %+v", list)
	}

	write(`{"subjects":[{"name":"Kimia","code":"KIM","assessments":[
		{"title":"Ikatan Kimia","question_type":"essay","questions":[{"question_text":"Huraikan ikatan ion.","marks":10}]}]}]}`)
	if err := ImportFiles(ctx, s, []string{path}); err != nil {
		t.Fatalf("ImportFiles changed: %v", err)
	}
	list, _ = s.ListAssessments(ctx, kim.ID, nil)
	if len(list) != 1 {
		t.Errorf("changed file should be skipped, have %d assessments", len(list))
	}
}

func TestImportReusesSubjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := Seed(ctx, s); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "bio.json")
	content := `{"subjects":[{"name":"Biologi","code":"BIO","chapters":[
		{"title":"Pengenalan kepada Biologi"},
		{"title":"Genetik","order":4,"estimated_time":50}]}]}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := ImportFiles(ctx, s, []string{path}); err != nil {
		t.Fatalf("ImportFiles: %v", err)
	}
	subjects, _ := s.ListSubjects(ctx)
	if len(subjects) != 6 {
		t.Errorf("got %d subjects, want 6", len(subjects))
	}
	bio, _ := s.GetSubjectByCode(ctx, "BIO")
	chapters, _ := s.ListChapters(ctx, bio.ID)
	if len(chapters) != 4 || chapters[3].Title != "Genetik" {
		t.Errorf("expected only the new chapter to be added, got %+v", chapters)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing code", `{"subjects":[{"name":"X"}]}`},
		{"bad question type", `{"subjects":[{"name":"X","code":"X","assessments":[{"title":"A","question_type":"oral"}]}]}`},
		{"missing question text", `{"subjects":[{"name":"X","code":"X","assessments":[{"title":"A","question_type":"essay","questions":[{"marks":5}]}]}]}`},
		{"negative marks", `{"subjects":[{"name":"X","code":"X","assessments":[{"title":"A","question_type":"essay","questions":[{"question_text":"Q","marks":-1}]}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); !model.IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	if _, err := Parse([]byte(`{"subjects":`)); err == nil || model.IsValidation(err) {
		t.Errorf("expected a JSON syntax error, got %v", err)
	}
}
