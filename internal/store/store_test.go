package store

import (
	"context"
	"testing"
	"time"

	"github.com/cikgu/cikgu/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestUser(t *testing.T, s *Store, googleID, email string) int64 {
	t.Helper()
	id, err := s.CreateUser(context.Background(), model.User{
		GoogleID: googleID,
		Email:    email,
		Name:     "User " + email,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("insertTestUser: %v", err)
	}
	return id
}

func insertTestSubject(t *testing.T, s *Store, name, code string) int64 {
	t.Helper()
	id, err := s.CreateSubject(context.Background(), model.Subject{Name: name, Code: code, Active: true})
	if err != nil {
		t.Fatalf("insertTestSubject: %v", err)
	}
	return id
}

func insertTestAssessment(t *testing.T, s *Store, subjectID int64, chapterID *int64, marks ...int) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	aID, err := s.CreateAssessment(ctx, model.Assessment{
		SubjectID:    subjectID,
		ChapterID:    chapterID,
		Title:        "Quiz",
		QuestionType: model.QuestionMultipleChoice,
		TimeLimit:    30,
		TotalMarks:   100,
		Active:       true,
	})
	if err != nil {
		t.Fatalf("CreateAssessment: %v", err)
	}
	var qIDs []int64
	for i, m := range marks {
		qID, err := s.InsertQuestion(ctx, model.Question{
			AssessmentID:  aID,
			Type:          model.QuestionMultipleChoice,
			Text:          "Question",
			Options:       []model.Option{{Key: "A", Text: "one"}, {Key: "B", Text: "two"}},
			CorrectAnswer: "A",
			Marks:         m,
			Order:         i + 1,
		})
		if err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
		qIDs = append(qIDs, qID)
	}
	return aID, qIDs
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertTestUser(t, s, "g-1", "a@example.com")

	u, err := s.GetUserByGoogleID(ctx, "g-1")
	if err != nil {
		t.Fatalf("GetUserByGoogleID: %v", err)
	}
	if u == nil || u.ID != id {
		t.Fatalf("expected user %d, got %+v", id, u)
	}
	if u.Role != model.UserRoleStudent {
		t.Errorf("expected default role student, got %q", u.Role)
	}

	missing, err := s.GetUserByGoogleID(ctx, "nope")
	if err != nil {
		t.Fatalf("GetUserByGoogleID missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown google id")
	}

	if err := s.UpdateUserLogin(ctx, id, "a@example.com", "Renamed", "pic.png"); err != nil {
		t.Fatalf("UpdateUserLogin: %v", err)
	}
	u, _ = s.GetUserByID(ctx, id)
	if u.Name != "Renamed" || u.Picture != "pic.png" {
		t.Errorf("profile not updated: %+v", u)
	}

	// A local account has no google id; several may coexist.
	if _, err := s.CreateUser(ctx, model.User{Email: "admin@local", Name: "admin", Role: model.UserRoleAdmin, Active: true}); err != nil {
		t.Fatalf("CreateUser local: %v", err)
	}
	if _, err := s.CreateUser(ctx, model.User{Email: "teacher@local", Name: "teacher", Role: model.UserRoleTeacher, Active: true}); err != nil {
		t.Fatalf("CreateUser second local: %v", err)
	}

	if _, err := s.CreateUser(ctx, model.User{GoogleID: "g-2", Email: "a@example.com", Name: "dup"}); err == nil {
		t.Error("expected unique violation on duplicate email")
	}

	count, err := s.UserCount(ctx)
	if err != nil {
		t.Fatalf("UserCount: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 users, got %d", count)
	}

	if err := s.ToggleUserActive(ctx, id); err != nil {
		t.Fatalf("ToggleUserActive: %v", err)
	}
	u, _ = s.GetUserByID(ctx, id)
	if u.Active {
		t.Error("expected user to be inactive")
	}

	if err := s.DeleteUser(ctx, 9999); !model.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestLoginSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")

	laptop, err := s.NewLoginSession(ctx, uid)
	if err != nil {
		t.Fatalf("NewLoginSession: %v", err)
	}
	phone, err := s.NewLoginSession(ctx, uid)
	if err != nil {
		t.Fatalf("NewLoginSession: %v", err)
	}
	if len(laptop) != 43 || laptop == phone {
		t.Errorf("tokens %q and %q should be distinct 43 char strings", laptop, phone)
	}

	ls, err := s.LoginSession(ctx, laptop)
	if err != nil {
		t.Fatalf("LoginSession: %v", err)
	}
	if ls == nil || ls.UserID != uid || !ls.ExpiresAt.After(ls.CreatedAt) {
		t.Fatalf("unexpected login %+v", ls)
	}

	if err := s.EndLoginSession(ctx, laptop); err != nil {
		t.Fatalf("EndLoginSession: %v", err)
	}
	if ls, _ := s.LoginSession(ctx, laptop); ls != nil {
		t.Error("signed-out token still resolves")
	}
	if ls, _ := s.LoginSession(ctx, phone); ls == nil {
		t.Error("signing out one browser ended the other")
	}

	n, err := s.EndUserLoginSessions(ctx, uid)
	if err != nil || n != 1 {
		t.Errorf("EndUserLoginSessions = %d, %v; want 1", n, err)
	}
}

func TestLoginSessionLapse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")

	past := time.Now().UTC().Add(-48 * time.Hour)
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		"lapsed", uid, past, past.Add(loginLifetime),
	); err != nil {
		t.Fatalf("insert: %v", err)
	}
	live, err := s.NewLoginSession(ctx, uid)
	if err != nil {
		t.Fatalf("NewLoginSession: %v", err)
	}

	if ls, err := s.LoginSession(ctx, "lapsed"); err != nil || ls != nil {
		t.Errorf("lapsed login = %+v, %v; want nil", ls, err)
	}
	n, err := s.PurgeLoginSessions(ctx, time.Now())
	if err != nil || n != 1 {
		t.Errorf("PurgeLoginSessions = %d, %v; want 1", n, err)
	}
	if ls, _ := s.LoginSession(ctx, live); ls == nil {
		t.Error("purge removed a live login")
	}
}

func TestCatalogOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")

	// Inserted out of order; equal order values fall back to id.
	var ids []int64
	for _, c := range []model.Chapter{
		{SubjectID: subjectID, Title: "third", Order: 3, EstimatedTime: 90, Active: true},
		{SubjectID: subjectID, Title: "first", Order: 1, EstimatedTime: 45, Active: true},
		{SubjectID: subjectID, Title: "second-a", Order: 2, EstimatedTime: 60, Active: true},
		{SubjectID: subjectID, Title: "second-b", Order: 2, EstimatedTime: 30, Active: true},
		{SubjectID: subjectID, Title: "hidden", Order: 0, EstimatedTime: 10, Active: false},
	} {
		id, err := s.CreateChapter(ctx, c)
		if err != nil {
			t.Fatalf("CreateChapter: %v", err)
		}
		ids = append(ids, id)
	}

	chapters, err := s.ListChapters(ctx, subjectID)
	if err != nil {
		t.Fatalf("ListChapters: %v", err)
	}
	want := []string{"first", "second-a", "second-b", "third"}
	if len(chapters) != len(want) {
		t.Fatalf("expected %d chapters, got %d", len(want), len(chapters))
	}
	for i, title := range want {
		if chapters[i].Title != title {
			t.Errorf("chapter %d: expected %q, got %q", i, title, chapters[i].Title)
		}
	}

	_, err = s.CreateSection(ctx, model.Section{
		ChapterID: ids[1],
		Title:     "Cells",
		KeyPoints: []model.KeyPoint{{Text: "Cells are the basic unit of life"}},
		Examples:  []model.Example{{Question: "What is a cell?", Answer: "The smallest unit of life"}},
		Order:     1,
		Active:    true,
	})
	if err != nil {
		t.Fatalf("CreateSection: %v", err)
	}
	sections, err := s.ListSections(ctx, ids[1])
	if err != nil {
		t.Fatalf("ListSections: %v", err)
	}
	if len(sections) != 1 || len(sections[0].KeyPoints) != 1 || sections[0].Examples[0].Answer != "The smallest unit of life" {
		t.Errorf("section not decoded: %+v", sections)
	}

	stats, err := s.ChapterStats(ctx, subjectID)
	if err != nil {
		t.Fatalf("ChapterStats: %v", err)
	}
	if stats.SectionCount != 1 || stats.TotalEstimatedTime != 225 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestListAssessmentsAggregates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	chapterID, _ := s.CreateChapter(ctx, model.Chapter{SubjectID: subjectID, Title: "c", Order: 1, Active: true})

	insertTestAssessment(t, s, subjectID, nil, 1, 1)
	insertTestAssessment(t, s, subjectID, &chapterID, 10, 5, 15)

	tests := []struct {
		name      string
		chapterID *int64
		wantCount int
	}{
		{"whole subject", nil, 2},
		{"one chapter", &chapterID, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := s.ListAssessments(ctx, subjectID, tt.chapterID)
			if err != nil {
				t.Fatalf("ListAssessments: %v", err)
			}
			if len(list) != tt.wantCount {
				t.Fatalf("expected %d assessments, got %d", tt.wantCount, len(list))
			}
		})
	}

	list, _ := s.ListAssessments(ctx, subjectID, &chapterID)
	if list[0].QuestionCount != 3 || list[0].MarksSum != 30 {
		t.Errorf("unexpected aggregates %+v", list[0])
	}
	if list[0].ChapterID == nil || *list[0].ChapterID != chapterID {
		t.Errorf("expected chapter id %d, got %v", chapterID, list[0].ChapterID)
	}

	if err := s.SetAssessmentActive(ctx, list[0].ID, false); err != nil {
		t.Fatalf("SetAssessmentActive: %v", err)
	}
	if active, _ := s.ListAssessments(ctx, subjectID, nil); len(active) != 1 {
		t.Errorf("expected 1 active assessment, got %d", len(active))
	}
	all, err := s.ListAllAssessments(ctx, subjectID)
	if err != nil {
		t.Fatalf("ListAllAssessments: %v", err)
	}
	if len(all) != 2 || all[1].Active {
		t.Errorf("expected both assessments with the second inactive, got %+v", all)
	}
}

func TestQuestionOrderAndOptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	aID, _ := insertTestAssessment(t, s, subjectID, nil)

	for _, q := range []model.Question{
		{AssessmentID: aID, Type: model.QuestionEssay, Text: "late", Marks: 30, Order: 2},
		{AssessmentID: aID, Type: model.QuestionMultipleChoice, Text: "early", Marks: 1, Order: 1,
			Options: []model.Option{{Key: "A", Text: "Mitochondria"}}, CorrectAnswer: "A"},
	} {
		if _, err := s.InsertQuestion(ctx, q); err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
	}
	qs, err := s.ListQuestions(ctx, aID)
	if err != nil {
		t.Fatalf("ListQuestions: %v", err)
	}
	if len(qs) != 2 || qs[0].Text != "early" {
		t.Fatalf("unexpected order: %+v", qs)
	}
	if len(qs[0].Options) != 1 || qs[0].Options[0].Text != "Mitochondria" {
		t.Errorf("options not decoded: %+v", qs[0].Options)
	}
	if qs[1].Options == nil || len(qs[1].Options) != 0 {
		t.Errorf("expected empty options for essay, got %v", qs[1].Options)
	}

	if _, err := s.GetQuestion(ctx, 9999); !model.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestAttemptStatusGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	aID, _ := insertTestAssessment(t, s, subjectID, nil, 1, 1)

	id, err := s.CreateAttempt(ctx, model.Attempt{UserID: uid, AssessmentID: aID, TotalMarks: 2, StartedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	a, err := s.GetAttempt(ctx, id)
	if err != nil {
		t.Fatalf("GetAttempt: %v", err)
	}
	if a.Status != model.StatusInProgress || a.CompletedAt != nil {
		t.Fatalf("unexpected new attempt %+v", a)
	}

	if ok, err := s.MarkCompleted(ctx, id); err != nil || ok {
		t.Errorf("MarkCompleted on in_progress: ok=%v err=%v", ok, err)
	}

	done := time.Now().UTC()
	a.Score, a.Percentage, a.CompletedAt = 1, 50, &done
	ok, err := s.MarkSubmitted(ctx, a)
	if err != nil || !ok {
		t.Fatalf("MarkSubmitted: ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkSubmitted(ctx, a)
	if err != nil || ok {
		t.Errorf("second MarkSubmitted should not apply: ok=%v err=%v", ok, err)
	}

	a, _ = s.GetAttempt(ctx, id)
	if a.Status != model.StatusSubmitted || a.CompletedAt == nil || a.Percentage != 50 {
		t.Errorf("unexpected submitted attempt %+v", a)
	}

	if ok, err := s.MarkCompleted(ctx, id); err != nil || !ok {
		t.Errorf("MarkCompleted: ok=%v err=%v", ok, err)
	}

	if _, err := s.GetAttempt(ctx, 9999); !model.IsNotFound(err) {
		t.Errorf("expected NotFoundError, got %v", err)
	}
}

func TestDraftsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	aID, qIDs := insertTestAssessment(t, s, subjectID, nil, 10, 5)
	id, _ := s.CreateAttempt(ctx, model.Attempt{UserID: uid, AssessmentID: aID, StartedAt: time.Now().UTC()})

	for _, text := range []string{"first", "second"} {
		if err := s.UpsertDraft(ctx, model.AnswerDraft{AttemptID: id, QuestionID: qIDs[0], Text: text}); err != nil {
			t.Fatalf("UpsertDraft: %v", err)
		}
	}
	drafts, err := s.ListDrafts(ctx, id)
	if err != nil {
		t.Fatalf("ListDrafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Text != "second" {
		t.Fatalf("expected one updated draft, got %+v", drafts)
	}

	if err := s.DeleteDrafts(ctx, id); err != nil {
		t.Fatalf("DeleteDrafts: %v", err)
	}
	drafts, _ = s.ListDrafts(ctx, id)
	if len(drafts) != 0 {
		t.Errorf("expected no drafts, got %d", len(drafts))
	}
}

func TestInTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	aID, qIDs := insertTestAssessment(t, s, subjectID, nil, 1)
	id, _ := s.CreateAttempt(ctx, model.Attempt{UserID: uid, AssessmentID: aID, StartedAt: time.Now().UTC()})

	err := s.InTx(ctx, func(q *Queries) error {
		if _, err := q.InsertAnswer(ctx, model.Answer{AttemptID: id, QuestionID: qIDs[0], Text: "A"}); err != nil {
			return err
		}
		// Duplicate (attempt, question) violates the unique constraint.
		_, err := q.InsertAnswer(ctx, model.Answer{AttemptID: id, QuestionID: qIDs[0], Text: "B"})
		return err
	})
	if err == nil {
		t.Fatal("expected error from duplicate answer")
	}
	answers, err := s.ListAnswers(ctx, id)
	if err != nil {
		t.Fatalf("ListAnswers: %v", err)
	}
	if len(answers) != 0 {
		t.Errorf("expected rollback to leave no answers, got %d", len(answers))
	}
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	other := insertTestUser(t, s, "g-2", "b@example.com")
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	aID, qIDs := insertTestAssessment(t, s, subjectID, nil, 1)

	for _, owner := range []int64{uid, other} {
		if _, err := s.UpsertProgress(ctx, owner, model.ProgressDelta{Subject: "BIO", Topic: "cells", TimeSpentDelta: 5}); err != nil {
			t.Fatalf("UpsertProgress: %v", err)
		}
		if _, err := s.CreateUpload(ctx, model.Upload{UserID: owner, Filename: "x_notes.pdf", OriginalFilename: "notes.pdf", FileType: "pdf", FileSize: 10, Subject: "General", UploadedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("CreateUpload: %v", err)
		}
		if _, err := s.CreateStudySession(ctx, model.StudySession{UserID: owner, Subject: "BIO", Duration: 30}); err != nil {
			t.Fatalf("CreateStudySession: %v", err)
		}
		if err := s.UpsertPushSubscription(ctx, model.PushSubscription{UserID: owner, Endpoint: "https://push.example/1", P256dhKey: "p", AuthKey: "a"}); err != nil {
			t.Fatalf("UpsertPushSubscription: %v", err)
		}
		attemptID, err := s.CreateAttempt(ctx, model.Attempt{UserID: owner, AssessmentID: aID, StartedAt: time.Now().UTC()})
		if err != nil {
			t.Fatalf("CreateAttempt: %v", err)
		}
		if _, err := s.InsertAnswer(ctx, model.Answer{AttemptID: attemptID, QuestionID: qIDs[0], Text: "A"}); err != nil {
			t.Fatalf("InsertAnswer: %v", err)
		}
		if _, err := s.NewLoginSession(ctx, owner); err != nil {
			t.Fatalf("NewLoginSession: %v", err)
		}
	}

	if err := s.DeleteUser(ctx, uid); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	tables := []string{"progress", "uploads", "study_sessions", "push_subscriptions", "assessment_attempts", "auth_sessions"}
	for _, table := range tables {
		t.Run(table, func(t *testing.T) {
			n, err := s.CountRows(ctx, table, uid)
			if err != nil {
				t.Fatalf("CountRows: %v", err)
			}
			if n != 0 {
				t.Errorf("expected no %s rows for deleted user, got %d", table, n)
			}
			n, _ = s.CountRows(ctx, table, other)
			if n != 1 {
				t.Errorf("expected other user's %s row to survive, got %d", table, n)
			}
		})
	}

	var answers int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM answers`).Scan(&answers); err != nil {
		t.Fatalf("count answers: %v", err)
	}
	if answers != 1 {
		t.Errorf("expected 1 remaining answer, got %d", answers)
	}
}

func TestDeleteAssessmentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	aID, _ := insertTestAssessment(t, s, subjectID, nil, 1, 1)
	if _, err := s.CreateAttempt(ctx, model.Attempt{UserID: uid, AssessmentID: aID, StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}

	if err := s.DeleteAssessment(ctx, aID); err != nil {
		t.Fatalf("DeleteAssessment: %v", err)
	}
	qs, _ := s.ListQuestions(ctx, aID)
	if len(qs) != 0 {
		t.Errorf("expected questions to be removed, got %d", len(qs))
	}
	n, _ := s.CountRows(ctx, "assessment_attempts", uid)
	if n != 0 {
		t.Errorf("expected attempts to be removed, got %d", n)
	}
}

func TestDeleteSubjectCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subjectID := insertTestSubject(t, s, "Biologi", "BIO")
	chapterID, _ := s.CreateChapter(ctx, model.Chapter{SubjectID: subjectID, Title: "c", Order: 1, Active: true})
	aID, _ := insertTestAssessment(t, s, subjectID, &chapterID, 1)

	if err := s.DeleteSubject(ctx, subjectID); err != nil {
		t.Fatalf("DeleteSubject: %v", err)
	}
	if _, err := s.GetChapter(ctx, chapterID); !model.IsNotFound(err) {
		t.Errorf("expected chapter to be removed, got %v", err)
	}
	if _, err := s.GetAssessment(ctx, aID); !model.IsNotFound(err) {
		t.Errorf("expected assessment to be removed, got %v", err)
	}
}

func TestUpsertProgressAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")

	done := true
	notDone := false
	score := 80.0

	steps := []struct {
		delta         model.ProgressDelta
		wantTime      int
		wantCompleted bool
		wantScore     float64
	}{
		{model.ProgressDelta{Subject: "BIO", Topic: "cells", TimeSpentDelta: 10}, 10, false, 0},
		{model.ProgressDelta{Subject: "BIO", Topic: "cells", TimeSpentDelta: 5, Score: &score}, 15, false, 80},
		{model.ProgressDelta{Subject: "BIO", Topic: "cells", Completed: &done}, 15, true, 80},
		{model.ProgressDelta{Subject: "BIO", Topic: "cells", Completed: &notDone, TimeSpentDelta: 1}, 16, true, 80},
	}
	for i, step := range steps {
		p, err := s.UpsertProgress(ctx, uid, step.delta)
		if err != nil {
			t.Fatalf("step %d: UpsertProgress: %v", i, err)
		}
		if p.TimeSpent != step.wantTime || p.Completed != step.wantCompleted || p.Score != step.wantScore {
			t.Errorf("step %d: got time=%d completed=%v score=%v", i, p.TimeSpent, p.Completed, p.Score)
		}
	}

	rows, err := s.ListProgress(ctx, uid)
	if err != nil {
		t.Fatalf("ListProgress: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected a single progress row, got %d", len(rows))
	}
}

func TestDashboard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	done := true

	for _, topic := range []string{"cells", "enzymes"} {
		d := model.ProgressDelta{Subject: "BIO", Topic: topic}
		if topic == "cells" {
			d.Completed = &done
		}
		if _, err := s.UpsertProgress(ctx, uid, d); err != nil {
			t.Fatalf("UpsertProgress: %v", err)
		}
	}
	for i := 0; i < 7; i++ {
		if _, err := s.CreateStudySession(ctx, model.StudySession{UserID: uid, Subject: "BIO", Duration: 10}); err != nil {
			t.Fatalf("CreateStudySession: %v", err)
		}
	}

	d, err := s.GetDashboard(ctx, uid)
	if err != nil {
		t.Fatalf("GetDashboard: %v", err)
	}
	if d.TotalStudyTime != 70 {
		t.Errorf("expected 70 minutes, got %d", d.TotalStudyTime)
	}
	if d.CompletedTopics != 1 {
		t.Errorf("expected 1 completed topic, got %d", d.CompletedTopics)
	}
	if len(d.RecentSessions) != 5 {
		t.Errorf("expected 5 recent sessions, got %d", len(d.RecentSessions))
	}
	if len(d.ProgressBySubject) != 1 || d.ProgressBySubject[0].TotalTopics != 2 || d.ProgressBySubject[0].CompletedTopics != 1 {
		t.Errorf("unexpected progress by subject %+v", d.ProgressBySubject)
	}
}

func TestPushSubscriptions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	sub := model.PushSubscription{UserID: uid, Endpoint: "https://push.example/abc", P256dhKey: "p1", AuthKey: "a1"}

	if err := s.UpsertPushSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertPushSubscription: %v", err)
	}
	ok, err := s.DeactivatePushSubscription(ctx, uid, sub.Endpoint)
	if err != nil || !ok {
		t.Fatalf("DeactivatePushSubscription: ok=%v err=%v", ok, err)
	}
	subs, _ := s.ListActivePushSubscriptions(ctx, uid)
	if len(subs) != 0 {
		t.Errorf("expected no active subscriptions, got %d", len(subs))
	}

	// Re-subscribing reactivates and refreshes keys.
	sub.P256dhKey = "p2"
	if err := s.UpsertPushSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertPushSubscription again: %v", err)
	}
	subs, _ = s.ListActivePushSubscriptions(ctx, uid)
	if len(subs) != 1 || subs[0].P256dhKey != "p2" {
		t.Errorf("expected one refreshed subscription, got %+v", subs)
	}

	ok, _ = s.DeactivatePushSubscription(ctx, uid, "https://push.example/unknown")
	if ok {
		t.Error("expected false for unknown endpoint")
	}
}

func TestImportedFileHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash, err := s.GetImportedFileHash(ctx, "catalog.json")
	if err != nil {
		t.Fatalf("GetImportedFileHash: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash, got %q", hash)
	}
	for _, h := range []string{"abc", "def"} {
		if err := s.SetImportedFileHash(ctx, "catalog.json", h); err != nil {
			t.Fatalf("SetImportedFileHash: %v", err)
		}
	}
	hash, _ = s.GetImportedFileHash(ctx, "catalog.json")
	if hash != "def" {
		t.Errorf("expected def, got %q", hash)
	}
}

func TestExportAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	uid := insertTestUser(t, s, "g-1", "a@example.com")
	bio := insertTestSubject(t, s, "Biologi", "BIO")
	kim := insertTestSubject(t, s, "Kimia", "KIM")
	bioQuiz, bioQs := insertTestAssessment(t, s, bio, nil, 1)
	kimQuiz, _ := insertTestAssessment(t, s, kim, nil, 1)

	for _, aID := range []int64{bioQuiz, bioQuiz, kimQuiz} {
		if _, err := s.CreateAttempt(ctx, model.Attempt{UserID: uid, AssessmentID: aID, StartedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("CreateAttempt: %v", err)
		}
	}
	if _, err := s.InsertAnswer(ctx, model.Answer{AttemptID: 1, QuestionID: bioQs[0], Text: "A", IsCorrect: true, MarksObtained: 1, Graded: true}); err != nil {
		t.Fatalf("InsertAnswer: %v", err)
	}

	all, err := s.ExportAttempts(ctx, "")
	if err != nil {
		t.Fatalf("ExportAttempts: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 results, got %d", len(all))
	}
	if all[1].AttemptNumber != 2 {
		t.Errorf("expected second bio attempt to be number 2, got %d", all[1].AttemptNumber)
	}
	if !all[0].Questions[0].IsCorrect || all[0].Email != "a@example.com" {
		t.Errorf("unexpected first result %+v", all[0])
	}

	bioOnly, err := s.ExportAttempts(ctx, "BIO")
	if err != nil {
		t.Fatalf("ExportAttempts BIO: %v", err)
	}
	if len(bioOnly) != 2 {
		t.Errorf("expected 2 bio results, got %d", len(bioOnly))
	}
}
