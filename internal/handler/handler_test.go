package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/cikgu/cikgu/internal/assessment"
	"github.com/cikgu/cikgu/internal/catalog"
	"github.com/cikgu/cikgu/internal/grading"
	"github.com/cikgu/cikgu/internal/i18n"
	"github.com/cikgu/cikgu/internal/identity"
	"github.com/cikgu/cikgu/internal/metrics"
	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/notify"
	"github.com/cikgu/cikgu/internal/store"
	"github.com/cikgu/cikgu/internal/upload"
)

const testCSRF = "csrf-test-token"

type testEnv struct {
	t       *testing.T
	store   *store.Store
	engine  *assessment.Engine
	metrics *metrics.Metrics
	router  http.Handler

	mcq     model.AssessmentSummary
	written model.AssessmentSummary
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type envOption func(*Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	if err := i18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	ctx := context.Background()
	s := newTestStore(t)
	if _, err := catalog.Seed(ctx, s); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	m := metrics.New()
	eng := assessment.New(s, assessment.Options{})
	d := Deps{
		Store:   s,
		Engine:  eng,
		States:  identity.NewStateSigner([]byte("test-secret")),
		Notify:  notify.New(s, notify.Config{}, m),
		Uploads: upload.New(afero.NewMemMapFs(), s),
		Metrics: m,
	}
	for _, o := range opts {
		o(&d)
	}
	h, err := New(d, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bio, err := s.GetSubjectByCode(ctx, "BIO")
	if err != nil {
		t.Fatalf("GetSubjectByCode: %v", err)
	}
	chapters, err := s.ListChapters(ctx, bio.ID)
	if err != nil {
		t.Fatalf("ListChapters: %v", err)
	}
	list, err := s.ListAssessments(ctx, bio.ID, &chapters[0].ID)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListAssessments: %v (%d)", err, len(list))
	}
	return &testEnv{t: t, store: s, engine: eng, metrics: m, router: h.Router(), mcq: list[0], written: list[1]}
}

func (e *testEnv) user(role model.UserRole, email string) *model.User {
	e.t.Helper()
	id, err := e.store.CreateUser(context.Background(), model.User{Email: email, Name: email, Role: role, Active: true})
	if err != nil {
		e.t.Fatalf("CreateUser: %v", err)
	}
	u, err := e.store.GetUserByID(context.Background(), id)
	if err != nil || u == nil {
		e.t.Fatalf("GetUserByID: %v", err)
	}
	return u
}

func (e *testEnv) questions(a model.AssessmentSummary) []model.Question {
	e.t.Helper()
	qs, err := e.store.ListQuestions(context.Background(), a.ID)
	if err != nil {
		e.t.Fatalf("ListQuestions: %v", err)
	}
	return qs
}

func (e *testEnv) request(method, target string, body io.Reader, contentType string, u *model.User) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: testCSRF})
	if method != http.MethodGet {
		req.Header.Set(csrfHeaderName, testCSRF)
	}
	if u != nil {
		token, err := e.store.NewLoginSession(context.Background(), u.ID)
		if err != nil {
			e.t.Fatalf("NewLoginSession: %v", err)
		}
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(target string, u *model.User) *httptest.ResponseRecorder {
	return e.request(http.MethodGet, target, nil, "", u)
}

func (e *testEnv) postJSON(target string, payload any, u *model.User) *httptest.ResponseRecorder {
	e.t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		e.t.Fatalf("Marshal: %v", err)
	}
	return e.request(http.MethodPost, target, bytes.NewReader(b), "application/json", u)
}

func (e *testEnv) postForm(target string, form url.Values, u *model.User) *httptest.ResponseRecorder {
	return e.request(http.MethodPost, target, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", u)
}

func decodeAPI(t *testing.T, rec *httptest.ResponseRecorder) apiResponse {
	t.Helper()
	var resp apiResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Deps{}, Config{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	rec := e.get("/healthz", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	rec := e.get("/dashboard", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/login" {
		t.Errorf("dashboard without session = %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = e.postJSON("/api/attempts", map[string]any{"assessment_id": e.mcq.ID}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("api without session = %d, want 401", rec.Code)
	}
	if resp := decodeAPI(t, rec); resp.Success || resp.Error == "" {
		t.Errorf("unexpected body %+v", resp)
	}

	student := e.user(model.UserRoleStudent, "murid@example.com")
	if rec := e.get("/dashboard", student); rec.Code != http.StatusOK {
		t.Errorf("dashboard with session = %d", rec.Code)
	}
}

func TestCSRF(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")
	token, err := e.store.NewLoginSession(context.Background(), student.ID)
	if err != nil {
		t.Fatalf("NewLoginSession: %v", err)
	}

	tests := []struct {
		name   string
		cookie string
		header string
	}{
		{"no cookie", "", testCSRF},
		{"no token", testCSRF, ""},
		{"mismatch", testCSRF, "other-token-value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/attempts", strings.NewReader(`{"assessment_id":1}`))
			req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: token})
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			rec := httptest.NewRecorder()
			e.router.ServeHTTP(rec, req)
			if rec.Code != http.StatusForbidden {
				t.Errorf("status = %d, want 403", rec.Code)
			}
		})
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login", nil))
	if !strings.Contains(rec.Header().Get("Set-Cookie"), csrfCookieName+"=") {
		t.Error("GET without csrf cookie should issue one")
	}
}

func TestSubmitMCQ(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")
	qs := e.questions(e.mcq)

	rec := e.postJSON("/api/submit-mcq", map[string]any{
		"assessment_id": e.mcq.ID,
		"answers": []map[string]any{
			{"question_id": qs[0].ID, "answer": "B"},
			{"question_id": qs[1].ID, "answer": "A"},
		},
	}, student)
	if rec.Code != http.StatusOK {
		t.Fatalf("submit = %d %s", rec.Code, rec.Body.String())
	}
	resp := decodeAPI(t, rec)
	if !resp.Success || resp.AttemptID == 0 || resp.Status != model.StatusSubmitted {
		t.Fatalf("unexpected response %+v", resp)
	}
	if *resp.Score != 1 || *resp.TotalMarks != 3 {
		t.Errorf("score = %v/%v, want 1/3", *resp.Score, *resp.TotalMarks)
	}
	if p := *resp.Percentage; p < 33.3 || p > 33.4 {
		t.Errorf("percentage = %v", p)
	}
	if got := testutil.ToFloat64(e.metrics.AttemptsSubmitted); got != 1 {
		t.Errorf("attempts submitted metric = %v", got)
	}

	progress, err := e.store.ListProgress(context.Background(), student.ID)
	if err != nil || len(progress) != 1 || progress[0].Topic != e.mcq.Title {
		t.Errorf("submission should record progress, got %+v (%v)", progress, err)
	}

	rec = e.postJSON("/api/submit-mcq", map[string]any{
		"attempt_id": resp.AttemptID,
		"answers":    []map[string]any{{"question_id": qs[2].ID, "answer": "B"}},
	}, student)
	if rec.Code != http.StatusConflict {
		t.Errorf("second submit = %d, want 409", rec.Code)
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")
	other := e.user(model.UserRoleStudent, "lain@example.com")
	foreign := e.questions(e.written)[0]

	tests := []struct {
		name    string
		payload any
		user    *model.User
		want    int
	}{
		{"no assessment or attempt", map[string]any{"answers": []any{}}, student, http.StatusBadRequest},
		{"malformed json", "not an object", student, http.StatusBadRequest},
		{"question of another assessment", map[string]any{
			"assessment_id": e.mcq.ID,
			"answers":       []map[string]any{{"question_id": foreign.ID, "answer": "x"}},
		}, student, http.StatusBadRequest},
		{"unknown assessment", map[string]any{"assessment_id": 9999, "answers": []any{}}, student, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.postJSON("/api/submit-subjective", tt.payload, tt.user)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	n, err := e.store.CountRows(context.Background(), "assessment_attempts", student.ID)
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected submissions left %d attempts behind", n)
	}
	if got := testutil.ToFloat64(e.metrics.AttemptsStarted); got != 0 {
		t.Errorf("attempts started metric = %v, want 0", got)
	}

	a, err := e.engine.StartAttempt(context.Background(), student.ID, e.written.ID)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	rec := e.postJSON("/api/save-subjective-draft", map[string]any{
		"attempt_id": a.ID,
		"answers":    []map[string]any{{"question_id": foreign.ID, "answer": "bukan milik saya"}},
	}, other)
	if rec.Code != http.StatusNotFound {
		t.Errorf("draft on someone else's attempt = %d, want 404", rec.Code)
	}
}

func TestAttemptFormFlow(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")
	qs := e.questions(e.written)

	rec := e.postForm("/assessments/"+strconv.FormatInt(e.written.ID, 10), url.Values{}, student)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("start = %d %s", rec.Code, rec.Body.String())
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/attempts/") {
		t.Fatalf("unexpected redirect %q", loc)
	}
	attemptID, err := strconv.ParseInt(strings.TrimPrefix(loc, "/attempts/"), 10, 64)
	if err != nil {
		t.Fatalf("parse attempt id: %v", err)
	}

	field := "q_" + strconv.FormatInt(qs[0].ID, 10)
	rec = e.postForm(loc+"/draft", url.Values{field: {"Air ialah pelarut universal"}}, student)
	if rec.Code != http.StatusSeeOther || !strings.Contains(rec.Header().Get("Location"), "msg=DraftSaved") {
		t.Fatalf("draft = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	rec = e.get(loc+"?msg=DraftSaved", student)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Air ialah pelarut universal") {
		t.Errorf("take page should show the draft: %d", rec.Code)
	}
	a, _ := e.engine.Attempt(context.Background(), attemptID)
	if a.Status != model.StatusInProgress || a.Score != 0 {
		t.Errorf("draft changed the attempt: %+v", a)
	}

	rec = e.postForm(loc+"/submit", url.Values{
		field: {"Air ialah pelarut universal"},
		"q_" + strconv.FormatInt(qs[3].ID, 10): {"Biologi membantu dalam kesihatan."},
	}, student)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("submit = %d %s", rec.Code, rec.Body.String())
	}
	a, _ = e.engine.Attempt(context.Background(), attemptID)
	if a.Status != model.StatusSubmitted || a.TotalMarks != 60 {
		t.Errorf("unexpected attempt after submit %+v", a)
	}
	drafts, _ := e.engine.Drafts(context.Background(), attemptID)
	if len(drafts) != 0 {
		t.Errorf("drafts should be cleared on submit, have %d", len(drafts))
	}

	rec = e.get(loc, student)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "waiting to be graded") {
		t.Errorf("result page should note pending grading")
	}

	other := e.user(model.UserRoleStudent, "lain@example.com")
	if rec := e.get(loc, other); rec.Code != http.StatusNotFound {
		t.Errorf("other student viewing attempt = %d, want 404", rec.Code)
	}
}

func TestReviewFlow(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")
	teacher := e.user(model.UserRoleTeacher, "cikgu@example.com")
	ctx := context.Background()
	qs := e.questions(e.written)

	a, err := e.engine.StartAttempt(ctx, student.ID, e.written.ID)
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if _, err := e.engine.SubmitAnswers(ctx, a.ID, []model.SubmittedAnswer{
		{QuestionID: qs[0].ID, Text: "jawapan satu"},
		{QuestionID: qs[1].ID, Text: "jawapan dua"},
	}); err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}
	base := "/review/" + strconv.FormatInt(a.ID, 10)

	if rec := e.get("/review", student); rec.Code != http.StatusForbidden {
		t.Errorf("student on review list = %d, want 403", rec.Code)
	}
	rec := e.get("/review", teacher)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), e.written.Title) {
		t.Errorf("review list = %d, missing attempt", rec.Code)
	}

	grade := func(q model.Question, marks string) *httptest.ResponseRecorder {
		return e.postForm(base+"/grade/"+strconv.FormatInt(q.ID, 10), url.Values{"marks": {marks}, "feedback": {"Baik"}}, teacher)
	}
	if rec := grade(qs[0], "11"); rec.Code != http.StatusBadRequest {
		t.Errorf("marks above the question maximum = %d, want 400", rec.Code)
	}
	if rec := grade(qs[0], "8"); rec.Code != http.StatusSeeOther {
		t.Fatalf("grade = %d %s", rec.Code, rec.Body.String())
	}

	if rec := e.postForm(base+"/finalize", url.Values{}, teacher); rec.Code != http.StatusConflict {
		t.Errorf("finalize with ungraded answers = %d, want 409", rec.Code)
	}
	if rec := grade(qs[1], "5"); rec.Code != http.StatusSeeOther {
		t.Fatalf("grade = %d", rec.Code)
	}
	if rec := e.postForm(base+"/finalize", url.Values{}, teacher); rec.Code != http.StatusSeeOther {
		t.Fatalf("finalize = %d %s", rec.Code, rec.Body.String())
	}

	got, _ := e.engine.Attempt(ctx, a.ID)
	if got.Status != model.StatusCompleted || got.Score != 13 {
		t.Errorf("unexpected attempt %+v", got)
	}
	if n := testutil.ToFloat64(e.metrics.AnswersGraded.WithLabelValues("manual")); n != 2 {
		t.Errorf("manual grades metric = %v, want 2", n)
	}
}

type fixedGrader struct{ score float64 }

func (g fixedGrader) Grade(_ context.Context, in grading.GradeInput) (grading.Result, error) {
	return grading.Result{Score: g.score, Feedback: "auto " + in.Subject}, nil
}

func TestAutoGrade(t *testing.T) {
	ctx := context.Background()

	e := newTestEnv(t)
	teacher := e.user(model.UserRoleTeacher, "cikgu@example.com")
	if rec := e.postForm("/review/auto-grade", url.Values{}, teacher); rec.Code != http.StatusBadRequest {
		t.Errorf("auto-grade without grader = %d, want 400", rec.Code)
	}

	e = newTestEnv(t, func(d *Deps) { d.Grader = fixedGrader{score: 4} })
	student := e.user(model.UserRoleStudent, "murid@example.com")
	teacher = e.user(model.UserRoleTeacher, "cikgu@example.com")
	qs := e.questions(e.written)
	a, _ := e.engine.StartAttempt(ctx, student.ID, e.written.ID)
	if _, err := e.engine.SubmitAnswers(ctx, a.ID, []model.SubmittedAnswer{
		{QuestionID: qs[0].ID, Text: "satu"},
		{QuestionID: qs[1].ID, Text: "dua"},
	}); err != nil {
		t.Fatalf("SubmitAnswers: %v", err)
	}

	rec := e.postForm("/review/auto-grade", url.Values{}, teacher)
	if rec.Code != http.StatusOK {
		t.Fatalf("auto-grade = %d %s", rec.Code, rec.Body.String())
	}
	got, _ := e.engine.Attempt(ctx, a.ID)
	if got.Status != model.StatusCompleted || got.Score != 8 {
		t.Errorf("unexpected attempt after auto-grade %+v", got)
	}
	if n := testutil.ToFloat64(e.metrics.AnswersGraded.WithLabelValues("llm")); n != 2 {
		t.Errorf("llm grades metric = %v, want 2", n)
	}
}

func TestProgressAndStudySessions(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")

	for i := 0; i < 2; i++ {
		rec := e.postJSON("/api/progress", map[string]any{
			"subject": "Biologi", "topic": "Sel", "time_spent_delta": 15,
		}, student)
		if rec.Code != http.StatusOK {
			t.Fatalf("progress = %d %s", rec.Code, rec.Body.String())
		}
	}
	rec := e.postJSON("/api/progress", map[string]any{
		"subject": "Biologi", "topic": "Sel", "completed": true, "score": 80, "time_spent_delta": 0,
	}, student)
	if resp := decodeAPI(t, rec); !resp.Success || resp.Message == "" {
		t.Errorf("unexpected progress response %+v", resp)
	}
	progress, _ := e.store.ListProgress(context.Background(), student.ID)
	if len(progress) != 1 || progress[0].TimeSpent != 30 || !progress[0].Completed || progress[0].Score != 80 {
		t.Errorf("unexpected progress %+v", progress)
	}

	if rec := e.postJSON("/api/progress", map[string]any{"subject": "Biologi"}, student); rec.Code != http.StatusBadRequest {
		t.Errorf("progress without topic = %d, want 400", rec.Code)
	}

	rec = e.postJSON("/api/study-sessions", map[string]any{"subject": "Kimia", "duration": 45}, student)
	if resp := decodeAPI(t, rec); rec.Code != http.StatusOK || resp.ID == 0 {
		t.Errorf("study session = %d %+v", rec.Code, resp)
	}
	rec = e.postForm("/dashboard/study-sessions", url.Values{"subject": {"Fizik"}, "duration": {"30"}}, student)
	if rec.Code != http.StatusSeeOther {
		t.Errorf("study session form = %d", rec.Code)
	}
	d, _ := e.store.GetDashboard(context.Background(), student.ID)
	if d.TotalStudyTime != 75 || len(d.RecentSessions) != 2 {
		t.Errorf("unexpected dashboard %+v", d)
	}
}

func TestPushEndpoints(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")

	rec := e.get("/api/push/vapid-public-key", student)
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "error") {
		t.Errorf("vapid key without config = %d %s", rec.Code, rec.Body.String())
	}

	rec = e.postJSON("/api/push/subscribe", map[string]any{"endpoint": "https://push.example.com/abc"}, student)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("subscribe without keys = %d, want 400", rec.Code)
	}
	rec = e.postJSON("/api/push/subscribe", map[string]any{
		"endpoint":       "https://push.example.com/abc",
		"expirationTime": nil,
		"keys":           map[string]string{"p256dh": "key", "auth": "secret"},
	}, student)
	if rec.Code != http.StatusOK {
		t.Errorf("subscribe = %d %s", rec.Code, rec.Body.String())
	}
	if rec := e.postJSON("/api/push/unsubscribe", map[string]any{"endpoint": "https://push.example.com/abc"}, student); rec.Code != http.StatusOK {
		t.Errorf("unsubscribe = %d", rec.Code)
	}
	if rec := e.postJSON("/api/push/unsubscribe", map[string]any{"endpoint": "https://push.example.com/none"}, student); rec.Code != http.StatusNotFound {
		t.Errorf("unsubscribe unknown = %d, want 404", rec.Code)
	}
}

func TestLocalLogin(t *testing.T) {
	e := newTestEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("rahsia123"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if _, err := e.store.CreateUser(context.Background(), model.User{
		Email: "admin@example.com", Name: "Admin", Role: model.UserRoleAdmin, PasswordHash: string(hash), Active: true,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	tests := []struct {
		name     string
		email    string
		password string
		want     int
	}{
		{"valid", "admin@example.com", "rahsia123", http.StatusSeeOther},
		{"wrong password", "admin@example.com", "salah", http.StatusUnauthorized},
		{"unknown user", "tiada@example.com", "rahsia123", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.postForm("/login", url.Values{"email": {tt.email}, "password": {tt.password}}, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			gotSession := strings.Contains(strings.Join(rec.Header().Values("Set-Cookie"), ";"), sessionCookieName+"=")
			if gotSession != (tt.want == http.StatusSeeOther) {
				t.Errorf("session cookie set = %v", gotSession)
			}
		})
	}
	if n := testutil.ToFloat64(e.metrics.Logins.WithLabelValues("local", "failed")); n != 2 {
		t.Errorf("failed local logins = %v, want 2", n)
	}
}

func fakeGoogle(t *testing.T) (*httptest.Server, identity.Config) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "access-123", "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(identity.Profile{Sub: "g-42", Email: "aisyah@example.com", EmailVerified: true, Name: "Aisyah"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, identity.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/callback",
		UserInfoURL:  srv.URL + "/userinfo",
		Endpoint: &oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func TestGoogleLogin(t *testing.T) {
	_, cfg := fakeGoogle(t)
	e := newTestEnv(t, func(d *Deps) { d.Identity = identity.NewProvider(cfg) })

	rec := e.get("/auth/google", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("auth/google = %d", rec.Code)
	}
	authURL, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	state := authURL.Query().Get("state")
	var nonce string
	for _, c := range rec.Result().Cookies() {
		if c.Name == nonceCookieName {
			nonce = c.Value
		}
	}
	if state == "" || nonce == "" {
		t.Fatalf("missing state %q or nonce %q", state, nonce)
	}

	callback := func(nonce string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/callback?code=abc&state="+url.QueryEscape(state), nil)
		req.AddCookie(&http.Cookie{Name: nonceCookieName, Value: nonce})
		rec := httptest.NewRecorder()
		e.router.ServeHTTP(rec, req)
		return rec
	}

	if rec := callback("wrong-nonce"); rec.Code != http.StatusUnauthorized {
		t.Errorf("callback with wrong nonce = %d, want 401", rec.Code)
	}

	rec = callback(nonce)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/dashboard" {
		t.Fatalf("callback = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	u, err := e.store.GetUserByGoogleID(context.Background(), "g-42")
	if err != nil || u == nil || u.Role != model.UserRoleStudent {
		t.Fatalf("expected new student account, got %+v (%v)", u, err)
	}
	if n := testutil.ToFloat64(e.metrics.Logins.WithLabelValues("google", "ok")); n != 1 {
		t.Errorf("google logins = %v, want 1", n)
	}
}

func TestGoogleLoginDisabled(t *testing.T) {
	e := newTestEnv(t)
	if rec := e.get("/auth/google", nil); rec.Code != http.StatusNotFound {
		t.Errorf("auth/google without provider = %d, want 404", rec.Code)
	}
	if rec := e.get("/login", nil); strings.Contains(rec.Body.String(), "/auth/google") {
		t.Error("login page should hide google sign-in")
	}
}

func TestAdminUsers(t *testing.T) {
	e := newTestEnv(t)
	admin := e.user(model.UserRoleAdmin, "admin@example.com")
	teacher := e.user(model.UserRoleTeacher, "cikgu@example.com")
	student := e.user(model.UserRoleStudent, "murid@example.com")
	ctx := context.Background()

	if rec := e.get("/admin/users", teacher); rec.Code != http.StatusForbidden {
		t.Errorf("teacher on admin page = %d, want 403", rec.Code)
	}
	if rec := e.get("/admin/users", admin); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "murid@example.com") {
		t.Errorf("admin users page = %d", rec.Code)
	}

	self := "/admin/users/" + strconv.FormatInt(admin.ID, 10)
	if rec := e.postForm(self+"/toggle", url.Values{}, admin); rec.Code != http.StatusBadRequest {
		t.Errorf("toggling own account = %d, want 400", rec.Code)
	}

	target := "/admin/users/" + strconv.FormatInt(student.ID, 10)
	if rec := e.postForm(target+"/role", url.Values{"role": {"teacher"}}, admin); rec.Code != http.StatusSeeOther {
		t.Errorf("set role = %d", rec.Code)
	}
	if rec := e.postForm(target+"/role", url.Values{"role": {"principal"}}, admin); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid role = %d, want 400", rec.Code)
	}
	if _, err := e.store.NewLoginSession(ctx, student.ID); err != nil {
		t.Fatalf("NewLoginSession: %v", err)
	}
	if rec := e.postForm(target+"/toggle", url.Values{}, admin); rec.Code != http.StatusSeeOther {
		t.Errorf("toggle = %d", rec.Code)
	}
	if n, _ := e.store.CountRows(ctx, "auth_sessions", student.ID); n != 0 {
		t.Errorf("deactivated user still has %d logins", n)
	}
	u, _ := e.store.GetUserByID(ctx, student.ID)
	if u.Role != model.UserRoleTeacher || u.Active {
		t.Errorf("unexpected user after admin changes %+v", u)
	}
	if rec := e.get("/dashboard", u); rec.Code != http.StatusSeeOther {
		t.Errorf("inactive user should be sent to login, got %d", rec.Code)
	}

	if rec := e.postForm(target+"/delete", url.Values{}, admin); rec.Code != http.StatusSeeOther {
		t.Errorf("delete = %d", rec.Code)
	}
	if u, _ := e.store.GetUserByID(ctx, student.ID); u != nil {
		t.Error("user should be deleted")
	}
}

func multipartBody(t *testing.T, field, filename string, content []byte, extra map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range extra {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write(content)
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestCatalogUpload(t *testing.T) {
	e := newTestEnv(t)
	admin := e.user(model.UserRoleAdmin, "admin@example.com")
	content := []byte(`{"subjects":[{"name":"Sejarah","code":"SEJ","assessments":[
		{"title":"Kemerdekaan","question_type":"true_false","questions":[{"question_text":"Malaysia merdeka pada 1957.","correct_answer":"True"}]}]}]}`)

	body, ct := multipartBody(t, "catalog_file", "sejarah.json", content, nil)
	rec := e.request(http.MethodPost, "/admin/catalog", body, ct, admin)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "1 subjects") {
		t.Fatalf("catalog upload = %d %s", rec.Code, rec.Body.String())
	}
	if _, err := e.store.GetSubjectByCode(context.Background(), "SEJ"); err != nil {
		t.Errorf("imported subject missing: %v", err)
	}

	body, ct = multipartBody(t, "catalog_file", "rosak.json", []byte(`{"subjects":[{"name":"X"}]}`), nil)
	if rec := e.request(http.MethodPost, "/admin/catalog", body, ct, admin); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid catalog = %d, want 400", rec.Code)
	}
}

func TestAdminCatalog(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	admin := e.user(model.UserRoleAdmin, "admin@example.com")
	student := e.user(model.UserRoleStudent, "murid@example.com")

	if rec := e.get("/admin/catalog", student); rec.Code != http.StatusForbidden {
		t.Errorf("student catalog page = %d, want 403", rec.Code)
	}
	rec := e.get("/admin/catalog", admin)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), e.mcq.Title) {
		t.Fatalf("catalog page = %d", rec.Code)
	}

	mcqPath := "/admin/assessments/" + strconv.FormatInt(e.mcq.ID, 10)
	if rec := e.postForm(mcqPath+"/toggle", url.Values{}, admin); rec.Code != http.StatusSeeOther {
		t.Fatalf("toggle = %d", rec.Code)
	}
	rec = e.postJSON("/api/attempts", map[string]any{"assessment_id": e.mcq.ID}, student)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("start on inactive assessment = %d, want 400", rec.Code)
	}
	if rec := e.get("/admin/catalog", admin); !strings.Contains(rec.Body.String(), e.mcq.Title) {
		t.Error("inactive assessment should still be listed for admins")
	}

	writtenPath := "/admin/assessments/" + strconv.FormatInt(e.written.ID, 10)
	if rec := e.postForm(writtenPath+"/delete", url.Values{}, admin); rec.Code != http.StatusSeeOther {
		t.Fatalf("delete assessment = %d", rec.Code)
	}
	if _, err := e.store.GetAssessment(ctx, e.written.ID); !model.IsNotFound(err) {
		t.Errorf("expected deleted assessment to be gone, got %v", err)
	}
	if rec := e.postForm(writtenPath+"/delete", url.Values{}, admin); rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rec.Code)
	}

	bio, _ := e.store.GetSubjectByCode(ctx, "BIO")
	if rec := e.postForm("/admin/subjects/"+strconv.FormatInt(bio.ID, 10)+"/delete", url.Values{}, admin); rec.Code != http.StatusSeeOther {
		t.Fatalf("delete subject = %d", rec.Code)
	}
	if _, err := e.store.GetSubjectByCode(ctx, "BIO"); !model.IsNotFound(err) {
		t.Errorf("expected subject to be gone, got %v", err)
	}
}

func TestUpload(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")

	body, ct := multipartBody(t, "file", "nota sel.pdf", []byte("%PDF-1.4"), map[string]string{"subject": "Biologi"})
	rec := e.request(http.MethodPost, "/upload", body, ct, student)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("upload = %d %s", rec.Code, rec.Body.String())
	}
	uploads, _ := e.store.ListUploads(context.Background(), student.ID, 0)
	if len(uploads) != 1 || uploads[0].Subject != "Biologi" || uploads[0].FileType != "pdf" {
		t.Errorf("unexpected uploads %+v", uploads)
	}

	body, ct = multipartBody(t, "file", "virus.exe", []byte("MZ"), nil)
	if rec := e.request(http.MethodPost, "/upload", body, ct, student); rec.Code != http.StatusBadRequest {
		t.Errorf("disallowed extension = %d, want 400", rec.Code)
	}
	if n := testutil.ToFloat64(e.metrics.Uploads.WithLabelValues("rejected")); n != 1 {
		t.Errorf("rejected uploads = %v, want 1", n)
	}
}

func TestContentPages(t *testing.T) {
	e := newTestEnv(t)
	student := e.user(model.UserRoleStudent, "murid@example.com")
	ctx := context.Background()
	bio, _ := e.store.GetSubjectByCode(ctx, "BIO")
	chapters, _ := e.store.ListChapters(ctx, bio.ID)

	tests := []struct {
		target string
		want   int
		text   string
	}{
		{"/", http.StatusOK, "Biologi"},
		{"/subjects", http.StatusOK, "Kimia"},
		{"/subjects/BIO", http.StatusOK, chapters[1].Title},
		{"/subjects/BIO/chapters/" + strconv.FormatInt(chapters[0].ID, 10), http.StatusOK, e.mcq.Title},
		{"/subjects/KIM/chapters/" + strconv.FormatInt(chapters[0].ID, 10), http.StatusNotFound, ""},
		{"/subjects/XYZ", http.StatusNotFound, ""},
		{"/assessments/" + strconv.FormatInt(e.written.ID, 10), http.StatusOK, e.written.Title},
		{"/assessments/abc", http.StatusBadRequest, ""},
		{"/progress", http.StatusOK, chapters[0].Title},
		{"/about", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := e.get(tt.target, student)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.text != "" && !strings.Contains(rec.Body.String(), tt.text) {
				t.Errorf("body missing %q", tt.text)
			}
		})
	}
}
