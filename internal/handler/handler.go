package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cikgu/cikgu/internal/assessment"
	"github.com/cikgu/cikgu/internal/grading"
	"github.com/cikgu/cikgu/internal/handler/views"
	"github.com/cikgu/cikgu/internal/i18n"
	"github.com/cikgu/cikgu/internal/identity"
	"github.com/cikgu/cikgu/internal/metrics"
	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/notify"
	"github.com/cikgu/cikgu/internal/store"
	"github.com/cikgu/cikgu/internal/upload"
)

// Config holds HTTP-level settings.
type Config struct {
	SecureCookies bool
}

// Deps are the services the handlers call into. Identity and Grader may be
// nil, which disables Google sign-in and auto-grading respectively.
type Deps struct {
	Store    *store.Store
	Engine   *assessment.Engine
	Identity *identity.Provider
	States   *identity.StateSigner
	Notify   *notify.Service
	Uploads  *upload.Service
	Grader   grading.Grader
	Metrics  *metrics.Metrics
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	engine   *assessment.Engine
	identity *identity.Provider
	states   *identity.StateSigner
	notify   *notify.Service
	uploads  *upload.Service
	grader   grading.Grader
	metrics  *metrics.Metrics
	config   Config
}

// New creates a new Handler.
func New(d Deps, cfg Config) (*Handler, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("handler: store is required")
	case d.Engine == nil:
		return nil, errors.New("handler: engine is required")
	case d.States == nil:
		return nil, errors.New("handler: state signer is required")
	case d.Notify == nil:
		return nil, errors.New("handler: notify service is required")
	case d.Uploads == nil:
		return nil, errors.New("handler: upload service is required")
	case d.Metrics == nil:
		return nil, errors.New("handler: metrics are required")
	}
	return &Handler{
		store:    d.Store,
		engine:   d.Engine,
		identity: d.Identity,
		states:   d.States,
		notify:   d.Notify,
		uploads:  d.Uploads,
		grader:   d.Grader,
		metrics:  d.Metrics,
		config:   cfg,
	}, nil
}

// Router returns the complete HTTP handler with global middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.metrics.Middleware)
	r.Use(i18n.Middleware)
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(h.csrfMiddleware)
		r.Use(h.loadUser)

		r.Get("/", h.handleIndex)
		r.Get("/about", h.handleAbout)
		r.Get("/login", h.handleLoginPage)
		r.Post("/login", h.handleLogin)
		r.Get("/auth/google", h.handleGoogleLogin)
		r.Get("/callback", h.handleCallback)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Get("/dashboard", h.handleDashboard)
			r.Post("/dashboard/study-sessions", h.handleStudySessionForm)
			r.Get("/subjects", h.handleSubjects)
			r.Get("/subjects/{code}", h.handleSubject)
			r.Get("/subjects/{code}/chapters/{chapterID}", h.handleChapter)
			r.Get("/assessments/{id}", h.handleAssessmentPage)
			r.Post("/assessments/{id}", h.handleStartAttempt)
			r.Get("/attempts/{id}", h.handleAttemptPage)
			r.Post("/attempts/{id}/submit", h.handleSubmitForm)
			r.Post("/attempts/{id}/draft", h.handleDraftForm)
			r.Get("/upload", h.handleUploadPage)
			r.Post("/upload", h.handleUpload)
			r.Get("/progress", h.handleProgress)

			r.Route("/api", h.apiRoutes)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
				r.Get("/review", h.handleReviewList)
				r.Post("/review/auto-grade", h.handleAutoGrade)
				r.Get("/review/{id}", h.handleReviewPage)
				r.Post("/review/{id}/grade/{questionID}", h.handleGradeAnswer)
				r.Post("/review/{id}/finalize", h.handleFinalize)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				r.Get("/admin/users", h.handleAdminUsersPage)
				r.Post("/admin/users/{userID}/toggle", h.handleToggleUserActive)
				r.Post("/admin/users/{userID}/role", h.handleSetUserRole)
				r.Post("/admin/users/{userID}/delete", h.handleDeleteUser)
				r.Get("/admin/catalog", h.handleAdminCatalogPage)
				r.Post("/admin/catalog", h.handleCatalogUpload)
				r.Post("/admin/assessments/{id}/toggle", h.handleToggleAssessment)
				r.Post("/admin/assessments/{id}/delete", h.handleDeleteAssessment)
				r.Post("/admin/subjects/{id}/delete", h.handleDeleteSubject)
			})
		})
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	if err := c.Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case model.IsValidation(err):
		return http.StatusBadRequest
	case model.IsAuthentication(err):
		return http.StatusUnauthorized
	case model.IsNotFound(err):
		return http.StatusNotFound
	case model.IsState(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msgID := "ErrorGeneric"
	switch status {
	case http.StatusNotFound:
		msgID = "ErrorNotFound"
	case http.StatusInternalServerError:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	default:
		slog.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.render(w, r, status, views.ErrorPage(status, msgID))
}

// flashMessages are the message IDs a redirect may carry in ?msg=.
var flashMessages = map[string]bool{
	"Saved":      true,
	"DraftSaved": true,
	"Uploaded":   true,
}

func flash(r *http.Request) string {
	id := r.URL.Query().Get("msg")
	if !flashMessages[id] {
		return ""
	}
	return i18n.T(r.Context(), id)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, model.Validationf("invalid %s %q", name, chi.URLParam(r, name))
	}
	return id, nil
}

func currentUser(r *http.Request) *model.User {
	return model.UserFromContext(r.Context())
}

func isAPI(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/")
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.store.ListSubjects(r.Context())
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list subjects: %w", err))
		return
	}
	h.render(w, r, http.StatusOK, views.IndexPage(subjects))
}

func (h *Handler) handleAbout(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, views.AboutPage())
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	h.renderDashboard(w, r, http.StatusOK, flash(r))
}

func (h *Handler) renderDashboard(w http.ResponseWriter, r *http.Request, status int, msg string) {
	user := currentUser(r)
	d, err := h.store.GetDashboard(r.Context(), user.ID)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("dashboard: %w", err))
		return
	}
	subjects, err := h.store.ListSubjects(r.Context())
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list subjects: %w", err))
		return
	}
	h.render(w, r, status, views.DashboardPage(views.DashboardData{Dashboard: d, Subjects: subjects}, msg))
}

func (h *Handler) handleStudySessionForm(w http.ResponseWriter, r *http.Request) {
	duration, err := strconv.Atoi(r.FormValue("duration"))
	if err != nil {
		h.renderDashboard(w, r, http.StatusBadRequest, i18n.T(r.Context(), "ErrorGeneric"))
		return
	}
	req := studySessionRequest{
		Subject:       r.FormValue("subject"),
		Duration:      duration,
		TopicsCovered: r.FormValue("topics_covered"),
		Notes:         r.FormValue("notes"),
	}
	if _, err := h.createStudySession(r, req); err != nil {
		if model.IsValidation(err) {
			h.renderDashboard(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, "/dashboard?msg=Saved", http.StatusSeeOther)
}

func (h *Handler) handleSubjects(w http.ResponseWriter, r *http.Request) {
	subjects, err := h.store.ListSubjects(r.Context())
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list subjects: %w", err))
		return
	}
	h.render(w, r, http.StatusOK, views.SubjectsPage(subjects))
}

func (h *Handler) handleSubject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := h.store.GetSubjectByCode(ctx, chi.URLParam(r, "code"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	v := &model.SubjectView{Subject: subject}
	if v.Chapters, err = h.store.ListChapters(ctx, subject.ID); err != nil {
		h.renderError(w, r, fmt.Errorf("list chapters: %w", err))
		return
	}
	if v.Assessments, err = h.store.ListAssessments(ctx, subject.ID, nil); err != nil {
		h.renderError(w, r, fmt.Errorf("list assessments: %w", err))
		return
	}
	if v.Stats, err = h.store.ChapterStats(ctx, subject.ID); err != nil {
		h.renderError(w, r, fmt.Errorf("chapter stats: %w", err))
		return
	}
	h.render(w, r, http.StatusOK, views.SubjectPage(v))
}

func (h *Handler) handleChapter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	chapterID, err := pathID(r, "chapterID")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	subject, err := h.store.GetSubjectByCode(ctx, chi.URLParam(r, "code"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	chapter, err := h.store.GetChapter(ctx, chapterID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if chapter.SubjectID != subject.ID || !chapter.Active {
		h.renderError(w, r, &model.NotFoundError{Entity: "chapter", ID: chapterID})
		return
	}

	v := &model.ChapterView{Subject: subject, Chapter: chapter}
	if v.Sections, err = h.store.ListSections(ctx, chapterID); err != nil {
		h.renderError(w, r, fmt.Errorf("list sections: %w", err))
		return
	}
	if v.Assessments, err = h.store.ListAssessments(ctx, subject.ID, &chapterID); err != nil {
		h.renderError(w, r, fmt.Errorf("list assessments: %w", err))
		return
	}
	chapters, err := h.store.ListChapters(ctx, subject.ID)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list chapters: %w", err))
		return
	}
	for i := range chapters {
		if chapters[i].ID != chapterID {
			continue
		}
		if i > 0 {
			v.Previous = &chapters[i-1]
		}
		if i+1 < len(chapters) {
			v.Next = &chapters[i+1]
		}
	}

	// Opening a chapter counts as accessing the topic.
	if _, err := h.store.UpsertProgress(ctx, currentUser(r).ID, model.ProgressDelta{
		Subject: subject.Name,
		Topic:   chapter.Title,
	}); err != nil {
		slog.Warn("failed to record chapter access", "chapter", chapterID, "error", err)
	}
	h.render(w, r, http.StatusOK, views.ChapterPage(v))
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := h.store.ListProgress(r.Context(), currentUser(r).ID)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list progress: %w", err))
		return
	}
	h.render(w, r, http.StatusOK, views.ProgressPage(progress))
}

func (h *Handler) handleUploadPage(w http.ResponseWriter, r *http.Request) {
	h.renderUploadPage(w, r, http.StatusOK, flash(r))
}

func (h *Handler) renderUploadPage(w http.ResponseWriter, r *http.Request, status int, msg string) {
	uploads, err := h.store.ListUploads(r.Context(), currentUser(r).ID, 0)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list uploads: %w", err))
		return
	}
	subjects, err := h.store.ListSubjects(r.Context())
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list subjects: %w", err))
		return
	}
	h.render(w, r, status, views.UploadPage(views.UploadData{Uploads: uploads, Subjects: subjects}, msg))
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, upload.MaxSize+1<<20)
	if err := r.ParseMultipartForm(upload.MaxSize + 1<<20); err != nil {
		h.metrics.Uploads.WithLabelValues("rejected").Inc()
		h.renderUploadPage(w, r, http.StatusBadRequest, "file too large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.metrics.Uploads.WithLabelValues("rejected").Inc()
		h.renderUploadPage(w, r, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	if _, err := h.uploads.Save(r.Context(), currentUser(r).ID, header.Filename, r.FormValue("subject"), file); err != nil {
		h.metrics.Uploads.WithLabelValues("rejected").Inc()
		if model.IsValidation(err) {
			h.renderUploadPage(w, r, http.StatusBadRequest, err.Error())
			return
		}
		h.renderError(w, r, err)
		return
	}
	h.metrics.Uploads.WithLabelValues("stored").Inc()
	http.Redirect(w, r, "/upload?msg=Uploaded", http.StatusSeeOther)
}
