package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cikgu/cikgu/internal/catalog"
	"github.com/cikgu/cikgu/internal/handler/views"
	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

const maxCatalogSize = 10 << 20

func (h *Handler) handleAdminUsersPage(w http.ResponseWriter, r *http.Request) {
	h.renderAdminUsers(w, r, http.StatusOK, "")
}

func (h *Handler) renderAdminUsers(w http.ResponseWriter, r *http.Request, status int, msg string) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list users: %w", err))
		return
	}
	h.render(w, r, status, views.AdminUsersPage(users, msg))
}

// otherUserID parses the userID path parameter and refuses the caller's own
// account, so an admin cannot lock themselves out.
func otherUserID(r *http.Request) (int64, error) {
	id, err := pathID(r, "userID")
	if err != nil {
		return 0, err
	}
	if id == currentUser(r).ID {
		return 0, model.Validationf("you cannot change your own account here")
	}
	return id, nil
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := otherUserID(r)
	if err != nil {
		h.renderAdminUsers(w, r, statusFor(err), err.Error())
		return
	}
	var signedOut int64
	err = h.store.InTx(r.Context(), func(q *store.Queries) error {
		if err := q.ToggleUserActive(r.Context(), id); err != nil {
			return err
		}
		u, err := q.GetUserByID(r.Context(), id)
		if err != nil || u == nil || u.Active {
			return err
		}
		signedOut, err = q.EndUserLoginSessions(r.Context(), id)
		return err
	})
	if err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		h.renderError(w, r, err)
		return
	}
	if signedOut > 0 {
		slog.Info("deactivated user signed out", "id", id, "sessions", signedOut)
	}
	http.Redirect(w, r, "/admin/users", http.StatusSeeOther)
}

func (h *Handler) handleSetUserRole(w http.ResponseWriter, r *http.Request) {
	id, err := otherUserID(r)
	if err != nil {
		h.renderAdminUsers(w, r, statusFor(err), err.Error())
		return
	}
	role, err := model.ParseUserRole(r.FormValue("role"))
	if err != nil {
		h.renderAdminUsers(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.store.SetUserRole(r.Context(), id, role); err != nil {
		h.renderError(w, r, err)
		return
	}
	slog.Info("user role changed", "id", id, "role", role, "by", currentUser(r).ID)
	http.Redirect(w, r, "/admin/users", http.StatusSeeOther)
}

func (h *Handler) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := otherUserID(r)
	if err != nil {
		h.renderAdminUsers(w, r, statusFor(err), err.Error())
		return
	}
	attempts, err := h.store.CountRows(r.Context(), "assessment_attempts", id)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("count attempts: %w", err))
		return
	}
	if err := h.store.DeleteUser(r.Context(), id); err != nil {
		h.renderError(w, r, err)
		return
	}
	slog.Info("user deleted", "id", id, "attempts", attempts, "by", currentUser(r).ID)
	http.Redirect(w, r, "/admin/users", http.StatusSeeOther)
}

func (h *Handler) handleAdminCatalogPage(w http.ResponseWriter, r *http.Request) {
	h.renderAdminCatalog(w, r, http.StatusOK, "")
}

func (h *Handler) renderAdminCatalog(w http.ResponseWriter, r *http.Request, status int, msg string) {
	ctx := r.Context()
	subjects, err := h.store.ListSubjects(ctx)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list subjects: %w", err))
		return
	}
	questions, err := h.store.QuestionCount(ctx)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("count questions: %w", err))
		return
	}
	data := views.CatalogData{Questions: questions}
	for _, s := range subjects {
		list, err := h.store.ListAllAssessments(ctx, s.ID)
		if err != nil {
			h.renderError(w, r, fmt.Errorf("list assessments: %w", err))
			return
		}
		data.Subjects = append(data.Subjects, views.CatalogSubject{Subject: s, Assessments: list})
	}
	h.render(w, r, status, views.AdminCatalogPage(data, msg))
}

func (h *Handler) handleToggleAssessment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	a, err := h.store.GetAssessment(r.Context(), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.store.SetAssessmentActive(r.Context(), id, !a.Active); err != nil {
		h.renderError(w, r, err)
		return
	}
	slog.Info("assessment active changed", "id", id, "active", !a.Active, "by", currentUser(r).ID)
	http.Redirect(w, r, "/admin/catalog", http.StatusSeeOther)
}

// handleDeleteAssessment removes an assessment together with its questions
// and every attempt taken on it.
func (h *Handler) handleDeleteAssessment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if _, err := h.store.GetAssessment(r.Context(), id); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.store.DeleteAssessment(r.Context(), id); err != nil {
		h.renderError(w, r, err)
		return
	}
	slog.Info("assessment deleted", "id", id, "by", currentUser(r).ID)
	http.Redirect(w, r, "/admin/catalog", http.StatusSeeOther)
}

func (h *Handler) handleDeleteSubject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if _, err := h.store.GetSubject(r.Context(), id); err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.store.DeleteSubject(r.Context(), id); err != nil {
		h.renderError(w, r, err)
		return
	}
	slog.Info("subject deleted", "id", id, "by", currentUser(r).ID)
	http.Redirect(w, r, "/admin/catalog", http.StatusSeeOther)
}

// handleCatalogUpload imports an uploaded catalog file. The file name is the
// import-log key, so re-uploading a file under the same name is skipped.
func (h *Handler) handleCatalogUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxCatalogSize+1<<20)
	if err := r.ParseMultipartForm(maxCatalogSize); err != nil {
		h.renderAdminCatalog(w, r, http.StatusBadRequest, "file too large")
		return
	}
	file, header, err := r.FormFile("catalog_file")
	if err != nil {
		h.renderAdminCatalog(w, r, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("read catalog upload: %w", err))
		return
	}
	if _, err := catalog.Parse(data); err != nil {
		h.renderAdminCatalog(w, r, http.StatusBadRequest, "invalid catalog: "+err.Error())
		return
	}
	st, err := catalog.Import(r.Context(), h.store, "upload:"+header.Filename, data)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	msg := fmt.Sprintf("Imported %s: %d subjects, %d chapters, %d sections, %d assessments, %d questions.",
		header.Filename, st.Subjects, st.Chapters, st.Sections, st.Assessments, st.Questions)
	if st.Skipped {
		msg = fmt.Sprintf("%s was already imported; nothing changed.", header.Filename)
	}
	h.renderAdminCatalog(w, r, http.StatusOK, msg)
}
