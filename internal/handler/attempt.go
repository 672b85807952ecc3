package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cikgu/cikgu/internal/grading"
	"github.com/cikgu/cikgu/internal/handler/views"
	"github.com/cikgu/cikgu/internal/i18n"
	"github.com/cikgu/cikgu/internal/model"
)

// attemptFor loads an attempt the current user may act on. Students only see
// their own attempts; graders see all of them unless ownerOnly is set.
func (h *Handler) attemptFor(r *http.Request, id int64, ownerOnly bool) (model.Attempt, error) {
	a, err := h.engine.Attempt(r.Context(), id)
	if err != nil {
		return model.Attempt{}, err
	}
	user := currentUser(r)
	if a.UserID == user.ID || (!ownerOnly && user.Role.CanGrade()) {
		return a, nil
	}
	return model.Attempt{}, &model.NotFoundError{Entity: "attempt", ID: id}
}

func (h *Handler) assessmentSummary(ctx context.Context, id int64) (model.AssessmentSummary, error) {
	a, err := h.store.GetAssessment(ctx, id)
	if err != nil {
		return model.AssessmentSummary{}, err
	}
	list, err := h.store.ListAssessments(ctx, a.SubjectID, nil)
	if err != nil {
		return model.AssessmentSummary{}, fmt.Errorf("list assessments: %w", err)
	}
	for _, s := range list {
		if s.ID == id && s.Active {
			return s, nil
		}
	}
	return model.AssessmentSummary{}, &model.NotFoundError{Entity: "assessment", ID: id}
}

func (h *Handler) handleAssessmentPage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	a, err := h.assessmentSummary(r.Context(), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, views.AssessmentPage(a))
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	a, err := h.startAttempt(r, id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/attempts/%d", a.ID), http.StatusSeeOther)
}

func (h *Handler) startAttempt(r *http.Request, assessmentID int64) (model.Attempt, error) {
	a, err := h.engine.StartAttempt(r.Context(), currentUser(r).ID, assessmentID)
	if err != nil {
		return model.Attempt{}, err
	}
	h.metrics.AttemptsStarted.Inc()
	return a, nil
}

func (h *Handler) handleAttemptPage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	a, err := h.attemptFor(r, id, false)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	v, err := h.engine.AttemptView(r.Context(), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if a.Status == model.StatusInProgress && a.UserID == currentUser(r).ID {
		h.render(w, r, http.StatusOK, views.TakePage(v, flash(r)))
		return
	}
	h.render(w, r, http.StatusOK, views.ResultPage(v))
}

// formAnswers collects the q_<questionID> fields of the attempt's questions.
// Blank answers are left out.
func formAnswers(r *http.Request, v *model.AttemptView) []model.SubmittedAnswer {
	var answers []model.SubmittedAnswer
	for _, item := range v.Items {
		text := r.PostFormValue("q_" + strconv.FormatInt(item.Question.ID, 10))
		if strings.TrimSpace(text) == "" {
			continue
		}
		answers = append(answers, model.SubmittedAnswer{QuestionID: item.Question.ID, Text: text})
	}
	return answers
}

func (h *Handler) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if _, err := h.attemptFor(r, id, true); err != nil {
		h.renderError(w, r, err)
		return
	}
	v, err := h.engine.AttemptView(r.Context(), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if _, err := h.submit(r.Context(), id, formAnswers(r, v)); err != nil {
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/attempts/%d", id), http.StatusSeeOther)
}

func (h *Handler) handleDraftForm(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if _, err := h.attemptFor(r, id, true); err != nil {
		h.renderError(w, r, err)
		return
	}
	v, err := h.engine.AttemptView(r.Context(), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if err := h.engine.SaveDraft(r.Context(), id, formAnswers(r, v)); err != nil {
		h.renderError(w, r, err)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/attempts/%d?msg=DraftSaved", id), http.StatusSeeOther)
}

// submit submits an attempt and records the result as progress on the
// assessment's topic.
func (h *Handler) submit(ctx context.Context, attemptID int64, answers []model.SubmittedAnswer) (model.Attempt, error) {
	a, err := h.engine.SubmitAnswers(ctx, attemptID, answers)
	if err != nil {
		return model.Attempt{}, err
	}
	h.submitted(ctx, a)
	return a, nil
}

func (h *Handler) submitted(ctx context.Context, a model.Attempt) {
	h.metrics.AttemptsSubmitted.Inc()
	h.recordProgress(ctx, a, a.TimeTaken/60)
}

func (h *Handler) recordProgress(ctx context.Context, a model.Attempt, minutes int) {
	as, err := h.store.GetAssessment(ctx, a.AssessmentID)
	if err != nil {
		slog.Warn("progress: get assessment", "attempt", a.ID, "error", err)
		return
	}
	subject, err := h.store.GetSubject(ctx, as.SubjectID)
	if err != nil {
		slog.Warn("progress: get subject", "attempt", a.ID, "error", err)
		return
	}
	score := a.Percentage
	completed := a.Status == model.StatusCompleted
	if _, err := h.store.UpsertProgress(ctx, a.UserID, model.ProgressDelta{
		Subject:        subject.Name,
		Topic:          as.Title,
		Completed:      &completed,
		Score:          &score,
		TimeSpentDelta: minutes,
	}); err != nil {
		slog.Warn("progress: upsert", "attempt", a.ID, "error", err)
	}
}

func (h *Handler) handleReviewList(w http.ResponseWriter, r *http.Request) {
	h.renderReviewList(w, r, http.StatusOK, "")
}

func (h *Handler) renderReviewList(w http.ResponseWriter, r *http.Request, status int, msg string) {
	ctx := r.Context()
	attempts, err := h.store.ListAttemptsByStatus(ctx, model.StatusSubmitted)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list submitted attempts: %w", err))
		return
	}
	pending, err := h.engine.ListPendingGrading(ctx)
	if err != nil {
		h.renderError(w, r, fmt.Errorf("list pending grading: %w", err))
		return
	}
	counts := make(map[int64]int)
	for _, p := range pending {
		counts[p.Attempt.ID]++
	}

	assessments := make(map[int64]model.Assessment)
	subjects := make(map[int64]string)
	rows := make([]views.ReviewRow, 0, len(attempts))
	for _, a := range attempts {
		as, ok := assessments[a.AssessmentID]
		if !ok {
			if as, err = h.store.GetAssessment(ctx, a.AssessmentID); err != nil {
				h.renderError(w, r, err)
				return
			}
			assessments[a.AssessmentID] = as
		}
		name, ok := subjects[as.SubjectID]
		if !ok {
			s, err := h.store.GetSubject(ctx, as.SubjectID)
			if err != nil {
				h.renderError(w, r, err)
				return
			}
			name = s.Name
			subjects[as.SubjectID] = name
		}
		rows = append(rows, views.ReviewRow{
			Attempt:         a,
			AssessmentTitle: as.Title,
			SubjectName:     name,
			Pending:         counts[a.ID],
		})
	}
	h.render(w, r, status, views.ReviewListPage(views.ReviewListData{Rows: rows, AutoGrade: h.grader != nil}, msg))
}

func (h *Handler) handleAutoGrade(w http.ResponseWriter, r *http.Request) {
	if h.grader == nil {
		h.renderError(w, r, model.Validationf("auto-grading is not configured"))
		return
	}
	sum, err := grading.AutoGrade(r.Context(), h.engine, h.grader)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.metrics.AnswersGraded.WithLabelValues("llm").Add(float64(sum.Graded))
	msg := i18n.Td(r.Context(), "AutoGradeDone", map[string]any{"Graded": sum.Graded, "Failed": sum.Failed})
	h.renderReviewList(w, r, http.StatusOK, msg)
}

func (h *Handler) handleReviewPage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.renderReview(w, r, id, http.StatusOK, "")
}

func (h *Handler) renderReview(w http.ResponseWriter, r *http.Request, id int64, status int, msg string) {
	v, err := h.engine.AttemptView(r.Context(), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	h.render(w, r, status, views.ReviewPage(v, msg))
}

func (h *Handler) handleGradeAnswer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	questionID, err := pathID(r, "questionID")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	marks, err := strconv.ParseFloat(r.FormValue("marks"), 64)
	if err != nil {
		h.renderReview(w, r, id, http.StatusBadRequest, "invalid marks")
		return
	}
	if _, err := h.engine.GradeAnswer(r.Context(), id, questionID, marks, strings.TrimSpace(r.FormValue("feedback"))); err != nil {
		if model.IsValidation(err) || model.IsState(err) {
			h.renderReview(w, r, id, statusFor(err), err.Error())
			return
		}
		h.renderError(w, r, err)
		return
	}
	h.metrics.AnswersGraded.WithLabelValues("manual").Inc()
	http.Redirect(w, r, fmt.Sprintf("/review/%d", id), http.StatusSeeOther)
}

func (h *Handler) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	a, err := h.engine.Finalize(r.Context(), id)
	if err != nil {
		if model.IsState(err) {
			h.renderReview(w, r, id, http.StatusConflict, err.Error())
			return
		}
		h.renderError(w, r, err)
		return
	}
	h.recordProgress(r.Context(), a, 0)
	http.Redirect(w, r, fmt.Sprintf("/review/%d", id), http.StatusSeeOther)
}
