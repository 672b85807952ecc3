package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/notify"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// apiResponse is the envelope of every JSON API response.
type apiResponse struct {
	Success    bool                `json:"success"`
	Error      string              `json:"error,omitempty"`
	Message    string              `json:"message,omitempty"`
	ID         int64               `json:"id,omitempty"`
	AttemptID  int64               `json:"attempt_id,omitempty"`
	Score      *float64            `json:"score,omitempty"`
	TotalMarks *int                `json:"total_marks,omitempty"`
	Percentage *float64            `json:"percentage,omitempty"`
	Status     model.AttemptStatus `json:"status,omitempty"`
}

type startAttemptRequest struct {
	AssessmentID int64 `json:"assessment_id" validate:"required,gt=0"`
}

type answerRequest struct {
	QuestionID int64  `json:"question_id" validate:"required,gt=0"`
	Answer     string `json:"answer"`
}

type submitRequest struct {
	AssessmentID int64           `json:"assessment_id" validate:"required_without=AttemptID,gte=0"`
	AttemptID    int64           `json:"attempt_id" validate:"gte=0"`
	Answers      []answerRequest `json:"answers" validate:"dive"`
}

type draftRequest struct {
	AttemptID int64           `json:"attempt_id" validate:"required,gt=0"`
	Answers   []answerRequest `json:"answers" validate:"required,dive"`
}

type progressRequest struct {
	Subject        string   `json:"subject" validate:"required"`
	Topic          string   `json:"topic" validate:"required"`
	Completed      *bool    `json:"completed"`
	Score          *float64 `json:"score" validate:"omitempty,gte=0,lte=100"`
	TimeSpentDelta int      `json:"time_spent_delta" validate:"gte=0"`
}

type studySessionRequest struct {
	Subject       string `json:"subject" validate:"required"`
	Duration      int    `json:"duration" validate:"required,gt=0"`
	TopicsCovered string `json:"topics_covered"`
	Notes         string `json:"notes"`
}

type unsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

func (h *Handler) apiRoutes(r chi.Router) {
	r.Post("/attempts", h.apiStartAttempt)
	r.Post("/submit-mcq", h.apiSubmit)
	r.Post("/submit-subjective", h.apiSubmit)
	r.Post("/save-subjective-draft", h.apiSaveDraft)
	r.Post("/progress", h.apiProgress)
	r.Post("/study-sessions", h.apiStudySession)

	r.Get("/push/vapid-public-key", h.apiVAPIDPublicKey)
	r.Post("/push/subscribe", h.apiSubscribe)
	r.Post("/push/unsubscribe", h.apiUnsubscribe)
	r.Post("/push/test", h.apiPushTest)
}

func decodeJSON(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return model.Validationf("invalid JSON body: %v", err)
	}
	if err := validate.Struct(out); err != nil {
		return &model.ValidationError{Msg: err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, apiResponse{Error: msg})
}

func toAnswers(in []answerRequest) []model.SubmittedAnswer {
	out := make([]model.SubmittedAnswer, 0, len(in))
	for _, a := range in {
		out = append(out, model.SubmittedAnswer{QuestionID: a.QuestionID, Text: a.Answer})
	}
	return out
}

func (h *Handler) apiStartAttempt(w http.ResponseWriter, r *http.Request) {
	var req startAttemptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.startAttempt(r, req.AssessmentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, AttemptID: a.ID})
}

// apiSubmit submits answers, starting an attempt first when none is given.
func (h *Handler) apiSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		a   model.Attempt
		err error
	)
	if req.AttemptID == 0 {
		a, err = h.engine.StartAndSubmit(r.Context(), currentUser(r).ID, req.AssessmentID, toAnswers(req.Answers))
		if err != nil {
			writeError(w, r, err)
			return
		}
		h.metrics.AttemptsStarted.Inc()
		h.submitted(r.Context(), a)
	} else {
		current, err := h.attemptFor(r, req.AttemptID, true)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if req.AssessmentID != 0 && req.AssessmentID != current.AssessmentID {
			writeError(w, r, model.Validationf("attempt %d belongs to assessment %d", req.AttemptID, current.AssessmentID))
			return
		}
		if a, err = h.submit(r.Context(), req.AttemptID, toAnswers(req.Answers)); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, apiResponse{
		Success:    true,
		AttemptID:  a.ID,
		Score:      &a.Score,
		TotalMarks: &a.TotalMarks,
		Percentage: &a.Percentage,
		Status:     a.Status,
	})
}

func (h *Handler) apiSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req draftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.attemptFor(r, req.AttemptID, true); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.engine.SaveDraft(r.Context(), req.AttemptID, toAnswers(req.Answers)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true})
}

func (h *Handler) apiProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.store.UpsertProgress(r.Context(), currentUser(r).ID, model.ProgressDelta{
		Subject:        strings.TrimSpace(req.Subject),
		Topic:          strings.TrimSpace(req.Topic),
		Completed:      req.Completed,
		Score:          req.Score,
		TimeSpentDelta: req.TimeSpentDelta,
	})
	if err != nil {
		writeError(w, r, fmt.Errorf("update progress: %w", err))
		return
	}
	if req.Completed != nil && *req.Completed {
		if _, err := h.notify.SendProgressUpdate(r.Context(), p.UserID, p.Subject, p.Score); err != nil {
			slog.Warn("progress notification failed", "user", p.UserID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Progress updated"})
}

func (h *Handler) createStudySession(r *http.Request, req studySessionRequest) (int64, error) {
	if err := validate.Struct(req); err != nil {
		return 0, &model.ValidationError{Msg: err.Error()}
	}
	id, err := h.store.CreateStudySession(r.Context(), model.StudySession{
		UserID:        currentUser(r).ID,
		Subject:       strings.TrimSpace(req.Subject),
		Duration:      req.Duration,
		TopicsCovered: req.TopicsCovered,
		Notes:         req.Notes,
	})
	if err != nil {
		return 0, fmt.Errorf("create study session: %w", err)
	}
	return id, nil
}

func (h *Handler) apiStudySession(w http.ResponseWriter, r *http.Request) {
	var req studySessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id, err := h.createStudySession(r, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, ID: id})
}

func (h *Handler) apiVAPIDPublicKey(w http.ResponseWriter, r *http.Request) {
	if !h.notify.Enabled() {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "push notifications are not configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.notify.PublicKey()})
}

func (h *Handler) apiSubscribe(w http.ResponseWriter, r *http.Request) {
	var sub notify.Subscription
	if err := decodeJSON(r, &sub); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.notify.Register(r.Context(), currentUser(r).ID, sub); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Subscribed to push notifications"})
}

func (h *Handler) apiUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	ok, err := h.notify.Unregister(r.Context(), currentUser(r).ID, req.Endpoint)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, &model.NotFoundError{Entity: "push subscription", ID: req.Endpoint})
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: true, Message: "Unsubscribed"})
}

func (h *Handler) apiPushTest(w http.ResponseWriter, r *http.Request) {
	sent, err := h.notify.SendToUser(r.Context(), currentUser(r).ID, "Cikgu", "Push notifications are working.", nil)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{Success: sent})
}
