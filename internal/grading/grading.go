// Package grading marks subjective answers with an LLM and feeds the results
// back through the attempt engine.
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cikgu/cikgu/internal/assessment"
	"github.com/cikgu/cikgu/internal/grading/prompts"
	"github.com/cikgu/cikgu/internal/model"
)

// GradeInput is one answer to mark.
type GradeInput struct {
	Subject  string
	Question model.Question
	Answer   string
}

// Result is a grader's verdict on one answer.
type Result struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// Grader marks subjective answers.
type Grader interface {
	Grade(ctx context.Context, in GradeInput) (Result, error)
}

// LLMGrader grades through an OpenAI-compatible chat completion API.
type LLMGrader struct {
	api     *openai.Client
	model   string
	variant prompts.Variant
}

// NewLLMGrader creates an LLMGrader. An empty baseURL uses the OpenAI API.
func NewLLMGrader(baseURL, apiKey, modelName, variant string) (*LLMGrader, error) {
	if variant == "" {
		variant = string(prompts.Standard)
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant %q", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &LLMGrader{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.Variant(variant),
	}, nil
}

// Grade asks the LLM for a score and feedback.
func (g *LLMGrader) Grade(ctx context.Context, in GradeInput) (Result, error) {
	prompt, err := prompts.Build(g.variant, prompts.Data{
		Subject:      in.Subject,
		QuestionType: string(in.Question.Type),
		QuestionText: in.Question.Text,
		Marks:        in.Question.Marks,
		ModelAnswer:  in.Question.CorrectAnswer,
		Explanation:  in.Question.Explanation,
		Answer:       in.Answer,
	})
	if err != nil {
		return Result{}, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := g.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return Result{}, fmt.Errorf("LLM grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, errors.New("LLM returned no choices for grading")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return Result{}, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	return result, nil
}

// Clamp bounds a score to [0, marks].
func Clamp(score float64, marks int) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if limit := float64(marks); score > limit {
		return limit
	}
	return score
}

// Summary reports the outcome of an AutoGrade run.
type Summary struct {
	Graded    int
	Failed    int
	Completed int
}

// AutoGrade marks every ungraded subjective answer of submitted attempts.
// Answers the grader fails on are skipped and left for manual grading.
// Attempts left with no ungraded answers are finalized.
func AutoGrade(ctx context.Context, eng *assessment.Engine, g Grader) (Summary, error) {
	var sum Summary
	pending, err := eng.ListPendingGrading(ctx)
	if err != nil {
		return sum, fmt.Errorf("list pending: %w", err)
	}

	touched := make(map[int64]bool)
	var order []int64
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := g.Grade(ctx, GradeInput{Subject: p.SubjectName, Question: p.Question, Answer: p.Answer.Text})
		if err != nil {
			slog.Warn("auto-grade failed", "attempt", p.Attempt.ID, "question", p.Question.ID, "error", err)
			sum.Failed++
			continue
		}
		if _, err := eng.GradeAnswer(ctx, p.Attempt.ID, p.Question.ID, Clamp(res.Score, p.Question.Marks), res.Feedback); err != nil {
			if model.IsState(err) {
				slog.Warn("attempt no longer gradable", "attempt", p.Attempt.ID, "error", err)
				sum.Failed++
				continue
			}
			return sum, fmt.Errorf("grade answer: %w", err)
		}
		sum.Graded++
		if !touched[p.Attempt.ID] {
			touched[p.Attempt.ID] = true
			order = append(order, p.Attempt.ID)
		}
	}

	for _, id := range order {
		a, err := eng.Attempt(ctx, id)
		if err != nil {
			return sum, err
		}
		if a.Status == model.StatusCompleted {
			sum.Completed++
			continue
		}
		if _, err := eng.Finalize(ctx, id); err != nil {
			if model.IsState(err) {
				continue
			}
			return sum, fmt.Errorf("finalize attempt %d: %w", id, err)
		}
		sum.Completed++
	}
	slog.Info("auto-grade finished", "graded", sum.Graded, "failed", sum.Failed, "completed", sum.Completed)
	return sum, nil
}
