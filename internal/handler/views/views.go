// Package views renders the HTML pages as templ components. The page markup
// lives in the .templ files; run `templ generate` after editing them.
package views

//go:generate templ generate

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/a-h/templ"

	"github.com/cikgu/cikgu/internal/i18n"
	"github.com/cikgu/cikgu/internal/model"
)

type LoginData struct {
	Error         string
	GoogleEnabled bool
}

type DashboardData struct {
	Dashboard *model.Dashboard
	Subjects  []model.Subject
}

type UploadData struct {
	Uploads  []model.Upload
	Subjects []model.Subject
}

// ReviewRow is a submitted attempt awaiting review.
type ReviewRow struct {
	Attempt         model.Attempt
	AssessmentTitle string
	SubjectName     string
	Pending         int
}

type ReviewListData struct {
	Rows      []ReviewRow
	AutoGrade bool
}

// CatalogSubject groups a subject with all of its assessments.
type CatalogSubject struct {
	Subject     model.Subject
	Assessments []model.AssessmentSummary
}

type CatalogData struct {
	Subjects  []CatalogSubject
	Questions int
}

// td translates id with template data given as alternating keys and values.
func td(ctx context.Context, id string, kv ...any) string {
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		data[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return i18n.Td(ctx, id, data)
}

func statusText(ctx context.Context, s model.AttemptStatus) string {
	return i18n.T(ctx, "Status_"+string(s))
}

// urlf formats a site path. String arguments are escaped as path segments.
func urlf(format string, args ...any) templ.SafeURL {
	for i, a := range args {
		if s, ok := a.(string); ok {
			args[i] = url.PathEscape(s)
		}
	}
	return templ.URL(fmt.Sprintf(format, args...))
}

func date(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02 15:04")
}

func duration(seconds int) string {
	return (time.Duration(seconds) * time.Second).String()
}

func byteSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}

func score(got float64, total int) string {
	return fmt.Sprintf("%.1f/%d", got, total)
}

// draftText is the saved draft for a question, falling back to the submitted
// answer.
func draftText(item model.AnswerView) string {
	if item.Draft != nil {
		return item.Draft.Text
	}
	if item.Answer != nil {
		return item.Answer.Text
	}
	return ""
}

func fieldName(q model.Question) string {
	return fmt.Sprintf("q_%d", q.ID)
}

func roles() []model.UserRole {
	return []model.UserRole{model.UserRoleStudent, model.UserRoleTeacher, model.UserRoleAdmin}
}
