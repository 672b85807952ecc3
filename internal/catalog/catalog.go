// Package catalog loads subjects, chapters, sections and assessments from
// JSON files into the store.
package catalog

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

//go:embed sample/spm.json
var sampleFS embed.FS

// SamplePath identifies the built-in catalog in the import log.
const SamplePath = "builtin:sample/spm.json"

var validate = validator.New(validator.WithRequiredStructEnabled())

// File is the top level of a catalog file.
type File struct {
	Subjects []SubjectImport `json:"subjects" validate:"dive"`
}

// SubjectImport describes a subject and its content.
type SubjectImport struct {
	Name        string             `json:"name" validate:"required"`
	Code        string             `json:"code" validate:"required,max=16"`
	Description string             `json:"description"`
	Chapters    []ChapterImport    `json:"chapters" validate:"dive"`
	Assessments []AssessmentImport `json:"assessments" validate:"dive"`
}

// ChapterImport describes a chapter with its sections and assessments.
type ChapterImport struct {
	Title         string             `json:"title" validate:"required"`
	Description   string             `json:"description"`
	Content       string             `json:"content"`
	Order         int                `json:"order" validate:"gte=0"`
	EstimatedTime int                `json:"estimated_time" validate:"gte=0"`
	Sections      []SectionImport    `json:"sections" validate:"dive"`
	Assessments   []AssessmentImport `json:"assessments" validate:"dive"`
}

// SectionImport describes a section.
type SectionImport struct {
	Title     string           `json:"title" validate:"required"`
	Content   string           `json:"content"`
	KeyPoints []model.KeyPoint `json:"key_points"`
	Examples  []model.Example  `json:"examples"`
	Order     int              `json:"order" validate:"gte=0"`
}

// AssessmentImport describes an assessment and its questions.
type AssessmentImport struct {
	Title        string           `json:"title" validate:"required"`
	Description  string           `json:"description"`
	QuestionType string           `json:"question_type" validate:"required,oneof=multiple_choice short_answer essay true_false"`
	TimeLimit    int              `json:"time_limit" validate:"gte=0"`
	TotalMarks   int              `json:"total_marks" validate:"gte=0"`
	Questions    []QuestionImport `json:"questions" validate:"dive"`
}

// QuestionImport describes a question. Type defaults to the assessment's
// question type and marks default to 1.
type QuestionImport struct {
	Text          string         `json:"question_text" validate:"required"`
	Type          string         `json:"type" validate:"omitempty,oneof=multiple_choice short_answer essay true_false"`
	Options       []model.Option `json:"options"`
	CorrectAnswer string         `json:"correct_answer"`
	Explanation   string         `json:"explanation"`
	Marks         int            `json:"marks" validate:"gte=0"`
}

// Stats counts what an import created.
type Stats struct {
	Subjects    int
	Chapters    int
	Sections    int
	Assessments int
	Questions   int
	// Skipped is set when the file was already imported.
	Skipped bool
}

// ImportFiles imports each catalog file once. Files whose content changed
// since their last import are skipped so existing attempts keep referring to
// the questions they were taken against.
func ImportFiles(ctx context.Context, s *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if _, err := Import(ctx, s, path, data); err != nil {
			return err
		}
	}
	return nil
}

// Seed imports the built-in SPM sample catalog. It is a no-op once the
// sample has been imported.
func Seed(ctx context.Context, s *store.Store) (Stats, error) {
	data, err := sampleFS.ReadFile("sample/spm.json")
	if err != nil {
		return Stats{}, fmt.Errorf("read sample catalog: %w", err)
	}
	return Import(ctx, s, SamplePath, data)
}

// Import loads catalog data, recording it in the import log under path. Data
// already imported under that path, changed or not, is skipped.
func Import(ctx context.Context, s *store.Store, path string, data []byte) (Stats, error) {
	hash := sha256sum(data)
	storedHash, err := s.GetImportedFileHash(ctx, path)
	if err != nil {
		return Stats{}, fmt.Errorf("check import status for %s: %w", path, err)
	}
	if storedHash == hash {
		slog.Info("catalog file unchanged, skipping", "path", path)
		return Stats{Skipped: true}, nil
	}
	if storedHash != "" {
		slog.Warn("catalog file changed since last import, skipping to avoid breaking existing attempts",
			"path", path)
		return Stats{Skipped: true}, nil
	}

	f, err := Parse(data)
	if err != nil {
		return Stats{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var st Stats
	err = s.InTx(ctx, func(q *store.Queries) error {
		var err error
		if st, err = Load(ctx, q, f); err != nil {
			return err
		}
		return q.SetImportedFileHash(ctx, path, hash)
	})
	if err != nil {
		return Stats{}, fmt.Errorf("import %s: %w", path, err)
	}
	slog.Info("imported catalog", "path", path, "subjects", st.Subjects, "chapters", st.Chapters,
		"assessments", st.Assessments, "questions", st.Questions)
	return st, nil
}

// Parse decodes and validates a catalog file.
func Parse(data []byte) (File, error) {
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, err
	}
	if err := validate.Struct(f); err != nil {
		return File{}, &model.ValidationError{Msg: err.Error()}
	}
	return f, nil
}

// Load writes a parsed catalog through q. Subjects are matched by code and
// reused; chapters and assessments already present under the same title are
// left alone.
func Load(ctx context.Context, q *store.Queries, f File) (Stats, error) {
	var st Stats
	for _, si := range f.Subjects {
		subjectID, created, err := ensureSubject(ctx, q, si)
		if err != nil {
			return st, err
		}
		if created {
			st.Subjects++
		}

		existing, err := q.ListChapters(ctx, subjectID)
		if err != nil {
			return st, fmt.Errorf("list chapters: %w", err)
		}
		titles := make(map[string]bool, len(existing))
		for _, c := range existing {
			titles[c.Title] = true
		}
		assessments, err := assessmentTitles(ctx, q, subjectID)
		if err != nil {
			return st, err
		}

		for i, ci := range si.Chapters {
			if titles[ci.Title] {
				continue
			}
			order := ci.Order
			if order == 0 {
				order = i + 1
			}
			est := ci.EstimatedTime
			if est == 0 {
				est = 30
			}
			chapterID, err := q.CreateChapter(ctx, model.Chapter{
				SubjectID: subjectID, Title: ci.Title, Description: ci.Description, Content: ci.Content,
				Order: order, EstimatedTime: est, Active: true,
			})
			if err != nil {
				return st, fmt.Errorf("create chapter %q: %w", ci.Title, err)
			}
			st.Chapters++

			for j, sec := range ci.Sections {
				order := sec.Order
				if order == 0 {
					order = j + 1
				}
				if _, err := q.CreateSection(ctx, model.Section{
					ChapterID: chapterID, Title: sec.Title, Content: sec.Content,
					KeyPoints: sec.KeyPoints, Examples: sec.Examples, Order: order, Active: true,
				}); err != nil {
					return st, fmt.Errorf("create section %q: %w", sec.Title, err)
				}
				st.Sections++
			}
			for _, ai := range ci.Assessments {
				if assessments[ai.Title] {
					continue
				}
				n, err := createAssessment(ctx, q, subjectID, &chapterID, ai)
				if err != nil {
					return st, err
				}
				assessments[ai.Title] = true
				st.Assessments++
				st.Questions += n
			}
		}

		for _, ai := range si.Assessments {
			if assessments[ai.Title] {
				continue
			}
			n, err := createAssessment(ctx, q, subjectID, nil, ai)
			if err != nil {
				return st, err
			}
			assessments[ai.Title] = true
			st.Assessments++
			st.Questions += n
		}
	}
	return st, nil
}

func ensureSubject(ctx context.Context, q *store.Queries, si SubjectImport) (int64, bool, error) {
	existing, err := q.GetSubjectByCode(ctx, si.Code)
	if err == nil {
		return existing.ID, false, nil
	}
	if !model.IsNotFound(err) {
		return 0, false, fmt.Errorf("look up subject %s: %w", si.Code, err)
	}
	id, err := q.CreateSubject(ctx, model.Subject{Name: si.Name, Code: si.Code, Description: si.Description, Active: true})
	if err != nil {
		return 0, false, fmt.Errorf("create subject %s: %w", si.Code, err)
	}
	return id, true, nil
}

func assessmentTitles(ctx context.Context, q *store.Queries, subjectID int64) (map[string]bool, error) {
	list, err := q.ListAssessments(ctx, subjectID, nil)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	titles := make(map[string]bool, len(list))
	for _, a := range list {
		titles[a.Title] = true
	}
	return titles, nil
}

func createAssessment(ctx context.Context, q *store.Queries, subjectID int64, chapterID *int64, ai AssessmentImport) (int, error) {
	qt, err := model.ParseQuestionType(ai.QuestionType)
	if err != nil {
		return 0, err
	}
	questions := make([]model.Question, 0, len(ai.Questions))
	sum := 0
	for i, qi := range ai.Questions {
		t := qt
		if qi.Type != "" {
			if t, err = model.ParseQuestionType(qi.Type); err != nil {
				return 0, err
			}
		}
		marks := qi.Marks
		if marks == 0 {
			marks = 1
		}
		sum += marks
		questions = append(questions, model.Question{
			Type: t, Text: qi.Text, Options: qi.Options, CorrectAnswer: qi.CorrectAnswer,
			Explanation: qi.Explanation, Marks: marks, Order: i + 1,
		})
	}

	total := ai.TotalMarks
	if total == 0 {
		total = sum
	}
	if total == 0 {
		total = 100
	}
	limit := ai.TimeLimit
	if limit == 0 {
		limit = 30
	}
	id, err := q.CreateAssessment(ctx, model.Assessment{
		SubjectID: subjectID, ChapterID: chapterID, Title: ai.Title, Description: ai.Description,
		QuestionType: qt, TimeLimit: limit, TotalMarks: total, Active: true,
	})
	if err != nil {
		return 0, fmt.Errorf("create assessment %q: %w", ai.Title, err)
	}
	for _, qn := range questions {
		qn.AssessmentID = id
		if _, err := q.InsertQuestion(ctx, qn); err != nil {
			return 0, fmt.Errorf("insert question for %q: %w", ai.Title, err)
		}
	}
	return len(questions), nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
