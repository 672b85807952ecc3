// Package prompts renders the grading prompts sent to the LLM.
package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

const maxAnswerRunes = 10000

var (
	studentAnswerRegex      = regexp.MustCompile(`(?i)</?\s*student-answer\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// Variant selects how strictly answers are marked.
type Variant string

const (
	// Strict marks to the official examination standard.
	Strict Variant = "strict"
	// Standard is the default.
	Standard Variant = "standard"
	// Lenient suits practice exercises.
	Lenient Variant = "lenient"
)

var variants = []Variant{Strict, Standard, Lenient}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Variant]*template.Template
)

// IsValidVariant checks if a variant name is known.
func IsValidVariant(v string) bool {
	for _, known := range variants {
		if string(known) == v {
			return true
		}
	}
	return false
}

// Data holds template data for a grading prompt.
type Data struct {
	Subject      string
	QuestionType string
	QuestionText string
	Marks        int
	ModelAnswer  string
	Explanation  string
	Answer       string
}

func load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates = make(map[Variant]*template.Template, len(variants))
		for _, v := range variants {
			name := "templates/grade_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt %s: %w", name, err)
				return
			}
			tmpl, err := template.New(string(v)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt %s: %w", name, err)
				return
			}
			templates[v] = tmpl
		}
	})
	return loadErr
}

// Build renders the grading prompt for a variant.
func Build(v Variant, d Data) (string, error) {
	if err := load(templateFS); err != nil {
		return "", err
	}
	tmpl, ok := templates[v]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(v))
	}
	if d.Subject == "" {
		d.Subject = "school"
	}
	d.Answer = sanitizeAnswer(d.Answer)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitizeAnswer strips tags a student could use to break out of the answer
// block and bounds the answer length.
func sanitizeAnswer(answer string) string {
	answer = studentAnswerRegex.ReplaceAllString(answer, "")
	answer = systemInstructionsRegex.ReplaceAllString(answer, "")
	answer = strings.TrimSpace(answer)

	if answer == "" {
		return "[No answer provided]"
	}
	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		runes := []rune(answer)
		answer = string(runes[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
