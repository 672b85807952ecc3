package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subject is a top-level course such as Biologi or Matematik.
type Subject struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chapter belongs to a subject and groups ordered sections.
type Chapter struct {
	ID            int64     `json:"id"`
	SubjectID     int64     `json:"subject_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Content       string    `json:"content"`
	Order         int       `json:"order"`
	EstimatedTime int       `json:"estimated_time"` // minutes
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// KeyPoint is one bullet of a section summary.
type KeyPoint struct {
	Text string `json:"text"`
}

// UnmarshalJSON accepts both {"text": "..."} and a bare string.
func (k *KeyPoint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		k.Text = s
		return nil
	}
	type plain KeyPoint
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("key point: %w", err)
	}
	*k = KeyPoint(p)
	return nil
}

// Example is a worked question/answer pair attached to a section.
type Example struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Section is an ordered unit of chapter content.
type Section struct {
	ID        int64      `json:"id"`
	ChapterID int64      `json:"chapter_id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	KeyPoints []KeyPoint `json:"key_points"`
	Examples  []Example  `json:"examples"`
	Order     int        `json:"order"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ChapterStats holds the simple aggregates shown next to a chapter.
type ChapterStats struct {
	SectionCount       int
	TotalEstimatedTime int
}

// ChapterView combines a chapter with its sections and neighbours for display.
type ChapterView struct {
	Subject     Subject
	Chapter     Chapter
	Sections    []Section
	Assessments []AssessmentSummary
	Previous    *Chapter
	Next        *Chapter
}

// SubjectView combines a subject with its chapters and assessments.
type SubjectView struct {
	Subject     Subject
	Chapters    []Chapter
	Assessments []AssessmentSummary
	Stats       ChapterStats
}
