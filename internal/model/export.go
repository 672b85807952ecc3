package model

import "time"

// AttemptExport is the top-level JSON structure for attempt result export.
type AttemptExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Subject    string          `json:"subject,omitempty"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one attempt for export.
type StudentResult struct {
	AttemptID     int64            `json:"attempt_id"`
	Email         string           `json:"email"`
	Name          string           `json:"name"`
	Assessment    string           `json:"assessment"`
	AttemptNumber int              `json:"attempt_number"`
	Status        AttemptStatus    `json:"status"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Score         float64          `json:"score"`
	TotalMarks    int              `json:"total_marks"`
	Percentage    float64          `json:"percentage"`
	TimeTaken     int              `json:"time_taken"`
	Questions     []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	Text          string       `json:"text"`
	Type          QuestionType `json:"type"`
	Marks         int          `json:"marks"`
	Answer        string       `json:"answer"`
	IsCorrect     bool         `json:"is_correct"`
	MarksObtained float64      `json:"marks_obtained"`
	Feedback      string       `json:"feedback,omitempty"`
	Graded        bool         `json:"graded"`
}
