package main

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/cikgu/cikgu/internal/model"
)

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := writeCSV(&buf, []model.StudentResult{{
		AttemptID:     7,
		Email:         "aminah@example.com",
		Name:          "Aminah, binti Ali",
		Assessment:    "Kuiz Objektif",
		AttemptNumber: 2,
		Status:        model.StatusCompleted,
		StartedAt:     time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		Score:         12.5,
		TotalMarks:    15,
		Percentage:    83.333,
		TimeTaken:     600,
	}})
	if err != nil {
		t.Fatalf("writeCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	want := []string{"7", "aminah@example.com", "Aminah, binti Ali", "Kuiz Objektif", "2",
		"completed", "2026-03-01T08:00:00Z", "12.5", "15", "83.33", "600"}
	for i, v := range want {
		if rows[1][i] != v {
			t.Errorf("column %s = %q, want %q", rows[0][i], rows[1][i], v)
		}
	}
}

func TestNewGrader(t *testing.T) {
	v := viper.New()
	g, err := newGrader(v)
	if err != nil || g != nil {
		t.Fatalf("without llm-url: got (%v, %v), want (nil, nil)", g, err)
	}

	v.Set("llm-url", "http://localhost:11434/v1")
	v.Set("prompt-variant", "harsh")
	if _, err := newGrader(v); err == nil {
		t.Error("expected error for unknown prompt variant")
	}

	v.Set("prompt-variant", "Lenient")
	g, err = newGrader(v)
	if err != nil {
		t.Fatalf("newGrader: %v", err)
	}
	if g == nil {
		t.Fatal("expected a grader")
	}
}
