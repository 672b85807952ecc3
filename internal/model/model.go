package model

import (
	"context"
	"fmt"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is the default role for users created from an external login.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher can review and grade subjective answers.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin can manage users and content.
	UserRoleAdmin UserRole = "admin"
)

// ParseUserRole converts a stored or submitted string into a UserRole.
func ParseUserRole(s string) (UserRole, error) {
	switch r := UserRole(s); r {
	case UserRoleStudent, UserRoleTeacher, UserRoleAdmin:
		return r, nil
	}
	return "", &ValidationError{Msg: fmt.Sprintf("unknown role %q", s)}
}

// CanGrade reports whether the role may grade subjective answers.
func (r UserRole) CanGrade() bool {
	switch r {
	case UserRoleTeacher, UserRoleAdmin:
		return true
	case UserRoleStudent:
		return false
	}
	return false
}

// User represents a system user.
type User struct {
	ID           int64
	GoogleID     string
	Email        string
	Name         string
	Picture      string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
	LastLogin    time.Time
	UpdatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// Progress tracks a user's work on one topic of a subject.
type Progress struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	Subject      string    `json:"subject"`
	Topic        string    `json:"topic"`
	Completed    bool      `json:"completed"`
	Score        float64   `json:"score"`
	TimeSpent    int       `json:"time_spent"` // minutes
	LastAccessed time.Time `json:"last_accessed"`
}

// ProgressDelta is an incremental progress update. Nil fields are left unchanged.
type ProgressDelta struct {
	Subject        string
	Topic          string
	Completed      *bool
	Score          *float64
	TimeSpentDelta int
}

// SubjectProgress aggregates progress rows per subject for the dashboard.
type SubjectProgress struct {
	Subject         string
	TotalTopics     int
	CompletedTopics int
}

// Upload is a file submitted by a user.
type Upload struct {
	ID               int64     `json:"id"`
	UserID           int64     `json:"user_id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	FileType         string    `json:"file_type"`
	FileSize         int64     `json:"file_size"`
	Subject          string    `json:"subject"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

// StudySession is one logged block of study time.
type StudySession struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Subject       string    `json:"subject"`
	Duration      int       `json:"duration"` // minutes
	TopicsCovered string    `json:"topics_covered"`
	Notes         string    `json:"notes"`
	SessionDate   time.Time `json:"session_date"`
}

// PushSubscription is a browser push endpoint registered by a user.
type PushSubscription struct {
	ID        int64
	UserID    int64
	Endpoint  string
	P256dhKey string
	AuthKey   string
	CreatedAt time.Time
	Active    bool
}

// Dashboard holds the per-user summary shown after login.
type Dashboard struct {
	TotalStudyTime    int
	CompletedTopics   int
	TotalUploads      int
	RecentSessions    []StudySession
	RecentUploads     []Upload
	ProgressBySubject []SubjectProgress
	RecentAttempts    []Attempt
}
