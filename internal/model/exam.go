package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusClosed    ExamStatus = "CLOSED"
)

// Exam represents an exam definition. Candidates enter by ExamCode while the
// exam is PUBLISHED; a generated code is shaped like "DSA-Mk4qP", a prefix
// taken from the title plus a random suffix.
type Exam struct {
	ID              uuid.UUID  `json:"id"`
	ExamCode        string     `json:"exam_code"`
	Title           string     `json:"title"`
	AuthorID        int        `json:"author_id"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          ExamStatus `json:"status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CreateExamRequest is the payload for creating a new exam.
type CreateExamRequest struct {
	Title           string `json:"title" binding:"required,min=3,max=255"`
	DurationMinutes int    `json:"duration_minutes" binding:"required,min=1,max=480"`
	ExamCode        string `json:"exam_code" binding:"omitempty,min=4,max=20"`
}

// UpdateExamRequest is the payload for updating a DRAFT exam.
type UpdateExamRequest struct {
	Title           string `json:"title" binding:"omitempty,min=3,max=255"`
	DurationMinutes int    `json:"duration_minutes" binding:"omitempty,min=1,max=480"`
	ExamCode        string `json:"exam_code" binding:"omitempty,min=4,max=20"`
}

// ExamPayload is the Redis-cached exam sent to candidates (no correct answers).
type ExamPayload struct {
	ExamID    uuid.UUID             `json:"exam_id"`
	Title     string                `json:"title"`
	Duration  int                   `json:"duration_minutes"`
	Questions []QuestionForCandidate `json:"questions"`
}
