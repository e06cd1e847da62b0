package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states. The three terminal states are
// absorbing: no transition ever leaves them.
type SessionStatus string

const (
	SessionStatusNotStarted SessionStatus = "not_started"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusSubmitted  SessionStatus = "submitted"
	SessionStatusExpired    SessionStatus = "expired"
	SessionStatusLocked     SessionStatus = "locked"
)

// IsTerminal reports whether s admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusSubmitted, SessionStatusExpired, SessionStatusLocked:
		return true
	}
	return false
}

// ExamSession represents one candidate's attempt at one exam.
//
// StartedAt and EndsAt are set exactly once, at the transition into
// in_progress. SubmittedAt is set exactly once, at the transition into a
// terminal state. Sessions are never deleted; they are retained for audit.
type ExamSession struct {
	ID            uuid.UUID `json:"id"`
	ExamID        uuid.UUID `json:"exam_id"`
	CandidateName string    `json:"candidate_name"`
	// CandidateRef is set when the candidate is a registered user; guests
	// leave it empty.
	CandidateRef *string    `json:"candidate_ref,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	// Status transitions only through the session service.
	Status SessionStatus `json:"status"`
}

// CandidateKey is the identity under which Start is idempotent: the
// candidate_ref when present, otherwise the lowercased candidate name.
func (s *ExamSession) CandidateKey() string {
	return CandidateKey(s.CandidateName, s.CandidateRef)
}

// CandidateKey derives the per-exam attempt identity for a candidate.
func CandidateKey(name string, ref *string) string {
	if ref != nil && *ref != "" {
		return *ref
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// EnterExamRequest is the payload for looking up an exam by entry code.
type EnterExamRequest struct {
	ExamCode      string `json:"exam_code" binding:"required,min=4,max=20"`
	CandidateName string `json:"candidate_name" binding:"omitempty,min=2,max=100"`
}

// StartExamRequest is the payload for starting (or resuming) an attempt.
type StartExamRequest struct {
	ExamID        uuid.UUID `json:"exam_id" binding:"required"`
	CandidateName string    `json:"candidate_name" binding:"required,min=2,max=100"`
	CandidateRef  *string   `json:"candidate_ref" binding:"omitempty,max=100"`
}

// StartExamResponse is returned by start; on resume the session ID and
// deadline are the original ones, only the token is freshly issued.
type StartExamResponse struct {
	SessionID    uuid.UUID `json:"session_id"`
	CandidateRef *string   `json:"candidate_ref,omitempty"`
	EndsAt       time.Time `json:"ends_at"`
	Token        string    `json:"token"`
	Resumed      bool      `json:"resumed"`
}

// AutosaveRequest is the payload for saving one answer.
type AutosaveRequest struct {
	QuestionID uuid.UUID `json:"question_id" binding:"required"`
	// Value may be blank: a blank write clears the answer.
	Value string `json:"value" binding:"max=65536"`
	// Seq orders retries of the same logical write. Zero lets the server
	// assign a record-time sequence number.
	Seq int64 `json:"seq" binding:"omitempty,min=0"`
}

// SessionSummary reports answer coverage for the confirmation screen.
type SessionSummary struct {
	Total      int `json:"total"`
	Answered   int `json:"answered"`
	Unanswered int `json:"unanswered"`
}
