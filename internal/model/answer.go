package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerRecord is the latest answer for one (session, question) pair. Value is
// the flat serialized payload: an option id, comma-joined option ids, free
// text, numeric text, or code text.
//
// Seq is assigned at record time, not flush time, and increases monotonically
// per question; the store ignores writes whose Seq is below the stored one so
// an out-of-order retry can never clobber a newer answer.
type AnswerRecord struct {
	SessionID  uuid.UUID `json:"session_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Value      string    `json:"value"`
	Seq        int64     `json:"seq"`
	SavedAt    time.Time `json:"saved_at"`
}
