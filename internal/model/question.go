package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuestionType enumerates the supported answer input kinds. Choice types are
// autosaved immediately; free-input types are debounced.
type QuestionType string

const (
	QuestionTypeSingleChoice QuestionType = "single_choice"
	QuestionTypeMultiChoice  QuestionType = "multi_choice"
	QuestionTypeTrueFalse    QuestionType = "true_false"
	QuestionTypeShortAnswer  QuestionType = "short_answer"
	QuestionTypeEssay        QuestionType = "essay"
	QuestionTypeCode         QuestionType = "code"
	QuestionTypeNumerical    QuestionType = "numerical"
)

// IsChoice reports whether t is a discrete-choice type, where every change is
// a complete intentional action and is persisted without debouncing.
func (t QuestionType) IsChoice() bool {
	switch t {
	case QuestionTypeSingleChoice, QuestionTypeMultiChoice, QuestionTypeTrueFalse:
		return true
	}
	return false
}

// Question represents a single exam question.
type Question struct {
	ID       uuid.UUID       `json:"id"`
	ExamID   uuid.UUID       `json:"exam_id"`
	Type     QuestionType    `json:"type"`
	Prompt   string          `json:"prompt"`
	Options  json.RawMessage `json:"options,omitempty"` // Choice types only
	Required bool            `json:"required"`
	OrderNum int             `json:"order_num"`
}

// QuestionForCandidate is the candidate-facing view of a question.
type QuestionForCandidate struct {
	ID       uuid.UUID       `json:"id"`
	Type     QuestionType    `json:"type"`
	Prompt   string          `json:"prompt"`
	Options  json.RawMessage `json:"options,omitempty"`
	Required bool            `json:"required"`
	OrderNum int             `json:"order_num"`
}

// AddQuestionRequest is the payload for adding a question to an exam.
type AddQuestionRequest struct {
	Type     string          `json:"type" binding:"required,oneof=single_choice multi_choice true_false short_answer essay code numerical"`
	Prompt   string          `json:"prompt" binding:"required,min=1,max=4000"`
	Options  json.RawMessage `json:"options" binding:"omitempty"`
	Required bool            `json:"required"`
	OrderNum int             `json:"order_num" binding:"min=0"`
}

// ReplaceQuestionsRequest is the payload for bulk replacing an exam's questions.
type ReplaceQuestionsRequest struct {
	Questions []AddQuestionRequest `json:"questions" binding:"dive"`
}
