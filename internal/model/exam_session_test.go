package model

import "testing"

func TestCandidateKey(t *testing.T) {
	ref := "student-7731"
	empty := ""

	tests := []struct {
		name string
		in   string
		ref  *string
		want string
	}{
		{"ref wins over name", "Ada Lovelace", &ref, "student-7731"},
		{"empty ref falls back to name", "Ada Lovelace", &empty, "ada lovelace"},
		{"nil ref falls back to name", "Ada Lovelace", nil, "ada lovelace"},
		{"name is trimmed and lowercased", "  Grace HOPPER ", nil, "grace hopper"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CandidateKey(tt.in, tt.ref); got != tt.want {
				t.Fatalf("CandidateKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSessionStatusIsTerminal(t *testing.T) {
	terminal := []SessionStatus{SessionStatusSubmitted, SessionStatusExpired, SessionStatusLocked}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	active := []SessionStatus{SessionStatusNotStarted, SessionStatusInProgress}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestQuestionTypeIsChoice(t *testing.T) {
	choice := []QuestionType{QuestionTypeSingleChoice, QuestionTypeMultiChoice, QuestionTypeTrueFalse}
	for _, q := range choice {
		if !q.IsChoice() {
			t.Errorf("%s should be a choice type", q)
		}
	}

	free := []QuestionType{QuestionTypeShortAnswer, QuestionTypeEssay, QuestionTypeCode, QuestionTypeNumerical}
	for _, q := range free {
		if q.IsChoice() {
			t.Errorf("%s should not be a choice type", q)
		}
	}
}
