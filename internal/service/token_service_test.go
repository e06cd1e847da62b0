package service

import (
	"errors"
	"testing"
	"time"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/google/uuid"
)

func testTokenService(secret string) *TokenService {
	return NewTokenService(&config.Config{
		JWTSecret:           secret,
		InstructorJWTExpiry: 12 * time.Hour,
	})
}

func TestCandidateTokenRoundTrip(t *testing.T) {
	svc := testTokenService("test-secret")
	sessionID, examID := uuid.New(), uuid.New()
	endsAt := time.Now().Add(time.Hour)

	tokenStr, err := svc.IssueCandidateToken(sessionID, examID, endsAt)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := svc.ValidateToken(tokenStr)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TokenType != TokenTypeCandidate {
		t.Fatalf("token_type = %s, want candidate", claims.TokenType)
	}
	if claims.SessionID != sessionID {
		t.Fatalf("session_id = %s, want %s", claims.SessionID, sessionID)
	}
	if claims.ExamID != examID {
		t.Fatalf("exam_id = %s, want %s", claims.ExamID, examID)
	}
}

func TestCandidateTokenExpiresAtDeadline(t *testing.T) {
	svc := testTokenService("test-secret")

	// Deadline beyond the validation leeway: the token must be refused with
	// the expiry error, not a generic parse failure.
	endsAt := time.Now().Add(-2 * time.Minute)
	tokenStr, err := svc.IssueCandidateToken(uuid.New(), uuid.New(), endsAt)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.ValidateToken(tokenStr); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestCandidateTokenLeewayAtBoundary(t *testing.T) {
	svc := testTokenService("test-secret")

	// A deadline a few seconds in the past is within leeway; the server-side
	// state machine decides whether the session itself is still writable.
	endsAt := time.Now().Add(-5 * time.Second)
	tokenStr, err := svc.IssueCandidateToken(uuid.New(), uuid.New(), endsAt)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.ValidateToken(tokenStr); err != nil {
		t.Fatalf("boundary token rejected: %v", err)
	}
}

func TestInstructorTokenRoundTrip(t *testing.T) {
	svc := testTokenService("test-secret")

	tokenStr, err := svc.IssueInstructorToken(42)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := svc.ValidateToken(tokenStr)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TokenType != TokenTypeInstructor {
		t.Fatalf("token_type = %s, want instructor", claims.TokenType)
	}
	if claims.UserID != 42 {
		t.Fatalf("user_id = %d, want 42", claims.UserID)
	}
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer := testTokenService("secret-a")
	verifier := testTokenService("secret-b")

	tokenStr, err := issuer.IssueCandidateToken(uuid.New(), uuid.New(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := verifier.ValidateToken(tokenStr); err == nil {
		t.Fatal("token signed with another secret was accepted")
	}
}
