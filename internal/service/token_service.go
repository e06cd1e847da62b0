package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common token errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
)

// TokenType distinguishes candidate session tokens from instructor tokens.
type TokenType string

const (
	TokenTypeCandidate  TokenType = "candidate"
	TokenTypeInstructor TokenType = "instructor"
)

// Claims extends JWT standard claims with app-specific fields.
//
// Candidate tokens are bearer credentials scoped to exactly one session:
// they carry the session ID, expire at the session deadline, and are never
// refreshed. They replace the candidate's identity for all in-exam calls, so
// a leaked exam token grants nothing beyond its own session.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	SessionID uuid.UUID `json:"session_id,omitempty"` // Candidate only
	ExamID    uuid.UUID `json:"exam_id,omitempty"`    // Candidate only
	UserID    int       `json:"user_id,omitempty"`    // Instructor only
}

// TokenService issues and validates JWTs.
type TokenService struct {
	cfg *config.Config
}

// NewTokenService creates a new TokenService.
func NewTokenService(cfg *config.Config) *TokenService {
	return &TokenService{cfg: cfg}
}

// IssueCandidateToken mints a session-scoped token expiring at the session
// deadline.
func (s *TokenService) IssueCandidateToken(sessionID, examID uuid.UUID, endsAt time.Time) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   sessionID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(endsAt),
		},
		TokenType: TokenTypeCandidate,
		SessionID: sessionID,
		ExamID:    examID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// IssueInstructorToken mints an instructor token with the configured expiry.
func (s *TokenService) IssueInstructorToken(instructorID int) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   fmt.Sprintf("instructor:%d", instructorID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.InstructorJWTExpiry)),
		},
		TokenType: TokenTypeInstructor,
		UserID:    instructorID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// ValidateToken parses and validates a JWT, returning the claims. A small
// leeway tolerates clock skew at the deadline boundary; the session state
// machine remains the authority on expiry.
func (s *TokenService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithLeeway(time.Minute))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}
