package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/examflow/examflow-backend/internal/clock"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Domain errors surfaced by the session state machine. The state machine
// never retries: a transition is a business decision made once.
var (
	ErrNotFound          = errors.New("resource not found")
	ErrExamClosed        = errors.New("exam is not open for entry")
	ErrConflict          = errors.New("a finished session already exists for this candidate")
	ErrSessionLocked     = errors.New("session is terminal, mutations rejected")
	ErrSessionNotStarted = errors.New("session has not been started")
)

// SessionStore is the durable session record access the state machine needs.
// The store does not serialize writers; Finalize/MarkStarted are CAS updates
// and report whether the transition was applied.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateKey string) (*model.ExamSession, error)
	Create(ctx context.Context, s *model.ExamSession) (bool, error)
	MarkStarted(ctx context.Context, id uuid.UUID, startedAt, endsAt time.Time) (bool, error)
	Finalize(ctx context.Context, id uuid.UUID, to model.SessionStatus, at time.Time) (bool, error)
}

// ExamStore resolves exam definitions (owned by the authoring side).
type ExamStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	GetByCode(ctx context.Context, code string) (*model.Exam, error)
}

// QuestionFeed exposes the ordered candidate view of an exam's questions.
type QuestionFeed interface {
	CandidateQuestions(ctx context.Context, examID uuid.UUID) ([]model.QuestionForCandidate, error)
	QuestionCount(ctx context.Context, examID uuid.UUID) (int, error)
}

// AnswerReader exposes the stored answers for summary and rehydration.
type AnswerReader interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error)
	CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error)
}

// TokenIssuer mints candidate session tokens.
type TokenIssuer interface {
	IssueCandidateToken(sessionID, examID uuid.UUID, endsAt time.Time) (string, error)
}

// DeadlineScheduler arms one wake-up per active session. The scheduler is
// advisory; the authoritative deadline check happens in this service on
// every read and mutation.
type DeadlineScheduler interface {
	Watch(sessionID uuid.UUID, endsAt time.Time)
	Cancel(sessionID uuid.UUID)
}

// Notifier broadcasts terminal transitions so open streams can push the
// forced state change to the candidate.
type Notifier interface {
	SessionFinalized(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus)
}

// SessionService is the candidate session state machine. It owns deadline
// computation and authorizes every mutating operation on a session.
type SessionService struct {
	sessions  SessionStore
	exams     ExamStore
	questions QuestionFeed
	answers   AnswerReader
	tokens    TokenIssuer
	clk       clock.Clock
	log       zerolog.Logger

	scheduler DeadlineScheduler
	notifier  Notifier
}

// NewSessionService creates a new SessionService.
func NewSessionService(
	sessions SessionStore,
	exams ExamStore,
	questions QuestionFeed,
	answers AnswerReader,
	tokens TokenIssuer,
	clk clock.Clock,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		sessions:  sessions,
		exams:     exams,
		questions: questions,
		answers:   answers,
		tokens:    tokens,
		clk:       clk,
		log:       log.With().Str("component", "session_service").Logger(),
	}
}

// SetScheduler attaches the deadline watchdog. Optional; applied after
// construction because the watchdog needs this service to expire sessions.
func (s *SessionService) SetScheduler(sched DeadlineScheduler) { s.scheduler = sched }

// SetNotifier attaches the terminal-transition broadcaster. Optional.
func (s *SessionService) SetNotifier(n Notifier) { s.notifier = n }

// Enter validates that an exam code resolves to an exam that is open for
// entry. Pure lookup: no session is created or touched.
func (s *SessionService) Enter(ctx context.Context, examCode string) (*model.Exam, error) {
	exam, err := s.exams.GetByCode(ctx, examCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exam by code: %w", err)
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamClosed
	}
	return exam, nil
}

// Start creates or resumes the single attempt for (exam, candidate).
//
// Idempotent per pair: an existing non-terminal session is resumed with its
// original deadline and a freshly issued token; this is the guard against
// duplicate attempts from a page reload or double click. A terminal session
// yields ErrConflict.
func (s *SessionService) Start(ctx context.Context, examID uuid.UUID, candidateName string, candidateRef *string) (*model.StartExamResponse, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamClosed
	}

	key := model.CandidateKey(candidateName, candidateRef)

	existing, err := s.sessions.GetByExamAndCandidate(ctx, examID, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing session: %w", err)
	}
	if existing != nil {
		return s.resume(ctx, exam, existing)
	}

	now := s.clk.Now()
	endsAt := now.Add(time.Duration(exam.DurationMinutes) * time.Minute)
	session := &model.ExamSession{
		ExamID:        examID,
		CandidateName: candidateName,
		CandidateRef:  candidateRef,
		StartedAt:     &now,
		EndsAt:        &endsAt,
		Status:        model.SessionStatusInProgress,
	}

	created, err := s.sessions.Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if !created {
		// Lost a concurrent start for the same pair. Resume the winner.
		winner, err := s.sessions.GetByExamAndCandidate(ctx, examID, key)
		if err != nil {
			return nil, fmt.Errorf("concurrent start detected, fetch failed: %w", err)
		}
		return s.resume(ctx, exam, winner)
	}

	token, err := s.tokens.IssueCandidateToken(session.ID, examID, endsAt)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	if s.scheduler != nil {
		s.scheduler.Watch(session.ID, endsAt)
	}

	s.log.Info().
		Str("session_id", session.ID.String()).
		Str("exam_id", examID.String()).
		Time("ends_at", endsAt).
		Msg("Session started")

	return &model.StartExamResponse{
		SessionID:    session.ID,
		CandidateRef: candidateRef,
		EndsAt:       endsAt,
		Token:        token,
	}, nil
}

// resume re-issues credentials for an existing session. The stored deadline
// is authoritative; the timer is re-armed from it rather than from any
// elapsed counter.
func (s *SessionService) resume(ctx context.Context, exam *model.Exam, session *model.ExamSession) (*model.StartExamResponse, error) {
	session, err := s.enforceDeadline(ctx, session)
	if err != nil {
		return nil, err
	}

	if session.Status.IsTerminal() {
		return nil, ErrConflict
	}

	if session.Status == model.SessionStatusNotStarted {
		// Pre-created attempt: transition into in_progress now, setting the
		// clock fields exactly once.
		now := s.clk.Now()
		endsAt := now.Add(time.Duration(exam.DurationMinutes) * time.Minute)
		applied, err := s.sessions.MarkStarted(ctx, session.ID, now, endsAt)
		if err != nil {
			return nil, fmt.Errorf("mark started: %w", err)
		}
		if applied {
			session.Status = model.SessionStatusInProgress
			session.StartedAt = &now
			session.EndsAt = &endsAt
		} else if session, err = s.sessions.GetByID(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("reload session: %w", err)
		}
		if session.Status.IsTerminal() {
			return nil, ErrConflict
		}
	}

	token, err := s.tokens.IssueCandidateToken(session.ID, session.ExamID, *session.EndsAt)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	if s.scheduler != nil {
		s.scheduler.Watch(session.ID, *session.EndsAt)
	}

	s.log.Info().
		Str("session_id", session.ID.String()).
		Msg("Session resumed")

	return &model.StartExamResponse{
		SessionID:    session.ID,
		CandidateRef: session.CandidateRef,
		EndsAt:       *session.EndsAt,
		Token:        token,
		Resumed:      true,
	}, nil
}

// GetCurrent returns the state machine's view of a session, after the
// server-side deadline check.
func (s *SessionService) GetCurrent(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	return s.load(ctx, sessionID)
}

// Questions returns the ordered question feed for a session. The order is
// stable for the life of the session.
func (s *SessionService) Questions(ctx context.Context, sessionID uuid.UUID) ([]model.QuestionForCandidate, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != model.SessionStatusInProgress {
		return nil, ErrSessionLocked
	}
	return s.questions.CandidateQuestions(ctx, session.ExamID)
}

// Submit finalizes the session. Valid from in_progress; on an already
// terminal session it is an idempotent no-op returning the stored status and
// submitted_at, which tolerates duplicate submits from network retries and
// the race against the watchdog. The returned status is the state the
// session actually landed in: a submit that arrives after the deadline
// reports expired, not submitted.
func (s *SessionService) Submit(ctx context.Context, sessionID uuid.UUID) (model.SessionStatus, time.Time, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return "", time.Time{}, err
	}

	if session.Status.IsTerminal() {
		return session.Status, *session.SubmittedAt, nil
	}
	if session.Status == model.SessionStatusNotStarted {
		return "", time.Time{}, ErrSessionNotStarted
	}

	now := s.clk.Now()
	applied, err := s.sessions.Finalize(ctx, sessionID, model.SessionStatusSubmitted, now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("finalize: %w", err)
	}
	if !applied {
		// Lost the race against expire/lock. Their transition stands; report
		// it with the stored timestamp.
		session, err = s.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("reload session: %w", err)
		}
		if session.SubmittedAt == nil {
			return "", time.Time{}, ErrSessionLocked
		}
		return session.Status, *session.SubmittedAt, nil
	}

	s.finalized(ctx, sessionID, model.SessionStatusSubmitted)
	s.log.Info().Str("session_id", sessionID.String()).Msg("Session submitted")
	return model.SessionStatusSubmitted, now, nil
}

// Expire forces the deadline transition. System-internal: invoked by the
// watchdog, never by a candidate request. A session already terminal is left
// untouched.
func (s *SessionService) Expire(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("get session: %w", err)
	}
	if session.Status != model.SessionStatusInProgress {
		return nil
	}

	applied, err := s.sessions.Finalize(ctx, sessionID, model.SessionStatusExpired, s.clk.Now())
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if applied {
		s.finalized(ctx, sessionID, model.SessionStatusExpired)
		s.log.Info().Str("session_id", sessionID.String()).Msg("Session expired")
	}
	return nil
}

// Lock is the administrative transition for suspected violations. No
// operation drives it automatically.
func (s *SessionService) Lock(ctx context.Context, sessionID uuid.UUID) error {
	applied, err := s.sessions.Finalize(ctx, sessionID, model.SessionStatusLocked, s.clk.Now())
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if applied {
		s.finalized(ctx, sessionID, model.SessionStatusLocked)
		s.log.Warn().Str("session_id", sessionID.String()).Msg("Session locked")
	}
	return nil
}

// Summary reports answer coverage for the confirmation screen.
func (s *SessionService) Summary(ctx context.Context, sessionID uuid.UUID) (*model.SessionSummary, error) {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	total, err := s.questions.QuestionCount(ctx, session.ExamID)
	if err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}
	answered, err := s.answers.CountBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("count answers: %w", err)
	}
	if answered > total {
		answered = total
	}

	return &model.SessionSummary{
		Total:      total,
		Answered:   answered,
		Unanswered: total - answered,
	}, nil
}

// SavedAnswers returns the durably stored answers for rehydration after a
// reload or reconnect.
func (s *SessionService) SavedAnswers(ctx context.Context, sessionID uuid.UUID) (map[string]string, error) {
	records, err := s.answers.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list answers: %w", err)
	}
	out := make(map[string]string, len(records))
	for _, rec := range records {
		out[rec.QuestionID.String()] = rec.Value
	}
	return out, nil
}

// CheckWritable reports whether answer mutations are currently allowed for
// the session. Runs the deadline check first, so a write landing after the
// deadline observes expiry rather than slipping through.
func (s *SessionService) CheckWritable(ctx context.Context, sessionID uuid.UUID) error {
	session, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != model.SessionStatusInProgress {
		return ErrSessionLocked
	}
	return nil
}

// load fetches a session and applies the authoritative deadline check before
// anything else sees it.
func (s *SessionService) load(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s.enforceDeadline(ctx, session)
}

// enforceDeadline transitions an overdue in_progress session to expired.
// This is the security boundary: a candidate who closes the tab cannot
// extend their window, because any later call lands here first.
func (s *SessionService) enforceDeadline(ctx context.Context, session *model.ExamSession) (*model.ExamSession, error) {
	if session.Status != model.SessionStatusInProgress || session.EndsAt == nil {
		return session, nil
	}
	if !s.clk.Now().After(*session.EndsAt) {
		return session, nil
	}

	applied, err := s.sessions.Finalize(ctx, session.ID, model.SessionStatusExpired, s.clk.Now())
	if err != nil {
		return nil, fmt.Errorf("finalize overdue session: %w", err)
	}
	if applied {
		s.finalized(ctx, session.ID, model.SessionStatusExpired)
		s.log.Info().Str("session_id", session.ID.String()).Msg("Session expired on access")
	}
	// Either we expired it or a concurrent transition won; both are terminal.
	return s.sessions.GetByID(ctx, session.ID)
}

// finalized fans out the side effects of reaching a terminal state.
func (s *SessionService) finalized(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) {
	if s.scheduler != nil {
		s.scheduler.Cancel(sessionID)
	}
	if s.notifier != nil {
		s.notifier.SessionFinalized(ctx, sessionID, status)
	}
}
