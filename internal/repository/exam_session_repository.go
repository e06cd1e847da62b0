package repository

import (
	"context"
	"time"

	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExamSessionRepository handles exam session data access.
//
// Transitions out of in_progress are compare-and-swap updates keyed on the
// current status, so concurrent submit/expire/lock resolve to exactly one
// winner; losers observe zero rows affected and treat their transition as a
// no-op. The store itself never serializes writers; the WHERE clause does.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

const sessionColumns = `id, exam_id, candidate_name, candidate_ref, started_at, ends_at, submitted_at, status`

// GetByID retrieves a session by its ID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE id = $1`, id,
	).Scan(&s.ID, &s.ExamID, &s.CandidateName, &s.CandidateRef, &s.StartedAt, &s.EndsAt, &s.SubmittedAt, &s.Status)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetByExamAndCandidate retrieves the session for an (exam, candidate key)
// pair. At most one row exists per pair, enforced by a unique index.
func (r *ExamSessionRepository) GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateKey string) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE exam_id = $1 AND candidate_key = $2`, examID, candidateKey,
	).Scan(&s.ID, &s.ExamID, &s.CandidateName, &s.CandidateRef, &s.StartedAt, &s.EndsAt, &s.SubmittedAt, &s.Status)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Create inserts a new exam session. The ON CONFLICT guard makes the insert
// idempotent under concurrent starts for the same (exam, candidate) pair:
// the loser scans no row and must re-read the winner's session.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) (bool, error) {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (exam_id, candidate_name, candidate_ref, candidate_key, started_at, ends_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (exam_id, candidate_key) DO NOTHING
		 RETURNING id`,
		s.ExamID, s.CandidateName, s.CandidateRef, s.CandidateKey(), s.StartedAt, s.EndsAt, s.Status,
	).Scan(&s.ID)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// MarkStarted transitions a not_started session into in_progress, setting
// started_at and ends_at exactly once. Returns false if the session was not
// in not_started.
func (r *ExamSessionRepository) MarkStarted(ctx context.Context, id uuid.UUID, startedAt, endsAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, started_at = $2, ends_at = $3
		 WHERE id = $4 AND status = $5`,
		model.SessionStatusInProgress, startedAt, endsAt, id, model.SessionStatusNotStarted)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Finalize transitions an in_progress session into the given terminal state,
// setting submitted_at exactly once. Returns false when the session was not
// in_progress: the caller lost the race (or repeated the call) and should
// re-read the stored state instead of treating it as a failure.
func (r *ExamSessionRepository) Finalize(ctx context.Context, id uuid.UUID, to model.SessionStatus, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, submitted_at = $2
		 WHERE id = $3 AND status = $4`,
		to, at, id, model.SessionStatusInProgress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListInProgress returns all sessions currently in_progress, used by the
// watchdog to re-arm deadlines after a process restart.
func (r *ExamSessionRepository) ListInProgress(ctx context.Context) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM exam_sessions
		 WHERE status = $1
		 ORDER BY ends_at ASC`, model.SessionStatusInProgress,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		var s model.ExamSession
		if err := rows.Scan(&s.ID, &s.ExamID, &s.CandidateName, &s.CandidateRef, &s.StartedAt, &s.EndsAt, &s.SubmittedAt, &s.Status); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
