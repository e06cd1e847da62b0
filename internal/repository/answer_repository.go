package repository

import (
	"context"

	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AnswerRepository handles durable answer storage: one live row per
// (session, question) pair.
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// Upsert writes rec unless a newer write already landed. The sequence guard
// lives in SQL so it holds across processes: a retry carrying an older seq
// matches zero rows instead of clobbering the stored answer. Returns whether
// the write was applied.
//
// No session-status check here: answers are gated at acceptance time, and the
// persist queue may legitimately drain after the session went terminal.
func (r *AnswerRepository) Upsert(ctx context.Context, rec *model.AnswerRecord) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO answer_records (session_id, question_id, value, seq, saved_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id, question_id) DO UPDATE
		 SET value = EXCLUDED.value, seq = EXCLUDED.seq, saved_at = EXCLUDED.saved_at
		 WHERE answer_records.seq <= EXCLUDED.seq`,
		rec.SessionID, rec.QuestionID, rec.Value, rec.Seq, rec.SavedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListBySession returns all stored answers for a session, used to rehydrate
// the candidate's state after a reload.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, question_id, value, seq, saved_at
		 FROM answer_records
		 WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.AnswerRecord
	for rows.Next() {
		var rec model.AnswerRecord
		if err := rows.Scan(&rec.SessionID, &rec.QuestionID, &rec.Value, &rec.Seq, &rec.SavedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountBySession returns the number of answered questions for a session.
// Blank values do not count as answered.
func (r *AnswerRepository) CountBySession(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM answer_records
		 WHERE session_id = $1 AND value <> ''`, sessionID,
	).Scan(&n)
	return n, err
}
