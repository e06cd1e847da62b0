package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/repository"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AnswerPersistWorker consumes the persist queue and UPSERTs answers into
// PostgreSQL. Redis holds the hot copy; this worker is what makes an answer
// durable.
type AnswerPersistWorker struct {
	answers *repository.AnswerRepository
	rdb     *redis.Client
	log     zerolog.Logger
}

// NewAnswerPersistWorker creates a new AnswerPersistWorker.
func NewAnswerPersistWorker(answers *repository.AnswerRepository, rdb *redis.Client, log zerolog.Logger) *AnswerPersistWorker {
	return &AnswerPersistWorker{
		answers: answers,
		rdb:     rdb,
		log:     log.With().Str("component", "answer_persist_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AnswerPersistWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			w.drain(context.Background())
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AnswerPersistWorker) processNext(ctx context.Context) {
	// BLPop blocks until an item is available or timeout (1 second).
	result, err := w.rdb.BLPop(ctx, time.Second, config.WorkerKey.PersistAnswersQueue).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLPop error")
		}
		return
	}
	if len(result) < 2 {
		return
	}

	var rec model.AnswerRecord
	if err := json.Unmarshal([]byte(result[1]), &rec); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}

	applied, err := w.answers.Upsert(ctx, &rec)
	if err != nil {
		w.log.Error().Err(err).
			Str("session_id", rec.SessionID.String()).
			Str("question_id", rec.QuestionID.String()).
			Msg("Persist error, retrying in 5s")
		// Push back to queue for retry.
		w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result[1])
		time.Sleep(5 * time.Second)
		return
	}
	if !applied {
		w.log.Debug().
			Str("session_id", rec.SessionID.String()).
			Str("question_id", rec.QuestionID.String()).
			Int64("seq", rec.Seq).
			Msg("Skipped stale answer")
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AnswerPersistWorker) drain(ctx context.Context) {
	drained := 0
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var rec model.AnswerRecord
		if err := json.Unmarshal([]byte(result), &rec); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if _, err := w.answers.Upsert(ctx, &rec); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, result)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
