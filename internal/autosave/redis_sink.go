package autosave

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// writeAnswerScript applies one answer to the hot buffer and persist queue,
// guarded by seq: a write older than the buffered one is ignored. The guard
// must live in Redis because the coordinator's in-memory seq map is per
// process; after a restart, or across replicas, an out-of-order retry would
// otherwise overwrite a newer buffered value.
var writeAnswerScript = redis.NewScript(`
local stored = redis.call('HGET', KEYS[1], ARGV[1])
if stored then
	local prev = cjson.decode(stored)
	if tonumber(prev['seq']) > tonumber(ARGV[3]) then
		return 0
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[4])
return 1
`)

// RedisSink writes answers to the session's hot buffer and enqueues them for
// the persist worker. Both writes ride one script so an answer visible in
// the buffer is always also queued for PostgreSQL.
type RedisSink struct {
	rdb *redis.Client
}

// NewRedisSink creates a new RedisSink.
func NewRedisSink(rdb *redis.Client) *RedisSink {
	return &RedisSink{rdb: rdb}
}

type bufferedAnswer struct {
	Value   string `json:"value"`
	Seq     int64  `json:"seq"`
	SavedAt string `json:"saved_at"`
}

// WriteAnswer stores the answer in Redis. A write carrying a seq below the
// buffered one is dropped whole, hash and queue both: the stale value must
// not reach the buffer, and queueing it would only be discarded by the SQL
// seq guard anyway.
func (s *RedisSink) WriteAnswer(ctx context.Context, rec model.AnswerRecord) error {
	field, err := json.Marshal(bufferedAnswer{
		Value:   rec.Value,
		Seq:     rec.Seq,
		SavedAt: rec.SavedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return fmt.Errorf("marshal buffered answer: %w", err)
	}
	queued, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal queued answer: %w", err)
	}

	keys := []string{
		config.CacheKey.SessionAnswersKey(rec.SessionID.String()),
		config.WorkerKey.PersistAnswersQueue,
	}
	args := []interface{}{
		rec.QuestionID.String(),
		field,
		rec.Seq,
		queued,
	}
	if err := writeAnswerScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("autosave write: %w", err)
	}
	return nil
}

// BufferedAnswers reads the session's hot buffer. The buffer can be ahead of
// PostgreSQL (the persist worker drains asynchronously), so rehydration
// overlays it on top of the durable answers.
func (s *RedisSink) BufferedAnswers(ctx context.Context, sessionID uuid.UUID) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("read answer buffer: %w", err)
	}

	answers := make(map[string]string, len(fields))
	for questionID, raw := range fields {
		var entry bufferedAnswer
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// Corrupt entry; skip it rather than fail the whole read.
			continue
		}
		answers[questionID] = entry.Value
	}
	return answers, nil
}
