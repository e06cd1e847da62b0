package service

import (
	"context"
	"encoding/json"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SessionEvent is the message published on a session's event channel when it
// reaches a terminal state.
type SessionEvent struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// RedisNotifier publishes terminal transitions to Redis pub/sub so websocket
// streams on any node can push them to the candidate. Also mirrors the status
// key so the autosave hot path stops accepting writes without a DB round trip.
type RedisNotifier struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisNotifier creates a new RedisNotifier.
func NewRedisNotifier(rdb *redis.Client, log zerolog.Logger) *RedisNotifier {
	return &RedisNotifier{
		rdb: rdb,
		log: log.With().Str("component", "session_notifier").Logger(),
	}
}

// SessionFinalized broadcasts the terminal status. Best effort: a delivery
// failure never blocks the state transition that already committed.
func (n *RedisNotifier) SessionFinalized(ctx context.Context, sessionID uuid.UUID, status model.SessionStatus) {
	id := sessionID.String()

	if err := n.rdb.Set(ctx, config.CacheKey.SessionStatusKey(id), string(status), 0).Err(); err != nil {
		n.log.Warn().Err(err).Str("session_id", id).Msg("Failed to mirror session status")
	}

	payload, err := json.Marshal(SessionEvent{SessionID: id, Status: string(status)})
	if err != nil {
		return
	}
	if err := n.rdb.Publish(ctx, config.CacheKey.SessionEventsChannel(id), payload).Err(); err != nil {
		n.log.Warn().Err(err).Str("session_id", id).Msg("Failed to publish session event")
	}
}
