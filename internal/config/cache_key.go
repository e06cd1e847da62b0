package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionAnswersKey returns the cache key for a session's hot answer buffer.
// Hash field = question ID, value = JSON-encoded answer entry.
func (r *CacheKeyStruct) SessionAnswersKey(sessionID string) string {
	return fmt.Sprintf("session:%s:answers", sessionID)
}

// SessionStatusKey returns the cache key mirroring a session's status so the
// hot path can reject writes to terminal sessions without touching PostgreSQL.
func (r *CacheKeyStruct) SessionStatusKey(sessionID string) string {
	return fmt.Sprintf("session:%s:status", sessionID)
}

// ExamPayloadKey returns the cache key for an exam's candidate payload
// (questions without correct answers).
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// SessionEventsChannel returns the pub/sub channel carrying lifecycle events
// for a session, consumed by the websocket stream.
func (r *CacheKeyStruct) SessionEventsChannel(sessionID string) string {
	return fmt.Sprintf("session:%s:events", sessionID)
}

var CacheKey = NewCacheKeyStruct()
