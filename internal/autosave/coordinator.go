package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/examflow/examflow-backend/internal/clock"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outcome is the per-save result reported back to the candidate UI.
type Outcome string

const (
	// OutcomeSaved means the answer reached the hot store.
	OutcomeSaved Outcome = "saved"
	// OutcomePending means the answer is buffered awaiting a debounce flush
	// or a retry. It is never silently dropped.
	OutcomePending Outcome = "pending"
	// OutcomeStale means a newer answer for the question already exists.
	OutcomeStale Outcome = "stale"
)

// Sink receives flushed answers. The production sink writes to Redis; tests
// substitute an in-memory one.
type Sink interface {
	WriteAnswer(ctx context.Context, rec model.AnswerRecord) error
}

// Guard gates writes on session state. Implemented by the session service.
type Guard interface {
	CheckWritable(ctx context.Context, sessionID uuid.UUID) error
}

type pendingKey struct {
	sessionID  uuid.UUID
	questionID uuid.UUID
}

type pendingEntry struct {
	rec   model.AnswerRecord
	timer *time.Timer
}

// Coordinator buffers answer updates per (session, question) and flushes them
// to the sink. Choice answers flush immediately; free-input answers wait for
// a quiescence window so keystroke bursts collapse into one write.
type Coordinator struct {
	sink     Sink
	guard    Guard
	clk      clock.Clock
	debounce time.Duration
	retries  int
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[pendingKey]*pendingEntry
	highSeq map[pendingKey]int64
	closed  bool
}

// New creates a Coordinator. retries caps flush attempts per answer; a value
// below 1 is treated as 1.
func New(sink Sink, guard Guard, clk clock.Clock, debounce time.Duration, retries int, log zerolog.Logger) *Coordinator {
	if retries < 1 {
		retries = 1
	}
	return &Coordinator{
		sink:     sink,
		guard:    guard,
		clk:      clk,
		debounce: debounce,
		retries:  retries,
		log:      log.With().Str("component", "autosave").Logger(),
		pending:  make(map[pendingKey]*pendingEntry),
		highSeq:  make(map[pendingKey]int64),
	}
}

// Save records an answer update. seq orders concurrent updates for the same
// question; pass 0 to have the coordinator assign one from its clock.
//
// Returns ErrSessionLocked (or another session error) when the session is no
// longer writable; the answer is discarded in that case.
func (c *Coordinator) Save(ctx context.Context, sessionID, questionID uuid.UUID, qtype model.QuestionType, value string, seq int64) (Outcome, error) {
	if err := c.guard.CheckWritable(ctx, sessionID); err != nil {
		return "", err
	}

	if seq == 0 {
		seq = c.clk.Now().UnixNano()
	}
	rec := model.AnswerRecord{
		SessionID:  sessionID,
		QuestionID: questionID,
		Value:      value,
		Seq:        seq,
		SavedAt:    c.clk.Now(),
	}
	key := pendingKey{sessionID: sessionID, questionID: questionID}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", errors.New("autosave coordinator closed")
	}
	if seq < c.highSeq[key] {
		c.mu.Unlock()
		return OutcomeStale, nil
	}
	c.highSeq[key] = seq

	if qtype.IsChoice() {
		// A choice change is a complete action; replace any buffered text
		// flush for this question and write through now.
		c.dropPendingLocked(key)
		c.mu.Unlock()
		return c.flush(ctx, key, rec)
	}

	if entry, ok := c.pending[key]; ok {
		// Newer update supersedes the buffered one; the window restarts.
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.rec = rec
		entry.timer = c.armTimer(key)
		c.mu.Unlock()
		return OutcomePending, nil
	}
	c.pending[key] = &pendingEntry{rec: rec, timer: c.armTimer(key)}
	c.mu.Unlock()
	return OutcomePending, nil
}

func (c *Coordinator) armTimer(key pendingKey) *time.Timer {
	return time.AfterFunc(c.debounce, func() {
		c.flushPending(key)
	})
}

// flushPending is the debounce timer callback.
func (c *Coordinator) flushPending(key pendingKey) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec := entry.rec
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.guard.CheckWritable(ctx, key.sessionID); err != nil {
		// Session went terminal while the answer was buffered. Drop it; the
		// stream pushes the lock to the client.
		c.mu.Lock()
		c.dropPendingLocked(key)
		c.mu.Unlock()
		c.log.Debug().
			Str("session_id", key.sessionID.String()).
			Str("question_id", key.questionID.String()).
			Msg("Dropped buffered answer for finalized session")
		return
	}

	if _, err := c.flush(ctx, key, rec); err != nil {
		c.log.Warn().Err(err).
			Str("session_id", key.sessionID.String()).
			Str("question_id", key.questionID.String()).
			Msg("Debounced flush failed, answer stays pending")
	}
}

// flush writes one record with bounded retries. On success any pending entry
// with the same or older seq is cleared; on failure the record is parked as
// pending, without a timer, so it survives until FlushSession or the next
// save gives it another chance. Failed answers are never dropped.
func (c *Coordinator) flush(ctx context.Context, key pendingKey, rec model.AnswerRecord) (Outcome, error) {
	var err error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 200 * time.Millisecond
			select {
			case <-ctx.Done():
				err = ctx.Err()
				attempt = c.retries
				continue
			case <-time.After(backoff):
			}
		}
		if err = c.sink.WriteAnswer(ctx, rec); err == nil {
			c.mu.Lock()
			if entry, ok := c.pending[key]; ok && entry.rec.Seq <= rec.Seq {
				c.dropPendingLocked(key)
			}
			c.mu.Unlock()
			return OutcomeSaved, nil
		}
	}

	c.mu.Lock()
	if entry, ok := c.pending[key]; !ok || entry.rec.Seq <= rec.Seq {
		if ok && entry.timer != nil {
			entry.timer.Stop()
		}
		if !c.closed {
			c.pending[key] = &pendingEntry{rec: rec}
		}
	}
	c.mu.Unlock()
	return OutcomePending, err
}

func (c *Coordinator) dropPendingLocked(key pendingKey) {
	if entry, ok := c.pending[key]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(c.pending, key)
	}
}

// Unsaved lists answers still buffered for a session, in no particular
// order. The summary endpoint reports these so the client can warn before
// the candidate submits or navigates away.
func (c *Coordinator) Unsaved(sessionID uuid.UUID) []model.AnswerRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.AnswerRecord
	for key, entry := range c.pending {
		if key.sessionID == sessionID {
			out = append(out, entry.rec)
		}
	}
	return out
}

// FlushSession synchronously flushes every buffered answer for a session.
// Called on submit so buffered text answers are not lost, and the deadline
// check is skipped: a submit-triggered flush must not race its own lock.
func (c *Coordinator) FlushSession(ctx context.Context, sessionID uuid.UUID) error {
	c.mu.Lock()
	var keys []pendingKey
	var recs []model.AnswerRecord
	for key, entry := range c.pending {
		if key.sessionID == sessionID {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			keys = append(keys, key)
			recs = append(recs, entry.rec)
		}
	}
	for _, key := range keys {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	var firstErr error
	for i, rec := range recs {
		if _, err := c.flush(ctx, keys[i], rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close flushes all buffered answers and stops accepting new ones. Part of
// graceful shutdown.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	keys := make([]pendingKey, 0, len(c.pending))
	recs := make([]model.AnswerRecord, 0, len(c.pending))
	for key, entry := range c.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		keys = append(keys, key)
		recs = append(recs, entry.rec)
	}
	c.pending = make(map[pendingKey]*pendingEntry)
	c.mu.Unlock()

	var firstErr error
	for _, rec := range recs {
		if err := c.sink.WriteAnswer(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(recs) > 0 {
		c.log.Info().Int("count", len(recs)).Msg("Flushed buffered answers on shutdown")
	}
	return firstErr
}

var _ Guard = (*service.SessionService)(nil)
