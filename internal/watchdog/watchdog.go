package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/examflow/examflow-backend/internal/clock"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Expirer finalizes an overdue session. Implemented by the session service;
// the call is a no-op when the session already left in_progress.
type Expirer interface {
	Expire(ctx context.Context, sessionID uuid.UUID) error
}

// SessionLister enumerates active sessions so timers can be rebuilt after a
// restart.
type SessionLister interface {
	ListInProgress(ctx context.Context) ([]model.ExamSession, error)
}

// Watchdog arms one timer per active session and expires sessions whose
// deadline passed. It is an advisory layer: the session service re-checks the
// deadline on every access, so a late or missing timer can delay an expiry but
// never extend a session.
type Watchdog struct {
	expirer Expirer
	lister  SessionLister
	clk     clock.Clock
	sweep   time.Duration
	log     zerolog.Logger

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// New creates a Watchdog. sweep is the interval of the safety scan that
// catches sessions whose timer was lost.
func New(expirer Expirer, lister SessionLister, clk clock.Clock, sweep time.Duration, log zerolog.Logger) *Watchdog {
	return &Watchdog{
		expirer: expirer,
		lister:  lister,
		clk:     clk,
		sweep:   sweep,
		log:     log.With().Str("component", "watchdog").Logger(),
		timers:  make(map[uuid.UUID]*time.Timer),
	}
}

// Watch arms (or re-arms) the timer for a session. An already-passed deadline
// fires immediately.
func (w *Watchdog) Watch(sessionID uuid.UUID, endsAt time.Time) {
	delay := endsAt.Sub(w.clk.Now())
	if delay < 0 {
		delay = 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[sessionID]; ok {
		t.Stop()
	}
	w.timers[sessionID] = time.AfterFunc(delay, func() {
		w.fire(sessionID)
	})
}

// Cancel drops the timer for a session that reached a terminal state.
func (w *Watchdog) Cancel(sessionID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[sessionID]; ok {
		t.Stop()
		delete(w.timers, sessionID)
	}
}

func (w *Watchdog) fire(sessionID uuid.UUID) {
	w.mu.Lock()
	delete(w.timers, sessionID)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Expire is idempotent; a session submitted in the same instant wins.
	if err := w.expirer.Expire(ctx, sessionID); err != nil {
		w.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Deadline expiry failed")
		return
	}
	w.log.Info().Str("session_id", sessionID.String()).Msg("Session deadline fired")
}

// Start rebuilds timers for sessions active before a restart, then runs the
// periodic safety sweep until ctx is cancelled. Call in a goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	w.rescan(ctx)

	ticker := time.NewTicker(w.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.stopAll()
			w.log.Info().Msg("Watchdog stopped")
			return
		case <-ticker.C:
			w.rescan(ctx)
		}
	}
}

// rescan arms timers for every in_progress session that lacks one. Overdue
// sessions get a zero-delay timer and expire at once.
func (w *Watchdog) rescan(ctx context.Context) {
	sessions, err := w.lister.ListInProgress(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Watchdog rescan failed")
		return
	}

	armed := 0
	for _, s := range sessions {
		if s.EndsAt == nil {
			continue
		}
		w.mu.Lock()
		_, exists := w.timers[s.ID]
		w.mu.Unlock()
		if exists {
			continue
		}
		w.Watch(s.ID, *s.EndsAt)
		armed++
	}
	if armed > 0 {
		w.log.Info().Int("count", armed).Msg("Watchdog armed timers from scan")
	}
}

func (w *Watchdog) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}
