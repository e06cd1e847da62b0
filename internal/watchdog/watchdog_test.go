package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/examflow/examflow-backend/internal/clock"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeExpirer struct {
	mu    sync.Mutex
	fired []uuid.UUID
	ch    chan uuid.UUID
}

func newFakeExpirer() *fakeExpirer {
	return &fakeExpirer{ch: make(chan uuid.UUID, 8)}
}

func (f *fakeExpirer) Expire(_ context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	f.fired = append(f.fired, sessionID)
	f.mu.Unlock()
	f.ch <- sessionID
	return nil
}

func (f *fakeExpirer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

type fakeLister struct {
	sessions []model.ExamSession
}

func (f *fakeLister) ListInProgress(context.Context) ([]model.ExamSession, error) {
	return f.sessions, nil
}

func newTestWatchdog(expirer Expirer, lister SessionLister, clk clock.Clock) *Watchdog {
	return New(expirer, lister, clk, time.Hour, zerolog.Nop())
}

func TestOverdueDeadlineFiresImmediately(t *testing.T) {
	expirer := newFakeExpirer()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	w := newTestWatchdog(expirer, &fakeLister{}, clk)

	sessionID := uuid.New()
	w.Watch(sessionID, clk.Now().Add(-time.Minute))

	select {
	case fired := <-expirer.ch:
		if fired != sessionID {
			t.Fatalf("expired %s, want %s", fired, sessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overdue session never expired")
	}
}

func TestCancelStopsTimer(t *testing.T) {
	expirer := newFakeExpirer()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	w := newTestWatchdog(expirer, &fakeLister{}, clk)

	sessionID := uuid.New()
	w.Watch(sessionID, clk.Now().Add(30*time.Millisecond))
	w.Cancel(sessionID)

	time.Sleep(100 * time.Millisecond)
	if expirer.count() != 0 {
		t.Fatal("canceled timer still fired")
	}
}

func TestRearmReplacesTimer(t *testing.T) {
	expirer := newFakeExpirer()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	w := newTestWatchdog(expirer, &fakeLister{}, clk)

	sessionID := uuid.New()
	// First arm far out, then re-arm overdue; exactly one expiry must fire.
	w.Watch(sessionID, clk.Now().Add(time.Hour))
	w.Watch(sessionID, clk.Now().Add(-time.Second))

	select {
	case <-expirer.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("re-armed timer never fired")
	}

	time.Sleep(50 * time.Millisecond)
	if expirer.count() != 1 {
		t.Fatalf("fired %d times, want 1", expirer.count())
	}
}

func TestRescanArmsUnwatchedSessions(t *testing.T) {
	expirer := newFakeExpirer()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	// A session whose deadline passed while the process was down.
	overdueEnds := clk.Now().Add(-5 * time.Minute)
	sessionID := uuid.New()
	lister := &fakeLister{sessions: []model.ExamSession{
		{ID: sessionID, Status: model.SessionStatusInProgress, EndsAt: &overdueEnds},
	}}

	w := newTestWatchdog(expirer, lister, clk)
	w.rescan(context.Background())

	select {
	case fired := <-expirer.ch:
		if fired != sessionID {
			t.Fatalf("expired %s, want %s", fired, sessionID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rescan did not expire the overdue session")
	}
}

func TestRescanSkipsAlreadyWatched(t *testing.T) {
	expirer := newFakeExpirer()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))

	ends := clk.Now().Add(time.Hour)
	sessionID := uuid.New()
	lister := &fakeLister{sessions: []model.ExamSession{
		{ID: sessionID, Status: model.SessionStatusInProgress, EndsAt: &ends},
	}}

	w := newTestWatchdog(expirer, lister, clk)
	w.Watch(sessionID, ends)
	w.rescan(context.Background())

	w.mu.Lock()
	n := len(w.timers)
	w.mu.Unlock()
	if n != 1 {
		t.Fatalf("have %d timers, want 1", n)
	}
}
