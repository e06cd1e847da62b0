package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/examflow/examflow-backend/internal/clock"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memSink struct {
	mu      sync.Mutex
	writes  []model.AnswerRecord
	failing int // Number of writes to fail before succeeding
}

func (s *memSink) WriteAnswer(_ context.Context, rec model.AnswerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing > 0 {
		s.failing--
		return errors.New("sink unavailable")
	}
	s.writes = append(s.writes, rec)
	return nil
}

func (s *memSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *memSink) last() model.AnswerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[len(s.writes)-1]
}

type guardFunc func(ctx context.Context, sessionID uuid.UUID) error

func (f guardFunc) CheckWritable(ctx context.Context, sessionID uuid.UUID) error {
	return f(ctx, sessionID)
}

func alwaysWritable(context.Context, uuid.UUID) error { return nil }

const testDebounce = 20 * time.Millisecond

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func newTestCoordinator(sink Sink, guard Guard) *Coordinator {
	return New(sink, guard, clock.New(), testDebounce, 2, zerolog.Nop())
}

func TestChoiceAnswerFlushesImmediately(t *testing.T) {
	sink := &memSink{}
	c := newTestCoordinator(sink, guardFunc(alwaysWritable))
	sessionID, questionID := uuid.New(), uuid.New()

	outcome, err := c.Save(context.Background(), sessionID, questionID, model.QuestionTypeSingleChoice, "B", 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if outcome != OutcomeSaved {
		t.Fatalf("outcome = %s, want saved", outcome)
	}
	if sink.count() != 1 {
		t.Fatalf("sink writes = %d, want 1", sink.count())
	}
	if got := sink.last(); got.Value != "B" {
		t.Fatalf("stored value = %q, want B", got.Value)
	}
}

func TestFreeInputIsDebounced(t *testing.T) {
	sink := &memSink{}
	c := newTestCoordinator(sink, guardFunc(alwaysWritable))
	sessionID, questionID := uuid.New(), uuid.New()
	ctx := context.Background()

	// Keystroke burst: three updates inside the window collapse to one write
	// carrying the final text.
	for i, text := range []string{"He", "Hell", "Hello wor"} {
		outcome, err := c.Save(ctx, sessionID, questionID, model.QuestionTypeEssay, text, int64(i+1))
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if outcome != OutcomePending {
			t.Fatalf("outcome = %s, want pending", outcome)
		}
	}

	if sink.count() != 0 {
		t.Fatalf("sink written before debounce window elapsed")
	}

	waitFor(t, func() bool { return sink.count() == 1 })
	if got := sink.last(); got.Value != "Hello wor" || got.Seq != 3 {
		t.Fatalf("flushed %q seq %d, want final text seq 3", got.Value, got.Seq)
	}
}

func TestStaleSeqIgnored(t *testing.T) {
	sink := &memSink{}
	c := newTestCoordinator(sink, guardFunc(alwaysWritable))
	sessionID, questionID := uuid.New(), uuid.New()
	ctx := context.Background()

	if _, err := c.Save(ctx, sessionID, questionID, model.QuestionTypeSingleChoice, "new", 5); err != nil {
		t.Fatalf("save: %v", err)
	}

	// A delayed retry of an older write arrives after the newer one.
	outcome, err := c.Save(ctx, sessionID, questionID, model.QuestionTypeSingleChoice, "old", 3)
	if err != nil {
		t.Fatalf("stale save: %v", err)
	}
	if outcome != OutcomeStale {
		t.Fatalf("outcome = %s, want stale", outcome)
	}
	if sink.count() != 1 || sink.last().Value != "new" {
		t.Fatalf("stale write reached the sink")
	}
}

func TestLockedSessionRejected(t *testing.T) {
	sink := &memSink{}
	c := newTestCoordinator(sink, guardFunc(func(context.Context, uuid.UUID) error {
		return service.ErrSessionLocked
	}))

	_, err := c.Save(context.Background(), uuid.New(), uuid.New(), model.QuestionTypeEssay, "too late", 1)
	if !errors.Is(err, service.ErrSessionLocked) {
		t.Fatalf("got %v, want ErrSessionLocked", err)
	}
	if sink.count() != 0 {
		t.Fatal("rejected write reached the sink")
	}
}

func TestFailedFlushStaysPending(t *testing.T) {
	sink := &memSink{failing: 10} // more failures than retry attempts
	c := newTestCoordinator(sink, guardFunc(alwaysWritable))
	sessionID, questionID := uuid.New(), uuid.New()
	ctx := context.Background()

	outcome, err := c.Save(ctx, sessionID, questionID, model.QuestionTypeSingleChoice, "B", 1)
	if err == nil {
		t.Fatal("expected flush error")
	}
	if outcome != OutcomePending {
		t.Fatalf("outcome = %s, want pending", outcome)
	}

	unsaved := c.Unsaved(sessionID)
	if len(unsaved) != 1 || unsaved[0].Value != "B" {
		t.Fatalf("unsaved = %+v, want the failed answer", unsaved)
	}

	// Sink recovers; FlushSession must deliver the parked answer.
	sink.mu.Lock()
	sink.failing = 0
	sink.mu.Unlock()

	if err := c.FlushSession(ctx, sessionID); err != nil {
		t.Fatalf("flush session: %v", err)
	}
	if sink.count() != 1 || sink.last().Value != "B" {
		t.Fatalf("parked answer not delivered after recovery")
	}
	if len(c.Unsaved(sessionID)) != 0 {
		t.Fatal("answer still pending after successful flush")
	}
}

func TestFlushSessionDrainsDebounced(t *testing.T) {
	sink := &memSink{}
	c := newTestCoordinator(sink, guardFunc(alwaysWritable))
	sessionID := uuid.New()
	ctx := context.Background()

	q1, q2 := uuid.New(), uuid.New()
	if _, err := c.Save(ctx, sessionID, q1, model.QuestionTypeEssay, "draft one", 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := c.Save(ctx, sessionID, q2, model.QuestionTypeShortAnswer, "42", 1); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Submit path: buffered text must reach the sink before finalization.
	if err := c.FlushSession(ctx, sessionID); err != nil {
		t.Fatalf("flush session: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("sink writes = %d, want 2", sink.count())
	}
	if len(c.Unsaved(sessionID)) != 0 {
		t.Fatal("answers still pending after flush")
	}
}

func TestCloseFlushesBuffered(t *testing.T) {
	sink := &memSink{}
	c := newTestCoordinator(sink, guardFunc(alwaysWritable))
	sessionID := uuid.New()
	ctx := context.Background()

	q1, q2 := uuid.New(), uuid.New()
	if _, err := c.Save(ctx, sessionID, q1, model.QuestionTypeEssay, "last edit", 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := c.Save(ctx, sessionID, q2, model.QuestionTypeCode, "return 0", 1); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Shutdown path: everything buffered is written out, then new saves fail.
	if err := c.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if sink.count() != 2 {
		t.Fatalf("sink writes = %d, want 2", sink.count())
	}

	if _, err := c.Save(ctx, sessionID, q1, model.QuestionTypeEssay, "after close", 2); err == nil {
		t.Fatal("save accepted after close")
	}
}

func TestSeqAssignedWhenZero(t *testing.T) {
	sink := &memSink{}
	c := newTestCoordinator(sink, guardFunc(alwaysWritable))

	if _, err := c.Save(context.Background(), uuid.New(), uuid.New(), model.QuestionTypeTrueFalse, "true", 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if sink.last().Seq == 0 {
		t.Fatal("server did not assign a sequence number")
	}
}
