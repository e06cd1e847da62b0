package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/examflow/examflow-backend/internal/clock"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// ─── In-memory fakes ────────────────────────────────────────────────

type memSessionStore struct {
	mu    sync.Mutex
	byID  map[uuid.UUID]model.ExamSession
	byKey map[string]uuid.UUID
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{
		byID:  make(map[uuid.UUID]model.ExamSession),
		byKey: make(map[string]uuid.UUID),
	}
}

func pairKey(examID uuid.UUID, key string) string {
	return examID.String() + "/" + key
}

func (m *memSessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := s
	return &out, nil
}

func (m *memSessionStore) GetByExamAndCandidate(_ context.Context, examID uuid.UUID, candidateKey string) (*model.ExamSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[pairKey(examID, candidateKey)]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	s := m.byID[id]
	out := s
	return &out, nil
}

func (m *memSessionStore) Create(_ context.Context, s *model.ExamSession) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(s.ExamID, s.CandidateKey())
	if _, exists := m.byKey[key]; exists {
		return false, nil
	}
	s.ID = uuid.New()
	m.byID[s.ID] = *s
	m.byKey[key] = s.ID
	return true, nil
}

func (m *memSessionStore) MarkStarted(_ context.Context, id uuid.UUID, startedAt, endsAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.Status != model.SessionStatusNotStarted {
		return false, nil
	}
	s.Status = model.SessionStatusInProgress
	s.StartedAt = &startedAt
	s.EndsAt = &endsAt
	m.byID[id] = s
	return true, nil
}

func (m *memSessionStore) Finalize(_ context.Context, id uuid.UUID, to model.SessionStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok || s.Status != model.SessionStatusInProgress {
		return false, nil
	}
	s.Status = to
	s.SubmittedAt = &at
	m.byID[id] = s
	return true, nil
}

type memExamStore struct {
	exams map[uuid.UUID]model.Exam
}

func (m *memExamStore) GetByID(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	e, ok := m.exams[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	out := e
	return &out, nil
}

func (m *memExamStore) GetByCode(_ context.Context, code string) (*model.Exam, error) {
	for _, e := range m.exams {
		if e.ExamCode == code {
			out := e
			return &out, nil
		}
	}
	return nil, pgx.ErrNoRows
}

type memQuestionFeed struct {
	questions []model.QuestionForCandidate
}

func (m *memQuestionFeed) CandidateQuestions(_ context.Context, _ uuid.UUID) ([]model.QuestionForCandidate, error) {
	return m.questions, nil
}

func (m *memQuestionFeed) QuestionCount(_ context.Context, _ uuid.UUID) (int, error) {
	return len(m.questions), nil
}

type memAnswerReader struct {
	records []model.AnswerRecord
}

func (m *memAnswerReader) ListBySession(_ context.Context, sessionID uuid.UUID) ([]model.AnswerRecord, error) {
	var out []model.AnswerRecord
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAnswerReader) CountBySession(_ context.Context, sessionID uuid.UUID) (int, error) {
	n := 0
	for _, r := range m.records {
		if r.SessionID == sessionID && r.Value != "" {
			n++
		}
	}
	return n, nil
}

type stubTokenIssuer struct {
	issued int
}

func (s *stubTokenIssuer) IssueCandidateToken(sessionID, _ uuid.UUID, _ time.Time) (string, error) {
	s.issued++
	return "token-" + sessionID.String(), nil
}

type recordingScheduler struct {
	mu       sync.Mutex
	watched  map[uuid.UUID]time.Time
	canceled []uuid.UUID
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{watched: make(map[uuid.UUID]time.Time)}
}

func (r *recordingScheduler) Watch(id uuid.UUID, endsAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched[id] = endsAt
}

func (r *recordingScheduler) Cancel(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, id)
}

// ─── Fixture ────────────────────────────────────────────────────────

type fixture struct {
	svc      *SessionService
	store    *memSessionStore
	clk      *clock.Fake
	sched    *recordingScheduler
	tokens   *stubTokenIssuer
	examID   uuid.UUID
	examCode string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	examID := uuid.New()
	exams := &memExamStore{exams: map[uuid.UUID]model.Exam{
		examID: {
			ID:              examID,
			ExamCode:        "DSA-Mk4qP",
			Title:           "DSA Midterm",
			DurationMinutes: 60,
			Status:          model.ExamStatusPublished,
		},
	}}

	store := newMemSessionStore()
	clk := clock.NewFake(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	tokens := &stubTokenIssuer{}
	sched := newRecordingScheduler()

	svc := NewSessionService(store, exams, &memQuestionFeed{
		questions: []model.QuestionForCandidate{
			{ID: uuid.New(), Type: model.QuestionTypeSingleChoice, OrderNum: 1},
			{ID: uuid.New(), Type: model.QuestionTypeEssay, OrderNum: 2},
		},
	}, &memAnswerReader{}, tokens, clk, zerolog.Nop())
	svc.SetScheduler(sched)

	return &fixture{
		svc:      svc,
		store:    store,
		clk:      clk,
		sched:    sched,
		tokens:   tokens,
		examID:   examID,
		examCode: "DSA-Mk4qP",
	}
}

// ─── Tests ──────────────────────────────────────────────────────────

func TestEnter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("resolves published exam", func(t *testing.T) {
		exam, err := f.svc.Enter(ctx, f.examCode)
		if err != nil {
			t.Fatalf("Enter: %v", err)
		}
		if exam.ID != f.examID {
			t.Fatalf("got exam %s, want %s", exam.ID, f.examID)
		}
	})

	t.Run("unknown code", func(t *testing.T) {
		if _, err := f.svc.Enter(ctx, "NOPE-1234"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("got %v, want ErrNotFound", err)
		}
	})

	t.Run("creates no session", func(t *testing.T) {
		if n := len(f.store.byID); n != 0 {
			t.Fatalf("enter created %d sessions", n)
		}
	})
}

func TestEnterClosedExam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exams := map[uuid.UUID]model.Exam{}
	id := uuid.New()
	exams[id] = model.Exam{ID: id, ExamCode: "OLD-x1y2z", Status: model.ExamStatusClosed, DurationMinutes: 30}
	f.svc.exams = &memExamStore{exams: exams}

	if _, err := f.svc.Enter(ctx, "OLD-x1y2z"); !errors.Is(err, ErrExamClosed) {
		t.Fatalf("got %v, want ErrExamClosed", err)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if first.Resumed {
		t.Fatal("first start reported resumed")
	}

	// A reload 10 minutes in must come back to the same attempt with the
	// original deadline intact.
	f.clk.Advance(10 * time.Minute)
	second, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if !second.Resumed {
		t.Fatal("second start did not report resumed")
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("resume returned session %s, want %s", second.SessionID, first.SessionID)
	}
	if !second.EndsAt.Equal(first.EndsAt) {
		t.Fatalf("resume moved deadline from %v to %v", first.EndsAt, second.EndsAt)
	}
	if f.tokens.issued != 2 {
		t.Fatalf("issued %d tokens, want 2", f.tokens.issued)
	}
}

func TestStartCandidateKeyCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := f.svc.Start(ctx, f.examID, "ADA LOVELACE", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatal("case variant of the same name created a second attempt")
	}
}

func TestStartDeadlineFromDuration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clk.Now()
	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	want := now.Add(60 * time.Minute)
	if !res.EndsAt.Equal(want) {
		t.Fatalf("ends_at = %v, want %v", res.EndsAt, want)
	}
	if got, ok := f.sched.watched[res.SessionID]; !ok || !got.Equal(want) {
		t.Fatalf("watchdog armed at %v, want %v", got, want)
	}
}

func TestStartAfterSubmitConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := f.svc.Submit(ctx, res.SessionID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil); !errors.Is(err, ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	status, first, err := f.svc.Submit(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if status != model.SessionStatusSubmitted {
		t.Fatalf("status = %s, want submitted", status)
	}

	// The duplicate arrives later but must echo the stored timestamp.
	f.clk.Advance(3 * time.Second)
	status, second, err := f.svc.Submit(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if status != model.SessionStatusSubmitted {
		t.Fatalf("duplicate status = %s, want submitted", status)
	}
	if !second.Equal(first) {
		t.Fatalf("duplicate submit returned %v, want %v", second, first)
	}
}

func TestSubmitCancelsWatchdog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := f.svc.Submit(ctx, res.SessionID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if len(f.sched.canceled) != 1 || f.sched.canceled[0] != res.SessionID {
		t.Fatalf("watchdog cancel calls = %v, want [%s]", f.sched.canceled, res.SessionID)
	}
}

func TestDeadlineEnforcedOnAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Candidate disappears past the deadline; even with no watchdog firing,
	// the next read must observe expiry.
	f.clk.Advance(61 * time.Minute)

	session, err := f.svc.GetCurrent(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if session.Status != model.SessionStatusExpired {
		t.Fatalf("status = %s, want expired", session.Status)
	}
	if session.SubmittedAt == nil {
		t.Fatal("expired session has no submitted_at")
	}
}

func TestSubmitAfterDeadlineReturnsExpiryTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.clk.Advance(61 * time.Minute)

	// The submit lands late: the session expires first, and the call reports
	// the expired state with the stored finalization time instead of failing
	// or pretending the submit won.
	status, submittedAt, err := f.svc.Submit(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("late submit: %v", err)
	}
	if status != model.SessionStatusExpired {
		t.Fatalf("late submit reported %s, want expired", status)
	}

	session, _ := f.store.GetByID(ctx, res.SessionID)
	if session.Status != model.SessionStatusExpired {
		t.Fatalf("status = %s, want expired", session.Status)
	}
	if !submittedAt.Equal(*session.SubmittedAt) {
		t.Fatalf("late submit returned %v, want stored %v", submittedAt, *session.SubmittedAt)
	}
}

func TestExpireIsNoopAfterSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	_, submittedAt, err := f.svc.Submit(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Watchdog fires anyway; the submitted state must stand.
	if err := f.svc.Expire(ctx, res.SessionID); err != nil {
		t.Fatalf("expire: %v", err)
	}

	session, _ := f.store.GetByID(ctx, res.SessionID)
	if session.Status != model.SessionStatusSubmitted {
		t.Fatalf("status = %s, want submitted", session.Status)
	}
	if !session.SubmittedAt.Equal(submittedAt) {
		t.Fatalf("submitted_at changed from %v to %v", submittedAt, *session.SubmittedAt)
	}
}

func TestCheckWritable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.svc.CheckWritable(ctx, res.SessionID); err != nil {
		t.Fatalf("in_progress session not writable: %v", err)
	}

	if _, _, err := f.svc.Submit(ctx, res.SessionID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.svc.CheckWritable(ctx, res.SessionID); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("got %v, want ErrSessionLocked", err)
	}
}

func TestQuestionsRequireActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	questions, err := f.svc.Questions(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("got %d questions, want 2", len(questions))
	}

	if _, _, err := f.svc.Submit(ctx, res.SessionID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Questions(ctx, res.SessionID); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("got %v, want ErrSessionLocked", err)
	}
}

func TestLockIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.svc.Lock(ctx, res.SessionID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// Locked absorbs: writes refuse, and a late submit reports the locked
	// state with the lock time rather than claiming success.
	if err := f.svc.CheckWritable(ctx, res.SessionID); !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("got %v, want ErrSessionLocked", err)
	}
	status, _, err := f.svc.Submit(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("submit on locked: %v", err)
	}
	if status != model.SessionStatusLocked {
		t.Fatalf("late submit reported %s, want locked", status)
	}
	session, _ := f.store.GetByID(ctx, res.SessionID)
	if session.Status != model.SessionStatusLocked {
		t.Fatalf("status = %s, want locked", session.Status)
	}
}

func TestSummaryCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(ctx, f.examID, "Ada Lovelace", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	f.svc.answers = &memAnswerReader{records: []model.AnswerRecord{
		{SessionID: res.SessionID, QuestionID: uuid.New(), Value: "B"},
		{SessionID: res.SessionID, QuestionID: uuid.New(), Value: ""}, // Cleared
	}}

	summary, err := f.svc.Summary(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Total != 2 || summary.Answered != 1 || summary.Unanswered != 1 {
		t.Fatalf("summary = %+v, want total 2, answered 1, unanswered 1", summary)
	}
}
