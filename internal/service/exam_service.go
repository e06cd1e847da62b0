package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/repository"
	"github.com/examflow/examflow-backend/internal/response"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Authoring domain errors.
var (
	ErrNotExamAuthor = errors.New("not the author of this exam")
	ErrNoQuestions   = errors.New("exam has no questions, cannot publish")
	ErrExamNotDraft  = errors.New("exam status is not DRAFT")
)

const examPayloadTTL = 24 * time.Hour

// ExamService handles exam authoring and the Redis-cached candidate payload.
type ExamService struct {
	examRepo     *repository.ExamRepository
	questionRepo *repository.QuestionRepository
	rdb          *redis.Client
	log          zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(
	examRepo *repository.ExamRepository,
	questionRepo *repository.QuestionRepository,
	rdb *redis.Client,
	log zerolog.Logger,
) *ExamService {
	return &ExamService{
		examRepo:     examRepo,
		questionRepo: questionRepo,
		rdb:          rdb,
		log:          log.With().Str("component", "exam_service").Logger(),
	}
}

// GetByID retrieves an exam by its UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	return s.examRepo.GetByID(ctx, id)
}

// GetByCode retrieves an exam by its entry code.
func (s *ExamService) GetByCode(ctx context.Context, code string) (*model.Exam, error) {
	return s.examRepo.GetByCode(ctx, code)
}

// ListByAuthor retrieves an instructor's exams with pagination.
func (s *ExamService) ListByAuthor(ctx context.Context, authorID, page, perPage int) ([]model.Exam, *response.Pagination, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 10
	}
	if perPage > 100 {
		perPage = 100
	}

	exams, total, err := s.examRepo.ListByAuthorPaginated(ctx, authorID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, nil, err
	}
	if exams == nil {
		exams = []model.Exam{}
	}

	pagination := &response.Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: (total + perPage - 1) / perPage,
	}
	return exams, pagination, nil
}

// Create inserts a new exam as DRAFT, generating an entry code if none given.
func (s *ExamService) Create(ctx context.Context, exam *model.Exam) error {
	exam.Status = model.ExamStatusDraft
	if exam.ExamCode == "" {
		exam.ExamCode = GenerateEntryCode(exam.Title)
	}
	return s.examRepo.Create(ctx, exam)
}

// Update modifies a DRAFT exam after an author check.
func (s *ExamService) Update(ctx context.Context, authorID int, exam *model.Exam) error {
	current, err := s.examRepo.GetByID(ctx, exam.ID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if current.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if current.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}
	return s.examRepo.Update(ctx, exam)
}

// Publish opens an exam for entry and prewarms the candidate payload cache.
func (s *ExamService) Publish(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}

	count, err := s.questionRepo.CountByExam(ctx, examID)
	if err != nil {
		return fmt.Errorf("count questions: %w", err)
	}
	if count == 0 {
		return ErrNoQuestions
	}

	if err := s.warmExamCache(ctx, exam); err != nil {
		return err
	}
	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusPublished); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.log.Info().Str("exam_id", examID.String()).Str("code", exam.ExamCode).Msg("Exam published")
	return nil
}

// Close takes a published exam out of entry. In-flight sessions run to their
// own deadlines; only new entries are refused.
func (s *ExamService) Close(ctx context.Context, examID uuid.UUID, authorID int) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}

	if err := s.examRepo.UpdateStatus(ctx, examID, model.ExamStatusClosed); err != nil {
		return fmt.Errorf("update status: %w", err)
	}

	s.log.Info().Str("exam_id", examID.String()).Msg("Exam closed")
	return nil
}

// ListQuestions returns the full (author) view of an exam's questions.
func (s *ExamService) ListQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	return s.questionRepo.ListByExam(ctx, examID)
}

// ReplaceQuestions swaps an exam's question set while it is a draft, then
// drops any stale payload cache.
func (s *ExamService) ReplaceQuestions(ctx context.Context, examID uuid.UUID, authorID int, questions []model.Question) error {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return fmt.Errorf("get exam: %w", err)
	}
	if exam.AuthorID != authorID {
		return ErrNotExamAuthor
	}
	if exam.Status != model.ExamStatusDraft {
		return ErrExamNotDraft
	}

	if err := s.questionRepo.ReplaceForExam(ctx, examID, questions); err != nil {
		return fmt.Errorf("replace questions: %w", err)
	}

	s.rdb.Del(ctx, config.CacheKey.ExamPayloadKey(examID.String()))
	return nil
}

// CandidateQuestions returns the candidate-facing question feed, served from
// Redis when warm, falling back to PostgreSQL with a self-heal write-back.
func (s *ExamService) CandidateQuestions(ctx context.Context, examID uuid.UUID) ([]model.QuestionForCandidate, error) {
	payloadKey := config.CacheKey.ExamPayloadKey(examID.String())

	raw, err := s.rdb.Get(ctx, payloadKey).Result()
	if err == nil {
		var payload model.ExamPayload
		if err := json.Unmarshal([]byte(raw), &payload); err == nil {
			return payload.Questions, nil
		}
		// Corrupt cache entry: drop it and fall through to PostgreSQL.
		s.rdb.Del(ctx, payloadKey)
	} else if !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Payload cache read failed, falling back to DB")
	}

	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}
	payload, err := s.buildPayload(ctx, exam)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(payload); err == nil {
		s.rdb.Set(ctx, payloadKey, data, examPayloadTTL)
	}
	return payload.Questions, nil
}

// QuestionType resolves the type of a question within an exam, serving from
// the cached payload when warm. A question outside the exam is an error: a
// session token must not write answers into another exam.
func (s *ExamService) QuestionType(ctx context.Context, examID, questionID uuid.UUID) (model.QuestionType, error) {
	questions, err := s.CandidateQuestions(ctx, examID)
	if err != nil {
		return "", err
	}
	for _, q := range questions {
		if q.ID == questionID {
			return q.Type, nil
		}
	}
	return "", fmt.Errorf("question %s not in exam %s", questionID, examID)
}

// QuestionCount returns the number of questions in an exam.
func (s *ExamService) QuestionCount(ctx context.Context, examID uuid.UUID) (int, error) {
	return s.questionRepo.CountByExam(ctx, examID)
}

// PrewarmAllCaches loads every published exam payload into Redis. Called
// before accepting traffic to avoid lazy-load races under a thundering herd.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.examRepo.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published: %w", err)
	}
	for i := range exams {
		if err := s.warmExamCache(ctx, &exams[i]); err != nil {
			s.log.Warn().Err(err).Str("exam_id", exams[i].ID.String()).Msg("Prewarm failed")
		}
	}
	s.log.Info().Int("count", len(exams)).Msg("Exam caches prewarmed")
	return nil
}

func (s *ExamService) warmExamCache(ctx context.Context, exam *model.Exam) error {
	payload, err := s.buildPayload(ctx, exam)
	if err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamPayloadKey(exam.ID.String()), data, examPayloadTTL).Err(); err != nil {
		return fmt.Errorf("cache payload: %w", err)
	}
	return nil
}

func (s *ExamService) buildPayload(ctx context.Context, exam *model.Exam) (*model.ExamPayload, error) {
	questions, err := s.questionRepo.ListByExam(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	forCandidate := make([]model.QuestionForCandidate, 0, len(questions))
	for _, q := range questions {
		forCandidate = append(forCandidate, model.QuestionForCandidate{
			ID:       q.ID,
			Type:     q.Type,
			Prompt:   q.Prompt,
			Options:  q.Options,
			Required: q.Required,
			OrderNum: q.OrderNum,
		})
	}

	return &model.ExamPayload{
		ExamID:    exam.ID,
		Title:     exam.Title,
		Duration:  exam.DurationMinutes,
		Questions: forCandidate,
	}, nil
}

const entryCodeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// GenerateEntryCode derives an entry code from the exam title plus a random
// suffix, e.g. "DSA-Mk4qP" for "DSA Midterm".
func GenerateEntryCode(title string) string {
	prefix := "EXAM"
	if fields := strings.Fields(title); len(fields) > 0 {
		prefix = strings.ToUpper(sanitizeCodeWord(fields[0]))
		if len(prefix) > 8 {
			prefix = prefix[:8]
		}
		if prefix == "" {
			prefix = "EXAM"
		}
	}

	suffix := make([]byte, 5)
	for i := range suffix {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(entryCodeCharset))))
		if err != nil {
			// crypto/rand failing is unrecoverable for code generation.
			panic(fmt.Sprintf("entry code generation: %v", err))
		}
		suffix[i] = entryCodeCharset[n.Int64()]
	}
	return prefix + "-" + string(suffix)
}

func sanitizeCodeWord(w string) string {
	var b strings.Builder
	for _, r := range w {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
