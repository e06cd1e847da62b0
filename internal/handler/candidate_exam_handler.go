package handler

import (
	"errors"
	"net/http"

	"github.com/examflow/examflow-backend/internal/autosave"
	"github.com/examflow/examflow-backend/internal/middleware"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/response"
	"github.com/examflow/examflow-backend/internal/service"
	"github.com/examflow/examflow-backend/internal/validator"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// CandidateExamHandler serves the candidate-facing exam lifecycle endpoints.
type CandidateExamHandler struct {
	sessionService *service.SessionService
	examService    *service.ExamService
	coordinator    *autosave.Coordinator
	buffers        *autosave.RedisSink
	log            zerolog.Logger
}

// NewCandidateExamHandler creates a new CandidateExamHandler.
func NewCandidateExamHandler(
	sessionService *service.SessionService,
	examService *service.ExamService,
	coordinator *autosave.Coordinator,
	buffers *autosave.RedisSink,
	log zerolog.Logger,
) *CandidateExamHandler {
	return &CandidateExamHandler{
		sessionService: sessionService,
		examService:    examService,
		coordinator:    coordinator,
		buffers:        buffers,
		log:            log.With().Str("component", "candidate_handler").Logger(),
	}
}

// Enter godoc
// POST /api/v1/candidate/exams/enter
// Resolves an exam code to an exam open for entry. Creates nothing.
func (h *CandidateExamHandler) Enter(c *gin.Context) {
	var req model.EnterExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	exam, err := h.sessionService.Enter(c.Request.Context(), req.ExamCode)
	if err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"exam": gin.H{
			"id":               exam.ID,
			"title":            exam.Title,
			"duration_minutes": exam.DurationMinutes,
		},
	})
}

// Start godoc
// POST /api/v1/candidate/exams/start
// Starts or resumes the candidate's single attempt for an exam.
func (h *CandidateExamHandler) Start(c *gin.Context) {
	var req model.StartExamRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.sessionService.Start(c.Request.Context(), req.ExamID, req.CandidateName, req.CandidateRef)
	if err != nil {
		h.failSession(c, err)
		return
	}

	status := http.StatusCreated
	if result.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, result)
}

// GetCurrent godoc
// GET /api/v1/candidate/session/current
// Returns the session state plus stored answers for rehydration.
func (h *CandidateExamHandler) GetCurrent(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	session, err := h.sessionService.GetCurrent(c.Request.Context(), claims.SessionID)
	if err != nil {
		h.failSession(c, err)
		return
	}

	answers, err := h.sessionService.SavedAnswers(c.Request.Context(), claims.SessionID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	// The hot buffer can be ahead of PostgreSQL while the persist worker
	// drains; overlay it so a reload immediately after typing shows the
	// latest accepted values.
	buffered, err := h.buffers.BufferedAnswers(c.Request.Context(), claims.SessionID)
	if err != nil {
		h.log.Warn().Err(err).
			Str("session_id", claims.SessionID.String()).
			Msg("Answer buffer read failed, serving durable answers only")
	}
	for questionID, value := range buffered {
		answers[questionID] = value
	}

	response.Success(c, http.StatusOK, gin.H{
		"session": session,
		"answers": answers,
	})
}

// GetQuestions godoc
// GET /api/v1/candidate/session/questions
// Returns the ordered question feed for the active session.
func (h *CandidateExamHandler) GetQuestions(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	questions, err := h.sessionService.Questions(c.Request.Context(), claims.SessionID)
	if err != nil {
		h.failSession(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"questions": questions})
}

// Autosave godoc
// POST /api/v1/candidate/session/autosave
// Records one answer update. The HTTP path shares the coordinator with the
// WebSocket path, so sequencing and debouncing behave the same on both.
func (h *CandidateExamHandler) Autosave(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.AutosaveRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	qtype, err := h.examService.QuestionType(c.Request.Context(), claims.ExamID, req.QuestionID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	outcome, err := h.coordinator.Save(c.Request.Context(), claims.SessionID, req.QuestionID, qtype, req.Value, req.Seq)
	if err != nil {
		// A terminal session is a read-only condition, not a failure: answer
		// clients keep polling after the deadline and expect a state, not an
		// error page.
		if errors.Is(err, service.ErrSessionLocked) {
			response.Success(c, http.StatusOK, gin.H{"status": "locked"})
			return
		}
		if outcome != autosave.OutcomePending {
			h.failSession(c, err)
			return
		}
		// Flush retries exhausted. The value stays parked in the coordinator,
		// so report "pending" and let the client show a not-saved indicator.
		h.log.Warn().Err(err).
			Str("session_id", claims.SessionID.String()).
			Msg("Autosave flush exhausted retries")
	}

	response.Success(c, http.StatusOK, gin.H{
		"status": string(outcome),
		"seq":    req.Seq,
	})
}

// Submit godoc
// POST /api/v1/candidate/session/submit
// Finalizes the session. Buffered answers are flushed first so a fast
// type-then-submit does not lose the last edit. Idempotent.
func (h *CandidateExamHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	if err := h.coordinator.FlushSession(c.Request.Context(), claims.SessionID); err != nil {
		h.log.Warn().Err(err).
			Str("session_id", claims.SessionID.String()).
			Msg("Pre-submit flush failed, continuing")
	}

	status, submittedAt, err := h.sessionService.Submit(c.Request.Context(), claims.SessionID)
	if err != nil {
		h.failSession(c, err)
		return
	}

	// status is whatever terminal state the session actually reached: a
	// submit that lost the race against the deadline reports expired.
	response.Success(c, http.StatusOK, gin.H{
		"status":       string(status),
		"submitted_at": submittedAt,
	})
}

// Summary godoc
// GET /api/v1/candidate/session/summary
// Reports answered/unanswered counts for the confirmation screen, plus any
// answers still sitting in the debounce buffer so the client can warn before
// the candidate submits or navigates away.
func (h *CandidateExamHandler) Summary(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	summary, err := h.sessionService.Summary(c.Request.Context(), claims.SessionID)
	if err != nil {
		h.failSession(c, err)
		return
	}

	unsavedIDs := []string{}
	for _, rec := range h.coordinator.Unsaved(claims.SessionID) {
		unsavedIDs = append(unsavedIDs, rec.QuestionID.String())
	}

	response.Success(c, http.StatusOK, gin.H{
		"summary": summary,
		"unsaved": unsavedIDs,
	})
}

// failSession maps session domain errors onto HTTP status and error codes.
func (h *CandidateExamHandler) failSession(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrExamClosed):
		response.Fail(c, http.StatusForbidden, response.ErrExamClosed)
	case errors.Is(err, service.ErrConflict):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, service.ErrSessionLocked):
		response.Fail(c, http.StatusConflict, response.ErrSessionLocked)
	case errors.Is(err, service.ErrSessionNotStarted):
		response.Fail(c, http.StatusConflict, response.ErrSessionNotStarted)
	default:
		h.log.Error().Err(err).Msg("Session operation failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
