package router

import (
	"net/http"
	"time"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/handler"
	"github.com/examflow/examflow-backend/internal/middleware"
	"github.com/examflow/examflow-backend/internal/response"
	"github.com/examflow/examflow-backend/internal/service"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth      *handler.AuthHandler
	Candidate *handler.CandidateExamHandler
	Exam      *handler.ExamHandler
	WS        *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	tokenService *service.TokenService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// Rate limiter for the public entry endpoints (20 requests per minute
	// per IP): they take no credentials and would otherwise invite exam
	// code guessing.
	entryLimiter := middleware.NewRateLimiter(20, time.Minute)

	// ─── 1. Candidate Entry Group (Public, Rate Limited) ───────────────
	candidateEntry := router.Group("/api/v1/candidate/exams")
	candidateEntry.Use(entryLimiter.Middleware())
	{
		candidateEntry.POST("/enter", handlers.Candidate.Enter)
		candidateEntry.POST("/start", handlers.Candidate.Start)
	}

	// ─── 2. Candidate Session Group (Session Token) ────────────────────
	sessionAPI := router.Group("/api/v1/candidate/session")
	sessionAPI.Use(middleware.RequireSessionToken(tokenService))
	{
		sessionAPI.GET("/current", handlers.Candidate.GetCurrent)
		sessionAPI.GET("/questions", handlers.Candidate.GetQuestions)
		sessionAPI.POST("/autosave", handlers.Candidate.Autosave)
		sessionAPI.POST("/submit", handlers.Candidate.Submit)
		sessionAPI.GET("/summary", handlers.Candidate.Summary)
	}

	// ─── 3. WebSocket Group (Session Token via ?token=) ────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireSessionToken(tokenService))
	{
		ws.GET("/candidate/session/stream", handlers.WS.SessionStream)
	}

	// ─── 4. Instructor Auth Group (Public) ─────────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.POST("/instructor/login", handlers.Auth.InstructorLogin)
		auth.GET("/instructor/me", middleware.RequireInstructorJWT(tokenService), handlers.Auth.GetInstructorProfile)
	}

	// ─── 5. Instructor Group (JWT) ─────────────────────────────────────
	instructorAPI := router.Group("/api/v1/instructor")
	instructorAPI.Use(middleware.RequireInstructorJWT(tokenService))
	{
		instructorAPI.GET("/exams", handlers.Exam.List)
		instructorAPI.POST("/exams", handlers.Exam.Create)
		instructorAPI.GET("/exams/:id", handlers.Exam.Get)
		instructorAPI.PUT("/exams/:id", handlers.Exam.Update)
		instructorAPI.POST("/exams/:id/publish", handlers.Exam.Publish)
		instructorAPI.POST("/exams/:id/close", handlers.Exam.Close)
		instructorAPI.GET("/exams/:id/questions", handlers.Exam.ListQuestions)
		instructorAPI.PUT("/exams/:id/questions", handlers.Exam.ReplaceQuestions)
	}

	return router
}
