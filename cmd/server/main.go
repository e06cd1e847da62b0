package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/examflow/examflow-backend/internal/autosave"
	"github.com/examflow/examflow-backend/internal/clock"
	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/database"
	"github.com/examflow/examflow-backend/internal/handler"
	"github.com/examflow/examflow-backend/internal/logger"
	"github.com/examflow/examflow-backend/internal/repository"
	"github.com/examflow/examflow-backend/internal/router"
	"github.com/examflow/examflow-backend/internal/service"
	"github.com/examflow/examflow-backend/internal/validator"
	"github.com/examflow/examflow-backend/internal/watchdog"
	"github.com/examflow/examflow-backend/internal/worker"
	"github.com/rs/zerolog"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExamFlow Backend")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	answerRepo := repository.NewAnswerRepository(pool)
	instructorRepo := repository.NewInstructorRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	clk := clock.New()
	tokenService := service.NewTokenService(cfg)
	instructorService := service.NewInstructorService(instructorRepo, cfg)
	examService := service.NewExamService(examRepo, questionRepo, rdb, log)
	sessionService := service.NewSessionService(sessionRepo, examRepo, examService, answerRepo, tokenService, clk, log)
	sessionService.SetNotifier(service.NewRedisNotifier(rdb, log))

	// ─── Deadline Watchdog ────────────────────────────────────────────
	// The watchdog expires sessions through the session service, which in
	// turn re-arms timers on start/resume; wire them after construction.
	dog := watchdog.New(sessionService, sessionRepo, clk, cfg.WatchdogSweep, log)
	sessionService.SetScheduler(dog)

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	go dog.Start(watchdogCtx)

	// ─── Autosave Coordinator ─────────────────────────────────────────
	sink := autosave.NewRedisSink(rdb)
	coordinator := autosave.New(
		sink,
		sessionService,
		clk,
		cfg.AutosaveDebounce,
		cfg.AutosaveRetries,
		log,
	)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:      handler.NewAuthHandler(instructorService, tokenService),
		Candidate: handler.NewCandidateExamHandler(sessionService, examService, coordinator, sink, log),
		Exam:      handler.NewExamHandler(examService, log),
		WS:        handler.NewWSHandler(rdb, sessionService, examService, coordinator, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	persistWorker := worker.NewAnswerPersistWorker(answerRepo, rdb, log)
	go persistWorker.Start(workerCtx)

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exams into Redis BEFORE accepting traffic.
	// This avoids race conditions from lazy loading under thundering herd.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(tokenService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Flush buffered answers so nothing typed in the last second is lost.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := coordinator.Close(flushCtx); err != nil {
		log.Error().Err(err).Msg("Autosave flush error")
	}
	flushCancel()

	// 3. Stop the watchdog and workers; workers drain their queues.
	watchdogCancel()
	workerCancel()
	time.Sleep(2 * time.Second) // Allow workers to drain.

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
