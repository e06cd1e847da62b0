package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/examflow/examflow-backend/internal/autosave"
	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/middleware"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/service"
	ws "github.com/examflow/examflow-backend/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams the candidate session: autosave over the socket plus
// server-pushed terminal transitions (deadline expiry in particular).
type WSHandler struct {
	rdb            *redis.Client
	sessionService *service.SessionService
	examService    *service.ExamService
	coordinator    *autosave.Coordinator
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	rdb *redis.Client,
	sessionService *service.SessionService,
	examService *service.ExamService,
	coordinator *autosave.Coordinator,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		rdb:            rdb,
		sessionService: sessionService,
		examService:    examService,
		coordinator:    coordinator,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/candidate/session/stream?token=...
// Upgrades to WebSocket for real-time autosave and forced-transition pushes.
func (h *WSHandler) SessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessionID := claims.SessionID

	// Fast path: the notifier mirrors terminal statuses into Redis, so a
	// reconnect to a finished session is rejected without touching PostgreSQL.
	if status, err := h.rdb.Get(c.Request.Context(), config.CacheKey.SessionStatusKey(sessionID.String())).Result(); err == nil {
		if model.SessionStatus(status).IsTerminal() {
			c.JSON(http.StatusConflict, gin.H{"error": "session is not active"})
			return
		}
	}

	// The session must still be writable before we hold a socket open for it.
	if err := h.sessionService.CheckWritable(c.Request.Context(), sessionID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, service.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "session is not active"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().Str("session_id", sessionID.String()).Logger()
	wsLog.Info().Msg("Candidate connected")

	// Forward terminal transitions published by the state machine. The
	// subscription spans nodes, so a watchdog expiry on another instance
	// still reaches this socket.
	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	go h.forwardSessionEvents(subCtx, conn, sessionID, wsLog)

	for {
		var msg ws.AutosaveRequest
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			break
		}

		switch msg.Action {
		case ws.ActionAutosave:
			h.handleAutosave(conn, claims.ExamID, sessionID, &msg, wsLog)
		case ws.ActionPing:
			ws.WriteTyped(conn, ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			ws.WriteError(conn, "unknown action: "+string(msg.Action))
		}
	}
}

// handleAutosave routes a socket autosave through the shared coordinator, so
// debouncing and sequencing behave identically to the HTTP path.
func (h *WSHandler) handleAutosave(conn *websocket.Conn, examID, sessionID uuid.UUID, msg *ws.AutosaveRequest, wsLog zerolog.Logger) {
	ctx := context.Background()

	questionID, err := uuid.Parse(msg.QuestionID)
	if err != nil {
		ws.WriteError(conn, "invalid question_id format")
		return
	}

	qtype, err := h.examService.QuestionType(ctx, examID, questionID)
	if err != nil {
		ws.WriteError(conn, "unknown question")
		return
	}

	outcome, err := h.coordinator.Save(ctx, sessionID, questionID, qtype, msg.Value, msg.Seq)
	if err != nil {
		if errors.Is(err, service.ErrSessionLocked) {
			ws.WriteTyped(conn, ws.SessionClosedResponse{Event: ws.EventLocked, Status: "locked"})
			return
		}
		if outcome != autosave.OutcomePending {
			wsLog.Error().Err(err).Msg("Autosave error")
			ws.WriteError(conn, "save failed")
			return
		}
		// Retries exhausted; the value stays parked. The "pending" ack below
		// tells the client to keep its not-saved indicator on.
		wsLog.Warn().Err(err).Msg("Autosave flush exhausted retries")
	}

	ws.WriteTyped(conn, ws.AutosaveResponse{
		Event:      ws.EventSaved,
		QuestionID: msg.QuestionID,
		Status:     string(outcome),
		Seq:        msg.Seq,
	})
}

// forwardSessionEvents relays finalization events from Redis pub/sub to the
// socket, then closes it: once the session is terminal the stream has nothing
// left to say.
func (h *WSHandler) forwardSessionEvents(ctx context.Context, conn *websocket.Conn, sessionID uuid.UUID, wsLog zerolog.Logger) {
	sub := h.rdb.Subscribe(ctx, config.CacheKey.SessionEventsChannel(sessionID.String()))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var event service.SessionEvent
			if err := json.Unmarshal([]byte(raw.Payload), &event); err != nil {
				wsLog.Error().Err(err).Msg("Bad session event payload")
				continue
			}
			ev := ws.EventExpired
			if event.Status == "locked" {
				ev = ws.EventLocked
			}
			ws.WriteTyped(conn, ws.SessionClosedResponse{
				Event:  ev,
				Status: event.Status,
			})
			wsLog.Info().Str("status", event.Status).Msg("Pushed terminal transition")
			conn.Close()
			return
		}
	}
}
