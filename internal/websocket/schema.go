package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionPing     Action = "ping"
)

// AutosaveRequest is sent by the client to save a single answer. Seq orders
// updates to the same question; zero lets the server assign one.
type AutosaveRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
	Seq        int64  `json:"seq"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError   Event = "error"
	EventSaved   Event = "saved"
	EventLocked  Event = "locked"
	EventExpired Event = "expired"
	EventPong    Event = "pong"
)

// AutosaveResponse acknowledges an autosave with its outcome
// (saved, pending or stale).
type AutosaveResponse struct {
	Event      Event  `json:"event"`
	QuestionID string `json:"question_id"`
	Status     string `json:"status"`
	Seq        int64  `json:"seq"`
}

// SessionClosedResponse is pushed when the session reaches a terminal state,
// whether by the candidate's own submit or by the deadline.
type SessionClosedResponse struct {
	Event  Event  `json:"event"`
	Status string `json:"status"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
