package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrTokenRequired      ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid       ErrCode = "TOKEN_INVALID"
	ErrTokenExpired       ErrCode = "TOKEN_EXPIRED"
	ErrInstructorOnly     ErrCode = "INSTRUCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Exam entry ────────────────────────────────────────────────────
	ErrExamClosed       ErrCode = "EXAM_CLOSED"
	ErrExamNotDraft     ErrCode = "EXAM_NOT_DRAFT"
	ErrExamNotPublished ErrCode = "EXAM_NOT_PUBLISHED"
	ErrNoQuestions      ErrCode = "NO_QUESTIONS"
	ErrNotExamAuthor    ErrCode = "NOT_EXAM_AUTHOR"

	// ─── Session lifecycle ─────────────────────────────────────────────
	ErrAlreadySubmitted  ErrCode = "ALREADY_SUBMITTED"
	ErrSessionLocked     ErrCode = "SESSION_LOCKED"
	ErrSessionNotStarted ErrCode = "SESSION_NOT_STARTED"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrStoreUnavailable ErrCode = "STORE_UNAVAILABLE"
	ErrInternal         ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrInvalidCredentials:
		return "Email or password is incorrect."
	case ErrTokenRequired:
		return "An authentication token is required."
	case ErrTokenInvalid:
		return "The authentication token is invalid."
	case ErrTokenExpired:
		return "The authentication token has expired."
	case ErrInstructorOnly:
		return "This resource is restricted to instructors."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "The resource already exists."

	// ─── Exam entry ────────────────────────────────────────────────────
	case ErrExamClosed:
		return "This exam is not currently open for entry."
	case ErrExamNotDraft:
		return "This exam is not in DRAFT status."
	case ErrExamNotPublished:
		return "This exam has not been published."
	case ErrNoQuestions:
		return "This exam has no questions."
	case ErrNotExamAuthor:
		return "You are not the author of this exam."

	// ─── Session lifecycle ─────────────────────────────────────────────
	case ErrAlreadySubmitted:
		return "This exam has already been submitted."
	case ErrSessionLocked:
		return "This exam session is read-only."
	case ErrSessionNotStarted:
		return "This exam session has not been started."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrStoreUnavailable:
		return "The answer store is temporarily unavailable."
	case ErrInternal:
		return "An internal server error occurred."
	default:
		return "An unexpected error occurred."
	}
}
