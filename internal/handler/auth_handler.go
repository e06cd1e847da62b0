package handler

import (
	"errors"
	"net/http"

	"github.com/examflow/examflow-backend/internal/middleware"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/response"
	"github.com/examflow/examflow-backend/internal/service"
	"github.com/examflow/examflow-backend/internal/validator"
	"github.com/gin-gonic/gin"
)

// AuthHandler handles instructor authentication endpoints.
type AuthHandler struct {
	instructorService *service.InstructorService
	tokenService      *service.TokenService
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(instructorService *service.InstructorService, tokenService *service.TokenService) *AuthHandler {
	return &AuthHandler{
		instructorService: instructorService,
		tokenService:      tokenService,
	}
}

// InstructorLogin godoc
// POST /api/v1/auth/instructor/login
// Validates email + password, returns a JWT.
func (h *AuthHandler) InstructorLogin(c *gin.Context) {
	var req model.InstructorLoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	instructor, err := h.instructorService.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	token, err := h.tokenService.IssueInstructorToken(instructor.ID)
	if err != nil {
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"token": token,
		"instructor": gin.H{
			"id":    instructor.ID,
			"name":  instructor.Name,
			"email": instructor.Email,
		},
	})
}

// GetInstructorProfile godoc
// GET /api/v1/auth/instructor/me
// Returns the profile of the currently authenticated instructor.
func (h *AuthHandler) GetInstructorProfile(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	instructor, err := h.instructorService.GetProfile(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"instructor": gin.H{
			"id":    instructor.ID,
			"name":  instructor.Name,
			"email": instructor.Email,
		},
	})
}
