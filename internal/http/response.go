package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"tubefetch/internal/domain"
	"tubefetch/internal/service"
)

type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, envelope{Error: &apiError{Code: code, Message: message}})
}

// respondErr maps domain errors onto status codes. Anything unrecognised is logged and
// reported as an internal error without leaking its text.
func (h *Handler) respondErr(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
		message = "internal server error"
	}
	respondError(c, status, code, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, domain.CodeInvalidRequest
	case errors.Is(err, domain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, domain.CodeInsufficientCredits
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, domain.CodeNotFound
	case errors.Is(err, domain.ErrConflict), errors.Is(err, service.ErrUserAlreadyExists):
		return http.StatusConflict, domain.CodeConflict
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrInvalidRegistrationPassword),
		errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, domain.CodeUnauthorized
	}
	return http.StatusInternalServerError, domain.CodeInternal
}
