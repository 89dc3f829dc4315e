package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/apierr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondDomainError translates typed domain errors to HTTP statuses.
func RespondDomainError(c *gin.Context, err error) {
	var apiErr *apierr.Error
	var conflict *domain.ConflictError
	var transition *domain.TransitionError
	switch {
	case errors.As(err, &apiErr):
		RespondError(c, apiErr.Status, apiErr.Code, apiErr)
	case errors.Is(err, domain.ErrNodeNotFound):
		RespondError(c, http.StatusNotFound, "node_not_found", err)
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, ErrorEnvelope{Error: APIError{
			Message: conflict.Reason,
			Code:    "generation_conflict",
			JobID:   conflict.JobID.String(),
		}})
	case errors.Is(err, domain.ErrNoMaterials):
		RespondError(c, http.StatusUnprocessableEntity, "no_materials", err)
	case errors.As(err, &transition):
		RespondError(c, http.StatusConflict, "invalid_status_transition", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}
