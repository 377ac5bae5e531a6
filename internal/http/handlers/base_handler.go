// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/modules/eta"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/matching"
	"dispatch/internal/modules/order"
	"dispatch/internal/modules/roster"
)

type errorResponse struct {
	Error  string `json:"error"`
	Result any    `json:"result,omitempty"`
}

// isValidID accepts ASCII letters, digits, '-' and '_' up to 64 chars.
func isValidID(v string) bool {
	if v == "" || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, matching.ErrInvalidRequest),
		errors.Is(err, order.ErrBadRequest),
		errors.Is(err, eta.ErrInvalidDestination),
		errors.Is(err, location.ErrInvalidLocation),
		errors.Is(err, location.ErrClockSkew):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, roster.ErrNotFound),
		errors.Is(err, eta.ErrLocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, matching.ErrAlreadyAssigned),
		errors.Is(err, order.ErrConflict),
		errors.Is(err, order.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, matching.ErrExhaustedRetries),
		errors.Is(err, matching.ErrNoCandidate):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeDomainError(c *gin.Context, err error) {
	writeDomainErrorWith(c, err, nil)
}

// writeDomainErrorWith attaches result to the error body; 500s never leak details.
func writeDomainErrorWith(c *gin.Context, err error, result any) {
	status := statusFor(err)
	_ = c.Error(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
		result = nil
	}
	writeJSON(c, status, errorResponse{Error: msg, Result: result})
}

// pathID reads and validates a path parameter, writing 400 when it is bad.
func pathID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return id, true
}
