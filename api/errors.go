package api

import (
	"errors"
	"net/http"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"github.com/gin-gonic/gin"
)

// StatusFor maps a lifecycle error to its HTTP status.
func StatusFor(err error) int {
	switch models.ErrorCodeOf(err) {
	case models.ErrCodeValidation:
		return http.StatusBadRequest
	case models.ErrCodeNotFound:
		return http.StatusNotFound
	case models.ErrCodeConflict:
		return http.StatusConflict
	case models.ErrCodePrecondition, models.ErrCodeTimeWindowExpired, models.ErrCodeSequenceLimitExceeded, models.ErrCodeGatewayRejection:
		return http.StatusUnprocessableEntity
	case models.ErrCodeSequencingUnavailable, models.ErrCodeGatewayUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Code       models.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	ReasonCode string           `json:"reason_code,omitempty"`
	Retryable  bool             `json:"retryable"`
}

func bodyFor(err error) errorBody {
	var fe *models.FiscalError
	if errors.As(err, &fe) {
		msg := fe.Message
		if msg == "" {
			msg = fe.Error()
		}
		return errorBody{Code: fe.Code, Message: msg, ReasonCode: fe.ReasonCode, Retryable: fe.Retryable()}
	}
	return errorBody{Code: "INTERNAL", Message: "internal error"}
}

// abortWithError writes err and records it for the error logger. extra is
// merged into the response, e.g. the document a failed emission left behind.
func abortWithError(c *gin.Context, err error, extra gin.H) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	resp := gin.H{"error": bodyFor(err)}
	for k, v := range extra {
		resp[k] = v
	}
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, err error) {
	abortWithError(c, models.NewValidationError("%s", models.ValidationMessage(err)), nil)
}

var errInvalidLimit = errors.New("limit must be a positive integer")
