package api

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"

	"github.com/soulstream/soulstream/internal/common/errors"
)

// errorEnvelope is the non-stream failure shape.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func envelopeFor(err error) (int, errorEnvelope) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.Internal("internal server error", err)
	}
	details := appErr.Details
	if details == nil {
		details = map[string]any{}
	}
	return appErr.HTTPStatus, errorEnvelope{Error: errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: details,
	}}
}

func respondError(c *gin.Context, err error) {
	status, env := envelopeFor(err)
	c.JSON(status, env)
}

func abortWithError(c *gin.Context, err error) {
	status, env := envelopeFor(err)
	c.AbortWithStatusJSON(status, env)
}
