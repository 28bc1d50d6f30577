// Package response writes the JSON envelope used by the worker's HTTP API.
package response

import (
	"net/http"

	"tiger/pkg/errors"
	"tiger/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Response is the envelope around every API payload.
type Response struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Data    interface{}      `json:"data,omitempty"`
	Details interface{}      `json:"details,omitempty"`
	TraceID string           `json:"trace_id,omitempty"`
}

// Success writes data with HTTP 200.
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, Response{Code: errors.Success, Message: errors.Success.Message(), Data: data})
}

// Error maps err to its code and HTTP status. Server-side failures are
// logged with their stack.
func Error(c *gin.Context, err error) {
	e := errors.GetError(err)
	status := e.Code.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed",
			zap.Int("code", int(e.Code)),
			zap.Error(e),
			zap.String("stack", e.Stack),
		)
	}
	resp := Response{Code: e.Code, Message: e.Error()}
	if len(e.Details) > 0 {
		resp.Details = e.Details
	}
	write(c, status, resp)
}

// BadRequest writes an InvalidParams error. An empty message falls back to
// the code's default text.
func BadRequest(c *gin.Context, message string) {
	if message == "" {
		message = errors.InvalidParams.Message()
	}
	write(c, errors.InvalidParams.HTTPStatus(), Response{Code: errors.InvalidParams, Message: message})
}

func write(c *gin.Context, status int, resp Response) {
	if v, ok := c.Get("trace_id"); ok {
		resp.TraceID, _ = v.(string)
	}
	c.JSON(status, resp)
}
