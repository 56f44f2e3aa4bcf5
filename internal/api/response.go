package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"fastraygram/internal/apperr"
	"fastraygram/pkg/logging"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func SuccessJSON(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Response{Success: true, Message: "success", Data: data})
}

// MessageJSON answers with a bare message, as apply and deny do.
func MessageJSON(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, Response{Success: true, Message: msg})
}

// ErrorJSON maps err onto a status and a "<code>: <msg>" message. Causes
// wrapped inside an *apperr.Error are logged, not returned.
func ErrorJSON(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)

	var appErr *apperr.Error
	msg := string(apperr.CodeOf(err)) + ": "
	switch {
	case errors.As(err, &appErr):
		msg += appErr.Msg
	case status == http.StatusInternalServerError:
		msg += "internal error"
	default:
		msg += http.StatusText(status)
	}
	if status >= http.StatusInternalServerError {
		logging.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(status, Response{Success: false, Message: msg})
}

func abortJSON(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, Response{Success: false, Message: msg})
}
