// Package response writes the JSON envelope shared by every HTTP route.
package response

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo mirrors the WebSocket error frame so clients can share one
// decoder. WaitSeconds is set for throttled requests.
type ErrorInfo struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	WaitSeconds int    `json:"waitSeconds,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{Success: true, Data: data})
}

// Error sends an error envelope with the given status.
func Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, Response{
		Error: &ErrorInfo{Code: code, Message: message},
	})
}

// Throttled sends 429 with a Retry-After header.
func Throttled(c *gin.Context, code, message string, waitSeconds int) {
	c.Header("Retry-After", strconv.Itoa(waitSeconds))
	c.JSON(http.StatusTooManyRequests, Response{
		Error: &ErrorInfo{Code: code, Message: message, WaitSeconds: waitSeconds},
	})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "INVALID_MESSAGE", message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "NOT_AUTHENTICATED", message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, "FORBIDDEN", message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, "NOT_FOUND", message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}
