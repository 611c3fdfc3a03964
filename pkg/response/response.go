package response

import (
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/middleware/requestid"
)

// Envelope represents the common response contract.
type Envelope struct {
	Data    interface{}      `json:"data,omitempty"`
	Error   *appErrors.Error `json:"error,omitempty"`
	TraceID string           `json:"traceId,omitempty"`
}

// JSON sends a success response.
func JSON(c *gin.Context, status int, data interface{}) {
	noStore(c)
	c.JSON(status, Envelope{Data: data})
}

// Created responds with HTTP 201 Created.
func Created(c *gin.Context, data interface{}) {
	JSON(c, http.StatusCreated, data)
}

// Error sends an error response converting the error to the common structure.
// Internal errors never expose their cause.
func Error(c *gin.Context, err error) {
	appErr := appErrors.FromError(err)
	_ = c.Error(err)
	if appErr.Kind == appErrors.KindInternal {
		appErr = appErrors.Clone(appErrors.ErrInternal, "")
	}
	if appErr.Kind == appErrors.KindRateLimited && appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(appErr.RetryAfter.Seconds()))))
	}
	noStore(c)
	c.JSON(appErr.Status, Envelope{Error: appErr, TraceID: requestid.Value(c)})
}

// NoContent sends a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")
}
