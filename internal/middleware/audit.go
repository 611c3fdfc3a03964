package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/middleware/requestid"
)

type auditLogWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditFailures records an audit log entry when the wrapped route answers with
// a client error, so rejected attempts leave a trail with caller IP and agent.
func AuditFailures(repo auditLogWriter, logger *zap.Logger, action, resource string) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		status := c.Writer.Status()
		if status < 400 || status >= 500 {
			return
		}

		body, _ := json.Marshal(map[string]interface{}{
			"path":    c.FullPath(),
			"method":  c.Request.Method,
			"status":  status,
			"latency": time.Since(start).Milliseconds(),
			"request": requestid.FromContext(c.Request.Context()),
		})

		if err := repo.CreateAuditLog(c.Request.Context(), &models.AuditLog{
			Action:    action,
			Resource:  resource,
			NewValues: body,
			IPAddress: c.ClientIP(),
			UserAgent: c.GetHeader("User-Agent"),
		}); err != nil {
			logger.Warn("failed to record audit log", zap.String("action", action), zap.Error(err))
		}
	}
}
