package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/vehicle-insurance-auth/internal/middleware"
	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// userIDFromContext returns the authenticated subject, or false when absent or malformed.
func userIDFromContext(c *gin.Context) (int64, bool) {
	claims := claimsFromContext(c)
	if claims == nil {
		return 0, false
	}
	id, err := claims.UserID()
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
