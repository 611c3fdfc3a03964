package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/response"
)

// RoleSelf admits a caller whose subject equals the route's :id parameter.
const RoleSelf = "SELF"

// RBAC admits callers holding any of the allowed roles. It must run after JWT.
func RBAC(allowed ...string) gin.HandlerFunc {
	allowSelf := false
	allowedRoles := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a == RoleSelf {
			allowSelf = true
			continue
		}
		allowedRoles[a] = struct{}{}
	}

	return func(c *gin.Context) {
		claims, ok := claimsFrom(c)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if hasAnyRole(claims.Roles, allowedRoles) || (allowSelf && isSelf(c, claims)) {
			c.Next()
			return
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

// RequireRoles is RBAC over typed roles.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make([]string, len(roles))
	for i, r := range roles {
		allowed[i] = string(r)
	}
	return RBAC(allowed...)
}

func claimsFrom(c *gin.Context) (*models.JWTClaims, bool) {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.JWTClaims)
	return claims, ok && claims != nil
}

func hasAnyRole(roles []string, allowed map[string]struct{}) bool {
	for _, role := range roles {
		if _, ok := allowed[role]; ok {
			return true
		}
	}
	return false
}

func isSelf(c *gin.Context, claims *models.JWTClaims) bool {
	target := c.Param("id")
	return target != "" && target == claims.Subject
}
