package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/vehicle-insurance-auth/internal/middleware"
	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
)

// Cookie names written by the auth endpoints.
const (
	cookieAccessToken  = middleware.AccessTokenCookie
	cookieRefreshToken = "refresh_token"
	cookieFamily       = "rt_family"
	cookieUserID       = "uid"
)

// CookieOptions controls the session cookies.
type CookieOptions struct {
	Secure     bool
	Domain     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

func (o CookieOptions) set(c *gin.Context, name, value string, ttl time.Duration) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, value, int(ttl.Seconds()), "/", o.Domain, o.Secure, true)
}

func (o CookieOptions) expire(c *gin.Context, name string) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, "", -1, "/", o.Domain, o.Secure, true)
}

func (o CookieOptions) writeSession(c *gin.Context, session *models.Session) {
	o.set(c, cookieAccessToken, session.AccessToken, o.AccessTTL)
	o.set(c, cookieRefreshToken, session.RefreshToken, o.RefreshTTL)
	o.set(c, cookieFamily, session.Family, o.RefreshTTL)
	o.set(c, cookieUserID, strconv.FormatInt(session.Identity.UserID, 10), o.RefreshTTL)
}

func (o CookieOptions) clearSession(c *gin.Context) {
	for _, name := range []string{cookieAccessToken, cookieRefreshToken, cookieFamily, cookieUserID} {
		o.expire(c, name)
	}
}
