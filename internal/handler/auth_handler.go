package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/response"
)

type authService interface {
	Register(ctx context.Context, req models.RegisterRequest) (*models.Identity, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.Session, error)
	Refresh(ctx context.Context, req models.RefreshRequest) (*models.Session, error)
	RevokeFamily(ctx context.Context, userID int64, family string) (int64, error)
	Sessions(ctx context.Context, userID int64, currentFamily string) ([]models.SessionInfo, error)
	Me(ctx context.Context, userID int64) (*models.Identity, error)
}

// AuthHandler wires HTTP endpoints to the auth service.
type AuthHandler struct {
	service authService
	cookies CookieOptions
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(svc authService, cookies CookieOptions) *AuthHandler {
	return &AuthHandler{service: svc, cookies: cookies}
}

// Register godoc
// @Summary Register account
// @Description Create a customer account. No session is opened.
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.RegisterRequest true "Register payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /auth/register [post]
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.KindBadRequest, appErrors.ErrBadRequest.Code, "invalid register payload"))
		return
	}

	identity, err := h.service.Register(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, models.UserInfoFromIdentity(*identity))
}

// Login godoc
// @Summary Authenticate user
// @Description Authenticate by email or username and set session cookies
// @Tags Authentication
// @Accept json
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.KindBadRequest, appErrors.ErrBadRequest.Code, "invalid login payload"))
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	session, err := h.service.Login(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.cookies.writeSession(c, session)
	response.JSON(c, http.StatusOK, models.UserInfoFromIdentity(session.Identity))
}

// Refresh godoc
// @Summary Rotate refresh token
// @Description Exchange the refresh token cookie for a new session pair
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c *gin.Context) {
	refreshToken, err := c.Cookie(cookieRefreshToken)
	if err != nil || refreshToken == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "missing refresh token cookie"))
		return
	}

	userID, ok := userIDFromContext(c)
	if !ok {
		userID, ok = userIDFromCookie(c)
	}
	if !ok {
		response.Error(c, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "user id not available"))
		return
	}

	session, err := h.service.Refresh(c.Request.Context(), models.RefreshRequest{
		UserID:       userID,
		RefreshToken: refreshToken,
		IP:           c.ClientIP(),
		UserAgent:    c.GetHeader("User-Agent"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	h.cookies.writeSession(c, session)
	response.JSON(c, http.StatusOK, models.UserInfoFromIdentity(session.Identity))
}

// Logout godoc
// @Summary Logout current device
// @Description Revoke the refresh token family of this device and clear cookies
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var revoked int64
	if family, err := c.Cookie(cookieFamily); err == nil && family != "" {
		revoked, err = h.service.RevokeFamily(c.Request.Context(), userID, family)
		if err != nil {
			response.Error(c, err)
			return
		}
	}

	h.cookies.clearSession(c)
	response.JSON(c, http.StatusOK, gin.H{"message": "logged out", "revoked": revoked})
}

// Me godoc
// @Summary Get current user
// @Description Returns the authenticated user's info
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/me [get]
func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	identity, err := h.service.Me(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, models.UserInfoFromIdentity(*identity))
}

// Sessions godoc
// @Summary List active sessions
// @Description Lists the caller's active refresh token families
// @Tags Authentication
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Router /auth/sessions [get]
func (h *AuthHandler) Sessions(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	family, _ := c.Cookie(cookieFamily)

	sessions, err := h.service.Sessions(c.Request.Context(), userID, family)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessions)
}

// UserSessions godoc
// @Summary List a user's active sessions
// @Description Lists active refresh token families of the user in the path. Admins or the user themself.
// @Tags Authentication
// @Produce json
// @Param id path int true "User ID"
// @Success 200 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /users/{id}/sessions [get]
func (h *AuthHandler) UserSessions(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, appErrors.Clone(appErrors.ErrBadRequest, "invalid user id"))
		return
	}

	sessions, err := h.service.Sessions(c.Request.Context(), id, "")
	if err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, sessions)
}

func userIDFromCookie(c *gin.Context) (int64, bool) {
	raw, err := c.Cookie(cookieUserID)
	if err != nil || raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
