package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/vehicle-insurance-auth/internal/models"
	appErrors "github.com/noah-isme/vehicle-insurance-auth/pkg/errors"
	"github.com/noah-isme/vehicle-insurance-auth/pkg/response"
)

type emailVerificationService interface {
	SendVerification(ctx context.Context, req models.SendVerificationRequest) error
	Verify(ctx context.Context, token string) (bool, error)
}

// EmailVerificationHandler exposes the resend and confirm endpoints.
type EmailVerificationHandler struct {
	service emailVerificationService
}

// NewEmailVerificationHandler constructs the handler.
func NewEmailVerificationHandler(svc emailVerificationService) *EmailVerificationHandler {
	return &EmailVerificationHandler{service: svc}
}

// Resend godoc
// @Summary Resend verification email
// @Description Sends a new verification link to the user identified by id, email or username
// @Tags Email Verification
// @Accept json
// @Produce json
// @Param payload body models.SendVerificationRequest true "User lookup"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 429 {object} response.Envelope
// @Router /resend-verification [post]
func (h *EmailVerificationHandler) Resend(c *gin.Context) {
	var req models.SendVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.KindBadRequest, appErrors.ErrBadRequest.Code, "invalid verification payload"))
		return
	}

	if err := h.service.SendVerification(c.Request.Context(), req); err != nil {
		response.Error(c, err)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"message": "verification email sent"})
}

// Verify godoc
// @Summary Confirm email address
// @Description Consumes a verification token from the query string
// @Tags Email Verification
// @Produce json
// @Param token query string true "Verification token"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /verify-email [get]
func (h *EmailVerificationHandler) Verify(c *gin.Context) {
	ok, err := h.service.Verify(c.Request.Context(), c.Query("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	if !ok {
		response.Error(c, appErrors.ErrVerifyTokenInvalid)
		return
	}

	response.JSON(c, http.StatusOK, gin.H{"message": "email verified"})
}
