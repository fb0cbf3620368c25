package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clavis-auth/clavis/internal/auth/mfa"
	apperrors "github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

// MFAHandler serves TOTP enrollment and management.
type MFAHandler struct {
	mfa *mfa.Service
}

// NewMFAHandler constructs the MFA handler.
func NewMFAHandler(service *mfa.Service) *MFAHandler {
	return &MFAHandler{mfa: service}
}

// Enroll starts TOTP enrollment for the caller and returns the secret plus a
// QR code. The second factor stays inactive until Confirm succeeds.
func (h *MFAHandler) Enroll(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	enrollment, err := h.mfa.BeginEnrollment(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, mfa.ErrAlreadyEnabled) {
			response.Error(c, apperrors.ErrConflict)
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"secret":      enrollment.Secret,
		"otpauth_url": enrollment.OTPAuthURL,
		"qr_code":     base64.StdEncoding.EncodeToString(enrollment.QRCodePNG),
	})
}

type confirmRequest struct {
	Code string `json:"code" validate:"required"`
}

// Confirm verifies the first authenticator code and activates the second
// factor. Backup codes are returned once, here only.
func (h *MFAHandler) Confirm(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	var req confirmRequest
	if !bindAndValidate(c, &req) {
		return
	}

	codes, err := h.mfa.ConfirmEnrollment(c.Request.Context(), userID, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrNotEnrolled):
			response.Error(c, apperrors.ErrNotFound)
		case errors.Is(err, mfa.ErrAlreadyEnabled):
			response.Error(c, apperrors.ErrConflict)
		case errors.Is(err, mfa.ErrInvalidCode):
			response.Error(c, apperrors.ErrMFAInvalid)
		default:
			response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{"backup_codes": codes})
}

// Disable turns the second factor off. It works from either non-disabled
// state: a pending enrollment cancels freely, while an active second factor
// is protected by the MFA gate on this route, which demands a current code
// before the request reaches the handler.
func (h *MFAHandler) Disable(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	if err := h.mfa.Disable(c.Request.Context(), userID); err != nil {
		if errors.Is(err, mfa.ErrNotEnrolled) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "mfa disabled"})
}

// Status reports the caller's enrollment state and remaining backup codes.
func (h *MFAHandler) Status(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		response.Error(c, apperrors.ErrUnauthenticated)
		return
	}

	status, err := h.mfa.StatusFor(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	payload := gin.H{"status": status}
	if status == mfa.StatusEnabled {
		remaining, err := h.mfa.RemainingBackupCodes(c.Request.Context(), userID)
		if err == nil {
			payload["backup_codes_remaining"] = remaining
		}
	}

	response.Success(c, http.StatusOK, payload)
}
