package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clavis-auth/clavis/internal/middleware"
	apperrors "github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
	"github.com/clavis-auth/clavis/pkg/validator"
)

// bindAndValidate decodes the JSON body into dst and runs struct validation.
// On failure it writes the error response and reports false.
func bindAndValidate(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		response.Error(c, apperrors.ErrValidation.WithInternal(err))
		return false
	}
	if err := validator.ValidateStruct(dst); err != nil {
		response.Error(c, apperrors.NewValidation(err.Error()))
		return false
	}
	return true
}

// currentUserID extracts the authenticated user's ID from the request context.
func currentUserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.CtxUserIDKey)
	if !ok {
		return "", false
	}
	userID, ok := v.(string)
	return userID, ok && userID != ""
}

// currentSessionID extracts the authenticated session's ID from the request context.
func currentSessionID(c *gin.Context) (string, bool) {
	v, ok := c.Get(middleware.CtxSessionIDKey)
	if !ok {
		return "", false
	}
	sessionID, ok := v.(string)
	return sessionID, ok && sessionID != ""
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
