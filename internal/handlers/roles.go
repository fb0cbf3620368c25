package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clavis-auth/clavis/internal/rbac"
	apperrors "github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

// RoleHandler serves role assignment and role configuration management.
type RoleHandler struct {
	engine *rbac.Engine
}

// NewRoleHandler constructs the role handler.
func NewRoleHandler(engine *rbac.Engine) *RoleHandler {
	return &RoleHandler{engine: engine}
}

type assignRoleRequest struct {
	UserID    string     `json:"user_id" validate:"required"`
	RoleID    string     `json:"role_id" validate:"required"`
	ProjectID *string    `json:"project_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// Assign grants a role to a user.
func (h *RoleHandler) Assign(c *gin.Context) {
	actorID, _ := currentUserID(c)

	var req assignRoleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	assignment, err := h.engine.AssignRole(c.Request.Context(), rbac.AssignRoleInput{
		UserID:     req.UserID,
		RoleID:     req.RoleID,
		ProjectID:  req.ProjectID,
		AssignedBy: actorID,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, rbac.ErrAlreadyAssigned):
			response.Error(c, apperrors.ErrConflict)
		case errors.Is(err, rbac.ErrUserNotFound), errors.Is(err, rbac.ErrRoleNotFound):
			response.Error(c, apperrors.ErrNotFound)
		default:
			response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		}
		return
	}

	response.Success(c, http.StatusCreated, assignment)
}

type removeRoleRequest struct {
	UserID    string  `json:"user_id" validate:"required"`
	RoleID    string  `json:"role_id" validate:"required"`
	ProjectID *string `json:"project_id"`
}

// Remove revokes a role grant.
func (h *RoleHandler) Remove(c *gin.Context) {
	actorID, _ := currentUserID(c)

	var req removeRoleRequest
	if !bindAndValidate(c, &req) {
		return
	}

	err := h.engine.RemoveRole(c.Request.Context(), req.UserID, req.RoleID, req.ProjectID, actorID)
	if err != nil {
		if errors.Is(err, rbac.ErrAssignmentNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "role removed"})
}

// UserRoles lists a user's live assignments and effective permissions for an
// optional project scope.
func (h *RoleHandler) UserRoles(c *gin.Context) {
	userID := c.Param("userID")
	projectID := c.Query("project_id")

	roles, err := h.engine.GetUserRoles(c.Request.Context(), userID, projectID)
	if err != nil {
		if errors.Is(err, rbac.ErrUserNotFound) {
			response.Error(c, apperrors.ErrNotFound)
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	permissions, err := h.engine.GetUserPermissions(c.Request.Context(), userID, projectID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	assignments, err := h.engine.ListAssignments(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"roles":       roles,
		"permissions": permissions,
		"assignments": assignments,
	})
}

// Export returns the portable role configuration document.
func (h *RoleHandler) Export(c *gin.Context) {
	doc, err := h.engine.ExportConfig(c.Request.Context())
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}
	response.Success(c, http.StatusOK, doc)
}

// Import applies a role configuration document.
func (h *RoleHandler) Import(c *gin.Context) {
	var doc rbac.ConfigDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		response.Error(c, apperrors.ErrValidation.WithInternal(err))
		return
	}

	if err := h.engine.ImportConfig(c.Request.Context(), &doc); err != nil {
		if errors.Is(err, rbac.ErrUnknownPermission) {
			response.Error(c, apperrors.NewValidation(err.Error()))
			return
		}
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "role configuration applied"})
}
