package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clavis-auth/clavis/internal/security"
	apperrors "github.com/clavis-auth/clavis/pkg/errors"
	"github.com/clavis-auth/clavis/pkg/response"
)

// AuditHandler serves the security event log.
type AuditHandler struct {
	recorder *security.Recorder
}

// NewAuditHandler constructs the audit handler.
func NewAuditHandler(recorder *security.Recorder) *AuditHandler {
	return &AuditHandler{recorder: recorder}
}

func filtersFromQuery(c *gin.Context) security.Filters {
	filters := security.Filters{
		ActorID:   c.Query("actor_id"),
		EventType: c.Query("event_type"),
		Severity:  c.Query("severity"),
	}

	if raw := c.Query("since"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.Since = &ts
		}
	}
	if raw := c.Query("until"); raw != "" {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.Until = &ts
		}
	}

	return filters
}

// List returns paginated security events, newest first.
func (h *AuditHandler) List(c *gin.Context) {
	opts := security.ListOptions{
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "per_page", 50),
		Filters:  filtersFromQuery(c),
	}

	events, total, err := h.recorder.List(c.Request.Context(), opts)
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	perPage := opts.PageSize
	if perPage <= 0 || perPage > 200 {
		perPage = 50
	}
	totalPages := int(total) / perPage
	if int(total)%perPage > 0 {
		totalPages++
	}

	response.SuccessWithMeta(c, http.StatusOK, events, &response.Meta{
		Page:       opts.Page,
		PerPage:    perPage,
		Total:      int(total),
		TotalPages: totalPages,
	})
}

// Export returns all events matching the filters without pagination.
func (h *AuditHandler) Export(c *gin.Context) {
	events, err := h.recorder.Export(c.Request.Context(), filtersFromQuery(c))
	if err != nil {
		response.Error(c, apperrors.ErrInternalServer.WithInternal(err))
		return
	}

	response.Success(c, http.StatusOK, events)
}
