package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RoleAssignment grants a role to a user, optionally scoped to one project.
// A nil ProjectID means the grant is global and applies to every project.
//
// The (UserID, RoleID, ProjectID) tuple is unique among live assignments.
// Expired assignments stay in place until the maintenance sweep removes them
// but are treated as absent by every read path.
type RoleAssignment struct {
	ID         string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string     `gorm:"type:uuid;not null;index:idx_role_assignment,unique" json:"user_id"`
	RoleID     string     `gorm:"type:uuid;not null;index:idx_role_assignment,unique" json:"role_id"`
	ProjectID  *string    `gorm:"index:idx_role_assignment,unique" json:"project_id"`
	Role       *Role      `gorm:"foreignKey:RoleID" json:"role,omitempty"`
	AssignedBy string     `gorm:"type:uuid" json:"assigned_by"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `gorm:"index" json:"expires_at"`
}

func (a *RoleAssignment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now().UTC()
	}
	return nil
}

// Live reports whether the assignment should be honoured at the given instant.
func (a *RoleAssignment) Live(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// ScopedTo reports whether the assignment applies when authorising against
// the supplied project. Global grants apply everywhere.
func (a *RoleAssignment) ScopedTo(projectID string) bool {
	if a.ProjectID == nil {
		return true
	}
	return projectID != "" && *a.ProjectID == projectID
}
