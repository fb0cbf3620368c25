package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
	"github.com/clavis-auth/clavis/internal/rbac"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.Role{},
		&models.Permission{},
		&models.RoleAssignment{},
		&models.LegacyRoleMapping{},
		&models.Session{},
		&models.SecurityEvent{},
		&models.MFASecret{},
		&models.CacheEntry{},
	)
}

// SeedData populates the ranked role catalog, the permission registry, the
// role-permission links, and the legacy role mapping table. Seeding is
// idempotent; existing rows are left untouched.
func SeedData(db *gorm.DB) error {
	if err := rbac.SyncRegistry(db); err != nil {
		return err
	}

	roles := []models.Role{
		{
			BaseModel:   models.BaseModel{ID: "role-viewer"},
			Name:        "viewer",
			Description: "Read-only project access",
			Level:       10,
			IsSystem:    true,
		},
		{
			BaseModel:   models.BaseModel{ID: "role-developer"},
			Name:        "developer",
			Description: "Project contributor",
			Level:       20,
			IsSystem:    true,
		},
		{
			BaseModel:   models.BaseModel{ID: "role-manager"},
			Name:        "manager",
			Description: "Project administration",
			Level:       30,
			IsSystem:    true,
		},
		{
			BaseModel:   models.BaseModel{ID: "role-admin"},
			Name:        "admin",
			Description: "Full system access",
			Level:       40,
			IsSystem:    true,
		},
	}

	for _, role := range roles {
		if err := db.Where(models.Role{BaseModel: models.BaseModel{ID: role.ID}}).
			Attrs(role).
			FirstOrCreate(&models.Role{}).Error; err != nil {
			return err
		}
	}

	grants := map[string][]string{
		"role-viewer":    {"view_project", "download_asset"},
		"role-developer": {"view_project", "download_asset", "upload_asset"},
		"role-manager":   {"view_project", "download_asset", "upload_asset", "delete_asset", "manage_project", "view_users"},
		"role-admin": {
			"view_project", "download_asset", "upload_asset", "delete_asset",
			"manage_project", "view_users", "manage_users", "manage_roles",
			"view_audit_log", "manage_system",
		},
	}
	// A misspelled grant name must fail the seed loudly; a silently thinner
	// role would surface later as unexplained denials.
	for _, permissionNames := range grants {
		if err := rbac.ValidateNames(permissionNames...); err != nil {
			return fmt.Errorf("seed role grants: %w", err)
		}
	}
	for roleID, permissionNames := range grants {
		if err := assignRolePermissions(db, roleID, permissionNames); err != nil {
			return err
		}
	}

	legacy := map[string]string{
		"user":       "role-viewer",
		"developer":  "role-developer",
		"maintainer": "role-manager",
		"admin":      "role-admin",
		"superadmin": "role-admin",
	}
	for legacyName, roleID := range legacy {
		mapping := models.LegacyRoleMapping{
			BaseModel:  models.BaseModel{ID: "legacy-" + legacyName},
			LegacyName: legacyName,
			RoleID:     roleID,
		}
		if err := db.Where(models.LegacyRoleMapping{LegacyName: legacyName}).
			Attrs(mapping).
			FirstOrCreate(&models.LegacyRoleMapping{}).Error; err != nil {
			return err
		}
	}

	return nil
}

// PurgeExpiredAssignments removes role assignments whose expiry has passed.
// Read paths already ignore expired grants, so this sweep is housekeeping
// rather than a correctness requirement.
func PurgeExpiredAssignments(db *gorm.DB, now time.Time) (int64, error) {
	result := db.Where("expires_at IS NOT NULL AND expires_at <= ?", now).
		Delete(&models.RoleAssignment{})
	return result.RowsAffected, result.Error
}
