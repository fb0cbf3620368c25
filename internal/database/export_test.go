package database

import "gorm.io/gorm"

// AssignRolePermissions exposes the seed helper to external tests.
func AssignRolePermissions(db *gorm.DB, roleID string, permissionNames []string) error {
	return assignRolePermissions(db, roleID, permissionNames)
}
