package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
)

func assignRolePermissions(db *gorm.DB, roleID string, permissionNames []string) error {
	if len(permissionNames) == 0 {
		return nil
	}

	var role models.Role
	if err := db.Where("id = ?", roleID).First(&role).Error; err != nil {
		return err
	}

	var perms []models.Permission
	if err := db.Where("name IN ?", permissionNames).Find(&perms).Error; err != nil {
		return err
	}
	if len(perms) != len(permissionNames) {
		found := make(map[string]struct{}, len(perms))
		for _, perm := range perms {
			found[perm.Name] = struct{}{}
		}
		for _, name := range permissionNames {
			if _, ok := found[name]; !ok {
				return fmt.Errorf("assign role permissions: %q has no permission row", name)
			}
		}
	}

	var existing []models.Permission
	if err := db.Model(&role).Association("Permissions").Find(&existing); err != nil {
		return err
	}
	current := make(map[string]struct{}, len(existing))
	for _, perm := range existing {
		current[perm.ID] = struct{}{}
	}

	toAttach := make([]models.Permission, 0, len(perms))
	for _, perm := range perms {
		if _, ok := current[perm.ID]; !ok {
			toAttach = append(toAttach, perm)
		}
	}
	if len(toAttach) == 0 {
		return nil
	}

	return db.Model(&role).Association("Permissions").Append(toAttach)
}
