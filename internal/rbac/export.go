package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/clavis-auth/clavis/internal/models"
)

// RoleDocument is one role in a configuration document.
type RoleDocument struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Level       int    `json:"level"`
	IsSystem    bool   `json:"is_system"`
}

// PermissionDocument is one permission in a configuration document.
type PermissionDocument struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ConfigDocument is the portable role configuration: the role catalog, the
// permission registry, the grant matrix, and the legacy role mapping. It is
// the review and backup format for authorization data.
type ConfigDocument struct {
	Roles           []RoleDocument       `json:"roles"`
	Permissions     []PermissionDocument `json:"permissions"`
	RolePermissions map[string][]string  `json:"role_permissions"`
	LegacyRoles     map[string]string    `json:"legacy_roles"`
}

// ExportConfig snapshots the current role configuration.
func (e *Engine) ExportConfig(ctx context.Context) (*ConfigDocument, error) {
	var roles []models.Role
	if err := e.db.WithContext(ctx).Preload("Permissions").Order("level ASC, name ASC").Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("rbac: export roles: %w", err)
	}

	doc := &ConfigDocument{
		RolePermissions: make(map[string][]string, len(roles)),
		LegacyRoles:     make(map[string]string),
	}

	for _, role := range roles {
		doc.Roles = append(doc.Roles, RoleDocument{
			Name:        role.Name,
			Description: role.Description,
			Level:       role.Level,
			IsSystem:    role.IsSystem,
		})

		grants := make([]string, 0, len(role.Permissions))
		for _, perm := range role.Permissions {
			grants = append(grants, perm.Name)
		}
		sort.Strings(grants)
		doc.RolePermissions[role.Name] = grants
	}

	for _, def := range Definitions() {
		doc.Permissions = append(doc.Permissions, PermissionDocument{
			Name:        def.Name,
			Category:    def.Category,
			Description: def.Description,
		})
	}

	var mappings []models.LegacyRoleMapping
	if err := e.db.WithContext(ctx).Preload("Role").Find(&mappings).Error; err != nil {
		return nil, fmt.Errorf("rbac: export legacy mappings: %w", err)
	}
	for _, mapping := range mappings {
		if mapping.Role != nil {
			doc.LegacyRoles[mapping.LegacyName] = mapping.Role.Name
		}
	}

	return doc, nil
}

// ImportConfig applies a configuration document. Roles are upserted by name
// and their grant lists replaced wholesale; permissions must already exist in
// the registry, so an unknown grant aborts the import before any write.
func (e *Engine) ImportConfig(ctx context.Context, doc *ConfigDocument) error {
	if doc == nil {
		return errors.New("rbac: config document is required")
	}

	for roleName, grants := range doc.RolePermissions {
		if err := ValidateNames(grants...); err != nil {
			return fmt.Errorf("rbac: import role %s: %w", roleName, err)
		}
	}

	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, roleDoc := range doc.Roles {
			name := strings.TrimSpace(roleDoc.Name)
			if name == "" {
				return errors.New("rbac: import: role name is required")
			}

			var role models.Role
			err := tx.First(&role, "name = ?", name).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				role = models.Role{
					Name:        name,
					Description: roleDoc.Description,
					Level:       roleDoc.Level,
					IsSystem:    roleDoc.IsSystem,
				}
				if err := tx.Create(&role).Error; err != nil {
					return fmt.Errorf("create role %s: %w", name, err)
				}
			case err != nil:
				return fmt.Errorf("lookup role %s: %w", name, err)
			default:
				role.Description = roleDoc.Description
				role.Level = roleDoc.Level
				if err := tx.Save(&role).Error; err != nil {
					return fmt.Errorf("update role %s: %w", name, err)
				}
			}

			grants, ok := doc.RolePermissions[name]
			if !ok {
				continue
			}

			var permissions []models.Permission
			if len(grants) > 0 {
				if err := tx.Where("name IN ?", grants).Find(&permissions).Error; err != nil {
					return fmt.Errorf("load grants for %s: %w", name, err)
				}
			}
			if err := tx.Model(&role).Association("Permissions").Replace(permissions); err != nil {
				return fmt.Errorf("replace grants for %s: %w", name, err)
			}
		}

		for legacyName, roleName := range doc.LegacyRoles {
			var role models.Role
			if err := tx.First(&role, "name = ?", roleName).Error; err != nil {
				return fmt.Errorf("legacy mapping %s: role %s: %w", legacyName, roleName, err)
			}

			var mapping models.LegacyRoleMapping
			err := tx.First(&mapping, "legacy_name = ?", legacyName).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				mapping = models.LegacyRoleMapping{LegacyName: legacyName, RoleID: role.ID}
				if err := tx.Create(&mapping).Error; err != nil {
					return fmt.Errorf("create legacy mapping %s: %w", legacyName, err)
				}
			case err != nil:
				return fmt.Errorf("lookup legacy mapping %s: %w", legacyName, err)
			default:
				mapping.RoleID = role.ID
				if err := tx.Save(&mapping).Error; err != nil {
					return fmt.Errorf("update legacy mapping %s: %w", legacyName, err)
				}
			}
		}

		return nil
	})
}
