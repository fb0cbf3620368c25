package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clavis-auth/clavis/internal/models"
)

// ErrUnknownPermission marks a permission name that is not in the registry.
var ErrUnknownPermission = errors.New("rbac: unknown permission")

// Definition describes one entry of the closed permission catalog.
//
// Permission names stay strings at the API boundary so role grants remain
// data-driven, but every name must resolve against this registry: an unknown
// name is a configuration error surfaced at startup, never a silent deny.
type Definition struct {
	Name        string
	Category    string
	Description string
}

var catalog = []Definition{
	{Name: "view_project", Category: "project", Description: "Read project resources"},
	{Name: "manage_project", Category: "project", Description: "Modify project settings and membership"},
	{Name: "upload_asset", Category: "asset", Description: "Upload assets into a project"},
	{Name: "download_asset", Category: "asset", Description: "Download project assets"},
	{Name: "delete_asset", Category: "asset", Description: "Delete project assets"},
	{Name: "view_users", Category: "user", Description: "List and inspect user accounts"},
	{Name: "manage_users", Category: "user", Description: "Create, deactivate, and update user accounts"},
	{Name: "manage_roles", Category: "system", Description: "Assign and remove roles"},
	{Name: "view_audit_log", Category: "system", Description: "Read the security event log"},
	{Name: "manage_system", Category: "system", Description: "Administer system-wide configuration"},
}

var catalogIndex = buildIndex()

func buildIndex() map[string]Definition {
	index := make(map[string]Definition, len(catalog))
	for _, def := range catalog {
		index[def.Name] = def
	}
	return index
}

// Definitions returns the full catalog ordered by name.
func Definitions() []Definition {
	out := append([]Definition(nil), catalog...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns the definition for a permission name when registered.
func Lookup(name string) (Definition, bool) {
	def, ok := catalogIndex[strings.TrimSpace(name)]
	return def, ok
}

// ValidateNames checks every supplied permission name against the registry.
// Call it at startup with all configured grant data so typos fail fast.
func ValidateNames(names ...string) error {
	for _, name := range names {
		if _, ok := Lookup(name); !ok {
			return fmt.Errorf("%w %q", ErrUnknownPermission, name)
		}
	}
	return nil
}

// SyncRegistry persists the registry to the permissions table so role grants
// can reference catalog entries relationally.
func SyncRegistry(db *gorm.DB) error {
	if db == nil {
		return errors.New("rbac: db is required")
	}

	for _, def := range catalog {
		record := models.Permission{
			BaseModel:   models.BaseModel{ID: "perm-" + def.Name},
			Name:        def.Name,
			Category:    def.Category,
			Description: def.Description,
		}

		if err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"category", "description"}),
		}).Create(&record).Error; err != nil {
			return fmt.Errorf("rbac: sync permission %s: %w", def.Name, err)
		}
	}

	return nil
}
