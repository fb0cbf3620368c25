package models

// Permission is a named capability grouped by category. The set of valid
// permission names is closed: it must match the registry in internal/rbac.
type Permission struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Category    string `gorm:"not null;index" json:"category"`
	Description string `json:"description"`

	Roles []Role `gorm:"many2many:role_permissions;" json:"roles,omitempty"`
}
