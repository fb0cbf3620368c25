package models

// Role is an entry in the ranked role catalog. Level establishes a total
// order used for "at least as privileged as" comparisons against legacy
// flat roles.
type Role struct {
	BaseModel

	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`
	Level       int    `gorm:"not null;default:0" json:"level"`
	IsSystem    bool   `gorm:"default:false" json:"is_system"`

	Permissions []Permission `gorm:"many2many:role_permissions;" json:"permissions,omitempty"`
}
