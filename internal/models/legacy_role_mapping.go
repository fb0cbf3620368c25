package models

// LegacyRoleMapping translates a pre-catalog flat role name into one entry of
// the ranked role catalog. The mapping is data so that operators can review
// and export it; authorisation code never branches on legacy names directly.
type LegacyRoleMapping struct {
	BaseModel

	LegacyName string `gorm:"uniqueIndex;not null" json:"legacy_name"`
	RoleID     string `gorm:"type:uuid;not null" json:"role_id"`
	Role       *Role  `gorm:"foreignKey:RoleID" json:"role,omitempty"`
}
