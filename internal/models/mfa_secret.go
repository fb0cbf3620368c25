package models

import (
	"time"

	"gorm.io/datatypes"
)

// MFASecret stores an encrypted TOTP secret for one user.
//
// Confirmed distinguishes a pending enrollment (secret generated, code not
// yet verified) from an active second factor. The user's MFAEnabled flag is
// only set once the secret is confirmed.
type MFASecret struct {
	BaseModel

	UserID      string         `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	Secret      string         `gorm:"not null" json:"-"`
	Confirmed   bool           `gorm:"default:false" json:"confirmed"`
	BackupCodes datatypes.JSON `json:"-"`
	LastUsedAt  *time.Time     `json:"last_used_at"`
}
