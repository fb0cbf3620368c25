package models

import "time"

// CacheEntry backs the database cache store. Counter entries survive process
// restarts, which keeps lockout windows intact across redeploys.
type CacheEntry struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     []byte    `json:"-"`
	Counter   int64     `gorm:"default:0" json:"counter"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
