package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Severity classifies how alarming a security event is.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SecurityEvent is an immutable record of a security-relevant decision or
// state change. The core only ever appends; retention is handled by the
// maintenance sweep, never by request paths.
type SecurityEvent struct {
	ID          string         `gorm:"primaryKey;type:uuid" json:"id"`
	EventType   string         `gorm:"not null;index" json:"event_type"`
	Severity    Severity       `gorm:"not null;index" json:"severity"`
	Description string         `json:"description"`
	ActorID     *string        `gorm:"type:uuid;index" json:"actor_id"`
	Actor       *User          `gorm:"foreignKey:ActorID" json:"actor,omitempty"`
	IPAddress   string         `json:"ip_address"`
	UserAgent   string         `json:"user_agent"`
	Metadata    datatypes.JSON `json:"metadata"`
	CreatedAt   time.Time      `gorm:"index" json:"created_at"`
}

func (e *SecurityEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
