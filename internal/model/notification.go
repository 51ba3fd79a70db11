package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationInApp = "in-app"
	NotificationEmail = "email"
)

// Notification is a message shown to a user in the portal. Read is 0 or 1.
type Notification struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	Body      string    `gorm:"type:text" json:"body"`
	Link      string    `gorm:"type:varchar(500)" json:"link"`
	Type      string    `gorm:"type:varchar(10);not null;default:'in-app'" json:"type"`
	Read      int       `gorm:"not null;default:0" json:"read"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}
