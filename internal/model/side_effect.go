package model

import (
	"time"

	"gorm.io/datatypes"
)

// Side effect kinds
const (
	SideEffectInitialDocument    = "initial_document"
	SideEffectPODocument         = "po_document"
	SideEffectCompletionDocument = "completion_document"
	SideEffectNotifyRequester    = "notify_requester"
)

// Side effect states
const (
	SideEffectPending = "pending"
	SideEffectRunning = "running"
	SideEffectDone    = "done"
	SideEffectFailed  = "failed"
)

// SideEffect marks a best-effort step that follows a committed change so a
// sweeper can find and retry the ones that did not finish.
type SideEffect struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	RequestCustomID string         `gorm:"type:varchar(32);not null;index" json:"request_custom_id"`
	Kind            string         `gorm:"type:varchar(30);not null" json:"kind"`
	Status          string         `gorm:"type:varchar(10);not null;default:'pending';index" json:"status"`
	Attempts        int            `gorm:"not null;default:0" json:"attempts"`
	LastError       string         `gorm:"type:text" json:"last_error,omitempty"`
	Payload         datatypes.JSON `json:"payload,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
