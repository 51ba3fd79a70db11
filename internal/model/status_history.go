package model

import "time"

// History tags for attachment edits. They share the status column with real statuses.
const (
	HistoryAttachmentAdded   = "attachment_added"
	HistoryAttachmentRemoved = "attachment_removed"
)

// UnknownActor is recorded when a change carries no actor name.
const UnknownActor = "Unknown"

// StatusHistory is one append-only audit entry of a request. Seq orders the
// entries of a request starting at 1.
type StatusHistory struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	RequestID uint      `gorm:"not null;uniqueIndex:idx_history_request_seq,priority:1" json:"-"`
	Seq       int       `gorm:"not null;uniqueIndex:idx_history_request_seq,priority:2" json:"seq"`
	Status    string    `gorm:"type:varchar(30);not null" json:"status"`
	ChangedAt time.Time `gorm:"not null" json:"changedAt"`
	ChangedBy string    `gorm:"type:varchar(255);not null" json:"changedBy"`
	Comment   string    `gorm:"type:text" json:"comment"`
	PONumber  *string   `gorm:"column:po_number;type:varchar(20)" json:"poNumber,omitempty"`
}

func (StatusHistory) TableName() string {
	return "request_status_history"
}
