package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Request types
const (
	RequestTypePurchase    = "purchase"
	RequestTypeMaintenance = "maintenance"
	RequestTypeITTicket    = "it_ticket"
)

// Request statuses
const (
	StatusPending          = "pending"
	StatusNeedApproved     = "need_approved"
	StatusFinanceApproved  = "finance_approved"
	StatusInProgress       = "in_progress"
	StatusAwaitingDelivery = "awaiting_delivery"
	StatusCompleted        = "completed"
	StatusRejected         = "rejected"
)

// Priorities
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// MaxAttachments is the number of user uploaded files a request may carry.
const MaxAttachments = 5

// Attachment references a file held by the object store.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WebViewLink string `json:"webViewLink,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Request is a purchase, maintenance or IT ticket moving through the approval workflow.
type Request struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	CustomID        string     `gorm:"type:varchar(32);uniqueIndex;not null" json:"custom_id"`
	Type            string     `gorm:"type:varchar(20);not null;index" json:"type"`
	Status          string     `gorm:"type:varchar(30);not null;default:'pending';index" json:"status"`
	RequesterName   string     `gorm:"type:varchar(255);not null" json:"requester_name"`
	RequesterID     *uuid.UUID `gorm:"type:uuid;index" json:"requester_id"`
	Title           string     `gorm:"type:varchar(255);not null" json:"title"`
	Description     string     `gorm:"type:text" json:"description"`
	ProductName     string     `gorm:"type:varchar(255)" json:"product_name,omitempty"`
	Quantity        int        `json:"quantity,omitempty"`
	UnitPriceCents  int64      `json:"unit_price_cents,omitempty"` // minor currency units
	Supplier        string     `gorm:"type:varchar(255)" json:"supplier,omitempty"`
	PONumber        *string    `gorm:"column:po_number;type:varchar(20);uniqueIndex" json:"po_number"`
	Equipment       string     `gorm:"type:varchar(255)" json:"equipment,omitempty"`
	Location        string     `gorm:"type:varchar(255)" json:"location,omitempty"`
	MaintenanceType string     `gorm:"type:varchar(100)" json:"maintenance_type,omitempty"`
	Priority        string     `gorm:"type:varchar(10)" json:"priority,omitempty"`
	Category        string     `gorm:"type:varchar(100)" json:"category,omitempty"`

	// Approval trail, each written once by its transition.
	NeedApprovedBy    string `gorm:"type:varchar(255)" json:"need_approved_by,omitempty"`
	FinanceApprovedBy string `gorm:"type:varchar(255)" json:"finance_approved_by,omitempty"`
	ExecutedBy        string `gorm:"type:varchar(255)" json:"executed_by,omitempty"`

	Carrier       string                          `gorm:"type:varchar(100)" json:"carrier,omitempty"`
	TrackingCode  string                          `gorm:"type:varchar(100)" json:"tracking_code,omitempty"`
	DeliveryProof datatypes.JSONSlice[Attachment] `json:"delivery_proof"`
	Attachments   datatypes.JSONSlice[Attachment] `json:"attachments"`

	StatusHistory []StatusHistory `gorm:"foreignKey:RequestID" json:"status_history,omitempty"`

	DriveFolderID string `gorm:"type:varchar(255)" json:"drive_folder_id"`
	POFolderID    string `gorm:"column:po_folder_id;type:varchar(255)" json:"po_folder_id,omitempty"`

	Version   int64     `gorm:"not null;default:1" json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasPONumber reports whether the request carries a purchase order number.
func (r *Request) HasPONumber() bool {
	return r.PONumber != nil && *r.PONumber != ""
}

// TotalCents is quantity times unit price.
func (r *Request) TotalCents() int64 {
	return int64(r.Quantity) * r.UnitPriceCents
}

// PurchaseDetail holds the purchase specific part of a request.
type PurchaseDetail struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	RequestID      uint   `gorm:"not null;uniqueIndex" json:"request_id"`
	ProductName    string `gorm:"type:varchar(255)" json:"product_name"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Supplier       string `gorm:"type:varchar(255)" json:"supplier"`
}

// MaintenanceDetail holds the maintenance specific part of a request.
type MaintenanceDetail struct {
	ID              uint   `gorm:"primaryKey" json:"id"`
	RequestID       uint   `gorm:"not null;uniqueIndex" json:"request_id"`
	Equipment       string `gorm:"type:varchar(255)" json:"equipment"`
	Location        string `gorm:"type:varchar(255)" json:"location"`
	MaintenanceType string `gorm:"type:varchar(100)" json:"maintenance_type"`
	Priority        string `gorm:"type:varchar(10)" json:"priority"`
}

// ITTicketDetail holds the IT ticket specific part of a request.
type ITTicketDetail struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	RequestID uint   `gorm:"not null;uniqueIndex" json:"request_id"`
	Category  string `gorm:"type:varchar(100)" json:"category"`
	Priority  string `gorm:"type:varchar(10)" json:"priority"`
}

// DetailFor builds the type specific child row for a request. Unknown types yield nil.
func DetailFor(r *Request) interface{} {
	switch r.Type {
	case RequestTypePurchase:
		return &PurchaseDetail{
			RequestID:      r.ID,
			ProductName:    r.ProductName,
			Quantity:       r.Quantity,
			UnitPriceCents: r.UnitPriceCents,
			Supplier:       r.Supplier,
		}
	case RequestTypeMaintenance:
		return &MaintenanceDetail{
			RequestID:       r.ID,
			Equipment:       r.Equipment,
			Location:        r.Location,
			MaintenanceType: r.MaintenanceType,
			Priority:        r.Priority,
		}
	case RequestTypeITTicket:
		return &ITTicketDetail{
			RequestID: r.ID,
			Category:  r.Category,
			Priority:  r.Priority,
		}
	}
	return nil
}
