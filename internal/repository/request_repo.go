package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"request-portal/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequestFilter narrows request listings. Empty fields match everything.
type RequestFilter struct {
	Status      string
	Type        string
	RequesterID *uuid.UUID
	Search      string
	Page        int
	Limit       int
}

// RequestRepository persists requests and their append-only status history.
type RequestRepository interface {
	// Create inserts the request, its type specific detail row and the first history entry.
	Create(ctx context.Context, req *model.Request, detail interface{}, first *model.StatusHistory) error
	FindByCustomID(ctx context.Context, customID string) (*model.Request, error)
	FindByID(ctx context.Context, id uint) (*model.Request, error)
	Exists(ctx context.Context, customID string) (bool, error)
	// UpdateVersioned applies updates and appends entry only if the stored
	// version still equals version. Both writes share one transaction.
	UpdateVersioned(ctx context.Context, customID string, version int64, updates map[string]interface{}, entry *model.StatusHistory) (*model.Request, error)
	List(ctx context.Context, filter RequestFilter) ([]model.Request, int64, error)
	History(ctx context.Context, customID string) ([]model.StatusHistory, error)
	CountByTypeAndDay(ctx context.Context, requestType string, day time.Time) (int64, error)
	CountPOsByYear(ctx context.Context, year int) (int64, error)
	PONumberTaken(ctx context.Context, poNumber string) (bool, error)
}

type requestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) RequestRepository {
	return &requestRepository{db: db}
}

func (r *requestRepository) Create(ctx context.Context, req *model.Request, detail interface{}, first *model.StatusHistory) error {
	return GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		if req.Version == 0 {
			req.Version = 1
		}
		if err := tx.Omit("StatusHistory").Create(req).Error; err != nil {
			return translate(err, "failed to create request")
		}

		switch d := detail.(type) {
		case *model.PurchaseDetail:
			d.RequestID = req.ID
		case *model.MaintenanceDetail:
			d.RequestID = req.ID
		case *model.ITTicketDetail:
			d.RequestID = req.ID
		}
		if detail != nil {
			if err := tx.Create(detail).Error; err != nil {
				return translate(err, "failed to create request detail")
			}
		}

		if first != nil {
			first.RequestID = req.ID
			first.Seq = 1
			if err := tx.Create(first).Error; err != nil {
				return translate(err, "failed to write status history")
			}
			req.StatusHistory = []model.StatusHistory{*first}
		}
		return nil
	})
}

func (r *requestRepository) FindByCustomID(ctx context.Context, customID string) (*model.Request, error) {
	var req model.Request
	err := GetDB(ctx, r.db).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&req, "custom_id = ?", customID).Error
	if err != nil {
		return nil, translate(err, "failed to load request "+customID)
	}
	return &req, nil
}

func (r *requestRepository) FindByID(ctx context.Context, id uint) (*model.Request, error) {
	var req model.Request
	err := GetDB(ctx, r.db).
		Preload("StatusHistory", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		First(&req, id).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("failed to load request %d", id))
	}
	return &req, nil
}

func (r *requestRepository) Exists(ctx context.Context, customID string) (bool, error) {
	var n int64
	if err := GetDB(ctx, r.db).Model(&model.Request{}).Where("custom_id = ?", customID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *requestRepository) UpdateVersioned(ctx context.Context, customID string, version int64, updates map[string]interface{}, entry *model.StatusHistory) (*model.Request, error) {
	err := GetDB(ctx, r.db).Transaction(func(tx *gorm.DB) error {
		values := make(map[string]interface{}, len(updates)+2)
		for k, v := range updates {
			values[k] = v
		}
		values["version"] = gorm.Expr("version + 1")
		if _, ok := values["updated_at"]; !ok {
			values["updated_at"] = time.Now()
		}

		res := tx.Model(&model.Request{}).
			Where("custom_id = ? AND version = ?", customID, version).
			Updates(values)
		if res.Error != nil {
			return translate(res.Error, "failed to update request "+customID)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&model.Request{}).Where("custom_id = ?", customID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("request %s: %w", customID, ErrNotFound)
			}
			return fmt.Errorf("request %s: %w", customID, ErrVersionConflict)
		}

		if entry == nil {
			return nil
		}
		var requestID uint
		if err := tx.Model(&model.Request{}).Select("id").Where("custom_id = ?", customID).Scan(&requestID).Error; err != nil {
			return err
		}
		var last int
		if err := tx.Model(&model.StatusHistory{}).
			Select("COALESCE(MAX(seq), 0)").
			Where("request_id = ?", requestID).
			Scan(&last).Error; err != nil {
			return err
		}
		entry.RequestID = requestID
		entry.Seq = last + 1
		return translate(tx.Create(entry).Error, "failed to write status history")
	})
	if err != nil {
		return nil, err
	}
	return r.FindByCustomID(ctx, customID)
}

func (r *requestRepository) List(ctx context.Context, filter RequestFilter) ([]model.Request, int64, error) {
	query := GetDB(ctx, r.db).Model(&model.Request{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.RequesterID != nil {
		query = query.Where("requester_id = ?", *filter.RequesterID)
	}
	if s := strings.TrimSpace(filter.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		query = query.Where("LOWER(title) LIKE ? OR LOWER(custom_id) LIKE ? OR LOWER(requester_name) LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count requests: %w", err)
	}

	var requests []model.Request
	offset := (filter.Page - 1) * filter.Limit
	if err := query.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(filter.Limit).Find(&requests).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch requests: %w", err)
	}
	return requests, total, nil
}

func (r *requestRepository) History(ctx context.Context, customID string) ([]model.StatusHistory, error) {
	var requestID uint
	res := GetDB(ctx, r.db).Model(&model.Request{}).Select("id").Where("custom_id = ?", customID).Scan(&requestID)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("request %s: %w", customID, ErrNotFound)
	}

	var entries []model.StatusHistory
	if err := GetDB(ctx, r.db).Where("request_id = ?", requestID).Order("seq ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to load history of %s: %w", customID, err)
	}
	return entries, nil
}

func (r *requestRepository) CountByTypeAndDay(ctx context.Context, requestType string, day time.Time) (int64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.AddDate(0, 0, 1)

	var n int64
	err := GetDB(ctx, r.db).Model(&model.Request{}).
		Where("type = ? AND created_at >= ? AND created_at < ?", requestType, start, end).
		Count(&n).Error
	return n, err
}

// CountPOsByYear counts the PO numbers already issued for year.
func (r *requestRepository) CountPOsByYear(ctx context.Context, year int) (int64, error) {
	var n int64
	err := GetDB(ctx, r.db).Model(&model.Request{}).
		Where("po_number LIKE ?", fmt.Sprintf("PO-%d-%%", year)).
		Count(&n).Error
	return n, err
}

func (r *requestRepository) PONumberTaken(ctx context.Context, poNumber string) (bool, error) {
	var n int64
	if err := GetDB(ctx, r.db).Model(&model.Request{}).Where("po_number = ?", poNumber).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
