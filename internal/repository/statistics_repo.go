package repository

import (
	"context"
	"fmt"
	"time"

	"request-portal/internal/model"

	"gorm.io/gorm"
)

type StatisticsRepository interface {
	CountByStatus(ctx context.Context, start, end time.Time) ([]model.StatusCount, error)
	CountByType(ctx context.Context, start, end time.Time) ([]model.TypeCount, error)
	ApprovedSpendCents(ctx context.Context, start, end time.Time) (int64, error)
	TopSuppliers(ctx context.Context, start, end time.Time, limit int) ([]model.SupplierRank, error)
}

type statisticsRepository struct {
	db *gorm.DB
}

func NewStatisticsRepository(db *gorm.DB) StatisticsRepository {
	return &statisticsRepository{db: db}
}

// approvedStatuses are the states in which money has been committed.
var approvedStatuses = []string{
	model.StatusFinanceApproved,
	model.StatusInProgress,
	model.StatusAwaitingDelivery,
	model.StatusCompleted,
}

func (r *statisticsRepository) inRange(ctx context.Context, start, end time.Time) *gorm.DB {
	return GetDB(ctx, r.db).Model(&model.Request{}).
		Where("created_at >= ? AND created_at <= ?", start, end)
}

func (r *statisticsRepository) CountByStatus(ctx context.Context, start, end time.Time) ([]model.StatusCount, error) {
	var rows []model.StatusCount
	if err := r.inRange(ctx, start, end).
		Select("status, COUNT(*) as count").
		Group("status").
		Order("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count requests by status: %w", err)
	}
	return rows, nil
}

func (r *statisticsRepository) CountByType(ctx context.Context, start, end time.Time) ([]model.TypeCount, error) {
	var rows []model.TypeCount
	if err := r.inRange(ctx, start, end).
		Select("type, COUNT(*) as count").
		Group("type").
		Order("type").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to count requests by type: %w", err)
	}
	return rows, nil
}

func (r *statisticsRepository) ApprovedSpendCents(ctx context.Context, start, end time.Time) (int64, error) {
	var result struct {
		Value int64
	}
	if err := r.inRange(ctx, start, end).
		Select("COALESCE(SUM(quantity * unit_price_cents), 0) as value").
		Where("status IN ?", approvedStatuses).
		Scan(&result).Error; err != nil {
		return 0, fmt.Errorf("failed to sum approved spend: %w", err)
	}
	return result.Value, nil
}

func (r *statisticsRepository) TopSuppliers(ctx context.Context, start, end time.Time, limit int) ([]model.SupplierRank, error) {
	var rankings []model.SupplierRank
	if err := r.inRange(ctx, start, end).
		Select("supplier, COUNT(*) as requests, COALESCE(SUM(quantity * unit_price_cents), 0) as total_cents").
		Where("status IN ? AND supplier <> ''", approvedStatuses).
		Group("supplier").
		Order("total_cents DESC").
		Limit(limit).
		Scan(&rankings).Error; err != nil {
		return nil, fmt.Errorf("failed to query top suppliers: %w", err)
	}
	return rankings, nil
}
