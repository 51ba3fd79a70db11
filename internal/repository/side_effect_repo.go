package repository

import (
	"context"
	"fmt"
	"time"

	"request-portal/internal/model"

	"gorm.io/gorm"
)

// ClaimTimeout is how long a running marker stays owned by its worker. After
// that it is considered abandoned and can be claimed again.
const ClaimTimeout = 10 * time.Minute

// SideEffectRepository tracks best-effort steps that follow a committed change.
type SideEffectRepository interface {
	Create(ctx context.Context, e *model.SideEffect) error
	// Claim marks the marker running for the caller. It reports false when the
	// marker is done or another worker holds it.
	Claim(ctx context.Context, id uint) (bool, error)
	MarkDone(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, cause error) error
	// ListRetryable returns unfinished, unclaimed markers with fewer than
	// maxAttempts attempts, oldest first.
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]model.SideEffect, error)
	ListByRequest(ctx context.Context, customID string) ([]model.SideEffect, error)
}

type sideEffectRepository struct {
	db *gorm.DB
}

func NewSideEffectRepository(db *gorm.DB) SideEffectRepository {
	return &sideEffectRepository{db: db}
}

func (r *sideEffectRepository) Create(ctx context.Context, e *model.SideEffect) error {
	if e.Status == "" {
		e.Status = model.SideEffectPending
	}
	return translate(GetDB(ctx, r.db).Create(e).Error, "failed to record side effect")
}

func (r *sideEffectRepository) Claim(ctx context.Context, id uint) (bool, error) {
	now := time.Now()
	res := GetDB(ctx, r.db).Model(&model.SideEffect{}).
		Where("id = ?", id).
		Where(claimableSQL, claimableArgs(now)...).
		Updates(map[string]interface{}{
			"status":     model.SideEffectRunning,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim side effect %d: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

const claimableSQL = "(status IN ? OR (status = ? AND updated_at < ?))"

func claimableArgs(now time.Time) []interface{} {
	return []interface{}{
		[]string{model.SideEffectPending, model.SideEffectFailed},
		model.SideEffectRunning,
		now.Add(-ClaimTimeout),
	}
}

func (r *sideEffectRepository) MarkDone(ctx context.Context, id uint) error {
	return GetDB(ctx, r.db).Model(&model.SideEffect{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     model.SideEffectDone,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": "",
	}).Error
}

func (r *sideEffectRepository) MarkFailed(ctx context.Context, id uint, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return GetDB(ctx, r.db).Model(&model.SideEffect{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     model.SideEffectFailed,
		"attempts":   gorm.Expr("attempts + 1"),
		"last_error": msg,
	}).Error
}

func (r *sideEffectRepository) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]model.SideEffect, error) {
	var items []model.SideEffect
	err := GetDB(ctx, r.db).
		Where(claimableSQL, claimableArgs(time.Now())...).
		Where("attempts < ?", maxAttempts).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list side effects: %w", err)
	}
	return items, nil
}

func (r *sideEffectRepository) ListByRequest(ctx context.Context, customID string) ([]model.SideEffect, error) {
	var items []model.SideEffect
	err := GetDB(ctx, r.db).Where("request_custom_id = ?", customID).Order("id ASC").Find(&items).Error
	return items, err
}
