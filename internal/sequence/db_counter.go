package sequence

import (
	"context"
	"fmt"

	"request-portal/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBCounter keeps counters in the sequences table. The increment is a single
// UPDATE ... RETURNING so concurrent callers never read the same value.
type DBCounter struct {
	db *gorm.DB
}

func NewDBCounter(db *gorm.DB) *DBCounter {
	return &DBCounter{db: db}
}

func (c *DBCounter) Next(ctx context.Context, scope Scope, seed SeedFunc) (int64, error) {
	value, ok, err := c.increment(ctx, scope.Key)
	if err != nil {
		return 0, err
	}
	if ok {
		return value, nil
	}

	var start int64
	if seed != nil {
		if start, err = seed(ctx); err != nil {
			return 0, fmt.Errorf("failed to seed sequence %s: %w", scope.Key, err)
		}
	}
	// Another caller may have created the row in the meantime; keep theirs.
	if err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Sequence{Scope: scope.Key, Value: start}).Error; err != nil {
		return 0, fmt.Errorf("failed to create sequence %s: %w", scope.Key, err)
	}

	value, ok, err = c.increment(ctx, scope.Key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("sequence %s vanished", scope.Key)
	}
	return value, nil
}

func (c *DBCounter) increment(ctx context.Context, key string) (int64, bool, error) {
	var value int64
	res := c.db.WithContext(ctx).
		Raw("UPDATE sequences SET value = value + 1 WHERE scope = ? RETURNING value", key).
		Scan(&value)
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to increment sequence %s: %w", key, res.Error)
	}
	return value, res.RowsAffected > 0, nil
}
