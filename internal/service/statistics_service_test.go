package service

import (
	"context"
	"testing"
	"time"

	"request-portal/internal/model"
	"request-portal/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatisticsService_Aggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approved := f.submit(t, purchaseDTO())
	f.move(t, f.supervisor, approved.CustomID, TransitionDTO{To: model.StatusNeedApproved, Comment: "ok"})
	f.move(t, f.admin, approved.CustomID, TransitionDTO{To: model.StatusFinanceApproved, Comment: "ok", PONumber: "PO-2025-0001"})
	f.submit(t, purchaseDTO())
	f.submit(t, SubmitRequestDTO{Type: model.RequestTypeITTicket, Title: "VPN", Category: "network"})

	svc := NewStatisticsService(repository.NewStatisticsRepository(f.db))

	stats, err := svc.GetStatistics(ctx, fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.Equal(t, int64(374970), stats.ApprovedSpendCents)
	assert.Equal(t, "3749.70", stats.ApprovedSpend)
	require.NotEmpty(t, stats.TopSuppliers)
	assert.Equal(t, "Lenovo", stats.TopSuppliers[0].Supplier)

	byType := map[string]int64{}
	for _, c := range stats.ByType {
		byType[c.Type] = c.Count
	}
	assert.Equal(t, int64(2), byType[model.RequestTypePurchase])
	assert.Equal(t, int64(1), byType[model.RequestTypeITTicket])

	_, err = svc.GetStatistics(ctx, fixedNow, fixedNow.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrValidation)
}
