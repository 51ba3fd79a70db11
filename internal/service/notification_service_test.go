package service

import (
	"context"
	"testing"

	"request-portal/internal/model"
	"request-portal/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotificationService_ReadFlow(t *testing.T) {
	repo := repository.NewNotificationRepository(newTestDB(t))
	svc := NewNotificationService(repo)
	ctx := context.Background()

	me, other := uuid.New(), uuid.New()
	for _, title := range []string{"one", "two", "three"} {
		require.NoError(t, repo.Create(ctx, &model.Notification{UserID: me, Title: title, Type: model.NotificationInApp}))
	}
	other1 := &model.Notification{UserID: other, Title: "theirs", Type: model.NotificationInApp}
	require.NoError(t, repo.Create(ctx, other1))

	list, err := svc.List(ctx, me.String(), false, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), list.Total)
	assert.Equal(t, int64(3), list.Unread)

	require.NoError(t, svc.MarkRead(ctx, me.String(), list.Items[0].ID))
	assert.ErrorIs(t, svc.MarkRead(ctx, me.String(), other1.ID), ErrNotFound)

	list, err = svc.List(ctx, me.String(), true, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Total)
	assert.Equal(t, int64(2), list.Unread)

	n, err := svc.MarkAllRead(ctx, me.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	list, err = svc.List(ctx, me.String(), true, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, list.Items)
	assert.Zero(t, list.Unread)

	_, err = svc.List(ctx, "not-a-uuid", false, 1, 10)
	assert.ErrorIs(t, err, ErrValidation)
}
