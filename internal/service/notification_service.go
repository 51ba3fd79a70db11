package service

import (
	"context"
	"fmt"

	"request-portal/internal/model"
	"request-portal/internal/repository"

	"github.com/google/uuid"
)

type NotificationList struct {
	Items  []model.Notification `json:"items"`
	Total  int64                `json:"total"`
	Unread int64                `json:"unread"`
}

type NotificationService interface {
	List(ctx context.Context, userID string, unreadOnly bool, page, limit int) (*NotificationList, error)
	MarkRead(ctx context.Context, userID string, id uint) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
}

type notificationService struct {
	repo repository.NotificationRepository
}

func NewNotificationService(repo repository.NotificationRepository) NotificationService {
	return &notificationService{repo: repo}
}

func parseUserID(id string) (uuid.UUID, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, validationf("invalid user id")
	}
	return uid, nil
}

func (s *notificationService) List(ctx context.Context, userID string, unreadOnly bool, page, limit int) (*NotificationList, error) {
	uid, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = 20
	}

	items, total, err := s.repo.ListByUser(ctx, uid, unreadOnly, page, limit)
	if err != nil {
		return nil, err
	}
	unread, err := s.repo.CountUnread(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	if items == nil {
		items = []model.Notification{}
	}
	return &NotificationList{Items: items, Total: total, Unread: unread}, nil
}

func (s *notificationService) MarkRead(ctx context.Context, userID string, id uint) error {
	uid, err := parseUserID(userID)
	if err != nil {
		return err
	}
	return fromRepo(s.repo.MarkRead(ctx, uid, id))
}

func (s *notificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	uid, err := parseUserID(userID)
	if err != nil {
		return 0, err
	}
	return s.repo.MarkAllRead(ctx, uid)
}
