package service

import (
	"context"
	"fmt"
	"time"

	"request-portal/internal/model"
	"request-portal/internal/repository"
)

const topSupplierLimit = 5

type StatisticsService interface {
	GetStatistics(ctx context.Context, startDate, endDate time.Time) (model.StatisticsResponse, error)
}

type statisticsService struct {
	repo repository.StatisticsRepository
}

func NewStatisticsService(repo repository.StatisticsRepository) StatisticsService {
	return &statisticsService{repo: repo}
}

// GetStatistics aggregates request counts and committed spend created within the range
func (s *statisticsService) GetStatistics(ctx context.Context, startDate, endDate time.Time) (model.StatisticsResponse, error) {
	var response model.StatisticsResponse
	if endDate.Before(startDate) {
		return response, validationf("end_date must not be before start_date")
	}
	response.TimeRangeStartDate = startDate
	response.TimeRangeEndDate = endDate

	byStatus, err := s.repo.CountByStatus(ctx, startDate, endDate)
	if err != nil {
		return response, err
	}
	response.ByStatus = byStatus
	for _, c := range byStatus {
		response.TotalRequests += c.Count
	}

	byType, err := s.repo.CountByType(ctx, startDate, endDate)
	if err != nil {
		return response, err
	}
	response.ByType = byType

	spend, err := s.repo.ApprovedSpendCents(ctx, startDate, endDate)
	if err != nil {
		return response, err
	}
	response.ApprovedSpendCents = spend
	response.ApprovedSpend = FormatCents(spend)

	top, err := s.repo.TopSuppliers(ctx, startDate, endDate, topSupplierLimit)
	if err != nil {
		return response, fmt.Errorf("failed to rank suppliers: %w", err)
	}
	response.TopSuppliers = top

	return response, nil
}
