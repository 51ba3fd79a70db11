package model

import (
	"time"
)

// StatisticsResponse aggregates request counts and approved spend for a time range
type StatisticsResponse struct {
	TotalRequests      int64          `json:"total_requests"`
	ByStatus           []StatusCount  `json:"by_status"`
	ByType             []TypeCount    `json:"by_type"`
	ApprovedSpendCents int64          `json:"approved_spend_cents"`
	ApprovedSpend      string         `json:"approved_spend"` // decimal rendering of ApprovedSpendCents
	TopSuppliers       []SupplierRank `json:"top_suppliers"`
	TimeRangeStartDate time.Time      `json:"time_range_start_date"`
	TimeRangeEndDate   time.Time      `json:"time_range_end_date"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

type TypeCount struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// SupplierRank represents a supplier ranked by approved spend
type SupplierRank struct {
	Supplier   string `json:"supplier"`
	Requests   int64  `json:"requests"`
	TotalCents int64  `json:"total_cents"`
}
