package handler

import (
	"net/http"
	"time"

	"request-portal/internal/middleware"
	"request-portal/internal/model"
	"request-portal/internal/service"
	"request-portal/pkg/response"

	"github.com/gin-gonic/gin"
)

type StatisticsHandler struct {
	statisticsService service.StatisticsService
	auth              *middleware.Auth
}

func NewStatisticsHandler(statisticsService service.StatisticsService, auth *middleware.Auth) *StatisticsHandler {
	return &StatisticsHandler{statisticsService: statisticsService, auth: auth}
}

func (h *StatisticsHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/statistics",
		h.auth.RequireRole(model.RoleAdmin, model.RoleSupervisor, model.RoleManager),
		h.GetStatistics)
}

// @Summary      Get Dashboard Statistics
// @Description  Request counts by status and type, approved spend and top suppliers within a time range
// @Tags         Statistics
// @Produce      json
// @Param        start_date query string false "Start Date (RFC3339)"
// @Param        end_date   query string false "End Date (RFC3339)"
// @Success      200 {object} response.Response{data=model.StatisticsResponse}
// @Failure      400 {object} response.Response "Invalid date format"
// @Failure      401 {object} response.Response "Unauthorized"
// @Security     BearerAuth
// @Router       /statistics [get]
func (h *StatisticsHandler) GetStatistics(c *gin.Context) {
	startDateStr := c.Query("start_date")
	endDateStr := c.Query("end_date")

	var startDate, endDate time.Time
	var err error

	// Default to current month if no dates are provided
	now := time.Now()
	if startDateStr == "" {
		startDate = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	} else if startDate, err = time.Parse(time.RFC3339, startDateStr); err != nil {
		badRequest(c, "invalid start_date format, expected RFC3339")
		return
	}

	if endDateStr == "" {
		endDate = now
	} else if endDate, err = time.Parse(time.RFC3339, endDateStr); err != nil {
		badRequest(c, "invalid end_date format, expected RFC3339")
		return
	}

	stats, err := h.statisticsService.GetStatistics(c.Request.Context(), startDate, endDate)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, stats))
}
