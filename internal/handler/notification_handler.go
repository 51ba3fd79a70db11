package handler

import (
	"net/http"
	"strconv"

	"request-portal/internal/middleware"
	"request-portal/internal/service"
	"request-portal/pkg/pagination"
	"request-portal/pkg/response"

	"github.com/gin-gonic/gin"
)

type NotificationHandler struct {
	notificationService service.NotificationService
	auth                *middleware.Auth
}

func NewNotificationHandler(notificationService service.NotificationService, auth *middleware.Auth) *NotificationHandler {
	return &NotificationHandler{notificationService: notificationService, auth: auth}
}

func (h *NotificationHandler) RegisterRoutes(router *gin.RouterGroup) {
	notifications := router.Group("/notifications", h.auth.Authenticated())
	{
		notifications.GET("", h.List)
		notifications.PUT("/read-all", h.MarkAllRead)
		notifications.PUT("/:id/read", h.MarkRead)
	}
}

// List returns the notifications of the current user
// @Summary      List notifications
// @Tags         notifications
// @Produce      json
// @Security     BearerAuth
// @Param        unread  query  bool  false  "Only unread"
// @Param        page    query  int   false  "Page"
// @Param        limit   query  int   false  "Page size"
// @Success      200  {object}  response.Response{data=service.NotificationList}
// @Router       /notifications [get]
func (h *NotificationHandler) List(c *gin.Context) {
	p := pagination.Parse(c)
	unread, _ := strconv.ParseBool(c.Query("unread"))
	list, err := h.notificationService.List(c.Request.Context(), c.GetString(middleware.UserIDKey), unread, p.Page, p.Limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, list))
}

// MarkRead marks one notification as read
// @Summary      Mark notification read
// @Tags         notifications
// @Produce      json
// @Security     BearerAuth
// @Param        id   path  int  true  "Notification id"
// @Success      200  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /notifications/{id}/read [put]
func (h *NotificationHandler) MarkRead(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "Invalid notification id")
		return
	}
	if err := h.notificationService.MarkRead(c.Request.Context(), c.GetString(middleware.UserIDKey), uint(id)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "Notification marked as read"}))
}

// MarkAllRead marks every notification of the current user as read
// @Summary      Mark all notifications read
// @Tags         notifications
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  response.Response
// @Router       /notifications/read-all [put]
func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	n, err := h.notificationService.MarkAllRead(c.Request.Context(), c.GetString(middleware.UserIDKey))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"updated": n}))
}
