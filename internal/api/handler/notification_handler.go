package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cuongbtq/perch-be/internal/api/dto"
	"github.com/cuongbtq/perch-be/internal/api/storage"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ListNotifications handles GET /api/v1/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}

	var req dto.ListNotificationsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	switch req.Status {
	case "", domain.NotificationStatusUnread, domain.NotificationStatusRead:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be Unread or Read"})
		return
	}

	cursor, err := DecodeNotificationCursor(req.Cursor)
	if err != nil {
		h.logger.Debug("Invalid cursor", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid cursor"})
		return
	}

	notifications, next, err := h.notifications.List(c.Request.Context(), storage.NotificationFilter{
		UserID:   cl.UserID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list notifications", slog.Int64("user_id", cl.UserID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notifications"})
		return
	}

	resp := dto.ListNotificationsResponse{
		Notifications: make([]dto.NotificationDTO, len(notifications)),
	}
	for i, n := range notifications {
		resp.Notifications[i] = dto.NotificationDTO{
			ID:        n.ID,
			Type:      n.Type,
			Status:    n.Status,
			Title:     n.Title,
			Message:   n.Message,
			Data:      json.RawMessage(n.Data),
			CreatedAt: n.CreatedAt.Format(time.RFC3339),
		}
	}
	if next != nil {
		resp.NextCursor = EncodeNotificationCursor(next)
	}

	c.JSON(http.StatusOK, resp)
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *Handler) UnreadCount(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}

	count, err := h.notifications.UnreadCount(c.Request.Context(), cl.UserID)
	if err != nil {
		h.logger.Error("Failed to count unread notifications", slog.Int64("user_id", cl.UserID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count unread notifications"})
		return
	}

	c.JSON(http.StatusOK, dto.UnreadCountResponse{UnreadCount: count})
}

// MarkNotificationRead handles POST /api/v1/notifications/:notification_id/read
func (h *Handler) MarkNotificationRead(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}

	id, err := strconv.ParseInt(c.Param("notification_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "notification_id must be a positive integer"})
		return
	}

	count, err := h.notifications.MarkAsRead(c.Request.Context(), cl.UserID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotificationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to mark notification read",
			slog.Int64("user_id", cl.UserID),
			slog.Int64("notification_id", id),
			slog.Any("error", err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notification read"})
		return
	}

	c.JSON(http.StatusOK, dto.UnreadCountResponse{UnreadCount: count})
}

// MarkAllNotificationsRead handles POST /api/v1/notifications/read-all
func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}

	if err := h.notifications.MarkAllAsRead(c.Request.Context(), cl.UserID); err != nil {
		h.logger.Error("Failed to mark notifications read", slog.Int64("user_id", cl.UserID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notifications read"})
		return
	}

	c.JSON(http.StatusOK, dto.UnreadCountResponse{UnreadCount: 0})
}
