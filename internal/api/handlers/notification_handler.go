package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"fundingarb/internal/models"
)

// NotificationReader - чтение и очистка журнала уведомлений
type NotificationReader interface {
	GetRecent(ctx context.Context, limit int) ([]models.Notification, error)
	GetBySeverity(ctx context.Context, severity string, limit int) ([]models.Notification, error)
	DeleteAll(ctx context.Context) error
}

// NotificationHandler отвечает за журнал уведомлений
//
// Endpoints:
// - GET /api/v1/notifications - последние уведомления
// - GET /api/v1/notifications?severity=critical - фильтр по уровню
// - DELETE /api/v1/notifications - очистка журнала
type NotificationHandler struct {
	notifications NotificationReader
}

// NewNotificationHandler создает новый NotificationHandler
func NewNotificationHandler(notifications NotificationReader) *NotificationHandler {
	return &NotificationHandler{notifications: notifications}
}

// GetNotificationsResponse представляет ответ списка уведомлений
type GetNotificationsResponse struct {
	Notifications []models.Notification `json:"notifications"`
	Total         int                   `json:"total"`
}

// GetNotifications возвращает уведомления
//
// GET /api/v1/notifications
//
// Query параметры:
// - severity (string): info, warn, error, critical
// - limit (int): количество записей (по умолчанию 100, максимум 500)
func (h *NotificationHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if parsed, err := strconv.Atoi(limitParam); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 500 {
		limit = 500
	}

	var (
		notifications []models.Notification
		err           error
	)
	severity := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("severity")))
	if severity != "" {
		notifications, err = h.notifications.GetBySeverity(r.Context(), severity, limit)
	} else {
		notifications, err = h.notifications.GetRecent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch notifications", err.Error())
		return
	}

	if notifications == nil {
		notifications = []models.Notification{}
	}
	writeJSON(w, http.StatusOK, GetNotificationsResponse{
		Notifications: notifications,
		Total:         len(notifications),
	})
}

// ClearNotifications очищает журнал
//
// DELETE /api/v1/notifications
func (h *NotificationHandler) ClearNotifications(w http.ResponseWriter, r *http.Request) {
	if err := h.notifications.DeleteAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear notifications", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "notifications cleared"})
}
