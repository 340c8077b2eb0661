package dto

import "encoding/json"

type ReviewBookingRequest struct {
	Action string `json:"action" binding:"required"`
}

type ReviewBookingResponse struct {
	BookingID int64  `json:"booking_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type VerifyPaymentRequest struct {
	Reference string `json:"reference" binding:"required"`
}

type VerifyPaymentResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type ListNotificationsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListNotificationsResponse struct {
	Notifications []NotificationDTO `json:"notifications"`
	NextCursor    string            `json:"next_cursor,omitempty"`
}

type NotificationDTO struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type UnreadCountResponse struct {
	UnreadCount int64 `json:"unread_count"`
}
