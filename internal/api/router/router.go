package router

import (
	"log/slog"

	"github.com/cuongbtq/perch-be/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Config holds what the router needs beyond the handler dependencies
type Config struct {
	Logger    *slog.Logger
	Auth      TokenValidator
	WebSocket gin.HandlerFunc
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(cfg *Config, deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(cfg.Logger))
	r.Use(CORSMiddleware())

	h := handler.New(deps)

	r.GET("/health", h.Health)

	// the websocket authenticates itself during the handshake
	if cfg.WebSocket != nil {
		r.GET("/ws/notifications", cfg.WebSocket)
	}

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.Auth, cfg.Logger))
	{
		bookings := v1.Group("/bookings")
		{
			// POST /api/v1/bookings/:booking_id/review - Approve or reject a booking
			bookings.POST("/:booking_id/review", h.ReviewBooking)
		}

		payments := v1.Group("/payments")
		{
			// POST /api/v1/payments/verify - Queue verification of a gateway charge
			payments.POST("/verify", h.VerifyPayment)
		}

		notifications := v1.Group("/notifications")
		{
			notifications.GET("", h.ListNotifications)
			notifications.GET("/unread-count", h.UnreadCount)
			notifications.POST("/:notification_id/read", h.MarkNotificationRead)
			notifications.POST("/read-all", h.MarkAllNotificationsRead)
		}
	}

	return r
}
