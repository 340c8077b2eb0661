package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/perch-be/internal/api/storage"
	"github.com/cuongbtq/perch-be/internal/auth"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
	"github.com/gin-gonic/gin"
)

// Store is the read side the handlers need
type Store interface {
	GetBookingByID(ctx context.Context, bookingID int64) (*domain.Booking, error)
	GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
}

// Publisher enqueues work for the worker service
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Notifications is the user's notification inbox
type Notifications interface {
	List(ctx context.Context, filter storage.NotificationFilter) ([]domain.Notification, *storage.NotificationCursor, error)
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkAsRead(ctx context.Context, userID, notificationID int64) (int64, error)
	MarkAllAsRead(ctx context.Context, userID int64) error
}

// HealthCheck reports whether one dependency is usable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	ServiceName   string
	Store         Store
	Publisher     Publisher
	Notifications Notifications
	HealthChecks  map[string]HealthCheck
}

// Handler serves the HTTP API
type Handler struct {
	logger        *slog.Logger
	serviceName   string
	store         Store
	publisher     Publisher
	notifications Notifications
	healthChecks  map[string]HealthCheck
}

// New creates a new Handler instance
func New(deps *Dependencies) *Handler {
	return &Handler{
		logger:        deps.Logger,
		serviceName:   deps.ServiceName,
		store:         deps.Store,
		publisher:     deps.Publisher,
		notifications: deps.Notifications,
		healthChecks:  deps.HealthChecks,
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	checks := make(map[string]string, len(h.healthChecks))
	healthy := true
	for name, check := range h.healthChecks {
		if err := check(c.Request.Context()); err != nil {
			h.logger.Warn("Health check failed", slog.String("check", name), slog.Any("error", err))
			checks[name] = "unhealthy"
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"service": h.serviceName,
		"checks":  checks,
	})
}

// publishFailureStatus maps an enqueue error to 503 when the client may
// retry and 500 for a misconfiguration
func publishFailureStatus(err error) int {
	if rabbitmq.IsRetryable(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// claims returns the authenticated user. The auth middleware guarantees
// they are present on every /api/v1 route.
func claims(c *gin.Context) (*auth.Claims, bool) {
	cl, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	return cl, true
}
