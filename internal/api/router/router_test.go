package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/perch-be/internal/api/handler"
	"github.com/cuongbtq/perch-be/internal/api/storage"
	"github.com/cuongbtq/perch-be/internal/auth"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInbox struct {
	userID int64
}

func (s *stubInbox) List(context.Context, storage.NotificationFilter) ([]domain.Notification, *storage.NotificationCursor, error) {
	return nil, nil, nil
}

func (s *stubInbox) UnreadCount(_ context.Context, userID int64) (int64, error) {
	s.userID = userID
	return 4, nil
}

func (s *stubInbox) MarkAsRead(context.Context, int64, int64) (int64, error) { return 0, nil }

func (s *stubInbox) MarkAllAsRead(context.Context, int64) error { return nil }

func newTestRouter(t *testing.T, inbox *stubInbox) (*gin.Engine, *auth.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	jwtService := auth.NewJWTService("router-test-secret")

	r := SetupRouter(&Config{
		Logger: logger,
		Auth:   jwtService,
		WebSocket: func(c *gin.Context) {
			c.String(http.StatusTeapot, "ws")
		},
	}, &handler.Dependencies{
		Logger:        logger,
		ServiceName:   "perch-api-service",
		Notifications: inbox,
		HealthChecks:  map[string]handler.HealthCheck{},
	})
	return r, jwtService
}

func TestAuthMiddleware(t *testing.T) {
	inbox := &stubInbox{}
	r, jwtService := newTestRouter(t, inbox)

	token, err := jwtService.GenerateToken(12, "host@example.com")
	require.NoError(t, err)
	otherSecret, err := auth.NewJWTService("another-secret").GenerateToken(12, "host@example.com")
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		query    string
		wantCode int
	}{
		{name: "no token", wantCode: http.StatusUnauthorized},
		{name: "malformed header", header: "Token " + token, wantCode: http.StatusUnauthorized},
		{name: "wrong signature", header: "Bearer " + otherSecret, wantCode: http.StatusUnauthorized},
		{name: "bearer header", header: "Bearer " + token, wantCode: http.StatusOK},
		{name: "query token", query: "?token=" + token, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/unread-count"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode == http.StatusOK {
				assert.JSONEq(t, `{"unread_count":4}`, w.Body.String())
				assert.Equal(t, int64(12), inbox.userID)
			}
		})
	}
}

func TestPublicRoutes(t *testing.T) {
	r, _ := newTestRouter(t, &stubInbox{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/notifications", nil))
	assert.Equal(t, http.StatusTeapot, w.Code, "the websocket route skips bearer middleware")
}

func TestCORSPreflight(t *testing.T) {
	r, _ := newTestRouter(t, &stubInbox{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/v1/notifications", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID(t *testing.T) {
	r, _ := newTestRouter(t, &stubInbox{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Len(t, w.Header().Get(RequestIDHeader), 36, "a uuid is assigned")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
}
