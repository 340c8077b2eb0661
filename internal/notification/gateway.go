package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cuongbtq/perch-be/internal/auth"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 4096
)

// Authenticator turns a bearer token into the user's claims
type Authenticator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Inbox is what a live connection can ask of the notification service
type Inbox interface {
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	Recent(ctx context.Context, userID int64, limit int) ([]domain.Notification, error)
	MarkAsRead(ctx context.Context, userID, notificationID int64) (int64, error)
	MarkAllAsRead(ctx context.Context, userID int64) error
}

// wireMessage is the JSON frame exchanged in both directions
type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type markAsReadData struct {
	NotificationID int64 `json:"notificationId"`
}

type connectionConfirmed struct {
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// Gateway serves the notification websocket
type Gateway struct {
	auth     Authenticator
	registry *Registry
	inbox    Inbox
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewGateway creates the websocket gateway. Connections authenticate with a
// bearer token and are tracked in registry for the life of the socket.
func NewGateway(authenticator Authenticator, registry *Registry, inbox Inbox, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		auth:     authenticator,
		registry: registry,
		inbox:    inbox,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the socket is authenticated by token, never by cookie
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "notification_gateway")),
	}
}

// ServeWS handles GET /ws/notifications. The handler blocks for the life of
// the connection.
func (g *Gateway) ServeWS(c *gin.Context) {
	token := auth.TokenFromRequest(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	claims, err := g.auth.ValidateToken(token)
	if err != nil {
		g.logger.Debug("Rejected websocket token", slog.Any("error", err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", slog.Any("error", err))
		return
	}

	h := &wsHandle{conn: conn}
	userID := claims.UserID
	g.registry.RegisterConnection(userID, h)
	g.logger.Info("User connected", slog.Int64("user_id", userID), slog.Int("online", g.registry.Count()))

	done := make(chan struct{})
	defer func() {
		close(done)
		g.registry.UnregisterConnection(h)
		conn.Close()
		g.logger.Info("User disconnected", slog.Int64("user_id", userID), slog.Int("online", g.registry.Count()))
	}()

	ctx := c.Request.Context()
	g.greet(ctx, userID, h)
	go h.keepAlive(done)
	g.readLoop(ctx, userID, h)
}

// greet sends the state a client needs right after connecting
func (g *Gateway) greet(ctx context.Context, userID int64, h *wsHandle) {
	if count, err := g.inbox.UnreadCount(ctx, userID); err != nil {
		g.logger.Warn("Failed to load unread count", slog.Int64("user_id", userID), slog.Any("error", err))
	} else {
		g.emit(userID, h, EventUnreadCount, count)
	}

	if recent, err := g.inbox.Recent(ctx, userID, RecentLimit); err != nil {
		g.logger.Warn("Failed to load recent notifications", slog.Int64("user_id", userID), slog.Any("error", err))
	} else {
		if recent == nil {
			recent = []domain.Notification{}
		}
		g.emit(userID, h, EventRecentNotifications, recent)
	}

	g.emit(userID, h, EventConnectionConfirmed, connectionConfirmed{UserID: userID, Status: "connected"})
}

func (g *Gateway) readLoop(ctx context.Context, userID int64, h *wsHandle) {
	h.conn.SetReadLimit(maxMessageSize)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Warn("Websocket read error", slog.Int64("user_id", userID), slog.Any("error", err))
			}
			return
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			g.logger.Debug("Invalid client message", slog.Int64("user_id", userID), slog.Any("error", err))
			g.emit(userID, h, EventError, gin.H{"message": "invalid message"})
			continue
		}
		g.handleClientEvent(ctx, userID, h, msg)
	}
}

func (g *Gateway) handleClientEvent(ctx context.Context, userID int64, h *wsHandle, msg wireMessage) {
	switch msg.Event {
	case EventMarkAsRead:
		id, err := notificationID(msg.Data)
		if err != nil {
			g.emit(userID, h, EventError, gin.H{"message": err.Error()})
			return
		}
		count, err := g.inbox.MarkAsRead(ctx, userID, id)
		if err != nil {
			if !errors.Is(err, domain.ErrNotificationNotFound) {
				g.logger.Error("Failed to mark notification read",
					slog.Int64("user_id", userID),
					slog.Int64("notification_id", id),
					slog.Any("error", err),
				)
			}
			g.emit(userID, h, EventError, gin.H{"message": "failed to mark notification read"})
			return
		}
		g.emit(userID, h, EventUnreadCount, count)

	case EventMarkAllAsRead:
		if err := g.inbox.MarkAllAsRead(ctx, userID); err != nil {
			g.logger.Error("Failed to mark notifications read", slog.Int64("user_id", userID), slog.Any("error", err))
			g.emit(userID, h, EventError, gin.H{"message": "failed to mark notifications read"})
			return
		}
		g.emit(userID, h, EventUnreadCount, 0)

	default:
		g.logger.Debug("Unknown client event", slog.Int64("user_id", userID), slog.String("event", msg.Event))
	}
}

func (g *Gateway) emit(userID int64, h *wsHandle, event string, payload any) {
	if err := h.Emit(event, payload); err != nil {
		g.logger.Debug("Websocket write failed",
			slog.Int64("user_id", userID),
			slog.String("event", event),
			slog.Any("error", err),
		)
	}
}

// notificationID accepts {"notificationId": 5} or a bare 5
func notificationID(data json.RawMessage) (int64, error) {
	var id int64
	if err := json.Unmarshal(data, &id); err == nil && id > 0 {
		return id, nil
	}
	var d markAsReadData
	if err := json.Unmarshal(data, &d); err == nil && d.NotificationID > 0 {
		return d.NotificationID, nil
	}
	return 0, fmt.Errorf("notificationId is required")
}

// wsHandle serializes writes to one websocket connection
type wsHandle struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (h *wsHandle) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}
	frame, err := json.Marshal(wireMessage{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteMessage(websocket.TextMessage, frame)
}

func (h *wsHandle) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
