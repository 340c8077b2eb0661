package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/perch-be/internal/api/storage"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
)

// Events pushed over a live connection
const (
	EventConnectionConfirmed = "connectionConfirmed"
	EventUnreadCount         = "unreadCount"
	EventRecentNotifications = "recentNotifications"
	EventNewNotification     = "newNotification"
	EventError               = "error"
)

// Events sent by the client
const (
	EventMarkAsRead    = "markAsRead"
	EventMarkAllAsRead = "markAllAsRead"
)

// RecentLimit is how many notifications a fresh connection receives
const RecentLimit = 5

// Store is the durable notification record
type Store interface {
	UnreadSource
	CreateNotification(ctx context.Context, n *domain.Notification) error
	MarkNotificationRead(ctx context.Context, userID, notificationID int64) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error)
	ListNotifications(ctx context.Context, filter storage.NotificationFilter) ([]domain.Notification, error)
}

// Mailer sends email notifications
type Mailer interface {
	SendEmail(ctx context.Context, to, template string, body domain.NotificationBody) error
}

// SMSSender sends text message notifications
type SMSSender interface {
	SendSMS(ctx context.Context, phone string, body domain.NotificationBody) error
}

// PushSender sends mobile push notifications
type PushSender interface {
	SendPush(ctx context.Context, deviceToken string, body domain.NotificationBody) error
}

// Service persists notifications, keeps unread counts and pushes to live
// connections. It handles every variant of the notification queue.
type Service struct {
	store    Store
	unread   UnreadCounter
	registry *Registry
	mailer   Mailer
	sms      SMSSender
	push     PushSender
	logger   *slog.Logger
}

var _ domain.NotificationHandler = (*Service)(nil)

// ServiceOption configures the outbound senders of a Service
type ServiceOption func(*Service)

// WithMailer replaces the logging email sender
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) { s.mailer = m }
}

// WithSMSSender replaces the logging SMS sender
func WithSMSSender(sms SMSSender) ServiceOption {
	return func(s *Service) { s.sms = sms }
}

// WithPushSender replaces the logging push sender
func WithPushSender(p PushSender) ServiceOption {
	return func(s *Service) { s.push = p }
}

// NewService creates a notification service. A nil counter counts from the
// store on every call.
func NewService(store Store, unread UnreadCounter, registry *Registry, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if unread == nil {
		unread = NewStoreCounter(store)
	}
	s := &Service{
		store:    store,
		unread:   unread,
		registry: registry,
		logger:   logger.With(slog.String("component", "notification_service")),
	}
	fallback := &logSender{logger: s.logger}
	s.mailer, s.sms, s.push = fallback, fallback, fallback
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleMessage consumes the notification queue
func (s *Service) HandleMessage(ctx context.Context, env rabbitmq.Envelope) error {
	msg, err := domain.DecodeNotificationMessage(env.Payload)
	if err != nil {
		return rabbitmq.Malformed(err)
	}
	return msg.Dispatch(ctx, s)
}

func (s *Service) InApp(ctx context.Context, msg domain.InApp) error {
	_, err := s.Deliver(ctx, msg.NotificationBody)
	return err
}

func (s *Service) Email(ctx context.Context, msg domain.Email) error {
	if err := s.mailer.SendEmail(ctx, msg.To, msg.Template, msg.NotificationBody); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *Service) SMS(ctx context.Context, msg domain.SMS) error {
	if err := s.sms.SendSMS(ctx, msg.Phone, msg.NotificationBody); err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	return nil
}

func (s *Service) SMSEmail(ctx context.Context, msg domain.SMSEmail) error {
	if err := s.sms.SendSMS(ctx, msg.Phone, msg.NotificationBody); err != nil {
		return fmt.Errorf("failed to send sms: %w", err)
	}
	if err := s.mailer.SendEmail(ctx, msg.To, msg.Template, msg.NotificationBody); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// Push skips users without a registered device
func (s *Service) Push(ctx context.Context, msg domain.Push) error {
	if msg.DeviceToken == "" {
		s.logger.Debug("No device token, skipping push", slog.Int64("user_id", msg.UserID))
		return nil
	}
	if err := s.push.SendPush(ctx, msg.DeviceToken, msg.NotificationBody); err != nil {
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	return nil
}

// Deliver stores an unread notification and pushes it to the user if they
// are online. Only the store write can fail the call.
func (s *Service) Deliver(ctx context.Context, body domain.NotificationBody) (*domain.Notification, error) {
	data := []byte("{}")
	if len(body.Data) > 0 {
		encoded, err := json.Marshal(body.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode notification data: %w", err)
		}
		data = encoded
	}

	n := &domain.Notification{
		UserID:  body.UserID,
		Type:    body.Type,
		Status:  domain.NotificationStatusUnread,
		Title:   body.Title,
		Message: body.Message,
		Data:    data,
	}
	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}

	count, err := s.unread.Increment(ctx, n.UserID)
	if err != nil {
		s.logger.Warn("Failed to update unread count",
			slog.Int64("user_id", n.UserID),
			slog.Any("error", err),
		)
	}

	if s.registry.SendToUser(n.UserID, EventNewNotification, n) && err == nil {
		s.registry.SendToUser(n.UserID, EventUnreadCount, count)
	}

	s.logger.Info("Notification delivered",
		slog.Int64("notification_id", n.ID),
		slog.Int64("user_id", n.UserID),
		slog.String("type", n.Type),
	)
	return n, nil
}

// MarkAsRead marks one notification read and returns the new unread count
func (s *Service) MarkAsRead(ctx context.Context, userID, notificationID int64) (int64, error) {
	changed, err := s.store.MarkNotificationRead(ctx, userID, notificationID)
	if err != nil {
		return 0, err
	}
	if changed {
		return s.unread.Decrement(ctx, userID)
	}
	return s.unread.Get(ctx, userID)
}

// MarkAllAsRead marks every unread notification of the user read
func (s *Service) MarkAllAsRead(ctx context.Context, userID int64) error {
	if _, err := s.store.MarkAllNotificationsRead(ctx, userID); err != nil {
		return err
	}
	if err := s.unread.Reset(ctx, userID); err != nil {
		s.logger.Warn("Failed to reset unread count",
			slog.Int64("user_id", userID),
			slog.Any("error", err),
		)
	}
	return nil
}

func (s *Service) UnreadCount(ctx context.Context, userID int64) (int64, error) {
	return s.unread.Get(ctx, userID)
}

// Recent returns the user's newest notifications
func (s *Service) Recent(ctx context.Context, userID int64, limit int) ([]domain.Notification, error) {
	notifications, err := s.store.ListNotifications(ctx, storage.NotificationFilter{
		UserID:   userID,
		PageSize: limit,
	})
	if err != nil {
		return nil, err
	}
	if len(notifications) > limit {
		notifications = notifications[:limit]
	}
	return notifications, nil
}

// List returns one page of notifications plus the cursor of the last row
// when more remain
func (s *Service) List(ctx context.Context, filter storage.NotificationFilter) ([]domain.Notification, *storage.NotificationCursor, error) {
	notifications, err := s.store.ListNotifications(ctx, filter)
	if err != nil {
		return nil, nil, err
	}

	if len(notifications) <= filter.PageSize {
		return notifications, nil, nil
	}

	notifications = notifications[:filter.PageSize]
	last := notifications[len(notifications)-1]
	return notifications, &storage.NotificationCursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}

// logSender stands in for the mail, sms and push providers
type logSender struct {
	logger *slog.Logger
}

func (l *logSender) SendEmail(_ context.Context, to, template string, body domain.NotificationBody) error {
	l.logger.Info("Email notification",
		slog.String("to", to),
		slog.String("template", template),
		slog.String("title", body.Title),
	)
	return nil
}

func (l *logSender) SendSMS(_ context.Context, phone string, body domain.NotificationBody) error {
	l.logger.Info("SMS notification",
		slog.String("phone", phone),
		slog.String("title", body.Title),
	)
	return nil
}

func (l *logSender) SendPush(_ context.Context, deviceToken string, body domain.NotificationBody) error {
	l.logger.Info("Push notification",
		slog.Int64("user_id", body.UserID),
		slog.String("title", body.Title),
	)
	return nil
}
