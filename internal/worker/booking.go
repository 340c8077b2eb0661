package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
)

// Publisher enqueues follow-up work
type Publisher interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// BookingStore is the booking side of the worker storage
type BookingStore interface {
	UpdateBookingStatus(ctx context.Context, bookingID int64, status string) (*domain.Booking, error)
	AdvanceBookings(ctx context.Context, userID int64, userType string, now time.Time) (started, completed int64, err error)
}

// BookingService handles the booking_status queue
type BookingService struct {
	store     BookingStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

var _ domain.BookingStatusHandler = (*BookingService)(nil)

func NewBookingService(store BookingStore, publisher Publisher, logger *slog.Logger) *BookingService {
	return &BookingService{
		store:     store,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "booking_service")),
		now:       time.Now,
	}
}

// UpdateStatus applies the status and tells the guest about review outcomes
func (s *BookingService) UpdateStatus(ctx context.Context, msg domain.UpdateStatus) error {
	booking, err := s.store.UpdateBookingStatus(ctx, msg.BookingID, msg.Status)
	if err != nil {
		if errors.Is(err, domain.ErrBookingNotFound) {
			return rabbitmq.Malformed(fmt.Errorf("booking %d: %w", msg.BookingID, err))
		}
		return err
	}

	var body domain.NotificationBody
	switch msg.Status {
	case domain.BookingStatusUpcoming:
		body = domain.NotificationBody{
			Type:    domain.NotificationTypeBookingApproved,
			Title:   "Booking approved",
			Message: "Your booking has been approved by the host",
		}
	case domain.BookingStatusRejected:
		body = domain.NotificationBody{
			Type:    domain.NotificationTypeBookingRejected,
			Title:   "Booking rejected",
			Message: "Your booking was rejected by the host. Your payment will be refunded",
		}
	default:
		return nil
	}
	body.UserID = booking.GuestID
	body.Data = map[string]any{"bookingId": booking.ID, "status": booking.Status}

	if err := s.publisher.Publish(ctx, domain.QueueNotification, domain.InApp{NotificationBody: body}); err != nil {
		return fmt.Errorf("failed to enqueue booking notification: %w", err)
	}
	return nil
}

// CheckUpcoming starts bookings whose start date has passed and completes
// those whose end date has passed
func (s *BookingService) CheckUpcoming(ctx context.Context, msg domain.CheckUpcoming) error {
	started, completed, err := s.store.AdvanceBookings(ctx, msg.UserID, msg.UserType, s.now())
	if err != nil {
		return err
	}
	if started > 0 || completed > 0 {
		s.logger.Info("Bookings advanced",
			slog.Int64("user_id", msg.UserID),
			slog.String("user_type", msg.UserType),
			slog.Int64("started", started),
			slog.Int64("completed", completed),
		)
	}
	return nil
}
