package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateNotification(ctx context.Context, n *domain.Notification) error {
	if len(n.Data) == 0 {
		n.Data = []byte("{}")
	}

	query := `
		INSERT INTO notifications (
			user_id, type, status, title, message, data
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowxContext(
		ctx,
		query,
		n.UserID,
		n.Type,
		n.Status,
		n.Title,
		n.Message,
		n.Data,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}

	return nil
}

// MarkNotificationRead reports whether the notification went from unread to
// read. A notification the user does not own is reported as not found.
func (s *Storage) MarkNotificationRead(ctx context.Context, userID, notificationID int64) (bool, error) {
	var status string
	err := s.db.GetContext(ctx, &status, `
		UPDATE notifications n
		SET status = $1, updated_at = NOW()
		FROM (SELECT id, status FROM notifications WHERE id = $2 AND user_id = $3 FOR UPDATE) prev
		WHERE n.id = prev.id
		RETURNING prev.status
	`, domain.NotificationStatusRead, notificationID, userID)

	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrNotificationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark notification read: %w", err)
	}

	return status == domain.NotificationStatusUnread, nil
}

func (s *Storage) MarkAllNotificationsRead(ctx context.Context, userID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET status = $1, updated_at = NOW()
		WHERE user_id = $2 AND status = $3
	`, domain.NotificationStatusRead, userID, domain.NotificationStatusUnread)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return n, nil
}

func (s *Storage) CountUnread(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND status = $2`,
		userID, domain.NotificationStatusUnread)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

type NotificationFilter struct {
	UserID   int64
	Status   string
	PageSize int
	Cursor   *NotificationCursor
}

type NotificationCursor struct {
	CreatedAt time.Time
	ID        int64
}

// ListNotifications returns up to PageSize+1 rows, newest first; the extra
// row tells the caller another page exists.
func (s *Storage) ListNotifications(ctx context.Context, filter NotificationFilter) ([]domain.Notification, error) {
	query := `
        SELECT
            id, user_id, type, status, title,
            message, data, created_at, updated_at
        FROM notifications
        WHERE user_id = $1
    `
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var notifications []domain.Notification
	err := s.db.SelectContext(ctx, &notifications, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	return notifications, nil
}

func (s *Storage) GetBookingByID(ctx context.Context, bookingID int64) (*domain.Booking, error) {
	var booking domain.Booking
	query := `
		SELECT
			id, guest_id, host_id, property_id, invoice_id,
			start_date, end_date, status, payment_status,
			created_at, updated_at
		FROM bookings
		WHERE id = $1
	`

	err := s.db.GetContext(ctx, &booking, query, bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}

	return &booking, nil
}

func (s *Storage) GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	var payment domain.Payment
	query := `
		SELECT
			id, wallet_id, invoice_id, amount, email,
			type, status, reference, created_at, updated_at
		FROM payments
		WHERE reference = $1
	`

	err := s.db.GetContext(ctx, &payment, query, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	return &payment, nil
}
