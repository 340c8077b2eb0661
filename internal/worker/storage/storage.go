package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// UpdateBookingStatus sets the booking status and returns the updated booking
func (s *Storage) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) (*domain.Booking, error) {
	query := `
		UPDATE bookings
		SET status = $1, updated_at = NOW()
		WHERE id = $2
		RETURNING id, guest_id, host_id, property_id, invoice_id,
		          start_date, end_date, status, payment_status,
		          created_at, updated_at
	`

	var booking domain.Booking
	err := s.db.GetContext(ctx, &booking, query, status, bookingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to update booking status: %w", err)
	}

	s.logger.Info("Booking status updated",
		slog.Int64("booking_id", bookingID),
		slog.String("status", status),
	)

	return &booking, nil
}

// AdvanceBookings moves the user's upcoming bookings that have started to
// Current, and current bookings that have ended to Completed
func (s *Storage) AdvanceBookings(ctx context.Context, userID int64, userType string, now time.Time) (started, completed int64, err error) {
	column := "guest_id"
	if userType == domain.UserTypeHost {
		column = "host_id"
	}

	err = postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE bookings SET status = $1, updated_at = NOW()
			WHERE `+column+` = $2 AND status = $3 AND start_date <= $4
		`, domain.BookingStatusCurrent, userID, domain.BookingStatusUpcoming, now)
		if err != nil {
			return fmt.Errorf("failed to start bookings: %w", err)
		}
		if started, err = res.RowsAffected(); err != nil {
			return err
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE bookings SET status = $1, updated_at = NOW()
			WHERE `+column+` = $2 AND status = $3 AND end_date < $4
		`, domain.BookingStatusCompleted, userID, domain.BookingStatusCurrent, now)
		if err != nil {
			return fmt.Errorf("failed to complete bookings: %w", err)
		}
		completed, err = res.RowsAffected()
		return err
	})
	return started, completed, err
}

// GetPaymentByReference retrieves a payment by its gateway reference
func (s *Storage) GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	query := `
		SELECT id, wallet_id, invoice_id, amount, email, type,
		       status, reference, created_at, updated_at
		FROM payments
		WHERE reference = $1
	`

	var payment domain.Payment
	if err := s.db.GetContext(ctx, &payment, query, reference); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

// UpdatePaymentStatus moves a pending payment to status. It reports false
// when the payment had already left pending.
func (s *Storage) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, status, paymentID, domain.PaymentStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to update payment status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetWallet retrieves a wallet by id
func (s *Storage) GetWallet(ctx context.Context, walletID int64) (*domain.Wallet, error) {
	query := `
		SELECT id, user_id, balance, bank_name, account_number,
		       account_name, created_at, updated_at
		FROM wallets
		WHERE id = $1
	`

	var wallet domain.Wallet
	if err := s.db.GetContext(ctx, &wallet, query, walletID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &wallet, nil
}

// ApplyWalletMovement records the transaction and changes the balance in one
// database transaction. It reports false when the reference was already
// applied.
func (s *Storage) ApplyWalletMovement(ctx context.Context, m domain.WalletMovement) (bool, error) {
	var applied bool
	err := postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		applied, err = applyMovement(ctx, tx, m, domain.TransactionStatusCompleted)
		return err
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.logger.Info("Wallet updated",
			slog.Int64("wallet_id", m.WalletID),
			slog.Int64("amount", m.Amount),
			slog.String("reference", m.Reference),
		)
	}
	return applied, nil
}

// RecordBookingDebit books the guest's gateway payment for an invoice as a
// debit awaiting the host's review, and returns the booking it pays for
func (s *Storage) RecordBookingDebit(ctx context.Context, payment *domain.Payment) (*domain.Booking, error) {
	var booking domain.Booking
	err := s.db.GetContext(ctx, &booking, `
		SELECT id, guest_id, host_id, property_id, invoice_id,
		       start_date, end_date, status, payment_status,
		       created_at, updated_at
		FROM bookings
		WHERE invoice_id = $1
	`, payment.InvoiceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get booking for payment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (wallet_id, payment_id, amount, type, mode, status, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference) DO NOTHING
	`, payment.WalletID, payment.ID, payment.Amount, domain.TransactionTypeBooking,
		domain.TransactionModeDebit, domain.TransactionStatusProcessed, bookingDebitReference(booking.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to record booking debit: %w", err)
	}

	return &booking, nil
}

const settlementQuery = `
	SELECT b.id AS booking_id, b.guest_id, b.host_id,
	       gw.id AS guest_wallet_id, hw.id AS host_wallet_id,
	       i.guest_total, i.host_total,
	       p.id AS payment_id, b.payment_status
	FROM bookings b
	JOIN invoices i ON i.id = b.invoice_id
	JOIN wallets gw ON gw.user_id = b.guest_id
	JOIN wallets hw ON hw.user_id = b.host_id
	LEFT JOIN payments p ON p.invoice_id = i.id AND p.status = 'success'
	WHERE b.id = $1
`

// GetSettlement loads the money side of a booking
func (s *Storage) GetSettlement(ctx context.Context, bookingID int64) (*domain.Settlement, error) {
	var st domain.Settlement
	if err := s.db.GetContext(ctx, &st, settlementQuery, bookingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &st, nil
}

// SettleBooking completes the guest's debit, credits the host and marks the
// booking paid
func (s *Storage) SettleBooking(ctx context.Context, st *domain.Settlement) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE transactions SET status = $1, updated_at = NOW()
			WHERE reference = $2 AND status = $3
		`, domain.TransactionStatusCompleted, bookingDebitReference(st.BookingID), domain.TransactionStatusProcessed)
		if err != nil {
			return fmt.Errorf("failed to complete guest debit: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: guest debit for booking %d", domain.ErrTransactionNotFound, st.BookingID)
		}

		_, err = applyMovement(ctx, tx, domain.WalletMovement{
			WalletID:  st.HostWalletID,
			PaymentID: st.PaymentID,
			Amount:    st.HostTotal,
			Type:      domain.TransactionTypeBooking,
			Mode:      domain.TransactionModeCredit,
			Reference: fmt.Sprintf("booking-%d-settle", st.BookingID),
		}, domain.TransactionStatusCompleted)
		if err != nil {
			return err
		}

		return setBookingPaymentStatus(ctx, tx, st.BookingID, domain.BookingPaymentPaid)
	})
}

// RefundBooking returns the guest's payment to their wallet and marks the
// booking refunded
func (s *Storage) RefundBooking(ctx context.Context, st *domain.Settlement) error {
	return postgresql.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE transactions SET status = $1, updated_at = NOW()
			WHERE reference = $2 AND status = $3
		`, domain.TransactionStatusFailed, bookingDebitReference(st.BookingID), domain.TransactionStatusProcessed)
		if err != nil {
			return fmt.Errorf("failed to cancel guest debit: %w", err)
		}

		_, err = applyMovement(ctx, tx, domain.WalletMovement{
			WalletID:  st.GuestWalletID,
			PaymentID: st.PaymentID,
			Amount:    st.GuestTotal,
			Type:      domain.TransactionTypeRefund,
			Mode:      domain.TransactionModeCredit,
			Reference: fmt.Sprintf("booking-%d-refund", st.BookingID),
		}, domain.TransactionStatusCompleted)
		if err != nil {
			return err
		}

		return setBookingPaymentStatus(ctx, tx, st.BookingID, domain.BookingPaymentRefunded)
	})
}

func bookingDebitReference(bookingID int64) string {
	return fmt.Sprintf("booking-%d-debit", bookingID)
}

// applyMovement inserts the transaction row and, when it is new, changes the
// wallet balance. Amount is signed by the movement mode.
func applyMovement(ctx context.Context, tx *sqlx.Tx, m domain.WalletMovement, status string) (bool, error) {
	amount := m.Amount
	if amount < 0 {
		amount = -amount
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (wallet_id, payment_id, amount, type, mode, status, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (reference) DO NOTHING
	`, m.WalletID, m.PaymentID, amount, m.Type, m.Mode, status, m.Reference)
	if err != nil {
		return false, fmt.Errorf("failed to record transaction: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if inserted == 0 {
		return false, nil
	}

	delta := amount
	if m.Mode == domain.TransactionModeDebit {
		delta = -amount
	}

	var balance int64
	err = tx.GetContext(ctx, &balance, `
		UPDATE wallets SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
		RETURNING balance
	`, delta, m.WalletID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrWalletNotFound
		}
		return false, fmt.Errorf("failed to update wallet balance: %w", err)
	}
	if balance < 0 {
		return false, fmt.Errorf("%w: wallet %d", domain.ErrInsufficientFunds, m.WalletID)
	}
	return true, nil
}

func setBookingPaymentStatus(ctx context.Context, tx *sqlx.Tx, bookingID int64, status string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE bookings SET payment_status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, bookingID)
	if err != nil {
		return fmt.Errorf("failed to update booking payment status: %w", err)
	}
	return nil
}
