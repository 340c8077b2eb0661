package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/internal/worker/gateway"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
)

// PaymentStore is the money side of the worker storage
type PaymentStore interface {
	GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) (bool, error)
	GetWallet(ctx context.Context, walletID int64) (*domain.Wallet, error)
	ApplyWalletMovement(ctx context.Context, m domain.WalletMovement) (bool, error)
	RecordBookingDebit(ctx context.Context, payment *domain.Payment) (*domain.Booking, error)
	GetSettlement(ctx context.Context, bookingID int64) (*domain.Settlement, error)
	SettleBooking(ctx context.Context, st *domain.Settlement) error
	RefundBooking(ctx context.Context, st *domain.Settlement) error
}

// Verifier asks the payment gateway about a charge
type Verifier interface {
	Verify(ctx context.Context, reference string) (*gateway.Verification, error)
}

// PaymentService handles the payment queue
type PaymentService struct {
	store     PaymentStore
	verifier  Verifier
	publisher Publisher
	logger    *slog.Logger
}

var _ domain.PaymentHandler = (*PaymentService)(nil)

func NewPaymentService(store PaymentStore, verifier Verifier, publisher Publisher, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		store:     store,
		verifier:  verifier,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "payment_service")),
	}
}

// VerifyPayment confirms a charge with the gateway. The wallet credit is
// enqueued before the payment leaves pending, so a redelivery after a crash
// repeats the credit under the same reference instead of losing it.
func (s *PaymentService) VerifyPayment(ctx context.Context, msg domain.VerifyPayment) error {
	payment, err := s.store.GetPaymentByReference(ctx, msg.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return rabbitmq.Malformed(fmt.Errorf("reference %s: %w", msg.Reference, err))
		}
		return err
	}
	if payment.Status != domain.PaymentStatusPending {
		s.logger.Info("Payment already verified",
			slog.String("reference", payment.Reference),
			slog.String("status", payment.Status),
		)
		return nil
	}

	v, err := s.verifier.Verify(ctx, payment.Reference)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownReference) {
			return rabbitmq.Malformed(err)
		}
		return fmt.Errorf("failed to verify payment %s: %w", payment.Reference, err)
	}
	if !v.Settled() {
		return fmt.Errorf("%w: %s is %s", domain.ErrPaymentPending, payment.Reference, v.Status)
	}
	if v.Status != domain.PaymentStatusSuccess {
		return s.failPayment(ctx, payment, v.Status)
	}
	if v.Amount != payment.Amount {
		return rabbitmq.Malformed(fmt.Errorf("%w: %s charged %d, gateway settled %d",
			domain.ErrAmountMismatch, payment.Reference, payment.Amount, v.Amount))
	}

	var booking *domain.Booking
	switch payment.Type {
	case domain.PaymentTypeBooking:
		booking, err = s.store.RecordBookingDebit(ctx, payment)
		if err != nil {
			if errors.Is(err, domain.ErrBookingNotFound) {
				return rabbitmq.Malformed(fmt.Errorf("payment %s: %w", payment.Reference, err))
			}
			return err
		}
	default:
		paymentID := payment.ID
		err = s.publisher.Publish(ctx, domain.QueuePayment, domain.UpdateWallet{
			WalletID:  payment.WalletID,
			Amount:    v.Amount,
			Reference: "deposit-" + payment.Reference,
			PaymentID: &paymentID,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue wallet credit: %w", err)
		}
	}

	if _, err := s.store.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentStatusSuccess); err != nil {
		return err
	}
	s.logger.Info("Payment verified",
		slog.String("reference", payment.Reference),
		slog.String("type", payment.Type),
		slog.Int64("amount", payment.Amount),
	)

	data := map[string]any{"reference": payment.Reference, "amount": payment.Amount}
	if booking != nil {
		data["bookingId"] = booking.ID
		s.notify(ctx, domain.NotificationBody{
			UserID:  booking.GuestID,
			Type:    domain.NotificationTypePaymentSuccess,
			Title:   "Payment successful",
			Message: "Your booking payment was received and is awaiting the host's review",
			Data:    data,
		})
		s.notify(ctx, domain.NotificationBody{
			UserID:  booking.HostID,
			Type:    domain.NotificationTypeBookingRequest,
			Title:   "New booking request",
			Message: "A guest has requested to book your property",
			Data:    map[string]any{"bookingId": booking.ID},
		})
		return nil
	}

	if wallet, err := s.store.GetWallet(ctx, payment.WalletID); err != nil {
		s.logger.Warn("Failed to load wallet owner for notification",
			slog.Int64("wallet_id", payment.WalletID),
			slog.Any("error", err),
		)
	} else {
		s.notify(ctx, domain.NotificationBody{
			UserID:  wallet.UserID,
			Type:    domain.NotificationTypePaymentSuccess,
			Title:   "Deposit successful",
			Message: "Your wallet has been credited",
			Data:    data,
		})
	}
	return nil
}

func (s *PaymentService) failPayment(ctx context.Context, payment *domain.Payment, gatewayStatus string) error {
	changed, err := s.store.UpdatePaymentStatus(ctx, payment.ID, domain.PaymentStatusFailed)
	if err != nil {
		return err
	}
	s.logger.Warn("Payment failed at gateway",
		slog.String("reference", payment.Reference),
		slog.String("gateway_status", gatewayStatus),
	)
	if !changed {
		return nil
	}

	wallet, err := s.store.GetWallet(ctx, payment.WalletID)
	if err != nil {
		s.logger.Warn("Failed to load wallet owner for notification",
			slog.Int64("wallet_id", payment.WalletID),
			slog.Any("error", err),
		)
		return nil
	}
	s.notify(ctx, domain.NotificationBody{
		UserID:  wallet.UserID,
		Type:    domain.NotificationTypePaymentFailed,
		Title:   "Payment failed",
		Message: "Your payment could not be completed",
		Data:    map[string]any{"reference": payment.Reference, "status": gatewayStatus},
	})
	return nil
}

// UpdateWallet credits a positive amount and debits a negative one
func (s *PaymentService) UpdateWallet(ctx context.Context, msg domain.UpdateWallet) error {
	m := domain.WalletMovement{
		WalletID:  msg.WalletID,
		PaymentID: msg.PaymentID,
		Amount:    msg.Amount,
		Type:      domain.TransactionTypeDeposit,
		Mode:      domain.TransactionModeCredit,
		Reference: msg.Reference,
	}
	if msg.Amount < 0 {
		m.Type = domain.TransactionTypeWithdrawal
		m.Mode = domain.TransactionModeDebit
	}

	applied, err := s.store.ApplyWalletMovement(ctx, m)
	if err != nil {
		if errors.Is(err, domain.ErrWalletNotFound) || errors.Is(err, domain.ErrInsufficientFunds) {
			return rabbitmq.Malformed(fmt.Errorf("wallet %d: %w", msg.WalletID, err))
		}
		return err
	}
	if !applied {
		s.logger.Info("Wallet movement already applied", slog.String("reference", msg.Reference))
	}
	return nil
}

// SettleBooking pays the host for an approved booking
func (s *PaymentService) SettleBooking(ctx context.Context, msg domain.SettleBooking) error {
	st, err := s.settlement(ctx, msg.BookingID)
	if err != nil {
		return err
	}
	switch st.PaymentStatus {
	case domain.BookingPaymentPaid:
		return nil
	case domain.BookingPaymentRefunded:
		s.logger.Warn("Refunded booking cannot be settled", slog.Int64("booking_id", st.BookingID))
		return nil
	}

	if err := s.store.SettleBooking(ctx, st); err != nil {
		return fmt.Errorf("failed to settle booking %d: %w", st.BookingID, err)
	}
	s.logger.Info("Booking settled",
		slog.Int64("booking_id", st.BookingID),
		slog.Int64("host_total", st.HostTotal),
	)

	s.notify(ctx, domain.NotificationBody{
		UserID:  st.HostID,
		Type:    domain.NotificationTypePaymentSuccess,
		Title:   "Payment received",
		Message: "Your wallet has been credited for an approved booking",
		Data:    map[string]any{"bookingId": st.BookingID, "amount": st.HostTotal},
	})
	return nil
}

// ProcessRefund returns a rejected booking's payment to the guest
func (s *PaymentService) ProcessRefund(ctx context.Context, msg domain.ProcessRefund) error {
	st, err := s.settlement(ctx, msg.BookingID)
	if err != nil {
		return err
	}
	switch st.PaymentStatus {
	case domain.BookingPaymentRefunded:
		return nil
	case domain.BookingPaymentPaid:
		s.logger.Warn("Settled booking cannot be refunded", slog.Int64("booking_id", st.BookingID))
		return nil
	}

	if err := s.store.RefundBooking(ctx, st); err != nil {
		return fmt.Errorf("failed to refund booking %d: %w", st.BookingID, err)
	}
	s.logger.Info("Booking refunded",
		slog.Int64("booking_id", st.BookingID),
		slog.Int64("guest_total", st.GuestTotal),
	)

	s.notify(ctx, domain.NotificationBody{
		UserID:  st.GuestID,
		Type:    domain.NotificationTypeRefund,
		Title:   "Refund processed",
		Message: "Your payment has been refunded to your wallet",
		Data:    map[string]any{"bookingId": st.BookingID, "amount": st.GuestTotal},
	})
	return nil
}

func (s *PaymentService) settlement(ctx context.Context, bookingID int64) (*domain.Settlement, error) {
	st, err := s.store.GetSettlement(ctx, bookingID)
	if err != nil {
		if errors.Is(err, domain.ErrBookingNotFound) {
			return nil, rabbitmq.Malformed(fmt.Errorf("booking %d: %w", bookingID, err))
		}
		return nil, err
	}
	return st, nil
}

// notify enqueues an in-app notification. The money has already moved, so a
// failure here is logged and not retried.
func (s *PaymentService) notify(ctx context.Context, body domain.NotificationBody) {
	if err := s.publisher.Publish(ctx, domain.QueueNotification, domain.InApp{NotificationBody: body}); err != nil {
		s.logger.Warn("Failed to enqueue notification",
			slog.Int64("user_id", body.UserID),
			slog.String("type", body.Type),
			slog.Any("error", err),
		)
	}
}
