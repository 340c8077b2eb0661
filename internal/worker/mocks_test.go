package worker

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/internal/worker/gateway"
	"github.com/stretchr/testify/mock"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, queue string, payload any) error {
	args := m.Called(ctx, queue, payload)
	return args.Error(0)
}

// inApp matches an in-app notification of the given type for userID
func inApp(userID int64, notificationType string) any {
	return mock.MatchedBy(func(p any) bool {
		msg, ok := p.(domain.InApp)
		return ok && msg.UserID == userID && msg.Type == notificationType
	})
}

type mockBookingStore struct {
	mock.Mock
}

func (m *mockBookingStore) UpdateBookingStatus(ctx context.Context, bookingID int64, status string) (*domain.Booking, error) {
	args := m.Called(ctx, bookingID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *mockBookingStore) AdvanceBookings(ctx context.Context, userID int64, userType string, now time.Time) (int64, int64, error) {
	args := m.Called(ctx, userID, userType, now)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

type mockPaymentStore struct {
	mock.Mock
}

func (m *mockPaymentStore) GetPaymentByReference(ctx context.Context, reference string) (*domain.Payment, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *mockPaymentStore) UpdatePaymentStatus(ctx context.Context, paymentID int64, status string) (bool, error) {
	args := m.Called(ctx, paymentID, status)
	return args.Bool(0), args.Error(1)
}

func (m *mockPaymentStore) GetWallet(ctx context.Context, walletID int64) (*domain.Wallet, error) {
	args := m.Called(ctx, walletID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Wallet), args.Error(1)
}

func (m *mockPaymentStore) ApplyWalletMovement(ctx context.Context, mv domain.WalletMovement) (bool, error) {
	args := m.Called(ctx, mv)
	return args.Bool(0), args.Error(1)
}

func (m *mockPaymentStore) RecordBookingDebit(ctx context.Context, payment *domain.Payment) (*domain.Booking, error) {
	args := m.Called(ctx, payment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Booking), args.Error(1)
}

func (m *mockPaymentStore) GetSettlement(ctx context.Context, bookingID int64) (*domain.Settlement, error) {
	args := m.Called(ctx, bookingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Settlement), args.Error(1)
}

func (m *mockPaymentStore) SettleBooking(ctx context.Context, st *domain.Settlement) error {
	return m.Called(ctx, st).Error(0)
}

func (m *mockPaymentStore) RefundBooking(ctx context.Context, st *domain.Settlement) error {
	return m.Called(ctx, st).Error(0)
}

type mockVerifier struct {
	mock.Mock
}

func (m *mockVerifier) Verify(ctx context.Context, reference string) (*gateway.Verification, error) {
	args := m.Called(ctx, reference)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.Verification), args.Error(1)
}
