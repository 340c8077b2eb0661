package worker

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/cuongbtq/perch-be/shared/rabbitmq"
)

// BookingStatusConsumer decodes booking_status envelopes and dispatches them to h
func BookingStatusConsumer(h domain.BookingStatusHandler, logger *slog.Logger) rabbitmq.Handler {
	return func(ctx context.Context, env rabbitmq.Envelope) error {
		msg, err := domain.DecodeBookingStatusMessage(env.Payload)
		if err != nil {
			return rabbitmq.Malformed(err)
		}
		logger.Debug("Processing booking status message",
			slog.String("message_id", env.MessageID),
			slog.Int("retry_count", env.RetryCount),
		)
		return msg.Dispatch(ctx, h)
	}
}

// PaymentConsumer decodes payment envelopes and dispatches them to h
func PaymentConsumer(h domain.PaymentHandler, logger *slog.Logger) rabbitmq.Handler {
	return func(ctx context.Context, env rabbitmq.Envelope) error {
		msg, err := domain.DecodePaymentMessage(env.Payload)
		if err != nil {
			return rabbitmq.Malformed(err)
		}
		logger.Debug("Processing payment message",
			slog.String("message_id", env.MessageID),
			slog.Int("retry_count", env.RetryCount),
		)
		return msg.Dispatch(ctx, h)
	}
}
