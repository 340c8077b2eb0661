package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cuongbtq/perch-be/internal/api/dto"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/gin-gonic/gin"
)

// ReviewBooking handles POST /api/v1/bookings/:booking_id/review.
// The host approves or rejects a pending booking; the status change and the
// money movement happen asynchronously in the worker service.
func (h *Handler) ReviewBooking(c *gin.Context) {
	cl, ok := claims(c)
	if !ok {
		return
	}

	bookingID, err := strconv.ParseInt(c.Param("booking_id"), 10, 64)
	if err != nil || bookingID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "booking_id must be a positive integer"})
		return
	}

	var req dto.ReviewBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	var (
		status   string
		followUp any
	)
	switch req.Action {
	case domain.ReviewApprove:
		status = domain.BookingStatusUpcoming
		followUp = domain.SettleBooking{BookingID: bookingID}
	case domain.ReviewReject:
		status = domain.BookingStatusRejected
		followUp = domain.ProcessRefund{BookingID: bookingID}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": domain.ErrInvalidReviewAction.Error()})
		return
	}

	ctx := c.Request.Context()
	booking, err := h.store.GetBookingByID(ctx, bookingID)
	if err != nil {
		if errors.Is(err, domain.ErrBookingNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to get booking", slog.Int64("booking_id", bookingID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get booking"})
		return
	}

	if booking.HostID != cl.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": domain.ErrNotBookingHost.Error()})
		return
	}
	if booking.Status != domain.BookingStatusPending {
		c.JSON(http.StatusConflict, gin.H{"error": domain.ErrBookingNotReviewable.Error()})
		return
	}

	// payment step first: it is idempotent and the booking stays Pending
	// until the status message lands
	if err := h.publisher.Publish(ctx, domain.QueuePayment, followUp); err != nil {
		h.logger.Error("Failed to enqueue booking payment step",
			slog.Int64("booking_id", bookingID),
			slog.String("action", req.Action),
			slog.Any("error", err),
		)
		c.JSON(publishFailureStatus(err), gin.H{"error": "Failed to review booking"})
		return
	}
	if err := h.publisher.Publish(ctx, domain.QueueBookingStatus, domain.UpdateStatus{BookingID: bookingID, Status: status}); err != nil {
		h.logger.Error("Failed to enqueue booking status", slog.Int64("booking_id", bookingID), slog.Any("error", err))
		c.JSON(publishFailureStatus(err), gin.H{"error": "Failed to review booking"})
		return
	}

	h.logger.Info("Booking reviewed",
		slog.Int64("booking_id", bookingID),
		slog.Int64("host_id", cl.UserID),
		slog.String("action", req.Action),
	)

	c.JSON(http.StatusAccepted, dto.ReviewBookingResponse{
		BookingID: bookingID,
		Status:    status,
		Message:   "Review accepted",
	})
}
