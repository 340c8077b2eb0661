package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/perch-be/internal/api/dto"
	"github.com/cuongbtq/perch-be/internal/domain"
	"github.com/gin-gonic/gin"
)

// VerifyPayment handles POST /api/v1/payments/verify
func (h *Handler) VerifyPayment(c *gin.Context) {
	if _, ok := claims(c); !ok {
		return
	}

	var req dto.VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("Invalid request body", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	ctx := c.Request.Context()
	payment, err := h.store.GetPaymentByReference(ctx, req.Reference)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to get payment", slog.String("reference", req.Reference), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get payment"})
		return
	}

	if payment.Status != domain.PaymentStatusPending {
		c.JSON(http.StatusOK, dto.VerifyPaymentResponse{Reference: payment.Reference, Status: payment.Status})
		return
	}

	if err := h.publisher.Publish(ctx, domain.QueuePayment, domain.VerifyPayment{Reference: payment.Reference}); err != nil {
		h.logger.Error("Failed to enqueue payment verification", slog.String("reference", payment.Reference), slog.Any("error", err))
		c.JSON(publishFailureStatus(err), gin.H{"error": "Failed to verify payment"})
		return
	}

	c.JSON(http.StatusAccepted, dto.VerifyPaymentResponse{Reference: payment.Reference, Status: payment.Status})
}
