package domain

import "errors"

var (
	// ErrBookingNotFound is returned when a booking cannot be found in the database
	ErrBookingNotFound = errors.New("booking not found")

	// ErrPaymentNotFound is returned when no payment matches a reference
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrWalletNotFound is returned when a user or wallet id has no wallet
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrTransactionNotFound is returned when the guest debit of a booking is missing
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrNotificationNotFound is returned when a notification does not exist for the user
	ErrNotificationNotFound = errors.New("notification not found")

	// ErrNotBookingHost is returned when someone other than the host reviews a booking
	ErrNotBookingHost = errors.New("only the host can review this booking")

	// ErrInvalidReviewAction is returned for review actions other than Approve/Reject
	ErrInvalidReviewAction = errors.New("invalid review action")

	// ErrBookingNotReviewable is returned when the booking is no longer pending
	ErrBookingNotReviewable = errors.New("booking is not pending review")

	// ErrInsufficientFunds is returned when a debit would take a wallet below zero
	ErrInsufficientFunds = errors.New("insufficient wallet balance")

	// ErrAmountMismatch is returned when the gateway settled a different amount than was charged
	ErrAmountMismatch = errors.New("payment amount mismatch")

	// ErrPaymentPending is returned while the gateway has not settled a charge yet
	ErrPaymentPending = errors.New("payment not settled yet")

	// ErrUnknownMessageType is returned when a queue message carries an unknown discriminator
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrInvalidMessage is returned when a known message is missing required fields
	ErrInvalidMessage = errors.New("invalid message")
)
