package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// Messages travel as flat JSON objects. Booking and payment messages carry a
// "type" discriminator, notification messages a "channel" discriminator.
// Each queue has a handler interface with one method per variant, so adding a
// variant fails to compile until every handler covers it.

// Booking status message types
const (
	TypeUpdateStatus  = "UPDATE_STATUS"
	TypeCheckUpcoming = "CHECK_UPCOMING"
)

// Payment message types
const (
	TypeVerifyPayment = "VERIFY_PAYMENT"
	TypeProcessRefund = "PROCESS_REFUND"
	TypeUpdateWallet  = "UPDATE_WALLET"
	TypeSettleBooking = "SETTLE_BOOKING"
)

// BookingStatusHandler handles every booking_status variant
type BookingStatusHandler interface {
	UpdateStatus(ctx context.Context, msg UpdateStatus) error
	CheckUpcoming(ctx context.Context, msg CheckUpcoming) error
}

// BookingStatusMessage is a message on the booking_status queue
type BookingStatusMessage interface {
	Dispatch(ctx context.Context, h BookingStatusHandler) error
	bookingStatusMessage()
}

// UpdateStatus moves a booking to a new status
type UpdateStatus struct {
	BookingID int64  `json:"bookingId"`
	Status    string `json:"status"`
}

func (m UpdateStatus) Dispatch(ctx context.Context, h BookingStatusHandler) error {
	return h.UpdateStatus(ctx, m)
}

func (UpdateStatus) bookingStatusMessage() {}

func (m UpdateStatus) MarshalJSON() ([]byte, error) {
	type alias UpdateStatus
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeUpdateStatus, alias(m)})
}

func (m UpdateStatus) validate() error {
	if m.BookingID <= 0 {
		return fmt.Errorf("%w: bookingId is required", ErrInvalidMessage)
	}
	if !IsBookingStatus(m.Status) {
		return fmt.Errorf("%w: unknown booking status %q", ErrInvalidMessage, m.Status)
	}
	return nil
}

// CheckUpcoming advances a user's bookings whose dates have been reached
type CheckUpcoming struct {
	UserID   int64  `json:"userId"`
	UserType string `json:"userType"`
}

func (m CheckUpcoming) Dispatch(ctx context.Context, h BookingStatusHandler) error {
	return h.CheckUpcoming(ctx, m)
}

func (CheckUpcoming) bookingStatusMessage() {}

func (m CheckUpcoming) MarshalJSON() ([]byte, error) {
	type alias CheckUpcoming
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeCheckUpcoming, alias(m)})
}

func (m CheckUpcoming) validate() error {
	if m.UserID <= 0 {
		return fmt.Errorf("%w: userId is required", ErrInvalidMessage)
	}
	if m.UserType != UserTypeHost && m.UserType != UserTypeGuest {
		return fmt.Errorf("%w: unknown user type %q", ErrInvalidMessage, m.UserType)
	}
	return nil
}

// DecodeBookingStatusMessage parses a booking_status payload
func DecodeBookingStatusMessage(data []byte) (BookingStatusMessage, error) {
	kind, err := discriminator(data, "type")
	if err != nil {
		return nil, err
	}

	var msg BookingStatusMessage
	switch kind {
	case TypeUpdateStatus:
		msg, err = decodeVariant[UpdateStatus](data)
	case TypeCheckUpcoming:
		msg, err = decodeVariant[CheckUpcoming](data)
	default:
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownMessageType, kind, QueueBookingStatus)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PaymentHandler handles every payment variant
type PaymentHandler interface {
	VerifyPayment(ctx context.Context, msg VerifyPayment) error
	ProcessRefund(ctx context.Context, msg ProcessRefund) error
	UpdateWallet(ctx context.Context, msg UpdateWallet) error
	SettleBooking(ctx context.Context, msg SettleBooking) error
}

// PaymentMessage is a message on the payment queue
type PaymentMessage interface {
	Dispatch(ctx context.Context, h PaymentHandler) error
	paymentMessage()
}

// VerifyPayment confirms a gateway charge by reference
type VerifyPayment struct {
	Reference string `json:"reference"`
}

func (m VerifyPayment) Dispatch(ctx context.Context, h PaymentHandler) error {
	return h.VerifyPayment(ctx, m)
}

func (VerifyPayment) paymentMessage() {}

func (m VerifyPayment) MarshalJSON() ([]byte, error) {
	type alias VerifyPayment
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeVerifyPayment, alias(m)})
}

func (m VerifyPayment) validate() error {
	if m.Reference == "" {
		return fmt.Errorf("%w: reference is required", ErrInvalidMessage)
	}
	return nil
}

// ProcessRefund returns a rejected booking's payment to the guest wallet
type ProcessRefund struct {
	BookingID int64 `json:"bookingId"`
}

func (m ProcessRefund) Dispatch(ctx context.Context, h PaymentHandler) error {
	return h.ProcessRefund(ctx, m)
}

func (ProcessRefund) paymentMessage() {}

func (m ProcessRefund) MarshalJSON() ([]byte, error) {
	type alias ProcessRefund
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeProcessRefund, alias(m)})
}

func (m ProcessRefund) validate() error {
	if m.BookingID <= 0 {
		return fmt.Errorf("%w: bookingId is required", ErrInvalidMessage)
	}
	return nil
}

// UpdateWallet credits (positive amount) or debits a wallet. Reference makes
// the movement idempotent under redelivery.
type UpdateWallet struct {
	WalletID  int64  `json:"walletId"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
	PaymentID *int64 `json:"paymentId,omitempty"`
}

func (m UpdateWallet) Dispatch(ctx context.Context, h PaymentHandler) error {
	return h.UpdateWallet(ctx, m)
}

func (UpdateWallet) paymentMessage() {}

func (m UpdateWallet) MarshalJSON() ([]byte, error) {
	type alias UpdateWallet
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeUpdateWallet, alias(m)})
}

func (m UpdateWallet) validate() error {
	if m.WalletID <= 0 {
		return fmt.Errorf("%w: walletId is required", ErrInvalidMessage)
	}
	if m.Amount == 0 {
		return fmt.Errorf("%w: amount must not be zero", ErrInvalidMessage)
	}
	if m.Reference == "" {
		return fmt.Errorf("%w: reference is required", ErrInvalidMessage)
	}
	return nil
}

// SettleBooking moves an approved booking's money from guest to host
type SettleBooking struct {
	BookingID int64 `json:"bookingId"`
}

func (m SettleBooking) Dispatch(ctx context.Context, h PaymentHandler) error {
	return h.SettleBooking(ctx, m)
}

func (SettleBooking) paymentMessage() {}

func (m SettleBooking) MarshalJSON() ([]byte, error) {
	type alias SettleBooking
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeSettleBooking, alias(m)})
}

func (m SettleBooking) validate() error {
	if m.BookingID <= 0 {
		return fmt.Errorf("%w: bookingId is required", ErrInvalidMessage)
	}
	return nil
}

// DecodePaymentMessage parses a payment payload
func DecodePaymentMessage(data []byte) (PaymentMessage, error) {
	kind, err := discriminator(data, "type")
	if err != nil {
		return nil, err
	}

	var msg PaymentMessage
	switch kind {
	case TypeVerifyPayment:
		msg, err = decodeVariant[VerifyPayment](data)
	case TypeProcessRefund:
		msg, err = decodeVariant[ProcessRefund](data)
	case TypeUpdateWallet:
		msg, err = decodeVariant[UpdateWallet](data)
	case TypeSettleBooking:
		msg, err = decodeVariant[SettleBooking](data)
	default:
		return nil, fmt.Errorf("%w: %q on %s", ErrUnknownMessageType, kind, QueuePayment)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// NotificationBody is the content shared by every notification channel
type NotificationBody struct {
	UserID  int64          `json:"userId"`
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (b NotificationBody) validate() error {
	if b.UserID <= 0 {
		return fmt.Errorf("%w: userId is required", ErrInvalidMessage)
	}
	if b.Title == "" && b.Message == "" {
		return fmt.Errorf("%w: title or message is required", ErrInvalidMessage)
	}
	return nil
}

// NotificationHandler handles every notification channel
type NotificationHandler interface {
	InApp(ctx context.Context, msg InApp) error
	Email(ctx context.Context, msg Email) error
	SMS(ctx context.Context, msg SMS) error
	SMSEmail(ctx context.Context, msg SMSEmail) error
	Push(ctx context.Context, msg Push) error
}

// NotificationMessage is a message on the notification queue
type NotificationMessage interface {
	Dispatch(ctx context.Context, h NotificationHandler) error
	notificationMessage()
}

// InApp is stored and pushed to the user's live connection
type InApp struct {
	NotificationBody
}

func (m InApp) Dispatch(ctx context.Context, h NotificationHandler) error {
	return h.InApp(ctx, m)
}

func (InApp) notificationMessage() {}

func (m InApp) MarshalJSON() ([]byte, error) {
	type alias InApp
	return json.Marshal(struct {
		Channel string `json:"channel"`
		alias
	}{ChannelInApp, alias(m)})
}

func (m InApp) validate() error {
	return m.NotificationBody.validate()
}

// Email goes to the mailer
type Email struct {
	NotificationBody
	To       string `json:"to"`
	Template string `json:"template,omitempty"`
}

func (m Email) Dispatch(ctx context.Context, h NotificationHandler) error {
	return h.Email(ctx, m)
}

func (Email) notificationMessage() {}

func (m Email) MarshalJSON() ([]byte, error) {
	type alias Email
	return json.Marshal(struct {
		Channel string `json:"channel"`
		alias
	}{ChannelEmail, alias(m)})
}

func (m Email) validate() error {
	if m.To == "" {
		return fmt.Errorf("%w: to is required", ErrInvalidMessage)
	}
	return m.NotificationBody.validate()
}

// SMS goes to the text message sender
type SMS struct {
	NotificationBody
	Phone string `json:"phone"`
}

func (m SMS) Dispatch(ctx context.Context, h NotificationHandler) error {
	return h.SMS(ctx, m)
}

func (SMS) notificationMessage() {}

func (m SMS) MarshalJSON() ([]byte, error) {
	type alias SMS
	return json.Marshal(struct {
		Channel string `json:"channel"`
		alias
	}{ChannelSMS, alias(m)})
}

func (m SMS) validate() error {
	if m.Phone == "" {
		return fmt.Errorf("%w: phone is required", ErrInvalidMessage)
	}
	return m.NotificationBody.validate()
}

// SMSEmail goes to both the text message sender and the mailer
type SMSEmail struct {
	NotificationBody
	Phone    string `json:"phone"`
	To       string `json:"to"`
	Template string `json:"template,omitempty"`
}

func (m SMSEmail) Dispatch(ctx context.Context, h NotificationHandler) error {
	return h.SMSEmail(ctx, m)
}

func (SMSEmail) notificationMessage() {}

func (m SMSEmail) MarshalJSON() ([]byte, error) {
	type alias SMSEmail
	return json.Marshal(struct {
		Channel string `json:"channel"`
		alias
	}{ChannelSMSEmail, alias(m)})
}

func (m SMSEmail) validate() error {
	if m.Phone == "" || m.To == "" {
		return fmt.Errorf("%w: phone and to are required", ErrInvalidMessage)
	}
	return m.NotificationBody.validate()
}

// Push goes to the push provider for the user's devices
type Push struct {
	NotificationBody
	DeviceToken string `json:"deviceToken,omitempty"`
}

func (m Push) Dispatch(ctx context.Context, h NotificationHandler) error {
	return h.Push(ctx, m)
}

func (Push) notificationMessage() {}

func (m Push) MarshalJSON() ([]byte, error) {
	type alias Push
	return json.Marshal(struct {
		Channel string `json:"channel"`
		alias
	}{ChannelPush, alias(m)})
}

func (m Push) validate() error {
	return m.NotificationBody.validate()
}

// DecodeNotificationMessage parses a notification payload
func DecodeNotificationMessage(data []byte) (NotificationMessage, error) {
	kind, err := discriminator(data, "channel")
	if err != nil {
		return nil, err
	}

	var msg NotificationMessage
	switch kind {
	case ChannelInApp:
		msg, err = decodeVariant[InApp](data)
	case ChannelEmail:
		msg, err = decodeVariant[Email](data)
	case ChannelSMS:
		msg, err = decodeVariant[SMS](data)
	case ChannelSMSEmail:
		msg, err = decodeVariant[SMSEmail](data)
	case ChannelPush:
		msg, err = decodeVariant[Push](data)
	default:
		return nil, fmt.Errorf("%w: channel %q on %s", ErrUnknownMessageType, kind, QueueNotification)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// IsBookingStatus reports whether s is a known booking status
func IsBookingStatus(s string) bool {
	switch s {
	case BookingStatusCurrent, BookingStatusUpcoming, BookingStatusPending,
		BookingStatusCompleted, BookingStatusRejected, BookingStatusCancelled, BookingStatusDraft:
		return true
	}
	return false
}

func discriminator(data []byte, field string) (string, error) {
	var head map[string]json.RawMessage
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	raw, ok := head[field]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrUnknownMessageType, field)
	}
	var kind string
	if err := json.Unmarshal(raw, &kind); err != nil {
		return "", fmt.Errorf("%w: %q is not a string", ErrInvalidMessage, field)
	}
	return kind, nil
}

type validator interface {
	validate() error
}

func decodeVariant[T validator](data []byte) (T, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.validate(); err != nil {
		return m, err
	}
	return m, nil
}
