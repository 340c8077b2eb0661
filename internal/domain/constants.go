package domain

// Queue names
const (
	QueueBookingStatus = "booking_status"
	QueuePayment       = "payment"
	QueueNotification  = "notification"
)

// Booking status constants
const (
	BookingStatusCurrent   = "Current"
	BookingStatusUpcoming  = "Upcoming"
	BookingStatusPending   = "Pending"
	BookingStatusCompleted = "Completed"
	BookingStatusRejected  = "Rejected"
	BookingStatusCancelled = "Cancelled"
	BookingStatusDraft     = "Draft"
)

// Booking payment status constants
const (
	BookingPaymentPending  = "pending"
	BookingPaymentPaid     = "paid"
	BookingPaymentRefunded = "refunded"
)

// Review actions
const (
	ReviewApprove = "Approve"
	ReviewReject  = "Reject"
)

// User types
const (
	UserTypeHost  = "Host"
	UserTypeGuest = "Guest"
)

// Payment status constants
const (
	PaymentStatusSuccess = "success"
	PaymentStatusPending = "pending"
	PaymentStatusFailed  = "failed"
)

// Payment types
const (
	PaymentTypeDeposit = "Deposit"
	PaymentTypeBooking = "Booking"
)

// Transaction types
const (
	TransactionTypeDeposit    = "Deposit"
	TransactionTypeWithdrawal = "Withdrawal"
	TransactionTypeBooking    = "Booking"
	TransactionTypeRefund     = "Booking Refund"
	TransactionTypeOther      = "Other"
)

// Transaction modes
const (
	TransactionModeDebit  = "Debit"
	TransactionModeCredit = "Credit"
)

// Transaction status constants
const (
	TransactionStatusPending   = "Pending"
	TransactionStatusProcessed = "Processed"
	TransactionStatusCompleted = "Completed"
	TransactionStatusFailed    = "Failed"
)

// Notification types
const (
	NotificationTypeBookingRequest    = "Booking Request"
	NotificationTypeBookingApproved   = "Booking Approved"
	NotificationTypeBookingRejected   = "Booking Rejected"
	NotificationTypePaymentSuccess    = "Payment Success"
	NotificationTypePaymentFailed     = "Payment Failed"
	NotificationTypeRefund            = "Refund"
	NotificationTypeSystem            = "System"
	NotificationTypeEmailVerification = "Email Verification"
)

// Notification status constants
const (
	NotificationStatusUnread = "Unread"
	NotificationStatusRead   = "Read"
)

// Notification channels
const (
	ChannelEmail    = "EMAIL"
	ChannelSMS      = "SMS"
	ChannelSMSEmail = "SMS_EMAIL"
	ChannelInApp    = "IN_APP"
	ChannelPush     = "PUSH"
)
