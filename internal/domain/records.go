package domain

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Amounts are stored in the currency's minor unit (kobo).

// Booking is a guest's reservation of a host's property
type Booking struct {
	ID            int64     `db:"id" json:"id"`
	GuestID       int64     `db:"guest_id" json:"guestId"`
	HostID        int64     `db:"host_id" json:"hostId"`
	PropertyID    int64     `db:"property_id" json:"propertyId"`
	InvoiceID     *int64    `db:"invoice_id" json:"invoiceId,omitempty"`
	StartDate     time.Time `db:"start_date" json:"startDate"`
	EndDate       time.Time `db:"end_date" json:"endDate"`
	Status        string    `db:"status" json:"status"`
	PaymentStatus string    `db:"payment_status" json:"paymentStatus"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Wallet holds a user's balance
type Wallet struct {
	ID            int64     `db:"id" json:"id"`
	UserID        int64     `db:"user_id" json:"userId"`
	Balance       int64     `db:"balance" json:"balance"`
	BankName      string    `db:"bank_name" json:"bankName"`
	AccountNumber string    `db:"account_number" json:"accountNumber"`
	AccountName   string    `db:"account_name" json:"accountName"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time `db:"updated_at" json:"updatedAt"`
}

// Payment is a gateway charge identified by its reference
type Payment struct {
	ID        int64     `db:"id" json:"id"`
	WalletID  int64     `db:"wallet_id" json:"walletId"`
	InvoiceID *int64    `db:"invoice_id" json:"invoiceId,omitempty"`
	Amount    int64     `db:"amount" json:"amount"`
	Email     string    `db:"email" json:"email"`
	Type      string    `db:"type" json:"type"`
	Status    string    `db:"status" json:"status"`
	Reference string    `db:"reference" json:"reference"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Transaction is one ledger movement on a wallet
type Transaction struct {
	ID        int64     `db:"id" json:"id"`
	WalletID  int64     `db:"wallet_id" json:"walletId"`
	PaymentID *int64    `db:"payment_id" json:"paymentId,omitempty"`
	Amount    int64     `db:"amount" json:"amount"`
	Type      string    `db:"type" json:"type"`
	Mode      string    `db:"mode" json:"mode"`
	Status    string    `db:"status" json:"status"`
	Reference string    `db:"reference" json:"reference"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Notification is the durable record of a notification addressed to a user
type Notification struct {
	ID        int64          `db:"id" json:"id"`
	UserID    int64          `db:"user_id" json:"userId"`
	Type      string         `db:"type" json:"type"`
	Status    string         `db:"status" json:"status"`
	Title     string         `db:"title" json:"title"`
	Message   string         `db:"message" json:"message"`
	Data      types.JSONText `db:"data" json:"data,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// Settlement is everything needed to move money for one reviewed booking
type Settlement struct {
	BookingID     int64  `db:"booking_id"`
	GuestID       int64  `db:"guest_id"`
	HostID        int64  `db:"host_id"`
	GuestWalletID int64  `db:"guest_wallet_id"`
	HostWalletID  int64  `db:"host_wallet_id"`
	GuestTotal    int64  `db:"guest_total"`
	HostTotal     int64  `db:"host_total"`
	PaymentID     *int64 `db:"payment_id"`
	PaymentStatus string `db:"payment_status"`
}

// WalletMovement is one idempotent change to a wallet balance. A second
// movement with the same reference is ignored.
type WalletMovement struct {
	WalletID  int64
	PaymentID *int64
	Amount    int64
	Type      string
	Mode      string
	Reference string
}
