package purchase

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a purchase record.
// The only transitions are pending -> success and pending -> error.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Transaction is the client-side record of one purchase attempt. ID starts as
// a local placeholder and becomes the chain transaction hash on success.
type Transaction struct {
	ID            string          `json:"id"`
	Status        Status          `json:"status"`
	SpendAmount   decimal.Decimal `json:"spend_amount"`
	ReceiveAmount decimal.Decimal `json:"receive_amount"`
	// Price is the spend-per-token price at submission, for display.
	Price     decimal.Decimal `json:"price"`
	Account   string          `json:"account"`
	CreatedAt time.Time       `json:"created_at"`
	SettledAt *time.Time      `json:"settled_at,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Quote is the display estimate for an entered spend amount.
type Quote struct {
	SpendAmount   decimal.Decimal `json:"spend_amount"`
	ReceiveAmount decimal.Decimal `json:"receive_amount"`
	Price         decimal.Decimal `json:"price"`
}

// Validation errors. All are returned before any provider call.
var (
	ErrInvalidAmount       = errors.New("invalid amount: enter a positive number")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSaleDataUnavailable = errors.New("sale data not loaded: refresh before buying")
	ErrSubmissionInFlight  = errors.New("a purchase is already in progress")
)
