package nats

import (
	"fmt"
	"strings"
	"time"
)

// PurchaseEvent is published once per settled purchase to the subject
// "purchases.{account}" in JetStream. Amounts are decimal strings so no
// precision is lost on the wire.
type PurchaseEvent struct {
	// ID is the chain transaction hash on success and the local placeholder
	// on failure.
	ID      string `json:"id"`
	Account string `json:"account"`
	Status  string `json:"status"`

	SpendAmount   string `json:"spend_amount"`
	ReceiveAmount string `json:"receive_amount"`
	Price         string `json:"price"`
	Error         string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	SettledAt   time.Time `json:"settled_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject an event for account is published on.
func Subject(account string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, strings.ToLower(account))
}
