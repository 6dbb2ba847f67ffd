package wallet

import (
	"errors"
	"fmt"
)

// Environment errors.
var ErrNoProvider = errors.New("wallet provider not detected: configure a private key or keystore")

// Authorization errors. The user may retry Connect.
var (
	ErrAuthorization = errors.New("wallet authorization failed")
	ErrNoAccounts    = fmt.Errorf("%w: no accounts found", ErrAuthorization)
)

// Session state errors.
var (
	ErrNotConnected      = errors.New("wallet not connected")
	ErrConnectInFlight   = errors.New("wallet connection already in progress")
	ErrSessionChanged    = errors.New("wallet session changed before the request settled")
	ErrRefresh           = errors.New("failed to refresh contract data")
	ErrSubmission        = errors.New("purchase submission failed")
	ErrInvalidSpendValue = errors.New("spend amount is not representable in base units")
)
