package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/idosale/service/display"
	"github.com/brojonat/idosale/service/purchase"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/shopspring/decimal"
)

const maxRequestBodySize = 1 << 10 // a purchase request is one amount

// sessionResponse is the JSON response format for the wallet session.
type sessionResponse struct {
	wallet.Session
	ShortAccount string `json:"short_account,omitempty"`
	Notice       string `json:"notice,omitempty"`
}

func sessionToResponse(s wallet.Session) sessionResponse {
	resp := sessionResponse{Session: s}
	if s.Account != nil {
		resp.ShortAccount = display.ShortAddress(s.Account.Hex())
	}
	return resp
}

// saleResponse pairs the raw snapshot with its display strings.
type saleResponse struct {
	*wallet.SaleSnapshot
	ProgressPercent decimal.Decimal `json:"progress_percent"`
	Active          bool            `json:"active"`
	Display         saleDisplay     `json:"display"`
}

type saleDisplay struct {
	Progress      string `json:"progress"`
	Sold          string `json:"sold"`
	Remaining     string `json:"remaining"`
	Rate          string `json:"rate"`
	NativeBalance string `json:"native_balance"`
	TokenBalance  string `json:"token_balance"`
	FiatBalance   string `json:"fiat_balance,omitempty"`
}

func saleToResponse(snap *wallet.SaleSnapshot, f display.Formatter, now time.Time) saleResponse {
	progress := snap.Progress()
	return saleResponse{
		SaleSnapshot:    snap,
		ProgressPercent: progress,
		Active:          snap.Active(now),
		Display: saleDisplay{
			Progress:      display.Progress(progress),
			Sold:          f.TokenRatio(snap.TokensSold, snap.TotalSupply),
			Remaining:     f.TokenAmount(snap.TokensRemaining),
			Rate:          f.Rate(snap.Price),
			NativeBalance: f.SpendAmount(snap.UserNativeBalance),
			TokenBalance:  f.TokenAmount(snap.UserTokenBalance),
			FiatBalance:   f.FiatAmount(snap.UserNativeBalance),
		},
	}
}

// quoteResponse is the JSON response format for a purchase estimate.
type quoteResponse struct {
	purchase.Quote
	Display quoteDisplay `json:"display"`
}

type quoteDisplay struct {
	Spend   string `json:"spend"`
	Receive string `json:"receive"`
	Fiat    string `json:"fiat,omitempty"`
}

// purchaseRequest is the body of POST /api/v1/purchases.
type purchaseRequest struct {
	Amount string `json:"amount"`
}

// handleGetSession returns the current session.
// GET /api/v1/session
func handleGetSession(mgr *wallet.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, sessionToResponse(mgr.Session()), http.StatusOK)
	})
}

// handleConnect authorizes the wallet and loads the first snapshot.
// POST /api/v1/session/connect
func handleConnect(mgr *wallet.Manager, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Connect(r.Context()); err != nil {
			logger.DebugContext(r.Context(), "connect failed", "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, sessionToResponse(mgr.Session()), http.StatusOK)
	})
}

// handleDisconnect resets the local session.
// POST /api/v1/session/disconnect
func handleDisconnect(mgr *wallet.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.Disconnect()
		resp := sessionToResponse(mgr.Session())
		resp.Notice = wallet.RevokeNotice
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleClearError dismisses the session's last error.
// DELETE /api/v1/session/error
func handleClearError(mgr *wallet.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mgr.ClearError()
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleGetSale returns the cached sale snapshot.
// GET /api/v1/sale
func handleGetSale(mgr *wallet.Manager, f display.Formatter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := mgr.Snapshot()
		if snap == nil {
			writeError(w, purchase.ErrSaleDataUnavailable.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, saleToResponse(snap, f, time.Now()), http.StatusOK)
	})
}

// handleRefreshSale re-reads every sale field.
// POST /api/v1/sale/refresh
func handleRefreshSale(mgr *wallet.Manager, f display.Formatter, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.Refresh(r.Context()); err != nil {
			logger.DebugContext(r.Context(), "refresh failed", "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}
		snap := mgr.Snapshot()
		if snap == nil {
			writeError(w, wallet.ErrSessionChanged.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, saleToResponse(snap, f, time.Now()), http.StatusOK)
	})
}

// handleQuote estimates the tokens an amount buys.
// GET /api/v1/quote?amount=0.01
func handleQuote(flow *purchase.Controller, f display.Formatter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q, err := flow.Quote(r.URL.Query().Get("amount"))
		if err != nil {
			writeError(w, err.Error(), statusFor(err))
			return
		}
		writeJSON(w, quoteResponse{
			Quote: q,
			Display: quoteDisplay{
				Spend:   f.SpendAmount(q.SpendAmount),
				Receive: f.TokenAmount(q.ReceiveAmount),
				Fiat:    f.FiatAmount(q.SpendAmount),
			},
		}, http.StatusOK)
	})
}

// handleListPurchases returns the transaction log, most recent first.
// GET /api/v1/purchases
func handleListPurchases(flow *purchase.Controller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		txs := flow.Transactions()
		writeJSON(w, map[string]interface{}{
			"transactions": txs,
			"count":        len(txs),
			"in_flight":    flow.InFlight(),
		}, http.StatusOK)
	})
}

// handleCreatePurchase submits a purchase. It answers 202 with the pending
// record, or with ?wait=true blocks until the purchase settles.
// POST /api/v1/purchases
func handleCreatePurchase(flow *purchase.Controller, timeout time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req purchaseRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}

		// The purchase outlives the request; it ends on settlement or timeout.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
		pending, err := flow.Begin(ctx, req.Amount)
		if err != nil {
			cancel()
			logger.DebugContext(r.Context(), "purchase rejected", "amount", req.Amount, "error", err)
			writeError(w, err.Error(), statusFor(err))
			return
		}
		go func() {
			<-pending.Done()
			cancel()
		}()

		if !strings.EqualFold(r.URL.Query().Get("wait"), "true") {
			writeJSON(w, pending.Initial(), http.StatusAccepted)
			return
		}

		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
		tx, err := pending.Wait(r.Context())
		if r.Context().Err() != nil {
			// Client went away; the purchase carries on.
			return
		}
		status := http.StatusOK
		if err != nil {
			status = statusFor(err)
		}
		writeJSON(w, tx, status)
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, purchase.ErrInvalidAmount),
		errors.Is(err, purchase.ErrInsufficientBalance),
		errors.Is(err, wallet.ErrInvalidSpendValue):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrNotConnected),
		errors.Is(err, wallet.ErrConnectInFlight),
		errors.Is(err, wallet.ErrSessionChanged),
		errors.Is(err, purchase.ErrSubmissionInFlight),
		errors.Is(err, purchase.ErrSaleDataUnavailable):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, wallet.ErrNoProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, wallet.ErrRefresh),
		errors.Is(err, wallet.ErrSubmission):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
