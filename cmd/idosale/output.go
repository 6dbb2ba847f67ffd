package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/brojonat/idosale/client"
	natspkg "github.com/brojonat/idosale/service/nats"
	"github.com/dustin/go-humanize"
	"github.com/itchyny/gojq"
)

const rule = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

// errLimitReached stops a stream after --count events.
var errLimitReached = errors.New("event limit reached")

// filter is a set of compiled jq expressions that must all be truthy.
type filter []*gojq.Code

func compileFilter(exprs []string) (filter, error) {
	codes := make(filter, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// Match runs every expression against v's JSON form. A filter error counts as
// no match.
func (f filter) Match(v any) bool {
	if len(f) == 0 {
		return true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for _, code := range f {
		iter := code.Run(doc)
		result, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := result.(error); isErr {
			return false
		}
		if !isTruthy(result) {
			return false
		}
	}
	return true
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printSession(w io.Writer, s *client.Session) {
	switch {
	case s.Connected:
		fmt.Fprintf(w, "✓ Connected as %s (%s)\n", s.ShortAccount, s.Account)
	case s.Connecting:
		fmt.Fprintln(w, "… Waiting for wallet authorization")
	default:
		fmt.Fprintln(w, "✗ Not connected")
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "  Error:  %s\n", s.LastError)
	}
	if s.Notice != "" {
		fmt.Fprintf(w, "  Note:   %s\n", s.Notice)
	}
}

func printSale(w io.Writer, sale *client.Sale) {
	state := "active"
	switch {
	case sale.Paused:
		state = "paused"
	case !sale.Active:
		state = "closed"
	}

	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Progress:   %s (%s)\n", sale.Display["progress"], sale.Display["sold"])
	fmt.Fprintf(w, "Remaining:  %s\n", sale.Display["remaining"])
	fmt.Fprintf(w, "Rate:       %s\n", sale.Display["rate"])
	fmt.Fprintf(w, "Status:     %s\n", state)
	if !sale.StartsAt.IsZero() {
		fmt.Fprintf(w, "Starts:     %s\n", sale.StartsAt.Format(time.RFC3339))
	}
	if !sale.EndsAt.IsZero() {
		fmt.Fprintf(w, "Ends:       %s (%s)\n", sale.EndsAt.Format(time.RFC3339), humanize.Time(sale.EndsAt))
	}
	if sale.UseWhitelist {
		fmt.Fprintf(w, "Whitelist:  required (you are %s)\n", listed(sale.Whitelisted))
	}
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Balance:    %s", sale.Display["native_balance"])
	if fiat := sale.Display["fiat_balance"]; fiat != "" {
		fmt.Fprintf(w, " (%s)", fiat)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Tokens:     %s\n", sale.Display["token_balance"])
	fmt.Fprintf(w, "Updated:    %s\n", humanize.Time(sale.FetchedAt))
}

func listed(ok bool) string {
	if ok {
		return "listed"
	}
	return "not listed"
}

func printQuote(w io.Writer, q *client.Quote) {
	fmt.Fprintf(w, "%s buys about %s", q.Display["spend"], q.Display["receive"])
	if fiat := q.Display["fiat"]; fiat != "" {
		fmt.Fprintf(w, " (%s)", fiat)
	}
	fmt.Fprintln(w)
}

func printTransaction(w io.Writer, tx *client.Transaction) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "ID:       %s\n", tx.ID)
	fmt.Fprintf(w, "Status:   %s\n", statusLabel(tx.Status))
	fmt.Fprintf(w, "Spend:    %s\n", tx.SpendAmount.String())
	fmt.Fprintf(w, "Receive:  ~%s\n", tx.ReceiveAmount.String())
	fmt.Fprintf(w, "Account:  %s\n", tx.Account)
	fmt.Fprintf(w, "Created:  %s\n", humanize.Time(tx.CreatedAt))
	if tx.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", tx.Error)
	}
}

func printEvent(w io.Writer, e *natspkg.PurchaseEvent) {
	fmt.Fprintf(w, "%s  %-7s  %s  spend=%s receive=%s",
		e.PublishedAt.Format(time.RFC3339), e.Status, e.ID, e.SpendAmount, e.ReceiveAmount)
	if e.Error != "" {
		fmt.Fprintf(w, "  error=%q", e.Error)
	}
	fmt.Fprintln(w)
}

func statusLabel(status string) string {
	switch status {
	case "success":
		return "✓ success"
	case "error":
		return "✗ error"
	case "pending":
		return "… pending"
	default:
		return status
	}
}
