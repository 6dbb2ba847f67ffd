// Package display renders sale amounts for people. The same sale can be
// shown in different spend denominations (ETH, a stablecoin) with an optional
// fiat equivalent; none of that affects what is submitted on chain.
package display

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
)

// Currency is a display denomination.
type Currency struct {
	Symbol string
	// Places is the number of fraction digits shown.
	Places int32
}

// Fiat converts spend amounts to a local-currency equivalent.
type Fiat struct {
	Symbol string
	// Rate is fiat units per spend unit.
	Rate decimal.Decimal
}

// Formatter formats sale amounts.
type Formatter struct {
	Spend Currency
	Token Currency
	// Fiat is optional.
	Fiat *Fiat
}

// DefaultFormatter shows ETH balances to four places and whole tokens.
var DefaultFormatter = Formatter{
	Spend: Currency{Symbol: "ETH", Places: 4},
	Token: Currency{Symbol: "NPT", Places: 0},
}

// Number formats d rounded to places with thousands separators. When trim is
// set, trailing fraction zeros are dropped.
func Number(d decimal.Decimal, places int32, trim bool) string {
	d = d.Round(places)
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Neg()
	}

	whole := humanize.BigComma(d.Truncate(0).BigInt())
	fixed := d.StringFixed(places)
	frac := ""
	if i := strings.IndexByte(fixed, '.'); i >= 0 {
		frac = fixed[i+1:]
	}
	if trim {
		frac = strings.TrimRight(frac, "0")
	}
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}

// SpendAmount formats a spend-currency amount at fixed precision, e.g. "2.5000 ETH".
func (f Formatter) SpendAmount(d decimal.Decimal) string {
	return withSymbol(Number(d, f.Spend.Places, false), f.Spend.Symbol)
}

// TokenAmount formats a sale-token amount, e.g. "675,000 NPT".
func (f Formatter) TokenAmount(d decimal.Decimal) string {
	return withSymbol(Number(d, f.Token.Places, true), f.Token.Symbol)
}

// TokenRatio formats sold against total, e.g. "675,000 / 1,000,000 NPT".
func (f Formatter) TokenRatio(sold, total decimal.Decimal) string {
	return fmt.Sprintf("%s / %s",
		Number(sold, f.Token.Places, true),
		f.TokenAmount(total),
	)
}

// Rate formats the exchange rate implied by price, e.g. "1 ETH = 10,000 NPT".
// It returns "" for a non-positive price.
func (f Formatter) Rate(price decimal.Decimal) string {
	if !price.IsPositive() {
		return ""
	}
	perUnit := decimal.NewFromInt(1).DivRound(price, f.Token.Places+2)
	return fmt.Sprintf("1 %s = %s", f.Spend.Symbol, f.TokenAmount(perUnit))
}

// FiatAmount formats the fiat equivalent of a spend amount, e.g.
// "₦25,000.00". It returns "" when no fiat currency is configured.
func (f Formatter) FiatAmount(spend decimal.Decimal) string {
	if f.Fiat == nil || !f.Fiat.Rate.IsPositive() {
		return ""
	}
	return f.Fiat.Symbol + Number(spend.Mul(f.Fiat.Rate), 2, false)
}

// Progress formats a percentage to one place, e.g. "67.5%".
func Progress(percent decimal.Decimal) string {
	return percent.StringFixed(1) + "%"
}

// ShortAddress abbreviates a hex address as 0x1234...abcd.
func ShortAddress(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}

func withSymbol(amount, symbol string) string {
	if symbol == "" {
		return amount
	}
	return amount + " " + symbol
}
