package purchase

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// maxAmountDigits is the number of decimal digits in the largest uint256.
const maxAmountDigits = 78

// ParseAmount parses user input into a positive spend amount with at most
// maxDecimals fractional digits. Blank, non-numeric, zero and negative input
// are rejected with ErrInvalidAmount, as are amounts with more integer digits
// than a uint256 can hold.
func ParseAmount(text string, maxDecimals int32) (decimal.Decimal, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return decimal.Zero, ErrInvalidAmount
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, text)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrInvalidAmount, d)
	}

	// Bound the exponent before anything rescales the coefficient.
	exp := int64(d.Exponent())
	digits := int64(len(d.Coefficient().String()))
	if digits+exp > maxAmountDigits {
		return decimal.Zero, fmt.Errorf("%w: amount is too large", ErrInvalidAmount)
	}
	if excess := -int64(maxDecimals) - exp; excess >= digits {
		// The coefficient is too short to end in that many zeros.
		return decimal.Zero, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, maxDecimals)
	}

	if !d.Equal(d.Truncate(maxDecimals)) {
		return decimal.Zero, fmt.Errorf("%w: at most %d decimal places", ErrInvalidAmount, maxDecimals)
	}
	return d, nil
}

// EstimateReceive returns spend * tokensPerUnit, the number of sale tokens a
// spend amount buys at the contract rate. The product is exact. It is still
// an estimate: the contract computes the real amount at execution time.
func EstimateReceive(spend, tokensPerUnit decimal.Decimal) decimal.Decimal {
	if !tokensPerUnit.IsPositive() {
		return decimal.Zero
	}
	return spend.Mul(tokensPerUnit)
}
