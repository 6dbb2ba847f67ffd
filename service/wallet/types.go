package wallet

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Session is the application's view of whether, and as whom, a wallet is
// connected. Account is non-nil exactly when Connected is true.
type Session struct {
	Connected  bool            `json:"connected"`
	Connecting bool            `json:"connecting"`
	Account    *common.Address `json:"account,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// SaleSnapshot is a point-in-time copy of the sale and token figures.
// It is replaced wholesale on each refresh and never mutated.
//
// TokensSold + TokensRemaining == TotalSupply is the contract's invariant;
// the snapshot reports whatever the contract returned.
type SaleSnapshot struct {
	TotalSupply       decimal.Decimal `json:"total_supply"`
	TokensSold        decimal.Decimal `json:"tokens_sold"`
	TokensRemaining   decimal.Decimal `json:"tokens_remaining"`
	UserTokenBalance  decimal.Decimal `json:"user_token_balance"`
	UserNativeBalance decimal.Decimal `json:"user_native_balance"`

	// TokensPerUnit is the contract's rate: sale tokens per spend unit.
	TokensPerUnit decimal.Decimal `json:"tokens_per_unit"`
	// Price is spend units per sale token, the inverse of TokensPerUnit.
	Price decimal.Decimal `json:"price"`

	MinContribution     decimal.Decimal `json:"min_contribution"`
	MaxContribution     decimal.Decimal `json:"max_contribution"`
	UserContribution    decimal.Decimal `json:"user_contribution"`
	UserTokensPurchased decimal.Decimal `json:"user_tokens_purchased"`

	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
	Paused       bool      `json:"paused"`
	UseWhitelist bool      `json:"use_whitelist"`
	Whitelisted  bool      `json:"whitelisted"` // true when UseWhitelist is off

	FetchedAt time.Time `json:"fetched_at"`
}

// Progress returns the percentage of TotalSupply already sold.
func (s *SaleSnapshot) Progress() decimal.Decimal {
	if !s.TotalSupply.IsPositive() {
		return decimal.Zero
	}
	return s.TokensSold.Mul(decimal.NewFromInt(100)).DivRound(s.TotalSupply, 2)
}

// Active reports whether the sale window contains now and the sale is not paused.
// A zero end time means the sale has no end.
func (s *SaleSnapshot) Active(now time.Time) bool {
	if s.Paused {
		return false
	}
	if !s.StartsAt.IsZero() && now.Before(s.StartsAt) {
		return false
	}
	if !s.EndsAt.IsZero() && !now.Before(s.EndsAt) {
		return false
	}
	return true
}

// Field names one read-only contract view. Values match the contract method
// names of the sale ABI, except the token balance (ERC-20 balanceOf) and the
// native balance, which is an account balance query rather than a contract call.
type Field string

const (
	FieldTotalSupply         Field = "tokensForSale"
	FieldTokensSold          Field = "tokensSold"
	FieldTokensPerUnit       Field = "tokensPerEth"
	FieldTokensRemaining     Field = "tokensRemaining"
	FieldUserTokenBalance    Field = "balanceOf"
	FieldUserNativeBalance   Field = "nativeBalance"
	FieldMinContribution     Field = "minContributionWei"
	FieldMaxContribution     Field = "maxContributionWei"
	FieldUserContribution    Field = "contributions"
	FieldUserTokensPurchased Field = "tokensPurchased"
	FieldStartTimestamp      Field = "startTimestamp"
	FieldEndTimestamp        Field = "endTimestamp"

	FieldPaused       Field = "paused"
	FieldUseWhitelist Field = "useWhitelist"
	FieldWhitelisted  Field = "whitelist"
)

// UintFields are the integer views read on every refresh.
var UintFields = []Field{
	FieldTotalSupply,
	FieldTokensSold,
	FieldTokensPerUnit,
	FieldTokensRemaining,
	FieldUserTokenBalance,
	FieldUserNativeBalance,
	FieldMinContribution,
	FieldMaxContribution,
	FieldUserContribution,
	FieldUserTokensPurchased,
	FieldStartTimestamp,
	FieldEndTimestamp,
}

// BoolFields are the flag views read on every refresh.
var BoolFields = []Field{
	FieldPaused,
	FieldUseWhitelist,
	FieldWhitelisted,
}

// Provider is the wallet-side boundary: account authorization, read-only
// contract views and the signing path. Implementations may block on user
// interaction (RequestAccounts, SubmitPurchase) or on the network.
type Provider interface {
	// RequestAccounts asks the wallet to authorize this client. It may
	// prompt the user and fails if the user declines.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// AuthorizedAccounts returns accounts already authorized, without prompting.
	AuthorizedAccounts(ctx context.Context) ([]common.Address, error)

	// ReadUint returns the raw, decimal-scaled integer for field.
	ReadUint(ctx context.Context, field Field, account common.Address) (*big.Int, error)

	// ReadBool returns a flag view.
	ReadBool(ctx context.Context, field Field, account common.Address) (bool, error)

	// SubmitPurchase signs and broadcasts a purchase paying value base units
	// from account and returns the transaction handle.
	SubmitPurchase(ctx context.Context, account common.Address, value *big.Int) (common.Hash, error)

	// AwaitConfirmation blocks until the transaction is mined and returns its
	// final identifier. A reverted transaction is an error.
	AwaitConfirmation(ctx context.Context, handle common.Hash) (common.Hash, error)
}

// Detector probes the environment for a wallet provider. It must not
// prompt or otherwise have side effects visible to the user.
type Detector interface {
	Detect(ctx context.Context) (Provider, bool)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context) (Provider, bool)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context) (Provider, bool) {
	return f(ctx)
}

// Scale holds the fixed decimal precision used to convert contract integers.
type Scale struct {
	TokenDecimals  int32 // sale token amounts
	NativeDecimals int32 // balances, contributions and purchase value
	RateDecimals   int32 // tokensPerEth
}

// DefaultScale matches an 18-decimal ERC-20 sold for an 18-decimal native coin.
var DefaultScale = Scale{TokenDecimals: 18, NativeDecimals: 18, RateDecimals: 18}
