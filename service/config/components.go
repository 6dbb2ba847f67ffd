package config

import (
	"math/big"

	"github.com/brojonat/idosale/service/chain"
	"github.com/brojonat/idosale/service/display"
	"github.com/brojonat/idosale/service/purchase"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/ethereum/go-ethereum/common"
)

// Contracts returns the sale deployment. A zero ChainID leaves the chain to
// be queried from the node.
func (c *Config) Contracts() chain.Contracts {
	contracts := chain.Contracts{
		Sale:  common.HexToAddress(c.SaleAddress),
		Token: common.HexToAddress(c.TokenAddress),
	}
	if c.ChainID > 0 {
		contracts.ChainID = big.NewInt(c.ChainID)
	}
	return contracts
}

// Keys returns the signing key source. prompt may be nil when nobody can be
// asked for a passphrase.
func (c *Config) Keys(prompt chain.Prompter) chain.KeySource {
	return chain.KeySource{
		PrivateKeyHex: c.PrivateKey,
		KeystorePath:  c.KeystorePath,
		Passphrase:    c.KeystorePassphrase,
		Prompt:        prompt,
	}
}

// Scale returns the decimal precision of contract integers.
func (c *Config) Scale() wallet.Scale {
	return wallet.Scale{
		TokenDecimals:  c.TokenDecimals,
		NativeDecimals: c.NativeDecimals,
		RateDecimals:   c.RateDecimals,
	}
}

// Formatter returns the display formatter. The fiat equivalent is enabled
// only when both a symbol and a positive rate are set.
func (c *Config) Formatter() display.Formatter {
	f := display.DefaultFormatter
	f.Spend.Symbol = c.SpendSymbol
	f.Token.Symbol = c.TokenSymbol
	if c.FiatSymbol != "" && c.FiatRate.IsPositive() {
		f.Fiat = &display.Fiat{Symbol: c.FiatSymbol, Rate: c.FiatRate}
	}
	return f
}

// PurchaseOptions returns the purchase flow policy.
func (c *Config) PurchaseOptions() purchase.Options {
	return purchase.Options{
		HistoryLimit:  c.TxHistoryLimit,
		BalanceCheck:  c.BalanceCheck,
		SpendDecimals: c.NativeDecimals,
	}
}
