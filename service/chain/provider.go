package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/idosale/service/metrics"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Backend is the RPC surface the provider needs. *ethclient.Client
// implements it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ErrReverted means the purchase was mined but the contract rejected it.
var ErrReverted = errors.New("transaction reverted")

// Contracts locates the sale deployment.
type Contracts struct {
	Sale  common.Address
	Token common.Address
	// ChainID is queried from the node when nil.
	ChainID *big.Int
}

type view struct {
	contract   *bind.BoundContract
	method     string
	perAccount bool
}

// Provider implements wallet.Provider over an EVM JSON-RPC node with a
// locally held key.
type Provider struct {
	backend Backend
	keys    KeySource
	views   map[wallet.Field]view
	sale    *bind.BoundContract
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	chainID *big.Int
	signers map[common.Address]*ecdsa.PrivateKey
	pending map[common.Hash]*types.Transaction
}

// NewProvider creates a provider. If m is nil, no metrics will be recorded.
func NewProvider(backend Backend, contracts Contracts, keys KeySource, m *metrics.Metrics, logger *slog.Logger) *Provider {
	sale := bind.NewBoundContract(contracts.Sale, saleABI, backend, backend, backend)
	token := bind.NewBoundContract(contracts.Token, tokenABI, backend, backend, backend)

	views := map[wallet.Field]view{
		wallet.FieldUserTokenBalance: {contract: token, method: "balanceOf", perAccount: true},
	}
	for _, f := range []wallet.Field{
		wallet.FieldTotalSupply,
		wallet.FieldTokensSold,
		wallet.FieldTokensPerUnit,
		wallet.FieldTokensRemaining,
		wallet.FieldMinContribution,
		wallet.FieldMaxContribution,
		wallet.FieldStartTimestamp,
		wallet.FieldEndTimestamp,
		wallet.FieldPaused,
		wallet.FieldUseWhitelist,
	} {
		views[f] = view{contract: sale, method: string(f)}
	}
	for _, f := range []wallet.Field{
		wallet.FieldUserContribution,
		wallet.FieldUserTokensPurchased,
		wallet.FieldWhitelisted,
	} {
		views[f] = view{contract: sale, method: string(f), perAccount: true}
	}

	return &Provider{
		backend: backend,
		keys:    keys,
		views:   views,
		sale:    sale,
		metrics: m,
		logger:  logger.With("component", "chain_provider"),
		chainID: contracts.ChainID,
		signers: make(map[common.Address]*ecdsa.PrivateKey),
		pending: make(map[common.Hash]*types.Transaction),
	}
}

// AuthorizedAccounts returns the account when its key can be used without
// prompting.
func (p *Provider) AuthorizedAccounts(ctx context.Context) ([]common.Address, error) {
	key, err := p.keys.UnlockSilently()
	if errors.Is(err, ErrLocked) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []common.Address{p.remember(key)}, nil
}

// RequestAccounts unlocks the key, prompting for a passphrase if needed.
func (p *Provider) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	key, err := p.keys.Unlock(ctx)
	if err != nil {
		return nil, err
	}
	return []common.Address{p.remember(key)}, nil
}

func (p *Provider) remember(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	p.mu.Lock()
	p.signers[addr] = key
	p.mu.Unlock()
	return addr
}

// ReadUint implements wallet.Provider.
func (p *Provider) ReadUint(ctx context.Context, field wallet.Field, account common.Address) (*big.Int, error) {
	if field == wallet.FieldUserNativeBalance {
		var balance *big.Int
		err := p.timed("eth_getBalance", func() error {
			var err error
			balance, err = p.backend.BalanceAt(ctx, account, nil)
			return err
		})
		return balance, err
	}

	out, err := p.call(ctx, field, account)
	if err != nil {
		return nil, err
	}
	v, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T, want uint256", field, out)
	}
	return v, nil
}

// ReadBool implements wallet.Provider.
func (p *Provider) ReadBool(ctx context.Context, field wallet.Field, account common.Address) (bool, error) {
	out, err := p.call(ctx, field, account)
	if err != nil {
		return false, err
	}
	v, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, want bool", field, out)
	}
	return v, nil
}

func (p *Provider) call(ctx context.Context, field wallet.Field, account common.Address) (any, error) {
	v, ok := p.views[field]
	if !ok {
		return nil, fmt.Errorf("unknown field %q", field)
	}
	var args []any
	if v.perAccount {
		args = append(args, account)
	}

	var out []any
	err := p.timed(v.method, func() error {
		return v.contract.Call(&bind.CallOpts{Context: ctx}, &out, v.method, args...)
	})
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", v.method, len(out))
	}
	return out[0], nil
}

// SubmitPurchase sends buy() carrying value wei.
func (p *Provider) SubmitPurchase(ctx context.Context, account common.Address, value *big.Int) (common.Hash, error) {
	p.mu.Lock()
	key, ok := p.signers[account]
	p.mu.Unlock()
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrLocked, account.Hex())
	}

	chainID, err := p.chain(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value

	var tx *types.Transaction
	err = p.timed("buy", func() error {
		var err error
		tx, err = p.sale.Transact(opts, "buy")
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}

	p.mu.Lock()
	p.pending[tx.Hash()] = tx
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "buy transaction sent",
		"tx_hash", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
		"gas", tx.Gas(),
	)
	return tx.Hash(), nil
}

// AwaitConfirmation waits for the receipt of a transaction sent by
// SubmitPurchase.
func (p *Provider) AwaitConfirmation(ctx context.Context, handle common.Hash) (common.Hash, error) {
	p.mu.Lock()
	tx, ok := p.pending[handle]
	p.mu.Unlock()
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown transaction %s", handle.Hex())
	}

	start := time.Now()
	receipt, err := bind.WaitMined(ctx, p.backend, tx)
	p.record("wait_mined", err, start)

	p.mu.Lock()
	delete(p.pending, handle)
	p.mu.Unlock()

	if err != nil {
		return common.Hash{}, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("%w: %s in block %s", ErrReverted, receipt.TxHash.Hex(), receipt.BlockNumber)
	}
	return receipt.TxHash, nil
}

func (p *Provider) chain(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	id := p.chainID
	p.mu.Unlock()
	if id != nil {
		return id, nil
	}

	err := p.timed("eth_chainId", func() error {
		var err error
		id, err = p.backend.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}

	p.mu.Lock()
	p.chainID = id
	p.mu.Unlock()
	return id, nil
}

func (p *Provider) timed(method string, fn func() error) error {
	start := time.Now()
	err := fn()
	p.record(method, err, start)
	return err
}

func (p *Provider) record(method string, err error, start time.Time) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
}
