package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/idosale/service/wallet"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	saleAddr  = common.HexToAddress("0xBD0Df2f72d89a5F3E5E96A9902eFc207aA730090")
	tokenAddr = common.HexToAddress("0x0a5385Af31C7b9deEeAb6cEabacC3e1244920246")
	testChain = big.NewInt(11155111)
)

func eth(s string) *big.Int {
	return decimal.RequireFromString(s).Shift(18).BigInt()
}

// fakeBackend answers contract calls by ABI-packing configured values.
// Methods it does not override panic through the nil embedded interface.
type fakeBackend struct {
	Backend

	mu            sync.Mutex
	values        map[string]any
	callArgs      map[string][]any
	callErr       error
	balance       *big.Int
	sent          []*types.Transaction
	sendErr       error
	receiptStatus uint64
	receiptErr    error
	chainIDCalls  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		values: map[string]any{
			"tokensForSale":      eth("1000000"),
			"tokensSold":         eth("675000"),
			"tokensPerEth":       eth("10000"),
			"tokensRemaining":    eth("325000"),
			"startTimestamp":     big.NewInt(1700000000),
			"endTimestamp":       big.NewInt(1900000000),
			"minContributionWei": eth("0.001"),
			"maxContributionWei": eth("5"),
			"contributions":      eth("0.2"),
			"tokensPurchased":    eth("2000"),
			"balanceOf":          eth("5000"),
			"paused":             false,
			"useWhitelist":       true,
			"whitelist":          true,
		},
		callArgs:      make(map[string][]any),
		balance:       eth("2.5"),
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return nil, f.callErr
	}

	var parsed abi.ABI
	switch *call.To {
	case saleAddr:
		parsed = saleABI
	case tokenAddr:
		parsed = tokenABI
	default:
		return nil, errors.New("no contract at address")
	}
	method, err := parsed.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}
	f.callArgs[method.Name] = args
	return method.Outputs.Pack(f.values[method.Name])
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainIDCalls++
	return testChain, nil
}

func (f *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 90_000, nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return &types.Receipt{
		Status:      f.receiptStatus,
		TxHash:      txHash,
		BlockNumber: big.NewInt(101),
	}, nil
}

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, hexutil.Encode(crypto.FromECDSA(key))
}

func newTestProvider(t *testing.T, backend *fakeBackend, keys KeySource) *Provider {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProvider(backend, Contracts{Sale: saleAddr, Token: tokenAddr}, keys, nil, logger)
}

func TestProvider_ReadsEveryField(t *testing.T) {
	backend := newFakeBackend()
	key, hexKey := newTestKey(t)
	account := crypto.PubkeyToAddress(key.PublicKey)
	p := newTestProvider(t, backend, KeySource{PrivateKeyHex: hexKey})
	ctx := context.Background()

	for _, field := range wallet.UintFields {
		v, err := p.ReadUint(ctx, field, account)
		require.NoError(t, err, field)
		assert.NotNil(t, v, field)
	}
	for _, field := range wallet.BoolFields {
		_, err := p.ReadBool(ctx, field, account)
		require.NoError(t, err, field)
	}

	sold, err := p.ReadUint(ctx, wallet.FieldTokensSold, account)
	require.NoError(t, err)
	assert.Zero(t, eth("675000").Cmp(sold))

	native, err := p.ReadUint(ctx, wallet.FieldUserNativeBalance, account)
	require.NoError(t, err)
	assert.Zero(t, eth("2.5").Cmp(native))

	whitelisted, err := p.ReadBool(ctx, wallet.FieldWhitelisted, account)
	require.NoError(t, err)
	assert.True(t, whitelisted)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, []any{account}, backend.callArgs["whitelist"])
	assert.Equal(t, []any{account}, backend.callArgs["balanceOf"])
	assert.Empty(t, backend.callArgs["tokensSold"])
}

func TestProvider_ReadErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.callErr = errors.New("connection refused")
	p := newTestProvider(t, backend, KeySource{})

	_, err := p.ReadUint(context.Background(), wallet.FieldTokensSold, common.Address{})
	assert.ErrorContains(t, err, "connection refused")

	_, err = p.ReadUint(context.Background(), wallet.Field("bogus"), common.Address{})
	assert.ErrorContains(t, err, "unknown field")
}

func TestProvider_ReadTypeMismatch(t *testing.T) {
	p := newTestProvider(t, newFakeBackend(), KeySource{})

	_, err := p.ReadBool(context.Background(), wallet.FieldTokensSold, common.Address{})
	assert.ErrorContains(t, err, "want bool")
}

func TestProvider_Purchase(t *testing.T) {
	backend := newFakeBackend()
	key, hexKey := newTestKey(t)
	account := crypto.PubkeyToAddress(key.PublicKey)
	p := newTestProvider(t, backend, KeySource{PrivateKeyHex: hexKey})
	ctx := context.Background()

	accounts, err := p.AuthorizedAccounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []common.Address{account}, accounts)

	handle, err := p.SubmitPurchase(ctx, account, eth("0.01"))
	require.NoError(t, err)

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, handle, tx.Hash())
	assert.Equal(t, saleAddr, *tx.To())
	assert.Zero(t, eth("0.01").Cmp(tx.Value()))
	assert.Equal(t, saleABI.Methods["buy"].ID, tx.Data()[:4])
	assert.Equal(t, uint64(7), tx.Nonce())

	sender, err := types.Sender(types.LatestSignerForChainID(testChain), tx)
	require.NoError(t, err)
	assert.Equal(t, account, sender)

	final, err := p.AwaitConfirmation(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, handle, final)

	_, err = p.AwaitConfirmation(ctx, handle)
	assert.ErrorContains(t, err, "unknown transaction")
	assert.Equal(t, 1, backend.chainIDCalls)
}

func TestProvider_PurchaseReverted(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptStatus = types.ReceiptStatusFailed
	key, hexKey := newTestKey(t)
	account := crypto.PubkeyToAddress(key.PublicKey)
	p := newTestProvider(t, backend, KeySource{PrivateKeyHex: hexKey})
	ctx := context.Background()

	_, err := p.RequestAccounts(ctx)
	require.NoError(t, err)

	handle, err := p.SubmitPurchase(ctx, account, eth("1"))
	require.NoError(t, err)

	_, err = p.AwaitConfirmation(ctx, handle)
	require.ErrorIs(t, err, ErrReverted)
}

func TestProvider_AwaitConfirmationGivesUpOnCancel(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptErr = ethereum.NotFound
	key, hexKey := newTestKey(t)
	account := crypto.PubkeyToAddress(key.PublicKey)
	p := newTestProvider(t, backend, KeySource{PrivateKeyHex: hexKey})

	_, err := p.RequestAccounts(context.Background())
	require.NoError(t, err)
	handle, err := p.SubmitPurchase(context.Background(), account, eth("1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.AwaitConfirmation(ctx, handle)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.mu.Lock()
	assert.Empty(t, p.pending)
	p.mu.Unlock()

	_, err = p.AwaitConfirmation(context.Background(), handle)
	assert.ErrorContains(t, err, "unknown transaction")
}

func TestProvider_SubmitRequiresUnlock(t *testing.T) {
	backend := newFakeBackend()
	key, hexKey := newTestKey(t)
	p := newTestProvider(t, backend, KeySource{PrivateKeyHex: hexKey})

	_, err := p.SubmitPurchase(context.Background(), crypto.PubkeyToAddress(key.PublicKey), eth("1"))
	require.ErrorIs(t, err, ErrLocked)
	assert.Empty(t, backend.sent)
}

func TestProvider_SendFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErr = errors.New("insufficient funds for gas * price + value")
	key, hexKey := newTestKey(t)
	p := newTestProvider(t, backend, KeySource{PrivateKeyHex: hexKey})
	ctx := context.Background()
	_, err := p.RequestAccounts(ctx)
	require.NoError(t, err)

	_, err = p.SubmitPurchase(ctx, crypto.PubkeyToAddress(key.PublicKey), eth("1"))
	assert.ErrorContains(t, err, "insufficient funds")
}

func TestProvider_DrivesWalletManager(t *testing.T) {
	backend := newFakeBackend()
	_, hexKey := newTestKey(t)
	p := newTestProvider(t, backend, KeySource{PrivateKeyHex: hexKey})
	detector := wallet.DetectorFunc(func(ctx context.Context) (wallet.Provider, bool) { return p, true })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := wallet.NewManager(detector, wallet.DefaultScale, nil, logger)
	require.NoError(t, mgr.Init(context.Background()))

	require.True(t, mgr.Session().Connected)
	snap := mgr.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.Price.Equal(decimal.RequireFromString("0.0001")))
	assert.True(t, snap.UserNativeBalance.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, snap.UserContribution.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, snap.UseWhitelist)

	hash, err := mgr.Purchase(context.Background(), decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	assert.Equal(t, backend.sent[0].Hash().Hex(), hash)
}
