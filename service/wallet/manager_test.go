package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAccount = common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc454e4438f44e")

// units converts a human amount to an 18-decimal integer.
func units(s string) *big.Int {
	return decimal.RequireFromString(s).Shift(18).BigInt()
}

// newSeededMock returns a provider describing a sale that is 67.5% sold at
// 10000 tokens per spend unit (price 0.0001).
func newSeededMock() *MockProvider {
	mock := NewMockProvider(testAccount)
	mock.SetUint(FieldTotalSupply, units("1000000"))
	mock.SetUint(FieldTokensSold, units("675000"))
	mock.SetUint(FieldTokensRemaining, units("325000"))
	mock.SetUint(FieldTokensPerUnit, units("10000"))
	mock.SetUint(FieldUserNativeBalance, units("2.5"))
	mock.SetUint(FieldUserTokenBalance, units("5000"))
	mock.SetUint(FieldMinContribution, units("0.001"))
	mock.SetUint(FieldMaxContribution, units("5"))
	mock.SetUint(FieldStartTimestamp, big.NewInt(1700000000))
	mock.SetUint(FieldEndTimestamp, big.NewInt(1900000000))
	mock.SetBool(FieldWhitelisted, true)
	return mock
}

func newTestManager(detector Detector) *Manager {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(detector, DefaultScale, nil, logger)
}

func connectedManager(t *testing.T, mock *MockProvider) *Manager {
	t.Helper()
	mgr := newTestManager(mock.Detector())
	require.NoError(t, mgr.Connect(context.Background()))
	require.True(t, mgr.Session().Connected)
	return mgr
}

func TestInit_NoProvider(t *testing.T) {
	mgr := newTestManager(NoProvider)

	err := mgr.Init(context.Background())
	require.ErrorIs(t, err, ErrNoProvider)

	s := mgr.Session()
	assert.False(t, s.Connected)
	assert.Nil(t, s.Account)
	assert.NotEmpty(t, s.LastError)
}

func TestInit_AutoConnectsWithoutPrompt(t *testing.T) {
	mock := newSeededMock()
	mock.SetAuthorized([]common.Address{testAccount}, nil)
	mgr := newTestManager(mock.Detector())

	require.NoError(t, mgr.Init(context.Background()))

	s := mgr.Session()
	assert.True(t, s.Connected)
	require.NotNil(t, s.Account)
	assert.Equal(t, testAccount, *s.Account)
	assert.Equal(t, 0, mock.Calls("RequestAccounts"), "auto-connect must not prompt")
	assert.NotNil(t, mgr.Snapshot())
}

func TestInit_NotPreviouslyAuthorized(t *testing.T) {
	mock := newSeededMock()
	mgr := newTestManager(mock.Detector())

	require.NoError(t, mgr.Init(context.Background()))

	s := mgr.Session()
	assert.False(t, s.Connected)
	assert.Empty(t, s.LastError)
	assert.Nil(t, mgr.Snapshot())
}

func TestInit_AuthorizedAccountsError(t *testing.T) {
	mock := newSeededMock()
	mock.SetAuthorized(nil, errors.New("rpc unavailable"))
	mgr := newTestManager(mock.Detector())

	err := mgr.Init(context.Background())
	require.Error(t, err)
	assert.False(t, mgr.Session().Connected)
	assert.Contains(t, mgr.Session().LastError, "rpc unavailable")
}

func TestConnect_NoProvider(t *testing.T) {
	mgr := newTestManager(NoProvider)

	err := mgr.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoProvider)

	s := mgr.Session()
	assert.False(t, s.Connected)
	assert.False(t, s.Connecting)
	assert.NotEmpty(t, s.LastError)
}

func TestConnect_Failures(t *testing.T) {
	tests := []struct {
		name      string
		accounts  []common.Address
		err       error
		wantIs    error
		wantInMsg string
	}{
		{
			name:      "user rejects prompt",
			err:       errors.New("user rejected the request"),
			wantIs:    ErrAuthorization,
			wantInMsg: "user rejected the request",
		},
		{
			name:      "no accounts returned",
			accounts:  []common.Address{},
			wantIs:    ErrNoAccounts,
			wantInMsg: "no accounts found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newSeededMock()
			mock.SetRequestResult(tt.accounts, tt.err)
			mgr := newTestManager(mock.Detector())

			err := mgr.Connect(context.Background())
			require.ErrorIs(t, err, tt.wantIs)
			assert.ErrorIs(t, err, ErrAuthorization)

			s := mgr.Session()
			assert.False(t, s.Connected)
			assert.False(t, s.Connecting)
			assert.Nil(t, s.Account)
			assert.Contains(t, s.LastError, tt.wantInMsg)
			assert.Equal(t, 0, mock.Calls("ReadUint"))
		})
	}
}

func TestConnect_RetryAfterRejection(t *testing.T) {
	mock := newSeededMock()
	mock.SetRequestResult(nil, errors.New("user rejected the request"))
	mgr := newTestManager(mock.Detector())

	require.Error(t, mgr.Connect(context.Background()))

	mock.SetRequestResult([]common.Address{testAccount}, nil)
	require.NoError(t, mgr.Connect(context.Background()))

	s := mgr.Session()
	assert.True(t, s.Connected)
	assert.Empty(t, s.LastError, "a new connect attempt clears the previous error")
	assert.Equal(t, 2, mock.Calls("RequestAccounts"))
}

func TestConnect_WhileConnectedThenReject(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)
	require.NotNil(t, mgr.Snapshot())

	mock.SetRequestResult(nil, errors.New("user rejected the request"))
	require.NoError(t, mgr.Connect(context.Background()))

	s := mgr.Session()
	assert.True(t, s.Connected)
	assert.False(t, s.Connecting)
	require.NotNil(t, s.Account)
	assert.Equal(t, testAccount, *s.Account)
	assert.Empty(t, s.LastError)
	assert.Equal(t, 1, mock.Calls("RequestAccounts"), "a connected session is not prompted again")
	assert.NotNil(t, mgr.Snapshot())
	assert.NoError(t, mgr.Refresh(context.Background()))
}

func TestConnect_FailureLeavesNothingCached(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)
	mgr.Disconnect()

	mock.SetRequestResult(nil, errors.New("user rejected the request"))
	require.ErrorIs(t, mgr.Connect(context.Background()), ErrAuthorization)

	s := mgr.Session()
	assert.False(t, s.Connected)
	assert.False(t, s.Connecting)
	assert.Nil(t, s.Account)
	assert.Nil(t, mgr.Snapshot())
	assert.ErrorIs(t, mgr.Refresh(context.Background()), ErrNotConnected)
}

func TestConnect_OtherAccountGetsFreshSnapshot(t *testing.T) {
	other := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	mock := newSeededMock()
	mgr := connectedManager(t, mock)
	mgr.Disconnect()

	mock.SetRequestResult([]common.Address{other}, nil)
	mock.SetUint(FieldUserNativeBalance, units("0.75"))
	require.NoError(t, mgr.Connect(context.Background()))

	s := mgr.Session()
	require.NotNil(t, s.Account)
	assert.Equal(t, other, *s.Account)
	snap := mgr.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "0.75", snap.UserNativeBalance.String())
}

func TestConnect_SuccessLoadsSnapshot(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)

	s := mgr.Session()
	assert.False(t, s.Connecting)
	require.NotNil(t, s.Account)
	assert.Equal(t, testAccount, *s.Account)
	assert.Empty(t, s.LastError)

	snap := mgr.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "1000000", snap.TotalSupply.String())
	assert.Equal(t, "675000", snap.TokensSold.String())
	assert.Equal(t, "325000", snap.TokensRemaining.String())
	assert.Equal(t, "10000", snap.TokensPerUnit.String())
	assert.Equal(t, "0.0001", snap.Price.String())
	assert.Equal(t, "2.5", snap.UserNativeBalance.String())
	assert.Equal(t, "5000", snap.UserTokenBalance.String())
	assert.Equal(t, "67.5", snap.Progress().String())
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), snap.StartsAt)
	assert.True(t, snap.Whitelisted)
	assert.True(t, snap.TokensSold.Add(snap.TokensRemaining).Equal(snap.TotalSupply))
}

func TestRefresh_WhitelistOnlyAppliesWhenEnabled(t *testing.T) {
	tests := []struct {
		name         string
		useWhitelist bool
		whitelisted  bool
		want         bool
	}{
		{name: "whitelist off", useWhitelist: false, whitelisted: false, want: true},
		{name: "whitelist on, listed", useWhitelist: true, whitelisted: true, want: true},
		{name: "whitelist on, not listed", useWhitelist: true, whitelisted: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newSeededMock()
			mock.SetBool(FieldUseWhitelist, tt.useWhitelist)
			mock.SetBool(FieldWhitelisted, tt.whitelisted)
			mgr := connectedManager(t, mock)

			snap := mgr.Snapshot()
			require.NotNil(t, snap)
			assert.Equal(t, tt.useWhitelist, snap.UseWhitelist)
			assert.Equal(t, tt.want, snap.Whitelisted)
		})
	}
}

func TestConnect_RefreshFailureKeepsSessionConnected(t *testing.T) {
	mock := newSeededMock()
	mock.SetReadError(FieldTokensSold, errors.New("execution reverted"))
	mgr := newTestManager(mock.Detector())

	require.NoError(t, mgr.Connect(context.Background()))

	s := mgr.Session()
	assert.True(t, s.Connected)
	assert.Contains(t, s.LastError, "failed to refresh contract data")
	assert.Nil(t, mgr.Snapshot())
}

func TestConnect_RejectsConcurrentConnect(t *testing.T) {
	mock := newSeededMock()
	release := make(chan struct{})
	entered := make(chan struct{})
	detector := DetectorFunc(func(ctx context.Context) (Provider, bool) {
		close(entered)
		<-release
		return mock, true
	})
	mgr := newTestManager(detector)

	done := make(chan error, 1)
	go func() { done <- mgr.Connect(context.Background()) }()
	<-entered

	assert.True(t, mgr.Session().Connecting)
	assert.ErrorIs(t, mgr.Connect(context.Background()), ErrConnectInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, mgr.Session().Connecting)
	assert.True(t, mgr.Session().Connected)
}

func TestConnect_DisconnectWhilePromptOpen(t *testing.T) {
	mock := newSeededMock()
	release := make(chan struct{})
	entered := make(chan struct{})
	detector := DetectorFunc(func(ctx context.Context) (Provider, bool) {
		close(entered)
		<-release
		return mock, true
	})
	mgr := newTestManager(detector)

	done := make(chan error, 1)
	go func() { done <- mgr.Connect(context.Background()) }()
	<-entered

	mgr.Disconnect()
	close(release)

	require.ErrorIs(t, <-done, ErrSessionChanged)
	s := mgr.Session()
	assert.False(t, s.Connected)
	assert.False(t, s.Connecting)
	assert.Nil(t, mgr.Snapshot())
}

func TestDisconnect_ClearsStateAndRefreshIsNoop(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)
	require.NotNil(t, mgr.Snapshot())

	mgr.Disconnect()

	s := mgr.Session()
	assert.False(t, s.Connected)
	assert.Nil(t, s.Account)
	assert.Empty(t, s.LastError)
	assert.Nil(t, mgr.Snapshot())

	readsBefore := mock.Calls("ReadUint") + mock.Calls("ReadBool")
	err := mgr.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, readsBefore, mock.Calls("ReadUint")+mock.Calls("ReadBool"))
	assert.Nil(t, mgr.Snapshot())
	assert.Empty(t, mgr.Session().LastError, "a refresh without a session is not a session error")
}

func TestRefresh_PartialFailureKeepsPreviousSnapshot(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)
	before := mgr.Snapshot()
	require.NotNil(t, before)

	mock.SetUint(FieldTokensSold, units("700000"))
	mock.SetReadError(FieldTokensRemaining, errors.New("timeout"))
	mock.SetReadError(FieldPaused, errors.New("connection reset"))

	err := mgr.Refresh(context.Background())
	require.ErrorIs(t, err, ErrRefresh)
	assert.Contains(t, err.Error(), "tokensRemaining: timeout")
	assert.Contains(t, err.Error(), "paused: connection reset")

	after := mgr.Snapshot()
	require.NotNil(t, after)
	assert.Equal(t, before, after, "a failed refresh must not overwrite any field")
	assert.Equal(t, "675000", after.TokensSold.String())
	assert.Contains(t, mgr.Session().LastError, "tokensRemaining")
}

func TestRefresh_LastSettledWins(t *testing.T) {
	tests := []struct {
		name        string
		settleOrder []int // indexes of issued refreshes, in settle order
		wantSold    string
	}{
		{
			name:        "second issued settles first, first issued wins",
			settleOrder: []int{1, 0},
			wantSold:    "600000",
		},
		{
			name:        "in-order settlement, second issued wins",
			settleOrder: []int{0, 1},
			wantSold:    "650000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newSeededMock()
			mgr := connectedManager(t, mock)
			ctx := context.Background()

			sold := []string{"600000", "650000"}
			gates := []chan struct{}{make(chan struct{}), make(chan struct{})}
			entered := make(chan int, 2)
			var issued atomic.Int32
			mock.SetReadUintFunc(func(ctx context.Context, field Field, account common.Address) (*big.Int, error) {
				if field != FieldTokensSold {
					return nil, nil
				}
				i := int(issued.Add(1) - 1)
				entered <- i
				<-gates[i]
				return units(sold[i]), nil
			})

			results := []chan error{make(chan error, 1), make(chan error, 1)}
			go func() { results[0] <- mgr.Refresh(ctx) }()
			require.Equal(t, 0, <-entered)
			go func() { results[1] <- mgr.Refresh(ctx) }()
			require.Equal(t, 1, <-entered)

			for _, i := range tt.settleOrder {
				close(gates[i])
				require.NoError(t, <-results[i])
				assert.Equal(t, sold[i], mgr.Snapshot().TokensSold.String())
			}

			assert.Equal(t, tt.wantSold, mgr.Snapshot().TokensSold.String())
		})
	}
}

func TestRefresh_DiscardedWhenSessionEnds(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	mock.SetReadUintFunc(func(ctx context.Context, field Field, account common.Address) (*big.Int, error) {
		if field != FieldTokensSold {
			return nil, nil
		}
		entered <- struct{}{}
		<-gate
		return units("999999"), nil
	})

	done := make(chan error, 1)
	go func() { done <- mgr.Refresh(context.Background()) }()
	<-entered

	mgr.Disconnect()
	close(gate)

	assert.ErrorIs(t, <-done, ErrSessionChanged)
	assert.Nil(t, mgr.Snapshot())
}

func TestRefresh_ConversionIsExact(t *testing.T) {
	mock := newSeededMock()
	huge, ok := new(big.Int).SetString("123456789123456789123456789123", 10)
	require.True(t, ok)
	mock.SetUint(FieldTotalSupply, huge)
	mock.SetUint(FieldUserNativeBalance, big.NewInt(1))

	mgr := connectedManager(t, mock)
	snap := mgr.Snapshot()
	require.NotNil(t, snap)

	assert.Equal(t, "123456789123.456789123456789123", snap.TotalSupply.String())
	assert.Equal(t, "0.000000000000000001", snap.UserNativeBalance.String())
}

func TestRefresh_ZeroRateHasNoPrice(t *testing.T) {
	mock := newSeededMock()
	mock.SetUint(FieldTokensPerUnit, big.NewInt(0))

	mgr := connectedManager(t, mock)
	snap := mgr.Snapshot()
	require.NotNil(t, snap)
	assert.True(t, snap.Price.IsZero())
}

func TestPurchase_NotConnected(t *testing.T) {
	mock := newSeededMock()
	mgr := newTestManager(mock.Detector())

	_, err := mgr.Purchase(context.Background(), decimal.RequireFromString("0.01"))
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, mock.Calls("SubmitPurchase"))
}

func TestPurchase_SubmitsExactValue(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)

	id, err := mgr.Purchase(context.Background(), decimal.RequireFromString("0.01"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	submitted := mock.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, "10000000000000000", submitted[0].String())
	assert.Equal(t, 1, mock.Calls("AwaitConfirmation"))
}

func TestPurchase_ConfirmationFailure(t *testing.T) {
	mock := newSeededMock()
	mgr := connectedManager(t, mock)
	mock.SetConfirmError(errors.New("execution reverted: sale paused"))

	_, err := mgr.Purchase(context.Background(), decimal.RequireFromString("0.01"))
	require.ErrorIs(t, err, ErrSubmission)
	assert.Contains(t, err.Error(), "sale paused")
	assert.True(t, mgr.Session().Connected, "a failed purchase leaves the session intact")
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		amount   string
		decimals int32
		want     string
		wantErr  bool
	}{
		{amount: "0.01", decimals: 18, want: "10000000000000000"},
		{amount: "1", decimals: 6, want: "1000000"},
		{amount: "0.000001", decimals: 6, want: "1"},
		{amount: "0.0000001", decimals: 6, wantErr: true},
		{amount: "-1", decimals: 18, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := ToBaseUnits(decimal.RequireFromString(tt.amount), tt.decimals)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidSpendValue)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestSaleSnapshot_Active(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(30 * 24 * time.Hour)

	tests := []struct {
		name string
		snap SaleSnapshot
		now  time.Time
		want bool
	}{
		{name: "inside window", snap: SaleSnapshot{StartsAt: start, EndsAt: end}, now: start.Add(time.Hour), want: true},
		{name: "before start", snap: SaleSnapshot{StartsAt: start, EndsAt: end}, now: start.Add(-time.Hour), want: false},
		{name: "at end", snap: SaleSnapshot{StartsAt: start, EndsAt: end}, now: end, want: false},
		{name: "paused", snap: SaleSnapshot{StartsAt: start, EndsAt: end, Paused: true}, now: start.Add(time.Hour), want: false},
		{name: "no window", snap: SaleSnapshot{}, now: start, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.snap.Active(tt.now))
		})
	}
}
