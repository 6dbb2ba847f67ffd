package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brojonat/idosale/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// RevokeNotice is shown after Disconnect: the local session is gone but the
// wallet's own authorization grant is untouched.
const RevokeNotice = "Disconnected locally. To revoke this site's access, use your wallet's connected-sites settings."

// priceDigits bounds the precision of Price = 1 / TokensPerUnit.
const priceDigits = 18

// Manager owns the wallet session and the most recent sale snapshot.
// It is the only writer of either; readers get copies.
type Manager struct {
	detector Detector
	scale    Scale
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	provider Provider
	session  Session
	snapshot *SaleSnapshot
	// generation increments whenever the connected identity changes, so that
	// requests issued under an older identity can recognise they are stale.
	generation uint64
}

// NewManager creates a disconnected Manager. If metrics is nil, no metrics
// will be recorded.
func NewManager(detector Detector, scale Scale, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		detector: detector,
		scale:    scale,
		metrics:  m,
		logger:   logger.With("component", "wallet_session"),
		now:      time.Now,
	}
}

// Session returns a copy of the current session state.
func (m *Manager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copySession()
}

func (m *Manager) copySession() Session {
	s := m.session
	if s.Account != nil {
		acct := *s.Account
		s.Account = &acct
	}
	return s
}

// Snapshot returns the cached sale snapshot, or nil if none is loaded.
func (m *Manager) Snapshot() *SaleSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snapshot == nil {
		return nil
	}
	snap := *m.snapshot
	return &snap
}

// ClearError dismisses the last error message.
func (m *Manager) ClearError() {
	m.mu.Lock()
	m.session.LastError = ""
	m.mu.Unlock()
}

// Init performs the on-load probe: if a provider is present and already has
// an authorized account, the session is adopted without prompting.
func (m *Manager) Init(ctx context.Context) error {
	provider, ok := m.detector.Detect(ctx)
	if !ok {
		m.mu.Lock()
		m.session.LastError = ErrNoProvider.Error()
		m.mu.Unlock()
		m.recordSession("auto_connect", "no_provider")
		m.logger.WarnContext(ctx, "wallet provider not detected")
		return ErrNoProvider
	}

	accounts, err := provider.AuthorizedAccounts(ctx)
	if err != nil {
		err = fmt.Errorf("failed to initialize wallet connection: %w", err)
		m.mu.Lock()
		m.session.LastError = err.Error()
		m.mu.Unlock()
		m.recordSession("auto_connect", "error")
		m.logger.ErrorContext(ctx, "failed to read authorized accounts", "error", err)
		return err
	}

	if len(accounts) == 0 {
		m.recordSession("auto_connect", "not_authorized")
		m.logger.DebugContext(ctx, "no previously authorized account, waiting for connect")
		return nil
	}

	m.mu.Lock()
	if m.session.Connected || m.session.Connecting {
		// An explicit connect got there first.
		m.mu.Unlock()
		return nil
	}
	m.adopt(provider, accounts[0])
	m.mu.Unlock()

	m.recordSession("auto_connect", "success")
	m.logger.InfoContext(ctx, "wallet auto-connected", "account", accounts[0].Hex())

	m.refreshAfterConnect(ctx)
	return nil
}

// Connect asks the provider to authorize an account. It never retries;
// whatever the outcome, Connecting is false once Connect returns.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.session.Connecting {
		m.mu.Unlock()
		return ErrConnectInFlight
	}
	if m.session.Connected {
		// Switching accounts goes through Disconnect.
		m.mu.Unlock()
		m.recordSession("connect", "already_connected")
		return nil
	}
	m.session.Connecting = true
	m.session.LastError = ""
	gen := m.generation
	m.mu.Unlock()

	m.logger.DebugContext(ctx, "connecting wallet")

	provider, ok := m.detector.Detect(ctx)
	if !ok {
		return m.failConnect(ctx, gen, ErrNoProvider)
	}

	accounts, err := provider.RequestAccounts(ctx)
	if err != nil {
		return m.failConnect(ctx, gen, fmt.Errorf("%w: %w", ErrAuthorization, err))
	}
	if len(accounts) == 0 {
		return m.failConnect(ctx, gen, ErrNoAccounts)
	}

	m.mu.Lock()
	m.session.Connecting = false
	if m.generation != gen {
		// Disconnected while the prompt was open.
		m.mu.Unlock()
		m.recordSession("connect", "abandoned")
		return ErrSessionChanged
	}
	m.adopt(provider, accounts[0])
	m.mu.Unlock()

	m.recordSession("connect", "success")
	m.logger.InfoContext(ctx, "wallet connected", "account", accounts[0].Hex())

	m.refreshAfterConnect(ctx)
	return nil
}

// adopt must be called with mu held. A snapshot of another account is dropped.
func (m *Manager) adopt(provider Provider, account common.Address) {
	if m.session.Account == nil || *m.session.Account != account {
		m.snapshot = nil
	}
	m.provider = provider
	m.session.Connected = true
	m.session.Account = &account
	m.session.Connecting = false
	m.generation++
}

func (m *Manager) failConnect(ctx context.Context, gen uint64, err error) error {
	m.mu.Lock()
	m.session.Connecting = false
	if m.generation == gen {
		m.session.Connected = false
		m.session.Account = nil
		m.session.LastError = err.Error()
		m.snapshot = nil
		m.provider = nil
		m.generation++
	}
	m.mu.Unlock()

	m.recordSession("connect", "error")
	m.logger.WarnContext(ctx, "wallet connection failed", "error", err)
	return err
}

// refreshAfterConnect loads the first snapshot. A failure is already
// reflected in LastError, and the session stays connected.
func (m *Manager) refreshAfterConnect(ctx context.Context) {
	if err := m.Refresh(ctx); err != nil {
		m.logger.WarnContext(ctx, "initial refresh failed", "error", err)
	}
}

// Disconnect resets the local session and drops all cached sale data.
// It does not revoke the provider's authorization; see RevokeNotice.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	account := m.session.Account
	m.session.Connected = false
	m.session.Account = nil
	m.session.LastError = ""
	m.snapshot = nil
	m.provider = nil
	m.generation++
	m.mu.Unlock()

	m.recordSession("disconnect", "success")
	if account != nil {
		m.logger.Info("wallet disconnected", "account", account.Hex())
	}
}

// Refresh reads every sale field as one batch. If any read fails the whole
// refresh fails, the previous snapshot is kept and LastError is set.
// Without a connected session Refresh does nothing and returns ErrNotConnected.
//
// Concurrent refreshes are not serialized: the last one to settle wins.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.RLock()
	provider := m.provider
	connected := m.session.Connected
	var account common.Address
	if m.session.Account != nil {
		account = *m.session.Account
	}
	gen := m.generation
	m.mu.RUnlock()

	if !connected || provider == nil {
		return ErrNotConnected
	}

	elapsed := metrics.Since(time.Now())
	snap, err := m.fetchSnapshot(ctx, provider, account)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		m.logger.DebugContext(ctx, "discarding refresh from a previous session", "account", account.Hex())
		m.recordRefresh("stale", elapsed())
		return ErrSessionChanged
	}

	if err != nil {
		m.session.LastError = err.Error()
		m.recordRefresh("error", elapsed())
		m.logger.ErrorContext(ctx, "failed to refresh contract data", "account", account.Hex(), "error", err)
		return err
	}

	m.snapshot = snap
	m.recordRefresh("success", elapsed())
	m.logger.DebugContext(ctx, "sale snapshot refreshed",
		"account", account.Hex(),
		"tokens_sold", snap.TokensSold.String(),
		"tokens_remaining", snap.TokensRemaining.String(),
	)
	return nil
}

// fetchSnapshot issues every field read concurrently and waits for all of
// them, so the returned error names every field that failed.
func (m *Manager) fetchSnapshot(ctx context.Context, provider Provider, account common.Address) (*SaleSnapshot, error) {
	uints := make([]*big.Int, len(UintFields))
	bools := make([]bool, len(BoolFields))
	errs := make([]error, len(UintFields)+len(BoolFields))

	var g errgroup.Group
	for i, field := range UintFields {
		g.Go(func() error {
			v, err := provider.ReadUint(ctx, field, account)
			switch {
			case err != nil:
				errs[i] = fmt.Errorf("%s: %w", field, err)
			case v == nil || v.Sign() < 0:
				errs[i] = fmt.Errorf("%s: invalid value %v", field, v)
			default:
				uints[i] = v
			}
			return nil
		})
	}
	for i, field := range BoolFields {
		g.Go(func() error {
			v, err := provider.ReadBool(ctx, field, account)
			if err != nil {
				errs[len(UintFields)+i] = fmt.Errorf("%s: %w", field, err)
				return nil
			}
			bools[i] = v
			return nil
		})
	}
	_ = g.Wait()

	if err := multierr.Combine(errs...); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRefresh, err)
	}

	u := make(map[Field]*big.Int, len(UintFields))
	for i, field := range UintFields {
		u[field] = uints[i]
	}
	b := make(map[Field]bool, len(BoolFields))
	for i, field := range BoolFields {
		b[field] = bools[i]
	}

	token := func(f Field) decimal.Decimal { return decimal.NewFromBigInt(u[f], -m.scale.TokenDecimals) }
	native := func(f Field) decimal.Decimal { return decimal.NewFromBigInt(u[f], -m.scale.NativeDecimals) }

	rate := decimal.NewFromBigInt(u[FieldTokensPerUnit], -m.scale.RateDecimals)
	price := decimal.Zero
	if rate.IsPositive() {
		price = decimal.NewFromInt(1).DivRound(rate, priceDigits)
	}

	return &SaleSnapshot{
		TotalSupply:         token(FieldTotalSupply),
		TokensSold:          token(FieldTokensSold),
		TokensRemaining:     token(FieldTokensRemaining),
		UserTokenBalance:    token(FieldUserTokenBalance),
		UserTokensPurchased: token(FieldUserTokensPurchased),
		UserNativeBalance:   native(FieldUserNativeBalance),
		MinContribution:     native(FieldMinContribution),
		MaxContribution:     native(FieldMaxContribution),
		UserContribution:    native(FieldUserContribution),
		TokensPerUnit:       rate,
		Price:               price,
		StartsAt:            unixTime(u[FieldStartTimestamp]),
		EndsAt:              unixTime(u[FieldEndTimestamp]),
		Paused:              b[FieldPaused],
		UseWhitelist:        b[FieldUseWhitelist],
		Whitelisted:         b[FieldWhitelisted] || !b[FieldUseWhitelist],
		FetchedAt:           m.now().UTC(),
	}, nil
}

func unixTime(v *big.Int) time.Time {
	if v.Sign() == 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

// Purchase submits a purchase of spend native units through the provider's
// signing path and waits for confirmation. It returns the chain-assigned
// transaction identifier.
func (m *Manager) Purchase(ctx context.Context, spend decimal.Decimal) (string, error) {
	m.mu.RLock()
	provider := m.provider
	connected := m.session.Connected
	var account common.Address
	if m.session.Account != nil {
		account = *m.session.Account
	}
	m.mu.RUnlock()

	if !connected || provider == nil {
		return "", ErrNotConnected
	}

	value, err := ToBaseUnits(spend, m.scale.NativeDecimals)
	if err != nil {
		return "", err
	}

	handle, err := provider.SubmitPurchase(ctx, account, value)
	if err != nil {
		m.logger.WarnContext(ctx, "purchase not submitted", "account", account.Hex(), "error", err)
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	m.logger.InfoContext(ctx, "purchase submitted, awaiting confirmation",
		"account", account.Hex(),
		"tx_hash", handle.Hex(),
		"value", value.String(),
	)

	final, err := provider.AwaitConfirmation(ctx, handle)
	if err != nil {
		m.logger.WarnContext(ctx, "purchase failed", "tx_hash", handle.Hex(), "error", err)
		return "", fmt.Errorf("%w: %w", ErrSubmission, err)
	}

	m.logger.InfoContext(ctx, "purchase confirmed", "account", account.Hex(), "tx_hash", final.Hex())
	return final.Hex(), nil
}

// ToBaseUnits converts a decimal amount into the integer the chain expects.
// The conversion is exact or it fails.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) || shifted.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s with %d decimals", ErrInvalidSpendValue, amount, decimals)
	}
	return shifted.BigInt(), nil
}

func (m *Manager) recordSession(event, result string) {
	if m.metrics != nil {
		m.metrics.RecordSessionEvent(event, result)
	}
}

func (m *Manager) recordRefresh(result string, duration float64) {
	if m.metrics != nil {
		m.metrics.RecordRefresh(result, duration)
	}
}
