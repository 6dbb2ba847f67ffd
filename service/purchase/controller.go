package purchase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/idosale/service/metrics"
	natspkg "github.com/brojonat/idosale/service/nats"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wallet is the slice of the session manager the controller depends on.
// *wallet.Manager implements it.
type Wallet interface {
	Session() wallet.Session
	Snapshot() *wallet.SaleSnapshot
	Refresh(ctx context.Context) error
	Purchase(ctx context.Context, spend decimal.Decimal) (string, error)
}

// Options configures submission policy.
type Options struct {
	// HistoryLimit caps the transaction log; older records are evicted.
	HistoryLimit int
	// BalanceCheck rejects spends above the cached native balance. The
	// contract remains the authority; this only saves a doomed round trip.
	BalanceCheck bool
	// SpendDecimals is the precision of the native currency.
	SpendDecimals int32
}

// DefaultOptions mirrors the dashboard defaults.
var DefaultOptions = Options{
	HistoryLimit:  10,
	BalanceCheck:  true,
	SpendDecimals: 18,
}

const publishTimeout = 10 * time.Second

// Controller turns an entered spend amount into a submitted purchase and
// tracks its outcome. At most one purchase is in flight at a time.
type Controller struct {
	wallet    Wallet
	publisher natspkg.Publisher
	opts      Options
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu       sync.Mutex
	txs      []*Transaction // most recent first
	inFlight bool
	draft    string
}

// NewController creates a controller. publisher and m may be nil.
func NewController(w Wallet, publisher natspkg.Publisher, opts Options, m *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultOptions.HistoryLimit
	}
	return &Controller{
		wallet:    w,
		publisher: publisher,
		opts:      opts,
		metrics:   m,
		logger:    logger.With("component", "purchase_flow"),
		now:       time.Now,
		newID:     func() string { return "local-" + uuid.NewString() },
	}
}

// SetDraft stores the amount currently entered by the user.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

// Draft returns the amount currently entered. It is cleared after a
// successful purchase.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// InFlight reports whether a purchase is awaiting settlement.
func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Transactions returns copies of the logged records, most recent first.
func (c *Controller) Transactions() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Transaction, len(c.txs))
	for i, tx := range c.txs {
		out[i] = *tx
	}
	return out
}

// Quote estimates what text would buy at the cached rate without
// submitting anything.
func (c *Controller) Quote(text string) (Quote, error) {
	spend, err := ParseAmount(text, c.opts.SpendDecimals)
	if err != nil {
		return Quote{}, err
	}
	snap := c.wallet.Snapshot()
	if snap == nil || !snap.TokensPerUnit.IsPositive() {
		return Quote{}, ErrSaleDataUnavailable
	}
	return Quote{
		SpendAmount:   spend,
		ReceiveAmount: EstimateReceive(spend, snap.TokensPerUnit),
		Price:         snap.Price,
	}, nil
}

// Pending is a submitted purchase that has not necessarily settled.
type Pending struct {
	initial Transaction
	done    chan struct{}
	result  Transaction
	err     error
}

// Initial returns the record as it was inserted, in pending state.
func (p *Pending) Initial() Transaction {
	return p.initial
}

// Done is closed once the purchase settles.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the purchase settles or ctx ends. Abandoning the wait
// does not cancel the purchase.
func (p *Pending) Wait(ctx context.Context) (Transaction, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return p.initial, ctx.Err()
	}
}

// Submit validates text, submits the purchase and waits for it to settle.
func (c *Controller) Submit(ctx context.Context, text string) (Transaction, error) {
	p, err := c.Begin(ctx, text)
	if err != nil {
		return Transaction{}, err
	}
	return p.Wait(ctx)
}

// Begin validates text and, if it passes, inserts a pending record at the
// head of the log and submits the purchase in the background under ctx.
//
// Checks run in order and each is terminal: the amount must be a positive
// number, the wallet must be connected, the amount must not exceed the cached
// balance (when BalanceCheck is on), a price must be known, and no other
// purchase may be in flight. None of them touch the provider.
func (c *Controller) Begin(ctx context.Context, text string) (*Pending, error) {
	spend, err := ParseAmount(text, c.opts.SpendDecimals)
	if err != nil {
		c.reject("invalid_amount")
		return nil, err
	}

	session := c.wallet.Session()
	if !session.Connected || session.Account == nil {
		c.reject("not_connected")
		return nil, wallet.ErrNotConnected
	}

	snap := c.wallet.Snapshot()
	if c.opts.BalanceCheck && snap != nil && spend.GreaterThan(snap.UserNativeBalance) {
		c.reject("insufficient_balance")
		return nil, ErrInsufficientBalance
	}
	if snap == nil || !snap.TokensPerUnit.IsPositive() {
		c.reject("no_sale_data")
		return nil, ErrSaleDataUnavailable
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.reject("in_flight")
		return nil, ErrSubmissionInFlight
	}
	c.inFlight = true
	tx := &Transaction{
		ID:            c.newID(),
		Status:        StatusPending,
		SpendAmount:   spend,
		ReceiveAmount: EstimateReceive(spend, snap.TokensPerUnit),
		Price:         snap.Price,
		Account:       session.Account.Hex(),
		CreatedAt:     c.now().UTC(),
	}
	c.txs = append([]*Transaction{tx}, c.txs...)
	if len(c.txs) > c.opts.HistoryLimit {
		c.txs = c.txs[:c.opts.HistoryLimit]
	}
	p := &Pending{initial: *tx, done: make(chan struct{})}
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "purchase pending",
		"placeholder_id", tx.ID,
		"account", tx.Account,
		"spend", spend.String(),
		"estimated_receive", tx.ReceiveAmount.String(),
	)

	go c.settle(ctx, tx, p)
	return p, nil
}

// settle runs the signing path and writes the outcome into tx. The in-flight
// guard is held until the follow-up refresh has finished.
func (c *Controller) settle(ctx context.Context, tx *Transaction, p *Pending) {
	defer close(p.done)

	id, err := c.wallet.Purchase(ctx, tx.SpendAmount)

	c.mu.Lock()
	settledAt := c.now().UTC()
	tx.SettledAt = &settledAt
	if err != nil {
		tx.Status = StatusError
		tx.Error = err.Error()
	} else {
		tx.Status = StatusSuccess
		tx.ID = id
	}
	result := *tx
	c.mu.Unlock()

	if err != nil {
		c.logger.WarnContext(ctx, "purchase failed", "placeholder_id", p.initial.ID, "error", err)
	} else {
		c.logger.InfoContext(ctx, "purchase confirmed", "tx_hash", id, "receive", tx.ReceiveAmount.String())
		if rerr := c.wallet.Refresh(ctx); rerr != nil && !errors.Is(rerr, wallet.ErrSessionChanged) {
			c.logger.WarnContext(ctx, "post-purchase refresh failed", "tx_hash", id, "error", rerr)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordPurchase(string(result.Status), settledAt.Sub(result.CreatedAt).Seconds())
	}
	c.publish(ctx, result)

	c.mu.Lock()
	if err == nil {
		c.draft = ""
	}
	c.inFlight = false
	c.mu.Unlock()

	p.result = result
	p.err = err
}

func (c *Controller) publish(ctx context.Context, tx Transaction) {
	if c.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.publisher.PublishPurchase(pubCtx, eventFromTransaction(tx)); err != nil {
		c.logger.ErrorContext(ctx, "failed to publish purchase event", "id", tx.ID, "error", err)
	}
}

func (c *Controller) reject(reason string) {
	if c.metrics != nil {
		c.metrics.RecordPurchaseRejected(reason)
	}
}

func eventFromTransaction(tx Transaction) *natspkg.PurchaseEvent {
	event := &natspkg.PurchaseEvent{
		ID:            tx.ID,
		Account:       tx.Account,
		Status:        string(tx.Status),
		SpendAmount:   tx.SpendAmount.String(),
		ReceiveAmount: tx.ReceiveAmount.String(),
		Price:         tx.Price.String(),
		Error:         tx.Error,
		CreatedAt:     tx.CreatedAt,
		PublishedAt:   time.Now().UTC(),
	}
	if tx.SettledAt != nil {
		event.SettledAt = *tx.SettledAt
	}
	return event
}
