package chain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/idosale/service/metrics"
	"github.com/brojonat/idosale/service/wallet"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DialFunc opens a Backend for an RPC URL.
type DialFunc func(ctx context.Context, rpcURL string) (Backend, error)

// Dial connects to a JSON-RPC node with ethclient.
func Dial(ctx context.Context, rpcURL string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// Detector finds the configured provider. A provider is present when a key
// is configured and the node is reachable; the first successful detection is
// cached.
type Detector struct {
	RPCURL    string
	Contracts Contracts
	Keys      KeySource
	Dial      DialFunc
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	mu       sync.Mutex
	provider *Provider
}

// Detect implements wallet.Detector.
func (d *Detector) Detect(ctx context.Context) (wallet.Provider, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.provider != nil {
		return d.provider, true
	}
	if !d.Keys.Configured() || d.RPCURL == "" {
		return nil, false
	}

	dial := d.Dial
	if dial == nil {
		dial = Dial
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := dial(ctx, d.RPCURL)
	if err != nil {
		logger.WarnContext(ctx, "failed to dial RPC node", "error", err)
		return nil, false
	}

	d.provider = NewProvider(backend, d.Contracts, d.Keys, d.Metrics, logger)
	return d.provider, true
}
