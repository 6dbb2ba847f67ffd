package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	natspkg "github.com/brojonat/idosale/service/nats"
)

const (
	sseBufferSize = 16
	sseKeepalive  = 10 * time.Second
)

// SSEBroadcaster fans settled purchases out to connected Server-Sent Events
// clients. It implements natspkg.Publisher so it can sit next to the
// JetStream publisher behind a natspkg.Fanout.
type SSEBroadcaster struct {
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[chan *natspkg.PurchaseEvent]string // channel -> account filter
	closed bool
}

// NewSSEBroadcaster creates a broadcaster with no subscribers.
func NewSSEBroadcaster(logger *slog.Logger) *SSEBroadcaster {
	return &SSEBroadcaster{
		logger: logger,
		subs:   make(map[chan *natspkg.PurchaseEvent]string),
	}
}

// PublishPurchase delivers event to every matching subscriber. A subscriber
// whose buffer is full misses the event rather than stalling the others.
func (b *SSEBroadcaster) PublishPurchase(ctx context.Context, event *natspkg.PurchaseEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch, account := range b.subs {
		if account != "" && !strings.EqualFold(account, event.Account) {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.WarnContext(ctx, "SSE client too slow, dropping purchase event", "id", event.ID)
		}
	}
	return nil
}

// Close disconnects all clients.
func (b *SSEBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.logger.Info("SSE broadcaster closed")
	return nil
}

// Subscribers returns the number of connected clients.
func (b *SSEBroadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *SSEBroadcaster) subscribe(account string) (<-chan *natspkg.PurchaseEvent, func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, false
	}
	ch := make(chan *natspkg.PurchaseEvent, sseBufferSize)
	b.subs[ch] = account
	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, true
}

// handleStreamPurchases streams settled purchases as SSE.
// GET /api/v1/stream/purchases[/{account}]
func handleStreamPurchases(b *SSEBroadcaster, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account := r.PathValue("account")
		accountDesc := account
		if accountDesc == "" {
			accountDesc = "all accounts"
		}

		events, unsubscribe, ok := b.subscribe(account)
		if !ok {
			writeError(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer unsubscribe()

		rc := http.NewResponseController(w)
		// Streams outlive the server write timeout.
		_ = rc.SetWriteDeadline(time.Time{})

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		fmt.Fprintf(w, "event: connected\ndata: {\"account\":%q}\n\n", accountDesc)
		_ = rc.Flush()

		logger.DebugContext(r.Context(), "SSE client connected",
			"account", accountDesc,
			"remote_addr", r.RemoteAddr,
		)

		keepalive := time.NewTicker(sseKeepalive)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				_ = rc.Flush()

			case event, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.WarnContext(r.Context(), "failed to marshal event", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: purchase\ndata: %s\n\n", data)
				_ = rc.Flush()

				logger.DebugContext(r.Context(), "sent purchase event",
					"account", accountDesc,
					"id", event.ID,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"account", accountDesc,
					"remote_addr", r.RemoteAddr,
				)
				return
			}
		}
	})
}
