package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	natspkg "github.com/brojonat/idosale/service/nats"
	"github.com/shopspring/decimal"
)

// Session is the server's wallet session.
type Session struct {
	Connected    bool   `json:"connected"`
	Connecting   bool   `json:"connecting"`
	Account      string `json:"account,omitempty"`
	ShortAccount string `json:"short_account,omitempty"`
	LastError    string `json:"last_error,omitempty"`
	Notice       string `json:"notice,omitempty"`
}

// Sale is the cached sale snapshot with its display strings.
type Sale struct {
	TotalSupply         decimal.Decimal   `json:"total_supply"`
	TokensSold          decimal.Decimal   `json:"tokens_sold"`
	TokensRemaining     decimal.Decimal   `json:"tokens_remaining"`
	UserTokenBalance    decimal.Decimal   `json:"user_token_balance"`
	UserNativeBalance   decimal.Decimal   `json:"user_native_balance"`
	TokensPerUnit       decimal.Decimal   `json:"tokens_per_unit"`
	Price               decimal.Decimal   `json:"price"`
	MinContribution     decimal.Decimal   `json:"min_contribution"`
	MaxContribution     decimal.Decimal   `json:"max_contribution"`
	UserContribution    decimal.Decimal   `json:"user_contribution"`
	UserTokensPurchased decimal.Decimal   `json:"user_tokens_purchased"`
	StartsAt            time.Time         `json:"starts_at"`
	EndsAt              time.Time         `json:"ends_at"`
	Paused              bool              `json:"paused"`
	UseWhitelist        bool              `json:"use_whitelist"`
	Whitelisted         bool              `json:"whitelisted"`
	FetchedAt           time.Time         `json:"fetched_at"`
	ProgressPercent     decimal.Decimal   `json:"progress_percent"`
	Active              bool              `json:"active"`
	Display             map[string]string `json:"display"`
}

// Quote is the estimate for a spend amount.
type Quote struct {
	SpendAmount   decimal.Decimal   `json:"spend_amount"`
	ReceiveAmount decimal.Decimal   `json:"receive_amount"`
	Price         decimal.Decimal   `json:"price"`
	Display       map[string]string `json:"display"`
}

// Transaction is one purchase attempt.
type Transaction struct {
	ID            string          `json:"id"`
	Status        string          `json:"status"` // pending, success, error
	SpendAmount   decimal.Decimal `json:"spend_amount"`
	ReceiveAmount decimal.Decimal `json:"receive_amount"`
	Price         decimal.Decimal `json:"price"`
	Account       string          `json:"account"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// Purchases is the transaction log.
type Purchases struct {
	Transactions []Transaction `json:"transactions"`
	Count        int           `json:"count"`
	InFlight     bool          `json:"in_flight"`
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// Client is the HTTP client for the idosale service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client. Purchases submitted with wait=true can take
// as long as a block confirmation, so the default timeout is generous.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health returns nil if the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// Version returns the server build version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, "GET", "/version", nil, &out, http.StatusOK); err != nil {
		return "", err
	}
	return out.Version, nil
}

// Session returns the wallet session.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, "GET", "/api/v1/session", nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// Connect asks the server to authorize its wallet.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, "POST", "/api/v1/session/connect", nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet connected", "account", s.Account)
	return &s, nil
}

// Disconnect resets the server's session. The returned session carries the
// revocation notice.
func (c *Client) Disconnect(ctx context.Context) (*Session, error) {
	var s Session
	if err := c.do(ctx, "POST", "/api/v1/session/disconnect", nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// ClearError dismisses the session's last error.
func (c *Client) ClearError(ctx context.Context) error {
	return c.do(ctx, "DELETE", "/api/v1/session/error", nil, nil, http.StatusNoContent)
}

// Sale returns the cached snapshot.
func (c *Client) Sale(ctx context.Context) (*Sale, error) {
	var s Sale
	if err := c.do(ctx, "GET", "/api/v1/sale", nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// Refresh re-reads the sale and returns the new snapshot.
func (c *Client) Refresh(ctx context.Context) (*Sale, error) {
	var s Sale
	if err := c.do(ctx, "POST", "/api/v1/sale/refresh", nil, &s, http.StatusOK); err != nil {
		return nil, err
	}
	return &s, nil
}

// Quote estimates what amount buys.
func (c *Client) Quote(ctx context.Context, amount string) (*Quote, error) {
	var q Quote
	path := "/api/v1/quote?" + url.Values{"amount": {amount}}.Encode()
	if err := c.do(ctx, "GET", path, nil, &q, http.StatusOK); err != nil {
		return nil, err
	}
	return &q, nil
}

// Buy submits a purchase. With wait set it blocks until the purchase settles;
// a settled failure is returned both as the record and as an error.
func (c *Client) Buy(ctx context.Context, amount string, wait bool) (*Transaction, error) {
	path := "/api/v1/purchases"
	if wait {
		path += "?wait=true"
	}

	var tx Transaction
	err := c.do(ctx, "POST", path, map[string]string{"amount": amount}, &tx, http.StatusOK, http.StatusAccepted)
	if err != nil {
		if tx.ID != "" {
			return &tx, err
		}
		return nil, err
	}
	c.logger.Debug("purchase submitted", "id", tx.ID, "status", tx.Status)
	return &tx, nil
}

// Purchases returns the transaction log, most recent first.
func (c *Client) Purchases(ctx context.Context) (*Purchases, error) {
	var p Purchases
	if err := c.do(ctx, "GET", "/api/v1/purchases", nil, &p, http.StatusOK); err != nil {
		return nil, err
	}
	return &p, nil
}

// StreamPurchases follows the server's purchase event stream until ctx ends
// or the server closes it. An empty account streams every account. handler
// errors stop the stream and are returned.
func (c *Client) StreamPurchases(ctx context.Context, account string, handler func(*natspkg.PurchaseEvent) error) error {
	path := c.baseURL + "/api/v1/stream/purchases"
	if account != "" {
		path += "/" + url.PathEscape(account)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any request timeout on the shared client.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event == "purchase" && data != "" {
				var pe natspkg.PurchaseEvent
				if err := json.Unmarshal([]byte(data), &pe); err != nil {
					return fmt.Errorf("failed to decode purchase event: %w", err)
				}
				if err := handler(&pe); err != nil {
					return err
				}
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("error reading stream: %w", err)
	}
	return nil
}

// do sends a JSON request and decodes the response into out. When the
// status is not one of want, the body is still decoded into out if it looks
// like a record, and an *APIError is returned.
func (c *Client) do(ctx context.Context, method, path string, in, out any, want ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if !slices.Contains(want, resp.StatusCode) {
		return c.parseErrorResponse(resp, out)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
// Failed purchases come back as a transaction record, which is decoded into
// record when given.
func (c *Client) parseErrorResponse(resp *http.Response, record ...any) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	for _, r := range record {
		if r != nil {
			_ = json.Unmarshal(body, r)
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
