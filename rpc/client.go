// Package rpc implements payguard.LedgerClient against a ledger node's
// HTTP RPC endpoint.
//
// Every call carries a hard timeout and a bounded exponential-backoff
// retry. Definitive upstream rejections (4xx-equivalent, including
// application-level error replies) are never retried; timeouts, transport
// errors and 5xx-equivalent failures are retried up to the configured
// attempt count. Reads go through a short-TTL cache keyed by
// (operation, address, count).
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"time"

	payguard "github.com/meshpay/payguard"
)

// Defaults applied by NewClient.
const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultCacheTTL   = 5 * time.Second
)

// Client reads ledger state from a node's HTTP RPC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	cache      *readCache
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call hard timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRetries sets the retry budget: up to maxRetries additional attempts,
// the first after baseDelay, doubling each attempt.
func WithRetries(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
	}
}

// WithCacheTTL sets how long reads are served from cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cache = newReadCache(ttl) }
}

// WithoutCache disables the read cache; every call hits the node.
func WithoutCache() Option {
	return func(c *Client) { c.cache = nil }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// NewClient creates a ledger RPC client for the given node endpoint.
func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		cache:      newReadCache(DefaultCacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ payguard.LedgerClient = (*Client)(nil)

// ============================================================================
// Wire types
// ============================================================================

type historyResponse struct {
	History []historyEntry `json:"history"`
	Error   string         `json:"error,omitempty"`
}

type historyEntry struct {
	Hash           string `json:"hash"`
	Type           string `json:"type"`
	Account        string `json:"account"`
	Amount         string `json:"amount"`
	LocalTimestamp string `json:"local_timestamp"`
	Confirmed      string `json:"confirmed"`
}

type pendingResponse struct {
	Blocks map[string]pendingEntry `json:"blocks"`
	Error  string                  `json:"error,omitempty"`
}

type pendingEntry struct {
	Amount string `json:"amount"`
	Source string `json:"source"`
}

type accountInfoResponse struct {
	Balance           string `json:"balance"`
	Pending           string `json:"pending"`
	BlockCount        string `json:"block_count"`
	ModifiedTimestamp string `json:"modified_timestamp"`
	Error             string `json:"error,omitempty"`
}

// ============================================================================
// Operations
// ============================================================================

// History returns up to count entries of the account's history, newest first.
func (c *Client) History(ctx context.Context, address string, count int) ([]payguard.Transaction, error) {
	key := cacheKey{op: "account_history", address: address, count: count}
	if cached, ok := c.cacheGet(key); ok {
		return cached.([]payguard.Transaction), nil
	}

	var resp historyResponse
	req := map[string]any{"action": "account_history", "account": address, "count": count}
	if err := c.do(ctx, req, &resp, &resp.Error); err != nil {
		return nil, err
	}

	txs := make([]payguard.Transaction, 0, len(resp.History))
	for _, e := range resp.History {
		amount, ok := new(big.Int).SetString(e.Amount, 10)
		if !ok {
			return nil, payguard.Errorf(payguard.CodeRpcError, "unparseable amount %q in history for %s", e.Amount, address)
		}
		ts, _ := strconv.ParseInt(e.LocalTimestamp, 10, 64)
		txs = append(txs, payguard.Transaction{
			Hash:      e.Hash,
			Type:      e.Type,
			Amount:    amount,
			Sender:    e.Account,
			Timestamp: time.Unix(ts, 0),
			Confirmed: e.Confirmed != "false",
		})
	}
	c.cacheSet(key, txs)
	return txs, nil
}

// PendingTransactions returns unconfirmed transfers to the address.
func (c *Client) PendingTransactions(ctx context.Context, address string, count int) ([]payguard.PendingTransaction, error) {
	key := cacheKey{op: "pending", address: address, count: count}
	if cached, ok := c.cacheGet(key); ok {
		return cached.([]payguard.PendingTransaction), nil
	}

	var resp pendingResponse
	req := map[string]any{"action": "pending", "account": address, "count": count, "source": true}
	if err := c.do(ctx, req, &resp, &resp.Error); err != nil {
		return nil, err
	}

	pendings := make([]payguard.PendingTransaction, 0, len(resp.Blocks))
	for hash, entry := range resp.Blocks {
		amount, ok := new(big.Int).SetString(entry.Amount, 10)
		if !ok {
			return nil, payguard.Errorf(payguard.CodeRpcError, "unparseable amount %q in pending block %s", entry.Amount, hash)
		}
		pendings = append(pendings, payguard.PendingTransaction{Hash: hash, Amount: amount, Sender: entry.Source})
	}
	// Map iteration order is random; keep results deterministic.
	sort.Slice(pendings, func(i, j int) bool { return pendings[i].Hash < pendings[j].Hash })
	c.cacheSet(key, pendings)
	return pendings, nil
}

// AccountInfo returns the account summary, or ErrNotFound for an account
// the ledger has never seen.
func (c *Client) AccountInfo(ctx context.Context, address string) (*payguard.AccountInfo, error) {
	key := cacheKey{op: "account_info", address: address}
	if cached, ok := c.cacheGet(key); ok {
		return cached.(*payguard.AccountInfo), nil
	}

	var resp accountInfoResponse
	req := map[string]any{"action": "account_info", "account": address, "pending": true}
	err := c.do(ctx, req, &resp, &resp.Error)
	if err != nil {
		var perr *payguard.Error
		if errors.As(err, &perr) && perr.Code == payguard.CodeRpcError && resp.Error == "Account not found" {
			return nil, payguard.Errorf(payguard.CodeNotFound, "account %s not found", address)
		}
		return nil, err
	}

	balance, ok := new(big.Int).SetString(resp.Balance, 10)
	if !ok {
		return nil, payguard.Errorf(payguard.CodeRpcError, "unparseable balance %q for %s", resp.Balance, address)
	}
	pending := new(big.Int)
	if resp.Pending != "" {
		if pending, ok = new(big.Int).SetString(resp.Pending, 10); !ok {
			return nil, payguard.Errorf(payguard.CodeRpcError, "unparseable pending balance %q for %s", resp.Pending, address)
		}
	}
	blocks, _ := strconv.Atoi(resp.BlockCount)
	modified, _ := strconv.ParseInt(resp.ModifiedTimestamp, 10, 64)

	info := &payguard.AccountInfo{
		Balance:    balance,
		Pending:    pending,
		BlockCount: blocks,
		Modified:   time.Unix(modified, 0),
	}
	c.cacheSet(key, info)
	return info, nil
}

// ClearCache drops cached reads for the address so the next call hits the
// node.
func (c *Client) ClearCache(address string) {
	if c.cache != nil {
		c.cache.clearAddress(address)
	}
}

func (c *Client) cacheGet(key cacheKey) (any, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.get(key)
}

func (c *Client) cacheSet(key cacheKey, value any) {
	if c.cache != nil {
		c.cache.set(key, value)
	}
}

// ============================================================================
// Transport
// ============================================================================

// do posts the request with retries. appErr points at the decoded reply's
// error field; a non-empty value is a definitive upstream rejection and is
// not retried.
func (c *Client) do(ctx context.Context, body map[string]any, out any, appErr *string) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return payguard.Errorf(payguard.CodeRpcError, "encode rpc request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.baseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return payguard.Errorf(payguard.CodeRpcTimeout, "rpc retry aborted: %w", ctx.Err())
			}
		}

		err, retryable := c.once(ctx, payload, out, appErr)
		if err == nil {
			return nil
		}
		if !retryable {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) once(ctx context.Context, payload []byte, out any, appErr *string) (error, bool) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return payguard.Errorf(payguard.CodeRpcError, "create rpc request: %w", err), false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
			return payguard.Errorf(payguard.CodeRpcTimeout, "rpc call exceeded %s: %w", c.timeout, err), true
		}
		return payguard.Errorf(payguard.CodeRpcError, "rpc transport: %w", err), true
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return payguard.Errorf(payguard.CodeRpcError, "node returned %s", resp.Status), true
	}
	if resp.StatusCode != http.StatusOK {
		return payguard.Errorf(payguard.CodeRpcError, "node returned %s", resp.Status), false
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return payguard.Errorf(payguard.CodeRpcError, "read rpc response: %w", err), true
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return payguard.Errorf(payguard.CodeRpcError, "decode rpc response: %w", err), false
	}
	if appErr != nil && *appErr != "" {
		return payguard.Errorf(payguard.CodeRpcError, "node error: %s", *appErr), false
	}
	return nil, false
}
