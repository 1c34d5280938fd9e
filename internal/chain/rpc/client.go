// Package rpc is a minimal JSON-RPC client for the handful of node methods
// the engine needs: blockhash fetch, send, simulate, and status polling.
//
// Requests are throttled by a shared rate limiter so a burst of due tasks
// cannot hammer the node.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"slotwork/internal/chain"
	logx "slotwork/pkg/logx"
)

// JSON-RPC server error codes the engine cares about.
const (
	codeMinContextSlotNotReached = -32016
	codeBlockhashNotFound        = -32002
)

type Config struct {
	URL        string
	Timeout    time.Duration // per-request timeout
	RatePerSec int           // 0 disables throttling
}

type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	seq     atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc: url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		url:     cfg.URL,
		http:    &http.Client{Timeout: timeout},
		limiter: lim,
		log:     log,
	}, nil
}

// Error is a JSON-RPC error response.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// IsMinContextSlotNotReached reports whether the node has not yet processed
// the slot the request was conditioned on. Callers treat this as transient.
func IsMinContextSlotNotReached(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == codeMinContextSlotNotReached
}

// IsBlockhashNotFound reports whether the referenced blockhash has aged out.
func IsBlockhashNotFound(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Code == codeBlockhashNotFound
}

// IsRPCError reports whether err carries a JSON-RPC error response
// (as opposed to a transport-level failure).
func IsRPCError(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(request{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("rpc %s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("rpc %s: read: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: http %d", method, resp.StatusCode)
	}

	var r response
	if err := json.Unmarshal(raw, &r); err != nil {
		return fmt.Errorf("rpc %s: decode: %w", method, err)
	}
	if r.Error != nil {
		return fmt.Errorf("rpc %s: %w", method, r.Error)
	}
	c.log.Trace("rpc call", logx.String("method", method), logx.Duration("took", time.Since(start)))

	if out != nil {
		if err := json.Unmarshal(r.Result, out); err != nil {
			return fmt.Errorf("rpc %s: result: %w", method, err)
		}
	}
	return nil
}

// contextValue is the {context:{slot},value:...} wrapper most methods return.
type contextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// Blockhash is a recent blockhash with its expiry boundary.
type Blockhash struct {
	Hash                 chain.Hash
	LastValidBlockHeight uint64
}

func (c *Client) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	var out contextValue[struct {
		Blockhash            string `json:"blockhash"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}]
	params := []any{map[string]any{"commitment": "confirmed"}}
	if err := c.call(ctx, "getLatestBlockhash", params, &out); err != nil {
		return Blockhash{}, err
	}
	h, err := chain.ParseHash(out.Value.Blockhash)
	if err != nil {
		return Blockhash{}, err
	}
	return Blockhash{Hash: h, LastValidBlockHeight: out.Value.LastValidBlockHeight}, nil
}

func (c *Client) GetBlockHeight(ctx context.Context) (uint64, error) {
	var out uint64
	params := []any{map[string]any{"commitment": "confirmed"}}
	if err := c.call(ctx, "getBlockHeight", params, &out); err != nil {
		return 0, err
	}
	return out, nil
}

// SendTransaction submits a signed transaction and returns its signature.
func (c *Client) SendTransaction(ctx context.Context, tx *chain.Transaction, skipPreflight bool) (chain.Signature, error) {
	var out string
	params := []any{
		tx.Base64(),
		map[string]any{"encoding": "base64", "skipPreflight": skipPreflight, "maxRetries": 0},
	}
	if err := c.call(ctx, "sendTransaction", params, &out); err != nil {
		return chain.Signature{}, err
	}
	return chain.ParseSignature(out)
}

// SimulateOpts tunes transaction simulation.
type SimulateOpts struct {
	// ReplaceRecentBlockhash lets the node substitute a current blockhash so
	// a stale one doesn't fail the simulation itself.
	ReplaceRecentBlockhash bool
	// MinContextSlot rejects simulation against state older than the slot the
	// due decision was made at.
	MinContextSlot uint64
}

// SimResult is the node's view of a simulated execution.
type SimResult struct {
	Err           json.RawMessage `json:"err"`
	Logs          []string        `json:"logs"`
	UnitsConsumed uint64          `json:"unitsConsumed"`
}

// Failed reports whether the simulated execution errored.
func (r SimResult) Failed() bool {
	return len(r.Err) > 0 && string(r.Err) != "null"
}

func (c *Client) SimulateTransaction(ctx context.Context, tx *chain.Transaction, opts SimulateOpts) (SimResult, error) {
	cfg := map[string]any{
		"encoding":   "base64",
		"sigVerify":  false,
		"commitment": "processed",
	}
	if opts.ReplaceRecentBlockhash {
		cfg["replaceRecentBlockhash"] = true
	}
	if opts.MinContextSlot > 0 {
		cfg["minContextSlot"] = opts.MinContextSlot
	}
	var out contextValue[SimResult]
	if err := c.call(ctx, "simulateTransaction", []any{tx.Base64(), cfg}, &out); err != nil {
		return SimResult{}, err
	}
	return out.Value, nil
}

// SignatureStatus is the confirmation state of a submitted transaction.
// A nil entry in the response means the node does not know the signature
// (still in flight, or expired unconfirmed).
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction landed with an execution error.
func (s *SignatureStatus) Failed() bool {
	return s != nil && len(s.Err) > 0 && string(s.Err) != "null"
}

func (c *Client) GetSignatureStatuses(ctx context.Context, sigs ...chain.Signature) ([]*SignatureStatus, error) {
	strs := make([]string, len(sigs))
	for i, s := range sigs {
		strs[i] = s.String()
	}
	var out contextValue[[]*SignatureStatus]
	params := []any{strs, map[string]any{"searchTransactionHistory": false}}
	if err := c.call(ctx, "getSignatureStatuses", params, &out); err != nil {
		return nil, err
	}
	return out.Value, nil
}
