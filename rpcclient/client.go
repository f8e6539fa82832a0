// Package rpcclient wraps the untrusted upstream JSON-RPC
// endpoint: single and batched requests with per-request
// retry, an unsupported-method short-circuit, and decoding of
// the handful of eth_* responses the verification components
// need.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"verityrpc/internal/log"
	"verityrpc/mpt"
)

// maxAttempts is the number of times a single request, or the
// still-failing subset of a batch, is retried before giving up.
const maxAttempts = 5

// methodNotFoundCode is the JSON-RPC 2.0 error code upstreams
// use to report that a method does not exist.
const methodNotFoundCode = -32601

// ErrUnsupportedMethod is returned synchronously, without any
// network I/O, when a request targets a method the upstream
// has been configured not to support.
var ErrUnsupportedMethod = errors.New("rpcclient: method not supported by the provider")

// Client is a typed wrapper over an untrusted upstream
// JSON-RPC endpoint.
type Client struct {
	rpc *rpc.Client
	log log.Logger

	unsupported map[string]bool
	batching    bool

	maxConnsPerHost int
}

// Option configures a Client at construction.
type Option func(*Client)

// WithUnsupportedMethods marks the given method names as
// unsupported by the upstream; requests naming them fail
// synchronously without any network I/O.
func WithUnsupportedMethods(methods ...string) Option {
	return func(c *Client) {
		for _, m := range methods {
			c.unsupported[m] = true
		}
	}
}

// WithBatchingDisabled makes RequestBatch replay its elements
// as sequential Request calls, for upstreams that don't
// support JSON-RPC batching.
func WithBatchingDisabled() Option {
	return func(c *Client) {
		c.batching = false
	}
}

// WithMaxConnsPerHost bounds the number of concurrent HTTP
// connections the client keeps open to the upstream, sharing one
// pool with keep-alive across every request the client makes. It
// has no effect on a non-HTTP upstream (e.g. a ws:// or ipc
// endpoint, which have no connection pool to bound).
func WithMaxConnsPerHost(n int) Option {
	return func(c *Client) {
		c.maxConnsPerHost = n
	}
}

// defaultMaxConnsPerHost is the upstream socket bound applied when
// the caller doesn't override it with WithMaxConnsPerHost.
const defaultMaxConnsPerHost = 10

// NewClient dials the upstream JSON-RPC endpoint at url.
func NewClient(ctx context.Context, url string, logger log.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		log:             logger.With("component", "rpc-client"),
		unsupported:     make(map[string]bool),
		batching:        true,
		maxConnsPerHost: defaultMaxConnsPerHost,
	}
	for _, opt := range opts {
		opt(c)
	}

	var dialOpts []rpc.ClientOption
	if c.maxConnsPerHost > 0 {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxConnsPerHost = c.maxConnsPerHost
		transport.MaxIdleConnsPerHost = c.maxConnsPerHost
		dialOpts = append(dialOpts, rpc.WithHTTPClient(&http.Client{Transport: transport}))
	}

	rc, err := rpc.DialOptions(ctx, url, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: failed to dial %s: %w", url, err)
	}
	c.rpc = rc
	return c, nil
}

// Close shuts down the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// Raw returns the underlying go-ethereum rpc.Client, for
// collaborators (e.g. headfollower, which wraps it in an
// ethclient.Client) that need the raw connection rather than this
// package's verification-oriented convenience methods.
func (c *Client) Raw() *rpc.Client {
	return c.rpc
}

// Request issues a single JSON-RPC call, retrying transport
// and decode failures up to maxAttempts times.
func (c *Client) Request(ctx context.Context, result any, method string, args ...any) error {
	if c.unsupported[method] {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = c.rpc.CallContext(ctx, result, method, args...)
		if lastErr == nil {
			return nil
		}
		if isMethodNotFound(lastErr) {
			return fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
		}
		c.log.Debug("request failed", "method", method, "attempt", attempt, "err", lastErr)
	}
	return fmt.Errorf("rpcclient: %s failed after %d attempts: %w", method, maxAttempts, lastErr)
}

// RequestBatch issues a batch of JSON-RPC calls. Each attempt
// re-sends only the elements whose Error field is still set
// from the previous attempt, up to maxAttempts total attempts.
// If the upstream does not support batching, the batch is
// replayed as sequential Request calls in order.
func (c *Client) RequestBatch(ctx context.Context, elems []rpc.BatchElem) error {
	for _, e := range elems {
		if c.unsupported[e.Method] {
			return fmt.Errorf("%w: %s", ErrUnsupportedMethod, e.Method)
		}
	}

	if !c.batching {
		return c.requestSequential(ctx, elems)
	}

	pending := make([]int, len(elems))
	for i := range elems {
		pending[i] = i
	}
	for attempt := 1; attempt <= maxAttempts && len(pending) > 0; attempt++ {
		batch := make([]rpc.BatchElem, len(pending))
		for j, i := range pending {
			batch[j] = elems[i]
			batch[j].Error = nil
		}
		if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
			// Transport-level failure: every element in this
			// attempt failed identically.
			for j := range batch {
				batch[j].Error = err
			}
		}

		var next []int
		for j, i := range pending {
			elems[i] = batch[j]
			if batch[j].Error != nil {
				next = append(next, i)
			}
		}
		if len(next) > 0 && attempt < maxAttempts {
			c.log.Debug("retrying batch subset", "attempt", attempt, "remaining", len(next))
		}
		pending = next
	}

	return nil
}

// requestSequential replays a batch as ordered, individually
// retried Request calls.
func (c *Client) requestSequential(ctx context.Context, elems []rpc.BatchElem) error {
	for i := range elems {
		elems[i].Error = c.Request(ctx, elems[i].Result, elems[i].Method, elems[i].Args...)
	}
	return nil
}

// GetHeaderByHash fetches the header of the block with the
// given hash. It does not verify anything; verification is
// the Header & Block Verifier's job.
func (c *Client) GetHeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error) {
	var head *types.Header
	if err := c.Request(ctx, &head, "eth_getBlockByHash", hash, false); err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("rpcclient: block %s not found", hash)
	}
	return head, nil
}

// GetHeaderByNumber fetches the header of the block at the
// given number.
func (c *Client) GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	var head *types.Header
	if err := c.Request(ctx, &head, "eth_getBlockByNumber", toBlockNumArg(number), false); err != nil {
		return nil, err
	}
	if head == nil {
		return nil, fmt.Errorf("rpcclient: block %d not found", number)
	}
	return head, nil
}

// rpcBlock is the raw JSON shape of eth_getBlockBy{Hash,Number}
// with full transactions, enough to reconstruct a VerifiedBlock.
type rpcBlock struct {
	Hash         common.Hash          `json:"hash"`
	Transactions []*types.Transaction `json:"transactions"`
	UncleHashes  []common.Hash        `json:"uncles"`
}

// GetBlockByNumber fetches the full block (header + body) at
// the given number. Header and body are decoded from a single
// upstream response, so they cannot disagree with each other.
func (c *Client) GetBlockByNumber(ctx context.Context, number uint64) (*types.Header, []*types.Transaction, []common.Hash, error) {
	var raw json.RawMessage
	if err := c.Request(ctx, &raw, "eth_getBlockByNumber", toBlockNumArg(number), true); err != nil {
		return nil, nil, nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, nil, fmt.Errorf("rpcclient: block %d not found", number)
	}

	var head *types.Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, nil, nil, fmt.Errorf("rpcclient: failed to decode block header: %w", err)
	}
	var body rpcBlock
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, nil, nil, fmt.Errorf("rpcclient: failed to decode block body: %w", err)
	}
	return head, body.Transactions, body.UncleHashes, nil
}

// GetProof fetches and decodes an eth_getProof response.
func (c *Client) GetProof(ctx context.Context, address common.Address, keys []common.Hash, number uint64) (*mpt.Proof, error) {
	keyStrs := make([]string, len(keys))
	for i, k := range keys {
		keyStrs[i] = k.Hex()
	}

	var resp wireProof
	if err := c.Request(ctx, &resp, "eth_getProof", address, keyStrs, toBlockNumArg(number)); err != nil {
		return nil, err
	}
	return resp.toProof(), nil
}

// GetCode fetches the contract code at address.
func (c *Client) GetCode(ctx context.Context, address common.Address, number uint64) ([]byte, error) {
	var code []byte
	if err := c.Request(ctx, &code, "eth_getCode", address, toBlockNumArg(number)); err != nil {
		return nil, err
	}
	return code, nil
}

// CreateAccessList asks the upstream for the access list of a
// pending call.
func (c *Client) CreateAccessList(ctx context.Context, call map[string]any, number uint64) (types.AccessList, error) {
	var resp struct {
		AccessList types.AccessList `json:"accessList"`
		Error      string           `json:"error"`
	}
	if err := c.Request(ctx, &resp, "eth_createAccessList", call, toBlockNumArg(number)); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("rpcclient: eth_createAccessList: %s", resp.Error)
	}
	return resp.AccessList, nil
}

// GetLogs fetches logs matching the given filter object.
func (c *Client) GetLogs(ctx context.Context, filter map[string]any) ([]*types.Log, error) {
	var logs []*types.Log
	if err := c.Request(ctx, &logs, "eth_getLogs", filter); err != nil {
		return nil, err
	}
	return logs, nil
}

// GetBlockReceipts fetches every receipt of a block in one
// call. Callers should fall back to batched per-transaction
// eth_getTransactionReceipt on ErrUnsupportedMethod.
func (c *Client) GetBlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	var receipts []*types.Receipt
	if err := c.Request(ctx, &receipts, "eth_getBlockReceipts", toBlockNumArg(number)); err != nil {
		return nil, err
	}
	return receipts, nil
}

// GetTransactionReceipts fetches receipts for the given
// transaction hashes via a single batch.
func (c *Client) GetTransactionReceipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error) {
	elems := make([]rpc.BatchElem, len(hashes))
	receipts := make([]*types.Receipt, len(hashes))
	for i, h := range hashes {
		elems[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []any{h},
			Result: &receipts[i],
		}
	}

	if err := c.RequestBatch(ctx, elems); err != nil {
		return nil, err
	}
	for i, e := range elems {
		if e.Error != nil {
			return nil, fmt.Errorf("rpcclient: eth_getTransactionReceipt(%s): %w", hashes[i], e.Error)
		}
	}
	return receipts, nil
}

// SendRawTransaction forwards a raw signed transaction opaquely.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	var hash common.Hash
	if err := c.Request(ctx, &hash, "eth_sendRawTransaction", hexEncode(raw)); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// isMethodNotFound reports whether err is a JSON-RPC error
// carrying the standard "method not found" code.
func isMethodNotFound(err error) bool {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr.ErrorCode() == methodNotFoundCode
	}
	return false
}

func hexEncode(b []byte) string {
	return "0x" + common.Bytes2Hex(b)
}

// toBlockNumArg renders a block number the way
// eth_getBlockBy{Hash,Number} and friends expect it.
func toBlockNumArg(number uint64) string {
	return fmt.Sprintf("0x%x", new(big.Int).SetUint64(number))
}

// wireProof is the raw JSON shape of eth_getProof.
type wireProof struct {
	Address      common.Address    `json:"address"`
	Balance      *hexutil.Big      `json:"balance"`
	Nonce        *hexutil.Uint64   `json:"nonce"`
	CodeHash     common.Hash       `json:"codeHash"`
	StorageHash  common.Hash       `json:"storageHash"`
	AccountProof []string          `json:"accountProof"`
	StorageProof []wireStorageItem `json:"storageProof"`
}

type wireStorageItem struct {
	Key   common.Hash  `json:"key"`
	Value *hexutil.Big `json:"value"`
	Proof []string     `json:"proof"`
}

func (w *wireProof) toProof() *mpt.Proof {
	p := &mpt.Proof{
		Address:      w.Address,
		CodeHash:     w.CodeHash,
		StorageHash:  w.StorageHash,
		AccountProof: w.AccountProof,
	}
	if w.Balance != nil {
		p.Balance = (*big.Int)(w.Balance)
	} else {
		p.Balance = new(big.Int)
	}
	if w.Nonce != nil {
		p.Nonce = uint64(*w.Nonce)
	}
	p.StorageProof = make([]mpt.StorageProof, len(w.StorageProof))
	for i, sp := range w.StorageProof {
		entry := mpt.StorageProof{Key: sp.Key, Proof: sp.Proof}
		if sp.Value != nil {
			entry.Value = (*big.Int)(sp.Value)
		}
		p.StorageProof[i] = entry
	}
	return p
}
