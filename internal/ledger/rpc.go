// Package ledger submits settlement transactions to a JSON-RPC blockchain
// endpoint.
//
// The package splits three ways:
//   - rpc.go:       thin JSON-RPC 2.0 transport over a retrying HTTP client
//   - contracts.go: deployment manifest + ABI encoding for the four logical
//     contracts (registry, request, auction, facade)
//   - client.go:    the submitter/watcher pair that serializes nonces,
//     bounds in-flight transactions, and reports outcomes
//
// The core depends only on six RPC methods: eth_chainId, eth_blockNumber,
// eth_getTransactionCount, eth_estimateGas, eth_sendRawTransaction, and
// eth_getTransactionReceipt. It never consumes contract events.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-resty/resty/v2"
)

// rpcError is a JSON-RPC 2.0 error object. Nodes put revert and nonce
// diagnostics in Message.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpcClient is the JSON-RPC transport. The underlying resty client retries
// transport errors and 5xx responses on its own; JSON-RPC-level errors are
// passed up for the ledger client to classify.
type rpcClient struct {
	http   *resty.Client
	nextID atomic.Uint64
}

func newRPCClient(url string, timeout time.Duration) *rpcClient {
	httpClient := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &rpcClient{http: httpClient}
}

// call performs one JSON-RPC request, decoding the result into out when out
// is non-nil. A "null" result with no error leaves out untouched and
// returns errNullResult.
func (c *rpcClient) call(ctx context.Context, method string, params []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	if req.Params == nil {
		req.Params = []any{}
	}

	var rpcResp rpcResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&rpcResp).
		Post("")
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode(), resp.String())
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: %w", method, rpcResp.Error)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errNullResult
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

var errNullResult = fmt.Errorf("null result")

// ————————————————————————————————————————————————————————————————————————
// Typed helpers over the six methods the core relies on
// ————————————————————————————————————————————————————————————————————————

func (c *rpcClient) chainID(ctx context.Context) (*big.Int, error) {
	var hex string
	if err := c.call(ctx, "eth_chainId", nil, &hex); err != nil {
		return nil, err
	}
	return hexutil.DecodeBig(hex)
}

func (c *rpcClient) blockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := c.call(ctx, "eth_blockNumber", nil, &hex); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(hex)
}

// pendingNonce returns the account's next nonce including pending txs.
func (c *rpcClient) pendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var hex string
	if err := c.call(ctx, "eth_getTransactionCount", []any{addr.Hex(), "pending"}, &hex); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(hex)
}

func (c *rpcClient) suggestGasPrice(ctx context.Context) (*big.Int, error) {
	var hex string
	if err := c.call(ctx, "eth_gasPrice", nil, &hex); err != nil {
		return nil, err
	}
	return hexutil.DecodeBig(hex)
}

func (c *rpcClient) estimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	msg := map[string]string{
		"from": from.Hex(),
		"to":   to.Hex(),
		"data": hexutil.Encode(data),
	}
	var hex string
	if err := c.call(ctx, "eth_estimateGas", []any{msg}, &hex); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(hex)
}

// sendRawTransaction broadcasts a signed, RLP-encoded transaction and
// returns its hash.
func (c *rpcClient) sendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var hash string
	if err := c.call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(raw)}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// txReceipt is the subset of the receipt the core observes: success flag,
// inclusion block, and gas used.
type txReceipt struct {
	Status      hexutil.Uint64 `json:"status"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	GasUsed     hexutil.Uint64 `json:"gasUsed"`
}

// receipt fetches the receipt for a tx hash. A pending (not yet included)
// transaction returns (nil, nil).
func (c *rpcClient) receipt(ctx context.Context, hash string) (*txReceipt, error) {
	var r txReceipt
	err := c.call(ctx, "eth_getTransactionReceipt", []any{hash}, &r)
	if err == errNullResult {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ————————————————————————————————————————————————————————————————————————
// Error classification
// ————————————————————————————————————————————————————————————————————————

// isNonceTooLow detects the node rejecting a stale nonce, which the
// submitter recovers from by refetching the on-chain nonce.
func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// isRevert detects a contract revert surfaced at estimation or submission
// time. Reverts are never retried.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "execution reverted")
}
