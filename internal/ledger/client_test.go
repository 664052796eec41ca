package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"maas-sim/internal/config"
	"maas-sim/pkg/types"
)

// Hardhat's first well-known dev key. Never funded on a real network.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testChainID = 31337

// fakeNode is a scriptable JSON-RPC endpoint.
type fakeNode struct {
	mu               sync.Mutex
	sends            int
	nonceTooLowOnce  bool
	revertOnEstimate bool
	hugeEstimate     bool
	neverInclude     bool
}

func (n *fakeNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		n.mu.Lock()
		defer n.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")

		reply := func(result any) {
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID, "result": result,
			})
		}
		fail := func(code int, msg string) {
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": code, "message": msg},
			})
		}

		switch req.Method {
		case "eth_chainId":
			reply("0x7a69") // 31337
		case "eth_getTransactionCount":
			reply("0x7")
		case "eth_gasPrice":
			reply("0x3b9aca00") // 1 gwei
		case "eth_estimateGas":
			if n.revertOnEstimate {
				fail(3, "execution reverted: completion not authorized")
				return
			}
			if n.hugeEstimate {
				reply("0xf4240") // 1,000,000
				return
			}
			reply("0x5208") // 21,000
		case "eth_sendRawTransaction":
			n.sends++
			if n.nonceTooLowOnce {
				n.nonceTooLowOnce = false
				fail(-32000, "nonce too low")
				return
			}
			reply("0xabc123")
		case "eth_blockNumber":
			reply("0x20")
		case "eth_getTransactionReceipt":
			if n.neverInclude {
				reply(nil)
				return
			}
			reply(map[string]any{
				"status":      "0x1",
				"blockNumber": "0x10",
				"gasUsed":     "0x5208",
			})
		default:
			fail(-32601, "method not found")
		}
	}
}

func testConfig(url string) config.LedgerConfig {
	return config.LedgerConfig{
		RPCURL:             url,
		ChainID:            testChainID,
		SigningKey:         testKey,
		GasPolicy:          "fixed",
		GasPriceWei:        1_000_000_000,
		GasLimit:           100_000,
		MaxBatchSize:       4,
		ConfirmationBlocks: 1,
		PollInterval:       10 * time.Millisecond,
		RPCTimeout:         2 * time.Second,
		ConfirmTimeout:     time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  10 * time.Millisecond,
			BackoffFactor: 2.0,
		},
		Contracts: config.ContractsConfig{
			Registry: "0x0000000000000000000000000000000000000001",
			Request:  "0x0000000000000000000000000000000000000002",
			Auction:  "0x0000000000000000000000000000000000000003",
		},
	}
}

func connectTest(t *testing.T, node *fakeNode, mutate func(*config.LedgerConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(node.handler())
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func submitConfirmCompletion(t *testing.T, c *Client) string {
	t.Helper()
	txID, err := c.Submit(context.Background(), Call{
		Method: MethodConfirmCompletion,
		Args:   []any{"req-1"},
		Origin: "match",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return txID
}

func TestSubmitAndConfirm(t *testing.T) {
	t.Parallel()
	c := connectTest(t, &fakeNode{}, nil)

	txID := submitConfirmCompletion(t, c)
	rcpt, err := c.Await(context.Background(), txID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if rcpt.State != TxConfirmed {
		t.Fatalf("state = %s (%s), want confirmed", rcpt.State, rcpt.Err)
	}
	if rcpt.TxHash != "0xabc123" {
		t.Errorf("hash = %s, want 0xabc123", rcpt.TxHash)
	}
	if rcpt.GasUsed != 21_000 {
		t.Errorf("gas used = %d, want 21000", rcpt.GasUsed)
	}

	stats := c.Stats()
	if stats.Confirmed != 1 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want 1 confirmed", stats)
	}
	if stats.TotalGasUsed != 21_000 {
		t.Errorf("total gas = %d, want 21000", stats.TotalGasUsed)
	}
}

func TestRevertIsNotRetried(t *testing.T) {
	t.Parallel()
	node := &fakeNode{revertOnEstimate: true}
	c := connectTest(t, node, nil)

	txID := submitConfirmCompletion(t, c)
	rcpt, err := c.Await(context.Background(), txID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if rcpt.State != TxFailed || rcpt.FailKind != types.KindRevert {
		t.Fatalf("receipt = %s/%s, want failed/revert", rcpt.State, rcpt.FailKind)
	}

	node.mu.Lock()
	sends := node.sends
	node.mu.Unlock()
	if sends != 0 {
		t.Errorf("%d raw transactions broadcast after a revert, want 0", sends)
	}
}

func TestGasCeiling(t *testing.T) {
	t.Parallel()
	c := connectTest(t, &fakeNode{hugeEstimate: true}, nil)

	txID := submitConfirmCompletion(t, c)
	rcpt, err := c.Await(context.Background(), txID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if rcpt.State != TxFailed || rcpt.FailKind != types.KindGasExceeds {
		t.Fatalf("receipt = %s/%s, want failed/gas_exceeds", rcpt.State, rcpt.FailKind)
	}

	// A failure before broadcast still counts as a submission, so the
	// totals reconcile.
	stats := c.Stats()
	if stats.Failed != 1 || stats.Submitted != 1 {
		t.Errorf("stats = %d submitted / %d failed, want 1/1", stats.Submitted, stats.Failed)
	}
	if stats.Submitted < stats.Confirmed+stats.Failed {
		t.Errorf("submitted %d < confirmed %d + failed %d",
			stats.Submitted, stats.Confirmed, stats.Failed)
	}
}

func TestNonceResync(t *testing.T) {
	t.Parallel()
	node := &fakeNode{nonceTooLowOnce: true}
	c := connectTest(t, node, nil)

	txID := submitConfirmCompletion(t, c)
	rcpt, err := c.Await(context.Background(), txID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if rcpt.State != TxConfirmed {
		t.Fatalf("state = %s (%s), want confirmed after resync", rcpt.State, rcpt.Err)
	}
	if got := c.Stats().NonceResyncs; got != 1 {
		t.Errorf("nonce resyncs = %d, want 1", got)
	}
}

func TestBackpressureBlocksSubmit(t *testing.T) {
	t.Parallel()
	node := &fakeNode{neverInclude: true}
	c := connectTest(t, node, func(cfg *config.LedgerConfig) {
		cfg.MaxBatchSize = 1
		cfg.ConfirmTimeout = time.Minute // keep the slot occupied
	})

	submitConfirmCompletion(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Submit(ctx, Call{Method: MethodConfirmCompletion, Args: []any{"req-2"}})
	if !types.IsKind(err, types.KindCancelled) {
		t.Fatalf("second submit = %v, want cancelled by backpressure", err)
	}
}

func TestConfirmTimeout(t *testing.T) {
	t.Parallel()
	node := &fakeNode{neverInclude: true}
	c := connectTest(t, node, func(cfg *config.LedgerConfig) {
		cfg.ConfirmTimeout = 50 * time.Millisecond
	})

	txID := submitConfirmCompletion(t, c)
	rcpt, err := c.Await(context.Background(), txID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if rcpt.State != TxFailed || rcpt.FailKind != types.KindTimeout {
		t.Fatalf("receipt = %s/%s, want failed/timeout", rcpt.State, rcpt.FailKind)
	}
}

func TestDryRunConfirmsInstantly(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig("http://unused.invalid")
	cfg.DryRun = true
	c, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Shutdown)

	txID := submitConfirmCompletion(t, c)
	rcpt, err := c.Await(context.Background(), txID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if rcpt.State != TxConfirmed {
		t.Fatalf("state = %s, want confirmed", rcpt.State)
	}
	if rcpt.TxHash == "" {
		t.Error("dry-run receipt carries no hash")
	}
}

func TestChainIDMismatch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer((&fakeNode{}).handler())
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.ChainID = 1 // endpoint reports 31337
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := Connect(context.Background(), cfg, logger); !types.IsKind(err, types.KindConnectFail) {
		t.Fatalf("Connect = %v, want connect_fail", err)
	}
}

func TestAwaitUnknownTx(t *testing.T) {
	t.Parallel()
	c := connectTest(t, &fakeNode{}, nil)
	if _, err := c.Await(context.Background(), "no-such-tx"); !types.IsKind(err, types.KindNotFound) {
		t.Fatalf("Await = %v, want not_found", err)
	}
}

func TestSubmitAfterShutdownRejected(t *testing.T) {
	t.Parallel()
	c := connectTest(t, &fakeNode{}, nil)
	c.Shutdown()

	_, err := c.Submit(context.Background(), Call{Method: MethodConfirmCompletion, Args: []any{"req-1"}})
	if !types.IsKind(err, types.KindConnectFail) {
		t.Fatalf("Submit after shutdown = %v, want connect_fail", err)
	}

	// Nothing may linger in a non-terminal state where an Await would hang.
	stats := c.Stats()
	if stats.Queued != 0 || stats.InFlight != 0 {
		t.Errorf("stats = %d queued / %d in flight after shutdown, want 0/0", stats.Queued, stats.InFlight)
	}
}
