package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"maas-sim/internal/config"
	"maas-sim/pkg/types"
)

// Call is one contract method invocation to settle on-chain.
type Call struct {
	Method   string // one of the Method* constants
	Args     []any  // ABI arguments in declaration order
	GasLimit uint64 // optional per-call ceiling below the configured one
	Origin   string // register|request|offer|match|segment|reservation
}

// TxState is the client-side lifecycle of a submitted call.
type TxState string

const (
	TxQueued    TxState = "queued"
	TxSubmitted TxState = "submitted"
	TxConfirmed TxState = "confirmed"
	TxFailed    TxState = "failed"
)

// Receipt is the terminal outcome of a call, observable via Await.
type Receipt struct {
	TxID        string
	State       TxState
	TxHash      string
	GasUsed     uint64
	BlockNumber uint64
	FailKind    types.Kind // revert, timeout, gas_exceeds, rpc_failed, cancelled
	Err         string
}

// txRecord is the shared state for one call. The submitter and watcher
// mutate it only through the client's mutex; done closes exactly once when
// the state turns terminal.
type txRecord struct {
	id          string
	call        Call
	state       TxState
	hash        string
	gasUsed     uint64
	block       uint64
	failKind    types.Kind
	errMsg      string
	enqueuedAt  time.Time
	submittedAt time.Time
	doneAt      time.Time
	done        chan struct{}
}

// Client is the asynchronous ledger submission layer.
//
// A single submitter goroutine drains the submit channel in FIFO order and
// owns the monotonic nonce counter, so transactions hit the endpoint in
// enqueue order. A watcher goroutine polls receipts for in-flight hashes.
// Submit never blocks on network I/O — only on backpressure when
// MaxBatchSize transactions are already in flight. Await blocks until the
// call's state is terminal.
type Client struct {
	cfg    config.LedgerConfig
	rpc    *rpcClient
	codec  *codec
	key    *ecdsa.PrivateKey
	from   common.Address
	signer gethtypes.Signer
	logger *slog.Logger

	mu           sync.Mutex
	connected    bool
	nonce        uint64 // written only by the submitter
	txs          map[string]*txRecord
	retries      int
	nonceResyncs int
	gasTotal     uint64
	confirmTotal time.Duration
	confirmCount int

	submitCh chan *txRecord
	slots    chan struct{} // one token per in-flight tx

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect dials the RPC endpoint, verifies the chain id, loads the signing
// key, fetches the account's starting nonce, and starts the submitter and
// watcher. In dry-run mode no endpoint is touched and every submission
// confirms instantly.
func Connect(ctx context.Context, cfg config.LedgerConfig, logger *slog.Logger) (*Client, error) {
	codec, err := newCodec(ManifestFromConfig(cfg.Contracts), cfg.UseFacade)
	if err != nil {
		return nil, types.Wrap(types.KindConnectFail, err, "build contract codec")
	}

	c := &Client{
		cfg:      cfg,
		codec:    codec,
		logger:   logger.With("component", "ledger"),
		txs:      make(map[string]*txRecord),
		submitCh: make(chan *txRecord, cfg.MaxBatchSize),
		slots:    make(chan struct{}, cfg.MaxBatchSize),
	}

	if !cfg.DryRun {
		c.rpc = newRPCClient(cfg.RPCURL, cfg.RPCTimeout)

		chainID, err := c.rpc.chainID(ctx)
		if err != nil {
			return nil, types.Wrap(types.KindConnectFail, err, "rpc endpoint unreachable")
		}
		if chainID.Int64() != cfg.ChainID {
			return nil, types.E(types.KindConnectFail,
				"chain id mismatch: endpoint reports %d, manifest expects %d", chainID.Int64(), cfg.ChainID)
		}

		keyHex := cfg.SigningKey
		if len(keyHex) >= 2 && keyHex[:2] == "0x" {
			keyHex = keyHex[2:]
		}
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			return nil, types.Wrap(types.KindConnectFail, err, "parse signing key")
		}
		c.key = key
		c.from = crypto.PubkeyToAddress(key.PublicKey)
		c.signer = gethtypes.LatestSignerForChainID(chainID)

		nonce, err := c.rpc.pendingNonce(ctx, c.from)
		if err != nil {
			return nil, types.Wrap(types.KindConnectFail, err, "fetch starting nonce")
		}
		c.nonce = nonce
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.connected = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runSubmitter()
	}()
	if !cfg.DryRun {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runWatcher()
		}()
	}

	c.logger.Info("ledger client connected",
		"dry_run", cfg.DryRun,
		"chain_id", cfg.ChainID,
		"account", c.from.Hex(),
		"starting_nonce", c.nonce,
		"max_in_flight", cfg.MaxBatchSize,
	)
	return c, nil
}

// Submit queues a call and returns its tx id immediately. When MaxBatchSize
// transactions are in flight the call blocks until a slot frees or a context
// is cancelled.
func (c *Client) Submit(ctx context.Context, call Call) (string, error) {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return "", types.E(types.KindConnectFail, "ledger client is not connected")
	}

	rec := &txRecord{
		id:         uuid.NewString(),
		call:       call,
		state:      TxQueued,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}

	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return "", types.Wrap(types.KindCancelled, ctx.Err(), "submit %s", call.Method)
	case <-c.ctx.Done():
		return "", types.E(types.KindConnectFail, "ledger client is shutting down")
	}

	// Re-check under the lock: a shutdown racing the slot acquisition has
	// already swept the queue, and a record registered now would never
	// leave queued.
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		c.releaseSlot()
		return "", types.E(types.KindConnectFail, "ledger client is shutting down")
	}
	c.txs[rec.id] = rec
	c.mu.Unlock()

	// The buffer matches the slot count, so this send cannot block.
	c.submitCh <- rec
	return rec.id, nil
}

// Await blocks until the call's state is terminal, or ctx is cancelled.
func (c *Client) Await(ctx context.Context, txID string) (Receipt, error) {
	c.mu.Lock()
	rec, ok := c.txs[txID]
	c.mu.Unlock()
	if !ok {
		return Receipt{}, types.E(types.KindNotFound, "unknown tx %s", txID)
	}

	select {
	case <-rec.done:
	case <-ctx.Done():
		return Receipt{}, types.Wrap(types.KindCancelled, ctx.Err(), "await %s", txID)
	}
	return c.receiptOf(rec), nil
}

func (c *Client) receiptOf(rec *txRecord) Receipt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Receipt{
		TxID:        rec.id,
		State:       rec.state,
		TxHash:      rec.hash,
		GasUsed:     rec.gasUsed,
		BlockNumber: rec.block,
		FailKind:    rec.failKind,
		Err:         rec.errMsg,
	}
}

// Stats reports counts by state and gas/latency aggregates.
func (c *Client) Stats() types.LedgerStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := types.LedgerStats{
		TotalGasUsed: c.gasTotal,
		Retries:      c.retries,
		NonceResyncs: c.nonceResyncs,
	}
	for _, rec := range c.txs {
		switch rec.state {
		case TxQueued:
			s.Queued++
		case TxSubmitted:
			s.Submitted++
			s.InFlight++
		case TxConfirmed:
			s.Confirmed++
			s.Submitted++
		case TxFailed:
			s.Failed++
			s.Submitted++
		}
	}
	if c.confirmCount > 0 {
		s.AvgConfirmSeconds = c.confirmTotal.Seconds() / float64(c.confirmCount)
	}
	return s
}

// Shutdown stops the goroutines and fails everything non-terminal with
// cancelled. In-flight transactions are not revoked on-chain — they may
// still commit after shutdown.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	var pending []*txRecord
	for _, rec := range c.txs {
		if rec.state == TxQueued || rec.state == TxSubmitted {
			pending = append(pending, rec)
		}
	}
	c.mu.Unlock()
	for _, rec := range pending {
		c.finish(rec, types.KindCancelled, "ledger client shut down")
	}
	c.logger.Info("ledger client stopped", "unsettled", len(pending))
}

// ————————————————————————————————————————————————————————————————————————
// Submitter
// ————————————————————————————————————————————————————————————————————————

func (c *Client) runSubmitter() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case rec := <-c.submitCh:
			c.process(rec)
		}
	}
}

// process builds, signs, and broadcasts one transaction. Nonce-too-low
// responses trigger a nonce resync and a rebuild; transport errors retry
// with exponential backoff; reverts and gas-ceiling violations fail
// immediately.
func (c *Client) process(rec *txRecord) {
	if c.cfg.DryRun {
		fakeHash := crypto.Keccak256Hash([]byte(rec.id)).Hex()
		c.markSubmitted(rec, fakeHash)
		c.mu.Lock()
		rec.gasUsed = 21_000
		c.mu.Unlock()
		c.confirm(rec)
		return
	}

	to, data, err := c.codec.pack(rec.call.Method, rec.call.Args...)
	if err != nil {
		c.finish(rec, types.KindRpcFailed, fmt.Sprintf("encode call: %v", err))
		return
	}

	gasPrice, err := c.gasPrice()
	if err != nil {
		c.finish(rec, types.KindRpcFailed, fmt.Sprintf("derive gas price: %v", err))
		return
	}

	ceiling := c.cfg.GasLimit
	if rec.call.GasLimit > 0 && rec.call.GasLimit < ceiling {
		ceiling = rec.call.GasLimit
	}

	delay := c.cfg.Retry.InitialDelay
	for attempt := 1; ; attempt++ {
		gas, err := c.rpc.estimateGas(c.ctx, c.from, to, data)
		if err != nil {
			if isRevert(err) {
				c.finish(rec, types.KindRevert, fmt.Sprintf("estimation reverted: %v", err))
				return
			}
			if !c.backoff(rec, attempt, &delay, err) {
				return
			}
			continue
		}
		if gas > ceiling {
			c.finish(rec, types.KindGasExceeds,
				fmt.Sprintf("estimate %d exceeds gas limit %d", gas, ceiling))
			return
		}

		c.mu.Lock()
		nonce := c.nonce
		c.mu.Unlock()

		tx := gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    big.NewInt(0),
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		})
		signed, err := gethtypes.SignTx(tx, c.signer, c.key)
		if err != nil {
			c.finish(rec, types.KindRpcFailed, fmt.Sprintf("sign: %v", err))
			return
		}
		raw, err := signed.MarshalBinary()
		if err != nil {
			c.finish(rec, types.KindRpcFailed, fmt.Sprintf("encode tx: %v", err))
			return
		}

		hash, err := c.rpc.sendRawTransaction(c.ctx, raw)
		if err == nil {
			if hash == "" {
				hash = signed.Hash().Hex()
			}
			c.markSubmitted(rec, hash)
			c.mu.Lock()
			c.nonce = nonce + 1
			c.mu.Unlock()
			return
		}
		if isNonceTooLow(err) {
			if !c.resyncNonce(rec) {
				return
			}
			continue
		}
		if isRevert(err) {
			c.finish(rec, types.KindRevert, fmt.Sprintf("submission reverted: %v", err))
			return
		}
		if !c.backoff(rec, attempt, &delay, err) {
			return
		}
	}
}

// backoff sleeps before the next attempt, or fails the record once the
// retry budget is spent. Returns false when the caller should stop.
func (c *Client) backoff(rec *txRecord, attempt int, delay *time.Duration, cause error) bool {
	if attempt >= c.cfg.Retry.MaxAttempts {
		c.finish(rec, types.KindRpcFailed,
			fmt.Sprintf("gave up after %d attempts: %v", attempt, cause))
		return false
	}

	c.mu.Lock()
	c.retries++
	c.mu.Unlock()
	c.logger.Warn("transient rpc failure, retrying",
		"tx", rec.id, "method", rec.call.Method, "attempt", attempt, "error", cause)

	select {
	case <-time.After(*delay):
	case <-c.ctx.Done():
		c.finish(rec, types.KindCancelled, "ledger client shut down")
		return false
	}
	*delay = time.Duration(float64(*delay) * c.cfg.Retry.BackoffFactor)
	return true
}

// resyncNonce recovers from a detected nonce gap by refetching the pending
// account nonce. Returns false when the caller should stop.
func (c *Client) resyncNonce(rec *txRecord) bool {
	fresh, err := c.rpc.pendingNonce(c.ctx, c.from)
	if err != nil {
		c.finish(rec, types.KindNonceGap,
			fmt.Sprintf("nonce gap detected and resync failed: %v", err))
		return false
	}
	c.mu.Lock()
	c.nonce = fresh
	c.nonceResyncs++
	c.mu.Unlock()
	c.logger.Warn("nonce resynced", "tx", rec.id, "nonce", fresh)
	return true
}

// gasPrice derives the per-submission gas price from the configured policy.
func (c *Client) gasPrice() (*big.Int, error) {
	switch c.cfg.GasPolicy {
	case "fixed":
		return big.NewInt(c.cfg.GasPriceWei), nil
	case "multiplier":
		suggested, err := c.rpc.suggestGasPrice(c.ctx)
		if err != nil {
			return nil, err
		}
		scaled := new(big.Float).Mul(new(big.Float).SetInt(suggested), big.NewFloat(c.cfg.GasMultiplier))
		out, _ := scaled.Int(nil)
		return out, nil
	case "capped":
		suggested, err := c.rpc.suggestGasPrice(c.ctx)
		if err != nil {
			return nil, err
		}
		limit := big.NewInt(c.cfg.GasPriceCapWei)
		if suggested.Cmp(limit) > 0 {
			return limit, nil
		}
		return suggested, nil
	default:
		return nil, fmt.Errorf("unknown gas policy %q", c.cfg.GasPolicy)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Watcher
// ————————————————————————————————————————————————————————————————————————

func (c *Client) runWatcher() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.pollReceipts()
		}
	}
}

// pollReceipts samples receipts for every in-flight hash. Confirmations can
// land in any order; each record resolves independently through its handle.
func (c *Client) pollReceipts() {
	c.mu.Lock()
	inflight := make([]*txRecord, 0)
	for _, rec := range c.txs {
		if rec.state == TxSubmitted {
			inflight = append(inflight, rec)
		}
	}
	c.mu.Unlock()
	if len(inflight) == 0 {
		return
	}

	latest, err := c.rpc.blockNumber(c.ctx)
	latestKnown := err == nil
	if err != nil {
		c.logger.Warn("block number poll failed", "error", err)
	}

	for _, rec := range inflight {
		r, err := c.rpc.receipt(c.ctx, rec.hash)
		if err != nil {
			c.logger.Warn("receipt poll failed", "tx", rec.id, "error", err)
			continue
		}
		if r == nil {
			if time.Since(rec.submittedAt) > c.cfg.ConfirmTimeout {
				// Inconclusive: the tx may still commit later. Callers
				// reconcile via Stats or an external receipt lookup.
				c.finish(rec, types.KindTimeout,
					fmt.Sprintf("no inclusion within %s", c.cfg.ConfirmTimeout))
			}
			continue
		}

		c.mu.Lock()
		rec.gasUsed = uint64(r.GasUsed)
		rec.block = uint64(r.BlockNumber)
		c.mu.Unlock()

		if r.Status == 0 {
			c.finish(rec, types.KindRevert, "transaction reverted on-chain")
			continue
		}
		if latestKnown && latest >= uint64(r.BlockNumber)+c.cfg.ConfirmationBlocks {
			c.confirm(rec)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// State transitions
// ————————————————————————————————————————————————————————————————————————

func (c *Client) markSubmitted(rec *txRecord, hash string) {
	c.mu.Lock()
	rec.state = TxSubmitted
	rec.hash = hash
	rec.submittedAt = time.Now()
	c.mu.Unlock()
	c.logger.Debug("tx submitted",
		"tx", rec.id, "method", rec.call.Method, "origin", rec.call.Origin, "hash", hash)
}

func (c *Client) confirm(rec *txRecord) {
	c.mu.Lock()
	if rec.state == TxConfirmed || rec.state == TxFailed {
		c.mu.Unlock()
		return
	}
	rec.state = TxConfirmed
	rec.doneAt = time.Now()
	c.gasTotal += rec.gasUsed
	c.confirmTotal += rec.doneAt.Sub(rec.submittedAt)
	c.confirmCount++
	c.mu.Unlock()

	close(rec.done)
	c.releaseSlot()
	c.logger.Debug("tx confirmed", "tx", rec.id, "method", rec.call.Method, "gas", rec.gasUsed)
}

func (c *Client) finish(rec *txRecord, kind types.Kind, msg string) {
	c.mu.Lock()
	if rec.state == TxConfirmed || rec.state == TxFailed {
		c.mu.Unlock()
		return
	}
	rec.state = TxFailed
	rec.failKind = kind
	rec.errMsg = msg
	rec.doneAt = time.Now()
	c.mu.Unlock()

	close(rec.done)
	c.releaseSlot()
	c.logger.Warn("tx failed",
		"tx", rec.id, "method", rec.call.Method, "kind", string(kind), "reason", msg)
}

func (c *Client) releaseSlot() {
	select {
	case <-c.slots:
	default:
	}
}
