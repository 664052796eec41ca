package sim

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"maas-sim/internal/config"
	"maas-sim/internal/ledger"
	"maas-sim/internal/router"
	"maas-sim/pkg/types"
)

// fakeLedger settles every submission according to its current mode, so
// tests steer settlement outcomes without an endpoint.
type fakeLedger struct {
	mu       sync.Mutex
	next     int
	mode     string // "", "fail", "revert"
	calls    []ledger.Call
	receipts map[string]ledger.Receipt
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{receipts: make(map[string]ledger.Receipt)}
}

func (f *fakeLedger) setMode(mode string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
}

func (f *fakeLedger) Submit(_ context.Context, call ledger.Call) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	txID := fmt.Sprintf("tx-%d", f.next)
	f.calls = append(f.calls, call)

	rcpt := ledger.Receipt{TxID: txID, State: ledger.TxConfirmed, TxHash: "0xhash-" + txID}
	switch f.mode {
	case "fail":
		rcpt = ledger.Receipt{TxID: txID, State: ledger.TxFailed, FailKind: types.KindRpcFailed, Err: "endpoint unreachable"}
	case "revert":
		rcpt = ledger.Receipt{TxID: txID, State: ledger.TxFailed, FailKind: types.KindRevert, Err: "execution reverted"}
	}
	f.receipts[txID] = rcpt
	return txID, nil
}

func (f *fakeLedger) Await(_ context.Context, txID string) (ledger.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rcpt, ok := f.receipts[txID]
	if !ok {
		return ledger.Receipt{}, types.E(types.KindNotFound, "unknown tx %s", txID)
	}
	return rcpt, nil
}

func (f *fakeLedger) Stats() types.LedgerStats { return types.LedgerStats{} }
func (f *fakeLedger) Shutdown()                {}

func (f *fakeLedger) callMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Method
	}
	return out
}

func testCoordinator(t *testing.T, led Ledger) *Coordinator {
	t.Helper()
	cfg := &config.Config{
		Ledger: config.LedgerConfig{MaxBatchSize: 16},
		Router: config.RouterConfig{
			MaxTransfers:       3,
			TimeTolerance:      5,
			NearnessEpsilon:    0.5,
			TimeWindow:         120,
			MaxResults:         10,
			PerSegmentDiscount: 0.05,
			MaxDiscountRate:    0.15,
			WaitPenaltyWeight:  0.5,
		},
		Market: config.MarketConfig{DefaultRequestTTL: 100},
		Export: config.ExportConfig{Driver: "sqlite", Path: ":memory:"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(cfg, led, logger)
	t.Cleanup(c.Shutdown)
	return c
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedMarket(t *testing.T, c *Coordinator) {
	t.Helper()
	ctx := context.Background()
	if _, err := c.RegisterCommuter(ctx, "alice", nil); err != nil {
		t.Fatalf("RegisterCommuter: %v", err)
	}
	if _, err := c.RegisterProvider(ctx, "metro", types.ModeTrain, nil); err != nil {
		t.Fatalf("RegisterProvider: %v", err)
	}
	if _, err := c.PublishSegment(ctx, types.Segment{
		ID:          "seg-1",
		ProviderID:  "metro",
		Mode:        types.ModeTrain,
		Origin:      types.Point{X: 0, Y: 0},
		Destination: types.Point{X: 10, Y: 0},
		DepartTime:  10,
		ArriveTime:  30,
		Price:       decimal.RequireFromString("12.00"),
		Capacity:    1,
	}); err != nil {
		t.Fatalf("PublishSegment: %v", err)
	}
	if _, err := c.CreateRequest(ctx, types.Request{
		ID:          "req-1",
		CommuterID:  "alice",
		Origin:      types.Point{X: 0, Y: 0},
		Destination: types.Point{X: 10, Y: 0},
		StartTime:   0,
		MaxPrice:    decimal.RequireFromString("20.00"),
	}); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
}

func TestReserveBundleSettles(t *testing.T) {
	t.Parallel()
	fake := newFakeLedger()
	c := testCoordinator(t, fake)
	seedMarket(t, c)
	ctx := context.Background()

	bundles, err := c.BuildBundles(ctx, "req-1", router.Options{})
	if err != nil {
		t.Fatalf("BuildBundles: %v", err)
	}
	if len(bundles) != 1 {
		t.Fatalf("got %d bundles, want 1", len(bundles))
	}

	res, err := c.ReserveBundle(ctx, "alice", "req-1", bundles[0])
	if err != nil {
		t.Fatalf("ReserveBundle: %v", err)
	}
	if res.Settlement != types.SettlementSubmitted {
		t.Errorf("settlement = %s at return, want submitted", res.Settlement)
	}

	waitFor(t, "settlement confirmation", func() bool {
		got, err := c.Store().Reservation(res.ID)
		return err == nil && got.Settlement == types.SettlementConfirmed
	})

	seg, _ := c.Store().Segment("seg-1")
	if seg.Status != types.SegmentConsumed {
		t.Errorf("segment = %s, want consumed", seg.Status)
	}
	m, err := c.Store().Match("req-1")
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if m.TxHash == "" {
		t.Error("match never received its tx hash")
	}

	// One recordMatch per bundle in the default accounting.
	matchCalls := 0
	for _, method := range fake.callMethods() {
		if method == ledger.MethodRecordMatch {
			matchCalls++
		}
	}
	if matchCalls != 1 {
		t.Errorf("recordMatch submissions = %d, want 1", matchCalls)
	}
}

func TestFailedSettlementReopensRequest(t *testing.T) {
	t.Parallel()
	fake := newFakeLedger()
	c := testCoordinator(t, fake)
	seedMarket(t, c)
	ctx := context.Background()

	bundles, err := c.BuildBundles(ctx, "req-1", router.Options{})
	if err != nil || len(bundles) != 1 {
		t.Fatalf("BuildBundles = %v, %d bundles", err, len(bundles))
	}

	fake.setMode("fail")
	res, err := c.ReserveBundle(ctx, "alice", "req-1", bundles[0])
	if err != nil {
		t.Fatalf("ReserveBundle: %v", err)
	}

	waitFor(t, "settlement failure", func() bool {
		got, err := c.Store().Reservation(res.ID)
		return err == nil && got.Settlement == types.SettlementFailed
	})
	waitFor(t, "request reopen", func() bool {
		req, err := c.Store().Request("req-1")
		return err == nil && req.Status == types.RequestOpen
	})

	seg, _ := c.Store().Segment("seg-1")
	if seg.Status != types.SegmentOpen || seg.Remaining != 1 {
		t.Errorf("segment = %s/%d after failure, want open/1", seg.Status, seg.Remaining)
	}
	if _, err := c.Store().Match("req-1"); !types.IsKind(err, types.KindNotFound) {
		t.Error("dangling match survived the failed settlement")
	}

	// The request can be matched again.
	fake.setMode("")
	again, err := c.BuildBundles(ctx, "req-1", router.Options{})
	if err != nil || len(again) != 1 {
		t.Fatalf("rebuild = %v, %d bundles", err, len(again))
	}
	if _, err := c.ReserveBundle(ctx, "alice", "req-1", again[0]); err != nil {
		t.Fatalf("second ReserveBundle: %v", err)
	}
}

func TestConfirmCompletionRevertRestoresCapacity(t *testing.T) {
	t.Parallel()
	fake := newFakeLedger()
	c := testCoordinator(t, fake)
	seedMarket(t, c)
	ctx := context.Background()

	bundles, _ := c.BuildBundles(ctx, "req-1", router.Options{})
	res, err := c.ReserveBundle(ctx, "alice", "req-1", bundles[0])
	if err != nil {
		t.Fatalf("ReserveBundle: %v", err)
	}
	waitFor(t, "settlement confirmation", func() bool {
		got, err := c.Store().Reservation(res.ID)
		return err == nil && got.Settlement == types.SettlementConfirmed
	})

	fake.setMode("revert")
	err = c.ConfirmCompletion(ctx, "req-1")
	if !types.IsKind(err, types.KindRevert) {
		t.Fatalf("ConfirmCompletion = %v, want revert", err)
	}

	got, _ := c.Store().Reservation(res.ID)
	if got.Settlement != types.SettlementReverted {
		t.Errorf("reservation = %s, want reverted", got.Settlement)
	}
	seg, _ := c.Store().Segment("seg-1")
	if seg.Remaining != 1 {
		t.Errorf("segment remaining = %d after revert, want restored 1", seg.Remaining)
	}
}

func TestReserveExpiredRequest(t *testing.T) {
	t.Parallel()
	fake := newFakeLedger()
	c := testCoordinator(t, fake)
	seedMarket(t, c)
	ctx := context.Background()

	bundles, err := c.BuildBundles(ctx, "req-1", router.Options{})
	if err != nil || len(bundles) != 1 {
		t.Fatalf("BuildBundles = %v, %d bundles", err, len(bundles))
	}

	// The request expires before the commuter commits.
	c.Tick(100)
	if _, err := c.ReserveBundle(ctx, "alice", "req-1", bundles[0]); !types.IsKind(err, types.KindWrongStatus) {
		t.Fatalf("ReserveBundle on expired request = %v, want wrong_status", err)
	}
}

func TestNoBundleBroadcastsOfferWanted(t *testing.T) {
	t.Parallel()
	fake := newFakeLedger()
	c := testCoordinator(t, fake)
	ctx := context.Background()

	if _, err := c.RegisterCommuter(ctx, "alice", nil); err != nil {
		t.Fatal(err)
	}
	// Covers the request's origin.
	if _, err := c.RegisterProvider(ctx, "near", types.ModeBus, map[string]string{
		"service_x": "50", "service_y": "50", "service_radius": "5",
	}); err != nil {
		t.Fatal(err)
	}
	// Covers only the destination; a provider serving the arrival end can
	// still mint the segment.
	if _, err := c.RegisterProvider(ctx, "arrival", types.ModeBus, map[string]string{
		"service_x": "60", "service_y": "50", "service_radius": "5",
	}); err != nil {
		t.Fatal(err)
	}
	// Covers neither end.
	if _, err := c.RegisterProvider(ctx, "far", types.ModeBus, map[string]string{
		"service_x": "0", "service_y": "0", "service_radius": "5",
	}); err != nil {
		t.Fatal(err)
	}
	// No advertised area: always notified.
	if _, err := c.RegisterProvider(ctx, "anywhere", types.ModeBus, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := c.CreateRequest(ctx, types.Request{
		ID:          "req-1",
		CommuterID:  "alice",
		Origin:      types.Point{X: 50, Y: 50},
		Destination: types.Point{X: 60, Y: 50},
		StartTime:   0,
	}); err != nil {
		t.Fatal(err)
	}

	bundles, err := c.BuildBundles(ctx, "req-1", router.Options{})
	if err != nil {
		t.Fatalf("BuildBundles: %v", err)
	}
	if len(bundles) != 0 {
		t.Fatalf("got %d bundles from an empty market, want 0", len(bundles))
	}

	for id, want := range map[string]int{"near": 1, "arrival": 1, "anywhere": 1, "far": 0} {
		notes, err := c.ListProviderNotifications(id, 0)
		if err != nil {
			t.Fatalf("ListProviderNotifications(%s): %v", id, err)
		}
		if len(notes) != want {
			t.Errorf("%s received %d notes, want %d", id, len(notes), want)
		}
		if want == 1 && notes[0].Kind != types.NoteOfferWanted {
			t.Errorf("%s note kind = %s, want offer-wanted", id, notes[0].Kind)
		}
	}
}

func TestStatsReflectStore(t *testing.T) {
	t.Parallel()
	fake := newFakeLedger()
	c := testCoordinator(t, fake)
	seedMarket(t, c)

	stats := c.Stats()
	if stats.Store.Agents != 2 || stats.Store.OpenRequests != 1 || stats.Store.OpenSegments != 1 {
		t.Errorf("stats = %+v, want 2 agents, 1 open request, 1 open segment", stats.Store)
	}
}
