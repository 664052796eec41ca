// Package sim coordinates the marketplace: it owns the store, the router,
// and the ledger client, and exposes the operations simulated agents call.
//
// Writes follow a settle-after-commit discipline: the store commits first
// under its own lock, then the matching ledger transaction is submitted
// outside any lock. Settlement outcomes flow back asynchronously through
// each reservation's state machine.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"maas-sim/internal/config"
	"maas-sim/internal/export"
	"maas-sim/internal/ledger"
	"maas-sim/internal/market"
	"maas-sim/internal/router"
	"maas-sim/pkg/types"
)

// Ledger is the settlement surface the coordinator depends on. The concrete
// implementation is ledger.Client; tests substitute a stub.
type Ledger interface {
	Submit(ctx context.Context, call ledger.Call) (string, error)
	Await(ctx context.Context, txID string) (ledger.Receipt, error)
	Stats() types.LedgerStats
	Shutdown()
}

// Coordinator is the single entry point for simulated agents.
type Coordinator struct {
	cfg    *config.Config
	store  *market.Store
	router *router.Router
	ledger Ledger
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a coordinator over an empty store.
func New(cfg *config.Config, led Ledger, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		store:  market.NewStore(cfg.Market, logger),
		router: router.New(cfg.Router, logger),
		ledger: led,
		logger: logger.With("component", "coordinator"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Store exposes the underlying marketplace store for read-side callers.
func (c *Coordinator) Store() *market.Store {
	return c.store
}

// ————————————————————————————————————————————————————————————————————————
// Registration
// ————————————————————————————————————————————————————————————————————————

// RegisterCommuter registers a commuter and settles a hash of its profile
// on the registry contract.
func (c *Coordinator) RegisterCommuter(ctx context.Context, id string, metadata map[string]string) (types.Agent, error) {
	a, err := c.store.UpsertAgent(id, types.RoleCommuter, "", metadata)
	if err != nil {
		return types.Agent{}, err
	}
	c.settleAsync(ctx, ledger.Call{
		Method: ledger.MethodRegisterCommuter,
		Args:   []any{id, profileHash(id, metadata)},
		Origin: "register",
	})
	return a, nil
}

// RegisterProvider registers a provider with its transport mode. Metadata
// may carry a service area (service_x, service_y, service_radius) that
// scopes broadcast notifications.
func (c *Coordinator) RegisterProvider(ctx context.Context, id string, mode types.Mode, metadata map[string]string) (types.Agent, error) {
	a, err := c.store.UpsertAgent(id, types.RoleProvider, mode, metadata)
	if err != nil {
		return types.Agent{}, err
	}
	c.settleAsync(ctx, ledger.Call{
		Method: ledger.MethodRegisterProvider,
		Args:   []any{id, string(mode), profileHash(id, metadata)},
		Origin: "register",
	})
	return a, nil
}

// ————————————————————————————————————————————————————————————————————————
// Requests
// ————————————————————————————————————————————————————————————————————————

// CreateRequest posts a travel request and settles its content hash.
func (c *Coordinator) CreateRequest(ctx context.Context, req types.Request) (types.Request, error) {
	created, err := c.store.CreateRequest(req)
	if err != nil {
		return types.Request{}, err
	}
	c.settleAsync(ctx, ledger.Call{
		Method: ledger.MethodCreateRequestHash,
		Args:   []any{created.ID, created.CommuterID, requestHash(created)},
		Origin: "request",
	})
	return created, nil
}

// CancelRequest tombstones an open request and settles the status flip.
func (c *Coordinator) CancelRequest(ctx context.Context, commuterID, requestID string) error {
	if err := c.store.CancelRequest(commuterID, requestID); err != nil {
		return err
	}
	c.settleAsync(ctx, ledger.Call{
		Method: ledger.MethodSetStatus,
		Args:   []any{requestID, requestStatusCode(types.RequestCancelled)},
		Origin: "request",
	})
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Segments and offers
// ————————————————————————————————————————————————————————————————————————

// PublishSegment publishes proactive capacity and settles its content hash.
// The auction contract keeps one commitment shape for proactive segments and
// request-bound offers; proactive ones carry an empty request id.
func (c *Coordinator) PublishSegment(ctx context.Context, seg types.Segment) (types.Segment, error) {
	published, err := c.store.PublishSegment(seg)
	if err != nil {
		return types.Segment{}, err
	}
	c.settleAsync(ctx, ledger.Call{
		Method: ledger.MethodSubmitOfferHash,
		Args:   []any{published.TargetRequestID, published.ProviderID, segmentHash(published)},
		Origin: "segment",
	})
	return published, nil
}

// SubmitOffer publishes a segment pinned to an open request and settles it.
func (c *Coordinator) SubmitOffer(ctx context.Context, offer types.Segment) (types.Segment, error) {
	published, err := c.store.SubmitOffer(offer)
	if err != nil {
		return types.Segment{}, err
	}
	c.settleAsync(ctx, ledger.Call{
		Method: ledger.MethodSubmitOfferHash,
		Args:   []any{published.TargetRequestID, published.ProviderID, segmentHash(published)},
		Origin: "offer",
	})
	return published, nil
}

// CancelSegment withdraws a segment that has taken no holds yet.
func (c *Coordinator) CancelSegment(providerID, segmentID string) error {
	return c.store.CancelSegment(providerID, segmentID)
}

// ————————————————————————————————————————————————————————————————————————
// Bundling
// ————————————————————————————————————————————————————————————————————————

// BuildBundles composes ranked journey bundles for an open request. When no
// bundle exists, providers covering the request's origin are asked to mint
// a direct segment, and the empty slice is returned.
func (c *Coordinator) BuildBundles(ctx context.Context, requestID string, opts router.Options) ([]types.Bundle, error) {
	req, err := c.store.Request(requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != types.RequestOpen {
		return nil, types.E(types.KindWrongStatus, "request %s is %s, not open", requestID, req.Status)
	}

	window := opts.TimeWindow
	if window == 0 {
		window = c.router.Defaults().TimeWindow
	}
	snapshot := c.store.SnapshotSegments(req.StartTime, req.StartTime+window,
		types.SegmentOpen, types.SegmentHeld)

	bundles := c.router.Build(ctx, snapshot, req.Origin, req.Destination, req.StartTime, opts)
	if len(bundles) == 0 && ctx.Err() == nil {
		c.MintDirectSegmentFor(requestID)
	}
	return bundles, nil
}

// MintDirectSegmentFor broadcasts an offer-wanted notification for a request
// that no bundle could serve. Providers advertising a service area receive
// it when the request's origin or destination falls inside that area;
// providers without one always receive it.
func (c *Coordinator) MintDirectSegmentFor(requestID string) {
	req, err := c.store.Request(requestID)
	if err != nil {
		return
	}

	var targets []string
	for _, p := range c.store.Providers() {
		if area, ok := serviceArea(p.Metadata); ok &&
			!area.covers(req.Origin) && !area.covers(req.Destination) {
			continue
		}
		targets = append(targets, p.ID)
	}
	if len(targets) == 0 {
		return
	}
	sort.Strings(targets)

	c.store.NotifyProviders(targets, types.Notification{
		Kind:      types.NoteOfferWanted,
		RequestID: requestID,
		Payload: map[string]string{
			"origin_x":   fmt.Sprintf("%g", req.Origin.X),
			"origin_y":   fmt.Sprintf("%g", req.Origin.Y),
			"dest_x":     fmt.Sprintf("%g", req.Destination.X),
			"dest_y":     fmt.Sprintf("%g", req.Destination.Y),
			"start_time": fmt.Sprintf("%d", req.StartTime),
			"max_price":  req.MaxPrice.StringFixed(2),
		},
	})
	c.logger.Debug("offer-wanted broadcast", "request", requestID, "providers", len(targets))
}

// ListProviderNotifications drains a provider's pending notifications.
func (c *Coordinator) ListProviderNotifications(providerID string, since int64) ([]types.Notification, error) {
	return c.store.ListProviderNotifications(providerID, since)
}

// ————————————————————————————————————————————————————————————————————————
// Clock, stats, export, shutdown
// ————————————————————————————————————————————————————————————————————————

// Tick advances the simulation clock and expires stale state.
func (c *Coordinator) Tick(now int64) (expiredRequests, expiredSegments int) {
	return c.store.ExpireTick(now)
}

// Stats aggregates the store and ledger views.
func (c *Coordinator) Stats() types.Stats {
	return types.Stats{
		CurrentTick: c.store.CurrentTick(),
		Store:       c.store.Counts(),
		Ledger:      c.ledger.Stats(),
	}
}

// ExportSimulation snapshots the store and writes it to the analytical
// store under runID.
func (c *Coordinator) ExportSimulation(ctx context.Context, runID string, overwrite bool) error {
	exp, err := export.Open(c.cfg.Export, c.logger)
	if err != nil {
		return err
	}
	defer exp.Close()

	snap := c.store.Snapshot(c.ledger.Stats())
	return exp.Export(ctx, runID, snap, overwrite)
}

// Shutdown waits for settlement watchers, then stops the ledger client.
func (c *Coordinator) Shutdown() {
	c.cancel()
	c.wg.Wait()
	c.ledger.Shutdown()
	c.logger.Info("coordinator stopped")
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// settleAsync submits a fire-and-forget ledger call and logs its terminal
// outcome in the background. Store state does not depend on these calls.
func (c *Coordinator) settleAsync(ctx context.Context, call ledger.Call) {
	txID, err := c.ledger.Submit(ctx, call)
	if err != nil {
		c.logger.Warn("settlement submit failed",
			"method", call.Method, "origin", call.Origin, "error", err)
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		rcpt, err := c.ledger.Await(c.ctx, txID)
		if err != nil {
			c.logger.Warn("settlement await aborted", "tx", txID, "error", err)
			return
		}
		if rcpt.State != ledger.TxConfirmed {
			c.logger.Warn("settlement failed",
				"tx", txID, "method", call.Method, "kind", string(rcpt.FailKind), "reason", rcpt.Err)
		}
	}()
}

// serviceArea is a provider's advertised coverage circle.
type area struct {
	center types.Point
	radius float64
}

func (a area) covers(p types.Point) bool {
	return a.center.DistanceTo(p) <= a.radius
}

func serviceArea(metadata map[string]string) (area, bool) {
	var a area
	if metadata == nil {
		return a, false
	}
	var x, y, r float64
	if _, err := fmt.Sscanf(metadata["service_x"], "%g", &x); err != nil {
		return a, false
	}
	if _, err := fmt.Sscanf(metadata["service_y"], "%g", &y); err != nil {
		return a, false
	}
	if _, err := fmt.Sscanf(metadata["service_radius"], "%g", &r); err != nil {
		return a, false
	}
	return area{center: types.Point{X: x, Y: y}, radius: r}, true
}

// profileHash commits an agent's registration payload.
func profileHash(id string, metadata map[string]string) [32]byte {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, id)
	for _, k := range keys {
		parts = append(parts, k+"="+metadata[k])
	}
	return ledger.ContentHash(parts...)
}

// requestHash commits a request's full content.
func requestHash(r types.Request) [32]byte {
	return ledger.ContentHash(
		r.ID,
		r.CommuterID,
		fmt.Sprintf("%g,%g", r.Origin.X, r.Origin.Y),
		fmt.Sprintf("%g,%g", r.Destination.X, r.Destination.Y),
		fmt.Sprintf("%d", r.StartTime),
		r.MaxPrice.StringFixed(2),
		r.Purpose,
	)
}

// segmentHash commits a segment's full content.
func segmentHash(s types.Segment) [32]byte {
	return ledger.ContentHash(
		s.ID,
		s.ProviderID,
		string(s.Mode),
		fmt.Sprintf("%g,%g", s.Origin.X, s.Origin.Y),
		fmt.Sprintf("%g,%g", s.Destination.X, s.Destination.Y),
		fmt.Sprintf("%d-%d", s.DepartTime, s.ArriveTime),
		s.Price.StringFixed(2),
		fmt.Sprintf("%d", s.Capacity),
	)
}

// requestStatusCode maps request statuses onto the contract's uint8 enum.
func requestStatusCode(st types.RequestStatus) uint8 {
	switch st {
	case types.RequestOpen:
		return 0
	case types.RequestMatched:
		return 1
	case types.RequestCancelled:
		return 2
	case types.RequestExpired:
		return 3
	default:
		return 0
	}
}
