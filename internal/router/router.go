// Package router assembles open capacity segments into priced multi-modal
// bundles.
//
// The router is a pure function over a snapshot: it never touches the
// marketplace store, performs no writes, and given the same snapshot and
// options produces byte-identical output. It never fails — an empty result
// is the signal that no journey exists, and callers react by minting a
// direct segment request.
package router

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"maas-sim/internal/config"
	"maas-sim/pkg/types"
)

// Options tunes one search. Zero fields fall back to the router's configured
// defaults.
type Options struct {
	MaxTransfers       int          // max path length in segments
	TimeTolerance      int64        // max wait in ticks between segments
	Epsilon            float64      // point-equality tolerance
	TimeWindow         int64        // ignore departures after startTime + window
	ModeFilter         []types.Mode // optional allow-list
	MaxResults         int
	PerSegmentDiscount float64
	MaxDiscountRate    float64
	WaitPenaltyWeight  float64
}

// Router builds bundles from segment snapshots.
type Router struct {
	defaults Options
	logger   *slog.Logger
}

// New creates a router whose defaults come from config.
func New(cfg config.RouterConfig, logger *slog.Logger) *Router {
	return &Router{
		defaults: Options{
			MaxTransfers:       cfg.MaxTransfers,
			TimeTolerance:      cfg.TimeTolerance,
			Epsilon:            cfg.NearnessEpsilon,
			TimeWindow:         cfg.TimeWindow,
			MaxResults:         cfg.MaxResults,
			PerSegmentDiscount: cfg.PerSegmentDiscount,
			MaxDiscountRate:    cfg.MaxDiscountRate,
			WaitPenaltyWeight:  cfg.WaitPenaltyWeight,
		},
		logger: logger.With("component", "router"),
	}
}

// Defaults returns the configured default options.
func (r *Router) Defaults() Options {
	return r.defaults
}

// merge fills zero-valued option fields from the defaults.
func (r *Router) merge(opts Options) Options {
	d := r.defaults
	if opts.MaxTransfers == 0 {
		opts.MaxTransfers = d.MaxTransfers
	}
	if opts.TimeTolerance == 0 {
		opts.TimeTolerance = d.TimeTolerance
	}
	if opts.Epsilon == 0 {
		opts.Epsilon = d.Epsilon
	}
	if opts.TimeWindow == 0 {
		opts.TimeWindow = d.TimeWindow
	}
	if opts.MaxResults == 0 {
		opts.MaxResults = d.MaxResults
	}
	if opts.PerSegmentDiscount == 0 {
		opts.PerSegmentDiscount = d.PerSegmentDiscount
	}
	if opts.MaxDiscountRate == 0 {
		opts.MaxDiscountRate = d.MaxDiscountRate
	}
	if opts.WaitPenaltyWeight == 0 {
		opts.WaitPenaltyWeight = d.WaitPenaltyWeight
	}
	return opts
}

// Build enumerates bounded-depth simple paths from origin to destination
// over the snapshot and prices each one as a bundle. Results are ranked by
// utility score descending, ties broken by ascending bundle id, truncated
// to MaxResults. Cancelling ctx aborts the search and returns what was
// found so far as empty — a cancelled search must not be mistaken for a
// verified absence of bundles.
func (r *Router) Build(ctx context.Context, snapshot []types.Segment, origin, destination types.Point, startTime int64, opts Options) []types.Bundle {
	opts = r.merge(opts)

	allowed := make(map[types.Mode]bool, len(opts.ModeFilter))
	for _, m := range opts.ModeFilter {
		allowed[m] = true
	}
	horizon := startTime + opts.TimeWindow

	g := newGraph(opts.Epsilon)
	for i := range snapshot {
		seg := &snapshot[i]
		if seg.Status != types.SegmentOpen && seg.Status != types.SegmentHeld {
			continue
		}
		if seg.Remaining < 1 {
			continue
		}
		if seg.DepartTime < startTime || seg.DepartTime > horizon {
			continue
		}
		if len(allowed) > 0 && !allowed[seg.Mode] {
			continue
		}
		g.addSegment(seg)
	}
	g.sortEdges()

	start, ok := g.locate(origin)
	if !ok {
		return []types.Bundle{}
	}

	search := &pathSearch{
		g:           g,
		destination: destination,
		startTime:   startTime,
		horizon:     horizon,
		opts:        opts,
		used:        make(map[string]bool),
	}
	search.walk(ctx, start, nil)
	if ctx.Err() != nil {
		return []types.Bundle{}
	}

	bundles := search.bundles
	sortBundles(bundles)
	if len(bundles) > opts.MaxResults {
		bundles = bundles[:opts.MaxResults]
	}
	return bundles
}

// pathSearch is the DFS state for one Build call.
type pathSearch struct {
	g           *graph
	destination types.Point
	startTime   int64
	horizon     int64
	opts        Options
	used        map[string]bool // segment ids on the current path
	path        []*types.Segment
	bundles     []types.Bundle
}

// walk extends the current path from node. A path ends the moment it reaches
// a node within epsilon of the destination: journeys that ride through the
// destination and come back are never better than stopping there.
func (s *pathSearch) walk(ctx context.Context, node int, last *types.Segment) {
	if ctx.Err() != nil {
		return
	}
	if len(s.path) > 0 && s.g.nodes[node].Near(s.destination, s.opts.Epsilon) {
		s.bundles = append(s.bundles, buildBundle(s.path, s.startTime, s.opts))
		return
	}
	if len(s.path) == s.opts.MaxTransfers {
		return
	}

	for _, e := range s.g.adj[node] {
		seg := e.seg
		if s.used[seg.ID] {
			continue
		}
		if last == nil {
			if seg.DepartTime < s.startTime {
				continue
			}
		} else {
			if seg.DepartTime < last.ArriveTime {
				continue
			}
			if seg.DepartTime-last.ArriveTime > s.opts.TimeTolerance {
				continue
			}
		}
		// Horizon prune: the departure window bounds how late any
		// continuation can leave, so a leg arriving past it is dead.
		if seg.ArriveTime > s.horizon+s.opts.TimeTolerance &&
			!seg.Destination.Near(s.destination, s.opts.Epsilon) {
			continue
		}

		s.used[seg.ID] = true
		s.path = append(s.path, seg)
		s.walk(ctx, e.to, seg)
		s.path = s.path[:len(s.path)-1]
		delete(s.used, seg.ID)
	}
}

// buildBundle prices an ordered segment path.
//
//	discount   = min(maxDiscountRate, (len−1) · perSegmentDiscount)
//	finalPrice = basePrice · (1 − discount)
//	utility    = −(finalPrice + waitPenaltyWeight · totalDuration)
func buildBundle(path []*types.Segment, startTime int64, opts Options) types.Bundle {
	ids := make([]string, len(path))
	providers := make([]string, len(path))
	modes := make([]types.Mode, len(path))
	base := decimal.Zero
	for i, seg := range path {
		ids[i] = seg.ID
		providers[i] = seg.ProviderID
		modes[i] = seg.Mode
		base = base.Add(seg.Price)
	}

	discount := float64(len(path)-1) * opts.PerSegmentDiscount
	if discount > opts.MaxDiscountRate {
		discount = opts.MaxDiscountRate
	}
	final := base.Mul(decimal.NewFromFloat(1 - discount)).Round(2)

	first, lastSeg := path[0], path[len(path)-1]
	duration := lastSeg.ArriveTime - first.DepartTime
	finalF, _ := final.Float64()
	utility := -(finalF + opts.WaitPenaltyWeight*float64(duration))

	return types.Bundle{
		ID:           bundleID(ids),
		SegmentIDs:   ids,
		ProviderIDs:  providers,
		Origin:       first.Origin,
		Destination:  lastSeg.Destination,
		DepartTime:   first.DepartTime,
		ArriveTime:   lastSeg.ArriveTime,
		BasePrice:    base.Round(2),
		Discount:     discount,
		FinalPrice:   final,
		NumSegments:  len(path),
		Modes:        modes,
		UtilityScore: utility,
	}
}

// bundleID is the deterministic hash of the ordered segment list, so the
// same journey always carries the same id regardless of which peer built it.
func bundleID(segmentIDs []string) string {
	return crypto.Keccak256Hash([]byte(strings.Join(segmentIDs, "\x1f"))).Hex()
}

// sortBundles ranks by utility descending, ties by ascending bundle id.
func sortBundles(bundles []types.Bundle) {
	sort.Slice(bundles, func(i, j int) bool {
		if bundles[i].UtilityScore != bundles[j].UtilityScore {
			return bundles[i].UtilityScore > bundles[j].UtilityScore
		}
		return bundles[i].ID < bundles[j].ID
	})
}
