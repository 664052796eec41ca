// Package market is the single source of truth for off-chain marketplace
// state: agents, requests, segments, offers, matches, reservations, and
// provider notifications.
//
// One reader-writer mutex protects the whole store. Writers hold the write
// lock for the duration of a multi-record operation so that every invariant
// in the data model holds at every lock release. Readers copy data out so
// callers (the router, the exporter) never operate under the store lock.
// No operation performs network or disk I/O while holding the lock.
//
// A half-applied mutation inside the store is not recoverable: internal
// invariant breaches panic instead of returning an error.
package market

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"maas-sim/internal/config"
	"maas-sim/pkg/types"
)

// Store holds all off-chain marketplace state. All exported methods are
// safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	grace      int64 // segments expire when departTime < now − grace
	defaultTTL int64 // expiry horizon for requests created without one

	now       int64 // current simulation tick
	startedAt time.Time

	agents       map[string]*types.Agent
	requests     map[string]*types.Request
	segments     map[string]*types.Segment
	matches      map[string]*types.Match // keyed by request id
	reservations map[string]*types.Reservation
	ticks        map[int64]*types.TickAggregate
	notes        *notificationLog

	logger *slog.Logger
}

// NewStore creates an empty store.
func NewStore(cfg config.MarketConfig, logger *slog.Logger) *Store {
	return &Store{
		grace:        cfg.ExpiryGrace,
		defaultTTL:   cfg.DefaultRequestTTL,
		startedAt:    time.Now(),
		agents:       make(map[string]*types.Agent),
		requests:     make(map[string]*types.Request),
		segments:     make(map[string]*types.Segment),
		matches:      make(map[string]*types.Match),
		reservations: make(map[string]*types.Reservation),
		ticks:        make(map[int64]*types.TickAggregate),
		notes:        newNotificationLog(),
		logger:       logger.With("component", "market"),
	}
}

// CurrentTick returns the store's simulation clock.
func (s *Store) CurrentTick() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

// ————————————————————————————————————————————————————————————————————————
// Agents
// ————————————————————————————————————————————————————————————————————————

// UpsertAgent registers an agent. The call is idempotent: re-registering an
// existing agent refreshes its metadata but must not change its role.
func (s *Store) UpsertAgent(id string, role types.AgentRole, mode types.Mode, metadata map[string]string) (types.Agent, error) {
	if id == "" {
		return types.Agent{}, types.E(types.KindInvalidArgument, "agent id is empty")
	}
	switch role {
	case types.RoleCommuter, types.RoleProvider:
	default:
		return types.Agent{}, types.E(types.KindInvalidArgument, "unknown agent role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.agents[id]; ok {
		if existing.Role != role {
			return types.Agent{}, types.E(types.KindInvalidArgument,
				"agent %s is registered as %s, cannot become %s", id, existing.Role, role)
		}
		existing.Metadata = copyMap(metadata)
		if mode != "" {
			existing.Mode = mode
		}
		return copyAgent(existing), nil
	}

	a := &types.Agent{
		ID:             id,
		Role:           role,
		Mode:           mode,
		Metadata:       copyMap(metadata),
		RegisteredTick: s.now,
	}
	s.agents[id] = a
	return copyAgent(a), nil
}

// Agent returns a copy of the agent, or NotFound.
func (s *Store) Agent(id string) (types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return types.Agent{}, types.E(types.KindNotFound, "agent %s not found", id)
	}
	return copyAgent(a), nil
}

// Providers returns copies of all registered providers.
func (s *Store) Providers() []types.Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Agent, 0)
	for _, a := range s.agents {
		if a.Role == types.RoleProvider {
			out = append(out, copyAgent(a))
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Requests
// ————————————————————————————————————————————————————————————————————————

// CreateRequest stores a new open request. The request id must be fresh;
// CreatedTick is stamped with the current tick and ExpiresTick defaults to
// now + the configured TTL when unset.
func (s *Store) CreateRequest(req types.Request) (types.Request, error) {
	if req.ID == "" {
		return types.Request{}, types.E(types.KindInvalidArgument, "request id is empty")
	}
	if req.CommuterID == "" {
		return types.Request{}, types.E(types.KindInvalidArgument, "request %s has no commuter", req.ID)
	}
	if req.MaxPrice.IsNegative() {
		return types.Request{}, types.E(types.KindInvalidArgument, "request %s has negative max price", req.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.ID]; ok {
		return types.Request{}, types.E(types.KindDuplicate, "request %s already exists", req.ID)
	}
	if a, ok := s.agents[req.CommuterID]; !ok || a.Role != types.RoleCommuter {
		return types.Request{}, types.E(types.KindNotFound, "commuter %s is not registered", req.CommuterID)
	}

	req.Status = types.RequestOpen
	req.CreatedTick = s.now
	req.MaxPrice = req.MaxPrice.Round(2)
	if req.ExpiresTick == 0 {
		req.ExpiresTick = s.now + s.defaultTTL
	}
	stored := req
	stored.Requirements = copyMap(req.Requirements)
	s.requests[req.ID] = &stored

	s.tickAgg(s.now).RequestsCreated++
	return req, nil
}

// Request returns a copy of the request, or NotFound.
func (s *Store) Request(id string) (types.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return types.Request{}, types.E(types.KindNotFound, "request %s not found", id)
	}
	return copyRequest(r), nil
}

// CancelRequest tombstones an open request. Only the owning commuter may
// cancel, and only while the request is still open.
func (s *Store) CancelRequest(commuterID, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[requestID]
	if !ok {
		return types.E(types.KindNotFound, "request %s not found", requestID)
	}
	if r.CommuterID != commuterID {
		return types.E(types.KindInvalidArgument, "request %s belongs to %s", requestID, r.CommuterID)
	}
	if r.Status != types.RequestOpen {
		return types.E(types.KindWrongStatus, "request %s is %s, not open", requestID, r.Status)
	}
	r.Status = types.RequestCancelled
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Segments and offers
// ————————————————————————————————————————————————————————————————————————

func (s *Store) validateSegment(seg types.Segment) error {
	if seg.ID == "" {
		return types.E(types.KindInvalidArgument, "segment id is empty")
	}
	if seg.ProviderID == "" {
		return types.E(types.KindInvalidArgument, "segment %s has no provider", seg.ID)
	}
	if seg.ArriveTime <= seg.DepartTime {
		return types.E(types.KindInvalidArgument,
			"segment %s arrives at %d, not after departure %d", seg.ID, seg.ArriveTime, seg.DepartTime)
	}
	if seg.Capacity < 1 {
		return types.E(types.KindInvalidArgument, "segment %s capacity must be >= 1", seg.ID)
	}
	if seg.Price.IsNegative() {
		return types.E(types.KindInvalidArgument, "segment %s has negative price", seg.ID)
	}
	return nil
}

// publishLocked inserts a validated segment. Caller holds the write lock.
func (s *Store) publishLocked(seg types.Segment) (types.Segment, error) {
	if _, ok := s.segments[seg.ID]; ok {
		return types.Segment{}, types.E(types.KindDuplicate, "segment %s already exists", seg.ID)
	}
	if a, ok := s.agents[seg.ProviderID]; !ok || a.Role != types.RoleProvider {
		return types.Segment{}, types.E(types.KindNotFound, "provider %s is not registered", seg.ProviderID)
	}

	seg.Status = types.SegmentOpen
	seg.Remaining = seg.Capacity
	seg.CreatedTick = s.now
	seg.Price = seg.Price.Round(2)
	if seg.Source == "" {
		seg.Source = types.SourceProactive
	}
	stored := seg
	s.segments[seg.ID] = &stored

	agg := s.tickAgg(s.now)
	agg.SegmentsPublished++
	agg.ModeCounts[seg.Mode]++
	return seg, nil
}

// PublishSegment inserts a proactively published segment with full capacity.
// If the segment targets a request, every other provider is notified so
// competing offers can react.
func (s *Store) PublishSegment(seg types.Segment) (types.Segment, error) {
	if err := s.validateSegment(seg); err != nil {
		return types.Segment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	published, err := s.publishLocked(seg)
	if err != nil {
		return types.Segment{}, err
	}
	if published.TargetRequestID != "" {
		s.notifyProvidersLocked(published.ProviderID, types.Notification{
			Kind:      types.NoteSegmentPublished,
			RequestID: published.TargetRequestID,
			Payload: map[string]string{
				"segment_id":  published.ID,
				"provider_id": published.ProviderID,
				"price":       published.Price.StringFixed(2),
			},
			CreatedTick: s.now,
		})
	}
	return published, nil
}

// SubmitOffer publishes a segment pinned to a specific open request.
func (s *Store) SubmitOffer(offer types.Segment) (types.Segment, error) {
	if offer.TargetRequestID == "" {
		return types.Segment{}, types.E(types.KindInvalidArgument, "offer %s names no request", offer.ID)
	}
	if err := s.validateSegment(offer); err != nil {
		return types.Segment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[offer.TargetRequestID]
	if !ok {
		return types.Segment{}, types.E(types.KindNotFound, "request %s not found", offer.TargetRequestID)
	}
	if req.Status != types.RequestOpen {
		return types.Segment{}, types.E(types.KindWrongStatus,
			"request %s is %s, offers need an open request", req.ID, req.Status)
	}

	offer.Source = types.SourceResponse
	published, err := s.publishLocked(offer)
	if err != nil {
		return types.Segment{}, err
	}

	s.tickAgg(s.now).OffersSubmitted++
	s.notifyProvidersLocked(published.ProviderID, types.Notification{
		Kind:      types.NoteOfferSubmitted,
		RequestID: published.TargetRequestID,
		Payload: map[string]string{
			"offer_id":    published.ID,
			"provider_id": published.ProviderID,
			"price":       published.Price.StringFixed(2),
		},
		CreatedTick: s.now,
	})
	return published, nil
}

// Segment returns a copy of the segment, or NotFound.
func (s *Store) Segment(id string) (types.Segment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.segments[id]
	if !ok {
		return types.Segment{}, types.E(types.KindNotFound, "segment %s not found", id)
	}
	return *seg, nil
}

// CancelSegment tombstones a segment that has taken no holds yet. cancelled
// is reachable only from open.
func (s *Store) CancelSegment(providerID, segmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seg, ok := s.segments[segmentID]
	if !ok {
		return types.E(types.KindNotFound, "segment %s not found", segmentID)
	}
	if seg.ProviderID != providerID {
		return types.E(types.KindInvalidArgument, "segment %s belongs to %s", segmentID, seg.ProviderID)
	}
	if seg.Status != types.SegmentOpen {
		return types.E(types.KindWrongStatus, "segment %s is %s, not open", segmentID, seg.Status)
	}
	seg.Status = types.SegmentCancelled
	seg.Remaining = 0
	return nil
}

// SnapshotSegments returns copies of segments departing inside [lo, hi]
// whose status matches the filter. The copies are detached: the router can
// chew on them without holding the store lock.
func (s *Store) SnapshotSegments(lo, hi int64, statuses ...types.SegmentStatus) []types.Segment {
	filter := make(map[types.SegmentStatus]bool, len(statuses))
	for _, st := range statuses {
		filter[st] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Segment, 0)
	for _, seg := range s.segments {
		if seg.DepartTime < lo || seg.DepartTime > hi {
			continue
		}
		if len(filter) > 0 && !filter[seg.Status] {
			continue
		}
		out = append(out, *seg)
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Holds
// ————————————————————————————————————————————————————————————————————————

// holdLocked decrements remaining on every segment or none. Caller holds
// the write lock.
func (s *Store) holdLocked(segmentIDs []string, seats int) error {
	// A repeated id claims seats once per occurrence; aggregate the demand
	// so validation sees the total before anything is touched.
	need := make(map[string]int, len(segmentIDs))
	for _, id := range segmentIDs {
		need[id] += seats
	}
	for _, id := range segmentIDs {
		seg, ok := s.segments[id]
		if !ok {
			return types.E(types.KindNotFound, "segment %s not found", id)
		}
		if seg.Status != types.SegmentOpen && seg.Status != types.SegmentHeld {
			return types.E(types.KindCapacityDenied, "segment %s is %s", id, seg.Status)
		}
		if seg.Remaining < need[id] {
			return types.E(types.KindCapacityDenied,
				"segment %s has %d seats remaining, need %d", id, seg.Remaining, need[id])
		}
	}
	for id, n := range need {
		seg := s.segments[id]
		seg.Remaining -= n
		if seg.Remaining < 0 {
			panic("market: hold drove segment " + id + " below zero")
		}
		seg.Status = types.SegmentHeld
	}
	return nil
}

// HoldSegments atomically claims seats on every listed segment. If any
// segment would go negative or is not open/held, nothing is mutated and
// CapacityDenied is returned.
func (s *Store) HoldSegments(segmentIDs []string, seats int, holderID string) error {
	if seats < 1 {
		return types.E(types.KindInvalidArgument, "seat count must be >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holdLocked(segmentIDs, seats)
}

// releaseLocked is the inverse of holdLocked. Caller holds the write lock.
// Expired, cancelled, and consumed segments keep their terminal status.
func (s *Store) releaseLocked(segmentIDs []string, seats int) {
	for _, id := range segmentIDs {
		seg, ok := s.segments[id]
		if !ok {
			continue
		}
		if seg.Status != types.SegmentHeld && seg.Status != types.SegmentConsumed {
			continue
		}
		seg.Remaining += seats
		if seg.Remaining > seg.Capacity {
			panic("market: release drove segment " + id + " above capacity")
		}
		if seg.Remaining == seg.Capacity {
			seg.Status = types.SegmentOpen
		} else {
			seg.Status = types.SegmentHeld
		}
	}
}

// ReleaseSegments restores seats claimed by a failed reservation, moving
// segments back to open once remaining equals capacity.
func (s *Store) ReleaseSegments(segmentIDs []string, seats int) error {
	if seats < 1 {
		return types.E(types.KindInvalidArgument, "seat count must be >= 1")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(segmentIDs, seats)
	return nil
}

// MarkConsumed flips held segments with zero remaining seats to consumed.
// Called after a reservation's settlement confirms.
func (s *Store) MarkConsumed(segmentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range segmentIDs {
		seg, ok := s.segments[id]
		if !ok {
			continue
		}
		if seg.Status == types.SegmentHeld && seg.Remaining == 0 {
			seg.Status = types.SegmentConsumed
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Matches and reservations
// ————————————————————————————————————————————————————————————————————————

// recordMatchLocked stores the match and flips the request to matched.
// Caller holds the write lock.
func (s *Store) recordMatchLocked(requestID, offerID, providerID string, finalPrice decimal.Decimal, reservationID string) (types.Match, error) {
	req, ok := s.requests[requestID]
	if !ok {
		return types.Match{}, types.E(types.KindNotFound, "request %s not found", requestID)
	}
	if req.Status != types.RequestOpen {
		return types.Match{}, types.E(types.KindWrongStatus, "request %s is %s, not open", requestID, req.Status)
	}
	if _, ok := s.matches[requestID]; ok {
		return types.Match{}, types.E(types.KindDuplicate, "request %s is already matched", requestID)
	}

	m := &types.Match{
		RequestID:     requestID,
		OfferID:       offerID,
		ProviderID:    providerID,
		FinalPrice:    finalPrice.Round(2),
		ReservationID: reservationID,
		RecordedTick:  s.now,
	}
	s.matches[requestID] = m
	req.Status = types.RequestMatched

	agg := s.tickAgg(s.now)
	agg.MatchesRecorded++
	agg.MatchedVolume = agg.MatchedVolume.Add(m.FinalPrice)
	return *m, nil
}

// RecordMatch records the winning offer for an open request.
func (s *Store) RecordMatch(requestID, offerID, providerID string, finalPrice decimal.Decimal, reservationID string) (types.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordMatchLocked(requestID, offerID, providerID, finalPrice, reservationID)
}

// Match returns a copy of the request's match, or NotFound.
func (s *Store) Match(requestID string) (types.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[requestID]
	if !ok {
		return types.Match{}, types.E(types.KindNotFound, "request %s has no match", requestID)
	}
	return copyMatch(m), nil
}

// recordReservationLocked stores the reservation. Caller holds the write lock.
func (s *Store) recordReservationLocked(res types.Reservation) error {
	if _, ok := s.reservations[res.ID]; ok {
		return types.E(types.KindDuplicate, "reservation %s already exists", res.ID)
	}
	res.CreatedTick = s.now
	if res.Settlement == "" {
		res.Settlement = types.SettlementPending
	}
	stored := res
	stored.SegmentIDs = append([]string(nil), res.SegmentIDs...)
	s.reservations[res.ID] = &stored
	s.tickAgg(s.now).Reservations++
	return nil
}

// RecordReservation stores a reservation; duplicates are rejected.
func (s *Store) RecordReservation(res types.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordReservationLocked(res)
}

// Reservation returns a copy of the reservation, or NotFound.
func (s *Store) Reservation(id string) (types.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return types.Reservation{}, types.E(types.KindNotFound, "reservation %s not found", id)
	}
	return copyReservation(r), nil
}

// UpdateReservationState advances the settlement state machine. ref is the
// ledger tx handle when moving to submitted and the on-chain tx hash when
// moving to confirmed; reason annotates failures. Transitions the state
// machine forbids return WrongStatus.
//
// A transition to reverted restores the reservation's held capacity, since
// a reverted match never consumed its seats on-chain.
func (s *Store) UpdateReservationState(id string, next types.SettlementState, ref, reason string) (types.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[id]
	if !ok {
		return types.Reservation{}, types.E(types.KindNotFound, "reservation %s not found", id)
	}
	if !res.Settlement.CanAdvanceTo(next) {
		return types.Reservation{}, types.E(types.KindWrongStatus,
			"reservation %s cannot move %s → %s", id, res.Settlement, next)
	}

	res.Settlement = next
	switch next {
	case types.SettlementSubmitted:
		res.TxID = ref
	case types.SettlementConfirmed:
		res.TxHash = ref
		if m, ok := s.matches[res.RequestID]; ok && m.ReservationID == id {
			m.TxHash = ref
		}
	case types.SettlementFailed:
		res.FailReason = reason
	case types.SettlementReverted:
		res.FailReason = reason
		s.releaseLocked(res.SegmentIDs, 1)
	}
	return copyReservation(res), nil
}

// ReopenRequestIfIdle reverts a matched request to open after a failed
// settlement, unless another reservation for it is still live. The dangling
// match record is dropped so the request can be matched again.
func (s *Store) ReopenRequestIfIdle(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.Status != types.RequestMatched {
		return false
	}
	for _, res := range s.reservations {
		if res.RequestID == requestID && !res.Settlement.Terminal() {
			return false
		}
	}
	req.Status = types.RequestOpen
	delete(s.matches, requestID)
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Tick expiry
// ————————————————————————————————————————————————————————————————————————

// ExpireTick advances the clock to now and tombstones stale state:
// open requests past their expiry, and open or held segments that already
// departed. Holds on expired segments are handed back to their reservations,
// which fail; seats those reservations held on still-live segments are
// released. Applying the same tick twice is a no-op the second time.
func (s *Store) ExpireTick(now int64) (expiredRequests, expiredSegments int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now > s.now {
		s.now = now
	}

	for _, req := range s.requests {
		if req.Status == types.RequestOpen && req.ExpiresTick <= now {
			req.Status = types.RequestExpired
			expiredRequests++
		}
	}

	expired := make(map[string]bool)
	for _, seg := range s.segments {
		if (seg.Status == types.SegmentOpen || seg.Status == types.SegmentHeld) &&
			seg.DepartTime < now-s.grace {
			seg.Status = types.SegmentExpired
			seg.Remaining = 0
			expired[seg.ID] = true
			expiredSegments++
		}
	}

	if len(expired) > 0 {
		for _, res := range s.reservations {
			if res.Settlement != types.SettlementPending && res.Settlement != types.SettlementSubmitted {
				continue
			}
			hit := false
			survivors := make([]string, 0, len(res.SegmentIDs))
			for _, id := range res.SegmentIDs {
				if expired[id] {
					hit = true
				} else {
					survivors = append(survivors, id)
				}
			}
			if !hit {
				continue
			}
			res.Settlement = types.SettlementFailed
			res.FailReason = "segment expired before settlement"
			s.releaseLocked(survivors, 1)
		}
	}

	if n := expiredRequests + expiredSegments; n > 0 {
		s.tickAgg(now).Expirations += n
		s.logger.Debug("tick expiry",
			"tick", now,
			"requests_expired", expiredRequests,
			"segments_expired", expiredSegments,
		)
	}
	return expiredRequests, expiredSegments
}

// ————————————————————————————————————————————————————————————————————————
// Aggregation and snapshots
// ————————————————————————————————————————————————————————————————————————

// tickAgg returns the aggregate row for a tick, creating it on first use.
// Caller holds the write lock.
func (s *Store) tickAgg(tick int64) *types.TickAggregate {
	agg, ok := s.ticks[tick]
	if !ok {
		agg = &types.TickAggregate{
			Tick:          tick,
			MatchedVolume: decimal.Zero,
			ModeCounts:    make(map[types.Mode]int),
		}
		s.ticks[tick] = agg
	}
	return agg
}

// Counts summarizes store contents for stats reporting.
func (s *Store) Counts() types.Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := types.Counts{
		Agents:       len(s.agents),
		Requests:     len(s.requests),
		Segments:     len(s.segments),
		Reservations: len(s.reservations),
		Matches:      len(s.matches),
	}
	for _, a := range s.agents {
		if a.Role == types.RoleCommuter {
			c.Commuters++
		} else {
			c.Providers++
		}
	}
	for _, r := range s.requests {
		if r.Status == types.RequestOpen {
			c.OpenRequests++
		}
	}
	for _, seg := range s.segments {
		if seg.Status == types.SegmentOpen || seg.Status == types.SegmentHeld {
			c.OpenSegments++
		}
	}
	return c
}

// Snapshot deep-copies the full store state for the exporter. The ledger
// stats are stitched in by the caller since the store does not own them.
func (s *Store) Snapshot(ledger types.LedgerStats) types.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := types.Snapshot{
		CurrentTick: s.now,
		StartedAt:   s.startedAt,
		EndedAt:     time.Now(),
		Ledger:      ledger,
	}
	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, copyAgent(a))
	}
	for _, r := range s.requests {
		snap.Requests = append(snap.Requests, copyRequest(r))
	}
	for _, seg := range s.segments {
		snap.Segments = append(snap.Segments, *seg)
	}
	for _, res := range s.reservations {
		snap.Reservations = append(snap.Reservations, copyReservation(res))
	}
	for _, m := range s.matches {
		snap.Matches = append(snap.Matches, copyMatch(m))
	}
	for _, agg := range s.ticks {
		snap.Ticks = append(snap.Ticks, copyTickAggregate(agg))
	}
	return snap
}

// ————————————————————————————————————————————————————————————————————————
// Copy helpers
// ————————————————————————————————————————————————————————————————————————

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyAgent(a *types.Agent) types.Agent {
	out := *a
	out.Metadata = copyMap(a.Metadata)
	return out
}

func copyRequest(r *types.Request) types.Request {
	out := *r
	out.Requirements = copyMap(r.Requirements)
	return out
}

func copyReservation(r *types.Reservation) types.Reservation {
	out := *r
	out.SegmentIDs = append([]string(nil), r.SegmentIDs...)
	return out
}

func copyMatch(m *types.Match) types.Match {
	return *m
}

func copyTickAggregate(a *types.TickAggregate) types.TickAggregate {
	out := *a
	out.ModeCounts = make(map[types.Mode]int, len(a.ModeCounts))
	for k, v := range a.ModeCounts {
		out.ModeCounts[k] = v
	}
	return out
}
