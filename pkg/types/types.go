// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the simulator — agents, travel
// requests, capacity segments, composed bundles, reservations, matches, and
// notifications. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// AgentRole partitions registered agents into commuters and providers.
type AgentRole string

const (
	RoleCommuter AgentRole = "commuter"
	RoleProvider AgentRole = "provider"
)

// Mode identifies the transport mode of a capacity segment.
type Mode string

const (
	ModeBike    Mode = "bike"
	ModeBus     Mode = "bus"
	ModeTrain   Mode = "train"
	ModeCar     Mode = "car"
	ModeScooter Mode = "scooter"
	ModeWalk    Mode = "walk"
)

// RequestStatus is the lifecycle state of a travel request. Requests are
// never deleted, only tombstoned with a final status.
type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestMatched   RequestStatus = "matched"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

// SegmentStatus is the lifecycle state of a capacity segment.
//
//	open → held (remaining < capacity) → consumed (remaining = 0) | expired
//
// cancelled is terminal and reachable only from open (provider cancel).
type SegmentStatus string

const (
	SegmentOpen      SegmentStatus = "open"
	SegmentHeld      SegmentStatus = "held"
	SegmentConsumed  SegmentStatus = "consumed"
	SegmentExpired   SegmentStatus = "expired"
	SegmentCancelled SegmentStatus = "cancelled"
)

// SegmentSource records why a segment was published.
type SegmentSource string

const (
	SourceProactive SegmentSource = "proactive"           // provider published on its own
	SourceResponse  SegmentSource = "response-to-request" // offer answering a specific request
)

// SettlementState tracks a reservation's on-chain settlement. It advances
// monotonically:
//
//	pending → submitted → (confirmed | failed)
//
// reverted is reachable from confirmed only when the match is later rejected
// by the ledger in a subsequent transaction, and triggers restoration of
// segment capacity.
type SettlementState string

const (
	SettlementPending   SettlementState = "pending"
	SettlementSubmitted SettlementState = "submitted"
	SettlementConfirmed SettlementState = "confirmed"
	SettlementFailed    SettlementState = "failed"
	SettlementReverted  SettlementState = "reverted"
)

// CanAdvanceTo reports whether the settlement state machine permits a
// transition from s to next.
func (s SettlementState) CanAdvanceTo(next SettlementState) bool {
	switch s {
	case SettlementPending:
		return next == SettlementSubmitted || next == SettlementFailed
	case SettlementSubmitted:
		return next == SettlementConfirmed || next == SettlementFailed
	case SettlementConfirmed:
		return next == SettlementReverted
	default:
		return false
	}
}

// Terminal reports whether the reservation holds no live claim on capacity.
// failed and reverted reservations have released (or never kept) their seats;
// confirmed can still be reverted by a later on-chain rejection but remains
// a live claim until that happens.
func (s SettlementState) Terminal() bool {
	return s == SettlementFailed || s == SettlementReverted
}

// ————————————————————————————————————————————————————————————————————————
// Geometry
// ————————————————————————————————————————————————————————————————————————

// Point is a network location. Locations are opaque comparable coordinates:
// the core never interprets them geographically, it only compares them for
// nearness. Two points within epsilon are the same network node.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between two points.
func (p Point) DistanceTo(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Near reports whether q is within eps of p.
func (p Point) Near(q Point, eps float64) bool {
	return p.DistanceTo(q) <= eps
}

// ————————————————————————————————————————————————————————————————————————
// Agents
// ————————————————————————————————————————————————————————————————————————

// Agent is a registered marketplace participant. Providers may carry
// service-area metadata (service_x, service_y, service_radius) used to scope
// broadcast notifications; commuters carry free-form profile data.
type Agent struct {
	ID             string            `json:"id"`
	Role           AgentRole         `json:"role"`
	Mode           Mode              `json:"mode,omitempty"` // providers only
	Metadata       map[string]string `json:"metadata,omitempty"`
	RegisteredTick int64             `json:"registered_tick"`
}

// ————————————————————————————————————————————————————————————————————————
// Requests and segments
// ————————————————————————————————————————————————————————————————————————

// Request is a commuter's posted travel demand.
type Request struct {
	ID           string            `json:"id"`
	CommuterID   string            `json:"commuter_id"`
	Origin       Point             `json:"origin"`
	Destination  Point             `json:"destination"`
	StartTime    int64             `json:"start_time"` // earliest departure tick
	MaxPrice     decimal.Decimal   `json:"max_price"`  // zero = unbounded
	Purpose      string            `json:"purpose,omitempty"`
	Requirements map[string]string `json:"requirements,omitempty"`
	CreatedTick  int64             `json:"created_tick"`
	ExpiresTick  int64             `json:"expires_tick"`
	Status       RequestStatus     `json:"status"`
}

// Segment is the tokenizable capacity unit: one provider, one leg, one time
// window, one price, a small integer capacity. An offer is a segment with
// TargetRequestID set and Source = response-to-request.
type Segment struct {
	ID              string          `json:"id"`
	ProviderID      string          `json:"provider_id"`
	Mode            Mode            `json:"mode"`
	Origin          Point           `json:"origin"`
	Destination     Point           `json:"destination"`
	DepartTime      int64           `json:"depart_time"`
	ArriveTime      int64           `json:"arrive_time"` // strictly > DepartTime
	Price           decimal.Decimal `json:"price"`
	Capacity        int             `json:"capacity"`  // >= 1
	Remaining       int             `json:"remaining"` // 0 <= Remaining <= Capacity
	CreatedTick     int64           `json:"created_tick"`
	Status          SegmentStatus   `json:"status"`
	Source          SegmentSource   `json:"source,omitempty"`
	TargetRequestID string          `json:"target_request_id,omitempty"`
}

// IsOffer reports whether the segment was submitted against a specific
// request rather than published proactively.
func (s Segment) IsOffer() bool {
	return s.TargetRequestID != "" && s.Source == SourceResponse
}

// ————————————————————————————————————————————————————————————————————————
// Bundles, reservations, matches
// ————————————————————————————————————————————————————————————————————————

// Bundle is an ordered multi-modal journey composed from segments. Bundles
// are ephemeral: the router constructs them, the caller either discards them
// or takes a reservation; only the segments and the reservation persist.
type Bundle struct {
	ID           string          `json:"id"` // stable hash of the ordered segment list
	SegmentIDs   []string        `json:"segment_ids"`
	ProviderIDs  []string        `json:"provider_ids"` // provider per segment, travel order
	Origin       Point           `json:"origin"`
	Destination  Point           `json:"destination"`
	DepartTime   int64           `json:"depart_time"`
	ArriveTime   int64           `json:"arrive_time"`
	BasePrice    decimal.Decimal `json:"base_price"` // sum of segment prices
	Discount     float64         `json:"discount"`   // 0.0 to maxDiscountRate
	FinalPrice   decimal.Decimal `json:"final_price"`
	NumSegments  int             `json:"num_segments"`
	Modes        []Mode          `json:"modes"`
	UtilityScore float64         `json:"utility_score"`
}

// PrimaryOfferID returns the segment recorded as the match's offer when a
// bundle wins: the first segment in travel order.
func (b Bundle) PrimaryOfferID() string {
	if len(b.SegmentIDs) == 0 {
		return ""
	}
	return b.SegmentIDs[0]
}

// RepresentativeProviderID returns the provider recorded on the match.
func (b Bundle) RepresentativeProviderID() string {
	if len(b.ProviderIDs) == 0 {
		return ""
	}
	return b.ProviderIDs[0]
}

// Reservation is the persisted commitment that a commuter has claimed one
// seat on every segment of a bundle at a cleared price.
type Reservation struct {
	ID           string          `json:"id"`
	CommuterID   string          `json:"commuter_id"`
	RequestID    string          `json:"request_id"`
	BundleID     string          `json:"bundle_id"`
	SegmentIDs   []string        `json:"segment_ids"`
	ClearedPrice decimal.Decimal `json:"cleared_price"`
	CreatedTick  int64           `json:"created_tick"`
	Settlement   SettlementState `json:"settlement"`
	TxID         string          `json:"tx_id,omitempty"`   // ledger client handle
	TxHash       string          `json:"tx_hash,omitempty"` // on-chain hash once known
	FailReason   string          `json:"fail_reason,omitempty"`
}

// Match is the authoritative per-request record of a won offer. At most one
// match exists per request.
type Match struct {
	RequestID     string          `json:"request_id"`
	OfferID       string          `json:"offer_id"` // first segment of the winning bundle
	ProviderID    string          `json:"provider_id"`
	FinalPrice    decimal.Decimal `json:"final_price"`
	ReservationID string          `json:"reservation_id"`
	RecordedTick  int64           `json:"recorded_tick"`
	TxHash        string          `json:"tx_hash,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Notifications
// ————————————————————————————————————————————————————————————————————————

// NotificationKind classifies provider-scoped marketplace messages.
type NotificationKind string

const (
	// NoteOfferWanted is broadcast when a request found no bundle and the
	// coordinator asks providers to mint a direct segment for it.
	NoteOfferWanted NotificationKind = "offer-wanted"
	// NoteSegmentPublished targets providers when a segment is published
	// against a request they could serve.
	NoteSegmentPublished NotificationKind = "segment-published"
	// NoteOfferSubmitted targets providers when an offer lands on a request.
	NoteOfferSubmitted NotificationKind = "offer-submitted"
)

// Notification is an in-process provider message. Delivery is at-least-once
// to in-process listeners; nothing is persisted across restarts.
type Notification struct {
	Kind        NotificationKind  `json:"kind"`
	RequestID   string            `json:"request_id,omitempty"`
	Payload     map[string]string `json:"payload,omitempty"`
	CreatedTick int64             `json:"created_tick"`
}

// ————————————————————————————————————————————————————————————————————————
// Aggregates and snapshots
// ————————————————————————————————————————————————————————————————————————

// TickAggregate accumulates per-tick marketplace activity for the exporter.
type TickAggregate struct {
	Tick              int64           `json:"tick"`
	RequestsCreated   int             `json:"requests_created"`
	SegmentsPublished int             `json:"segments_published"`
	OffersSubmitted   int             `json:"offers_submitted"`
	MatchesRecorded   int             `json:"matches_recorded"`
	Reservations      int             `json:"reservations"`
	Expirations       int             `json:"expirations"`
	MatchedVolume     decimal.Decimal `json:"matched_volume"`
	ModeCounts        map[Mode]int    `json:"mode_counts"` // modes published this tick
}

// Counts summarizes store contents by entity and status.
type Counts struct {
	Agents       int `json:"agents"`
	Commuters    int `json:"commuters"`
	Providers    int `json:"providers"`
	Requests     int `json:"requests"`
	OpenRequests int `json:"open_requests"`
	Segments     int `json:"segments"`
	OpenSegments int `json:"open_segments"`
	Reservations int `json:"reservations"`
	Matches      int `json:"matches"`
}

// LedgerStats summarizes the ledger client's transaction outcomes.
type LedgerStats struct {
	Queued            int     `json:"queued"`
	Submitted         int     `json:"submitted"`
	Confirmed         int     `json:"confirmed"`
	Failed            int     `json:"failed"`
	InFlight          int     `json:"in_flight"`
	TotalGasUsed      uint64  `json:"total_gas_used"`
	AvgConfirmSeconds float64 `json:"avg_confirm_seconds"`
	Retries           int     `json:"retries"`
	NonceResyncs      int     `json:"nonce_resyncs"`
}

// Stats is the coordinator's aggregated view across subsystems.
type Stats struct {
	CurrentTick int64       `json:"current_tick"`
	Store       Counts      `json:"store"`
	Ledger      LedgerStats `json:"ledger"`
}

// Snapshot is an immutable copy of one completed run's state, consumed by
// the analytical exporter. All slices are deep copies; mutating them does
// not affect the live store.
type Snapshot struct {
	CurrentTick  int64           `json:"current_tick"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      time.Time       `json:"ended_at"`
	Agents       []Agent         `json:"agents"`
	Requests     []Request       `json:"requests"`
	Segments     []Segment       `json:"segments"`
	Reservations []Reservation   `json:"reservations"`
	Matches      []Match         `json:"matches"`
	Ticks        []TickAggregate `json:"ticks"`
	Ledger       LedgerStats     `json:"ledger"`
}
