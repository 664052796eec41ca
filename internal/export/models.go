package export

import (
	"time"
)

// Relational rows for one exported run. Every table is keyed by
// (run_id, local id) so many runs share one analytical store. Prices are
// stored as fixed-point decimal strings, never floats.

// RunRow is the parent record; all other rows hang off its run_id.
type RunRow struct {
	RunID      string    `gorm:"column:run_id;primaryKey"`
	StartedAt  time.Time `gorm:"column:started_at"`
	EndedAt    time.Time `gorm:"column:ended_at"`
	FinalTick  int64     `gorm:"column:final_tick"`
	ExportedAt time.Time `gorm:"column:exported_at"`
}

func (RunRow) TableName() string { return "runs" }

type AgentRow struct {
	RunID          string `gorm:"column:run_id;primaryKey"`
	AgentID        string `gorm:"column:agent_id;primaryKey"`
	Role           string `gorm:"column:role"`
	Mode           string `gorm:"column:mode"`
	Metadata       string `gorm:"column:metadata"` // JSON object
	RegisteredTick int64  `gorm:"column:registered_tick"`
}

func (AgentRow) TableName() string { return "agents" }

type RequestRow struct {
	RunID        string `gorm:"column:run_id;primaryKey"`
	RequestID    string `gorm:"column:request_id;primaryKey"`
	CommuterID   string `gorm:"column:commuter_id;index"`
	OriginX      float64
	OriginY      float64
	DestX        float64 `gorm:"column:dest_x"`
	DestY        float64 `gorm:"column:dest_y"`
	StartTime    int64   `gorm:"column:start_time"`
	MaxPrice     string  `gorm:"column:max_price;type:decimal(20,2)"`
	Purpose      string
	Requirements string `gorm:"column:requirements"` // JSON object
	CreatedTick  int64  `gorm:"column:created_tick"`
	ExpiresTick  int64  `gorm:"column:expires_tick"`
	Status       string `gorm:"index"`
}

func (RequestRow) TableName() string { return "requests" }

type SegmentRow struct {
	RunID           string `gorm:"column:run_id;primaryKey"`
	SegmentID       string `gorm:"column:segment_id;primaryKey"`
	ProviderID      string `gorm:"column:provider_id;index"`
	Mode            string
	OriginX         float64
	OriginY         float64
	DestX           float64 `gorm:"column:dest_x"`
	DestY           float64 `gorm:"column:dest_y"`
	DepartTime      int64   `gorm:"column:depart_time"`
	ArriveTime      int64   `gorm:"column:arrive_time"`
	Price           string  `gorm:"type:decimal(20,2)"`
	Capacity        int
	Remaining       int
	CreatedTick     int64  `gorm:"column:created_tick"`
	Status          string `gorm:"index"`
	Source          string
	TargetRequestID string `gorm:"column:target_request_id"`
}

func (SegmentRow) TableName() string { return "segments" }

// BundleRow is reconstructed from reservations: bundles themselves are
// ephemeral, only reserved ones leave a trace.
type BundleRow struct {
	RunID       string `gorm:"column:run_id;primaryKey"`
	BundleID    string `gorm:"column:bundle_id;primaryKey"`
	NumSegments int    `gorm:"column:num_segments"`
}

func (BundleRow) TableName() string { return "bundles" }

type BundleSegmentRow struct {
	RunID     string `gorm:"column:run_id;primaryKey"`
	BundleID  string `gorm:"column:bundle_id;primaryKey"`
	Position  int    `gorm:"primaryKey"` // travel order, zero-based
	SegmentID string `gorm:"column:segment_id;index"`
}

func (BundleSegmentRow) TableName() string { return "bundle_segments" }

type ReservationRow struct {
	RunID         string `gorm:"column:run_id;primaryKey"`
	ReservationID string `gorm:"column:reservation_id;primaryKey"`
	CommuterID    string `gorm:"column:commuter_id;index"`
	RequestID     string `gorm:"column:request_id;index"`
	BundleID      string `gorm:"column:bundle_id;index"`
	ClearedPrice  string `gorm:"column:cleared_price;type:decimal(20,2)"`
	CreatedTick   int64  `gorm:"column:created_tick"`
	Settlement    string `gorm:"index"`
	TxID          string `gorm:"column:tx_id"`
	TxHash        string `gorm:"column:tx_hash"`
	FailReason    string `gorm:"column:fail_reason"`
}

func (ReservationRow) TableName() string { return "reservations" }

// ReservationSegmentRow records the seats a reservation claimed, in travel
// order. It duplicates bundle_segments only when two reservations share a
// bundle; queries over settlement outcomes join through it directly.
type ReservationSegmentRow struct {
	RunID         string `gorm:"column:run_id;primaryKey"`
	ReservationID string `gorm:"column:reservation_id;primaryKey"`
	Position      int    `gorm:"primaryKey"`
	SegmentID     string `gorm:"column:segment_id;index"`
}

func (ReservationSegmentRow) TableName() string { return "segment_reservations" }

type MatchRow struct {
	RunID         string `gorm:"column:run_id;primaryKey"`
	RequestID     string `gorm:"column:request_id;primaryKey"`
	OfferID       string `gorm:"column:offer_id"`
	ProviderID    string `gorm:"column:provider_id;index"`
	FinalPrice    string `gorm:"column:final_price;type:decimal(20,2)"`
	ReservationID string `gorm:"column:reservation_id"`
	RecordedTick  int64  `gorm:"column:recorded_tick"`
	TxHash        string `gorm:"column:tx_hash"`
}

func (MatchRow) TableName() string { return "matches" }

type TickRow struct {
	RunID             string `gorm:"column:run_id;primaryKey"`
	Tick              int64  `gorm:"primaryKey"`
	RequestsCreated   int    `gorm:"column:requests_created"`
	SegmentsPublished int    `gorm:"column:segments_published"`
	OffersSubmitted   int    `gorm:"column:offers_submitted"`
	MatchesRecorded   int    `gorm:"column:matches_recorded"`
	Reservations      int
	Expirations       int
	MatchedVolume     string `gorm:"column:matched_volume;type:decimal(20,2)"`
	ModeCounts        string `gorm:"column:mode_counts"` // JSON object
}

func (TickRow) TableName() string { return "tick_aggregates" }

type LedgerStatsRow struct {
	RunID             string  `gorm:"column:run_id;primaryKey"`
	Submitted         int
	Confirmed         int
	Failed            int
	TotalGasUsed      uint64  `gorm:"column:total_gas_used"`
	AvgConfirmSeconds float64 `gorm:"column:avg_confirm_seconds"`
	Retries           int
	NonceResyncs      int `gorm:"column:nonce_resyncs"`
}

func (LedgerStatsRow) TableName() string { return "ledger_stats" }

// allModels lists every table in parent-before-child order; deletion walks
// it in reverse.
func allModels() []any {
	return []any{
		&RunRow{},
		&AgentRow{},
		&RequestRow{},
		&SegmentRow{},
		&BundleRow{},
		&BundleSegmentRow{},
		&ReservationRow{},
		&ReservationSegmentRow{},
		&MatchRow{},
		&TickRow{},
		&LedgerStatsRow{},
	}
}
