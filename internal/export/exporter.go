// Package export persists completed run snapshots into a relational store
// for offline analysis. SQLite (file or in-memory) and Postgres are
// supported; the schema is identical on both.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"maas-sim/internal/config"
	"maas-sim/pkg/types"
)

// Exporter writes run snapshots through one gorm handle.
type Exporter struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to the configured engine and migrates the schema.
func Open(cfg config.ExportConfig, logger *slog.Logger) (*Exporter, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, types.E(types.KindInvalidArgument, "unknown export driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, types.Wrap(types.KindExportFailed, err, "open %s export store", cfg.Driver)
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, types.Wrap(types.KindExportFailed, err, "migrate export schema")
	}

	return &Exporter{
		db:     db,
		logger: logger.With("component", "export"),
	}, nil
}

// Export writes one snapshot under runID inside a single transaction: the
// run either lands completely or not at all. An existing run id fails with
// DuplicateRun unless overwrite is set, in which case the old run's whole
// subtree is deleted first. Re-running an overwrite export with identical
// input converges on identical table contents.
func (e *Exporter) Export(ctx context.Context, runID string, snap types.Snapshot, overwrite bool) error {
	if runID == "" {
		return types.E(types.KindInvalidArgument, "run id is empty")
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RunRow
		lookup := tx.First(&existing, "run_id = ?", runID).Error
		switch {
		case lookup == nil:
			if !overwrite {
				return types.E(types.KindDuplicateRun, "run %s already exported", runID)
			}
			if err := deleteRun(tx, runID); err != nil {
				return err
			}
		case errors.Is(lookup, gorm.ErrRecordNotFound):
		default:
			return fmt.Errorf("look up run %s: %w", runID, lookup)
		}
		return insertRun(tx, runID, snap)
	})
	if err == nil {
		e.logger.Info("run exported",
			"run_id", runID,
			"agents", len(snap.Agents),
			"requests", len(snap.Requests),
			"segments", len(snap.Segments),
			"reservations", len(snap.Reservations),
		)
		return nil
	}
	if ctx.Err() != nil {
		return types.Wrap(types.KindCancelled, err, "export run %s", runID)
	}
	if types.KindOf(err) != "" {
		return err
	}
	return types.Wrap(types.KindExportFailed, err, "export run %s", runID)
}

// Close releases the underlying connection pool.
func (e *Exporter) Close() error {
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// deleteRun removes a run's whole subtree, children before the parent.
func deleteRun(tx *gorm.DB, runID string) error {
	models := allModels()
	for i := len(models) - 1; i >= 0; i-- {
		if err := tx.Where("run_id = ?", runID).Delete(models[i]).Error; err != nil {
			return fmt.Errorf("delete previous run %s: %w", runID, err)
		}
	}
	return nil
}

// insertRun writes every table in dependency order. Rows are sorted by
// their natural key first so identical snapshots produce identical inserts.
func insertRun(tx *gorm.DB, runID string, snap types.Snapshot) error {
	now := time.Now()
	if err := tx.Create(&RunRow{
		RunID:      runID,
		StartedAt:  snap.StartedAt,
		EndedAt:    snap.EndedAt,
		FinalTick:  snap.CurrentTick,
		ExportedAt: now,
	}).Error; err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	agents := make([]AgentRow, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		agents = append(agents, AgentRow{
			RunID:          runID,
			AgentID:        a.ID,
			Role:           string(a.Role),
			Mode:           string(a.Mode),
			Metadata:       jsonObject(a.Metadata),
			RegisteredTick: a.RegisteredTick,
		})
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].AgentID < agents[j].AgentID })
	if err := createBatch(tx, agents, "agents"); err != nil {
		return err
	}

	requests := make([]RequestRow, 0, len(snap.Requests))
	for _, r := range snap.Requests {
		requests = append(requests, RequestRow{
			RunID:        runID,
			RequestID:    r.ID,
			CommuterID:   r.CommuterID,
			OriginX:      r.Origin.X,
			OriginY:      r.Origin.Y,
			DestX:        r.Destination.X,
			DestY:        r.Destination.Y,
			StartTime:    r.StartTime,
			MaxPrice:     r.MaxPrice.StringFixed(2),
			Purpose:      r.Purpose,
			Requirements: jsonObject(r.Requirements),
			CreatedTick:  r.CreatedTick,
			ExpiresTick:  r.ExpiresTick,
			Status:       string(r.Status),
		})
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].RequestID < requests[j].RequestID })
	if err := createBatch(tx, requests, "requests"); err != nil {
		return err
	}

	segments := make([]SegmentRow, 0, len(snap.Segments))
	for _, s := range snap.Segments {
		segments = append(segments, SegmentRow{
			RunID:           runID,
			SegmentID:       s.ID,
			ProviderID:      s.ProviderID,
			Mode:            string(s.Mode),
			OriginX:         s.Origin.X,
			OriginY:         s.Origin.Y,
			DestX:           s.Destination.X,
			DestY:           s.Destination.Y,
			DepartTime:      s.DepartTime,
			ArriveTime:      s.ArriveTime,
			Price:           s.Price.StringFixed(2),
			Capacity:        s.Capacity,
			Remaining:       s.Remaining,
			CreatedTick:     s.CreatedTick,
			Status:          string(s.Status),
			Source:          string(s.Source),
			TargetRequestID: s.TargetRequestID,
		})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].SegmentID < segments[j].SegmentID })
	if err := createBatch(tx, segments, "segments"); err != nil {
		return err
	}

	// Bundles only survive through reservations; rebuild them from there.
	// Two reservations over the same journey share one bundle row.
	bundleSeen := make(map[string]bool)
	bundles := make([]BundleRow, 0, len(snap.Reservations))
	bundleSegs := make([]BundleSegmentRow, 0, len(snap.Reservations))
	reservations := make([]ReservationRow, 0, len(snap.Reservations))
	resSegs := make([]ReservationSegmentRow, 0, len(snap.Reservations))
	for _, res := range snap.Reservations {
		if res.BundleID != "" && !bundleSeen[res.BundleID] {
			bundleSeen[res.BundleID] = true
			bundles = append(bundles, BundleRow{
				RunID:       runID,
				BundleID:    res.BundleID,
				NumSegments: len(res.SegmentIDs),
			})
			for pos, segID := range res.SegmentIDs {
				bundleSegs = append(bundleSegs, BundleSegmentRow{
					RunID:     runID,
					BundleID:  res.BundleID,
					Position:  pos,
					SegmentID: segID,
				})
			}
		}
		reservations = append(reservations, ReservationRow{
			RunID:         runID,
			ReservationID: res.ID,
			CommuterID:    res.CommuterID,
			RequestID:     res.RequestID,
			BundleID:      res.BundleID,
			ClearedPrice:  res.ClearedPrice.StringFixed(2),
			CreatedTick:   res.CreatedTick,
			Settlement:    string(res.Settlement),
			TxID:          res.TxID,
			TxHash:        res.TxHash,
			FailReason:    res.FailReason,
		})
		for pos, segID := range res.SegmentIDs {
			resSegs = append(resSegs, ReservationSegmentRow{
				RunID:         runID,
				ReservationID: res.ID,
				Position:      pos,
				SegmentID:     segID,
			})
		}
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].BundleID < bundles[j].BundleID })
	sort.Slice(bundleSegs, func(i, j int) bool {
		if bundleSegs[i].BundleID != bundleSegs[j].BundleID {
			return bundleSegs[i].BundleID < bundleSegs[j].BundleID
		}
		return bundleSegs[i].Position < bundleSegs[j].Position
	})
	sort.Slice(reservations, func(i, j int) bool {
		return reservations[i].ReservationID < reservations[j].ReservationID
	})
	sort.Slice(resSegs, func(i, j int) bool {
		if resSegs[i].ReservationID != resSegs[j].ReservationID {
			return resSegs[i].ReservationID < resSegs[j].ReservationID
		}
		return resSegs[i].Position < resSegs[j].Position
	})
	if err := createBatch(tx, bundles, "bundles"); err != nil {
		return err
	}
	if err := createBatch(tx, bundleSegs, "bundle segments"); err != nil {
		return err
	}
	if err := createBatch(tx, reservations, "reservations"); err != nil {
		return err
	}
	if err := createBatch(tx, resSegs, "reservation segments"); err != nil {
		return err
	}

	matches := make([]MatchRow, 0, len(snap.Matches))
	for _, m := range snap.Matches {
		matches = append(matches, MatchRow{
			RunID:         runID,
			RequestID:     m.RequestID,
			OfferID:       m.OfferID,
			ProviderID:    m.ProviderID,
			FinalPrice:    m.FinalPrice.StringFixed(2),
			ReservationID: m.ReservationID,
			RecordedTick:  m.RecordedTick,
			TxHash:        m.TxHash,
		})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].RequestID < matches[j].RequestID })
	if err := createBatch(tx, matches, "matches"); err != nil {
		return err
	}

	ticks := make([]TickRow, 0, len(snap.Ticks))
	for _, t := range snap.Ticks {
		modeCounts := make(map[string]int, len(t.ModeCounts))
		for mode, n := range t.ModeCounts {
			modeCounts[string(mode)] = n
		}
		raw, _ := json.Marshal(modeCounts)
		ticks = append(ticks, TickRow{
			RunID:             runID,
			Tick:              t.Tick,
			RequestsCreated:   t.RequestsCreated,
			SegmentsPublished: t.SegmentsPublished,
			OffersSubmitted:   t.OffersSubmitted,
			MatchesRecorded:   t.MatchesRecorded,
			Reservations:      t.Reservations,
			Expirations:       t.Expirations,
			MatchedVolume:     t.MatchedVolume.StringFixed(2),
			ModeCounts:        string(raw),
		})
	}
	sort.Slice(ticks, func(i, j int) bool { return ticks[i].Tick < ticks[j].Tick })
	if err := createBatch(tx, ticks, "tick aggregates"); err != nil {
		return err
	}

	if err := tx.Create(&LedgerStatsRow{
		RunID:             runID,
		Submitted:         snap.Ledger.Submitted,
		Confirmed:         snap.Ledger.Confirmed,
		Failed:            snap.Ledger.Failed,
		TotalGasUsed:      snap.Ledger.TotalGasUsed,
		AvgConfirmSeconds: snap.Ledger.AvgConfirmSeconds,
		Retries:           snap.Ledger.Retries,
		NonceResyncs:      snap.Ledger.NonceResyncs,
	}).Error; err != nil {
		return fmt.Errorf("insert ledger stats: %w", err)
	}
	return nil
}

// createBatch inserts a row slice, skipping the call when it is empty since
// gorm rejects empty creates.
func createBatch[T any](tx *gorm.DB, rows []T, what string) error {
	if len(rows) == 0 {
		return nil
	}
	if err := tx.CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("insert %s: %w", what, err)
	}
	return nil
}

func jsonObject(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	raw, _ := json.Marshal(m)
	return string(raw)
}
