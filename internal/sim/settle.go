package sim

import (
	"context"

	"github.com/google/uuid"

	"maas-sim/internal/ledger"
	"maas-sim/internal/market"
	"maas-sim/pkg/types"
)

// ReserveBundle commits a bundle reservation and starts its settlement.
//
// The store commit is the atomic step: request re-validation, bundle
// re-validation, capacity holds, the reservation record, and the match all
// apply in one critical section or not at all. The recordMatch transaction
// is submitted afterwards, outside any lock, and the reservation returns in
// the submitted state. A background watcher drives it to confirmed (seats
// consumed) or failed (seats released, request reopened when no other
// reservation holds it).
func (c *Coordinator) ReserveBundle(ctx context.Context, commuterID, requestID string, bundle types.Bundle) (types.Reservation, error) {
	defaults := c.router.Defaults()
	res, err := c.store.Reserve(market.ReserveArgs{
		ReservationID: uuid.NewString(),
		CommuterID:    commuterID,
		RequestID:     requestID,
		Bundle:        bundle,
		Epsilon:       defaults.Epsilon,
		TimeTolerance: defaults.TimeTolerance,
	})
	if err != nil {
		return types.Reservation{}, err
	}

	txIDs, err := c.submitMatchCalls(ctx, res, bundle)
	if err != nil {
		c.failReservation(res, err.Error())
		return types.Reservation{}, err
	}

	updated, err := c.store.UpdateReservationState(res.ID, types.SettlementSubmitted, txIDs[0], "")
	if err != nil {
		// The reservation was created pending in this call; the transition
		// cannot be rejected.
		panic("sim: reservation " + res.ID + " rejected submitted transition: " + err.Error())
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchSettlement(updated, txIDs)
	}()

	c.logger.Info("bundle reserved",
		"reservation", res.ID,
		"request", requestID,
		"bundle", bundle.ID,
		"segments", len(bundle.SegmentIDs),
		"price", bundle.FinalPrice.StringFixed(2),
	)
	return updated, nil
}

// submitMatchCalls emits the recordMatch transactions for a fresh
// reservation: one per bundle by default, or one per segment when the
// legacy per-segment accounting is configured.
func (c *Coordinator) submitMatchCalls(ctx context.Context, res types.Reservation, bundle types.Bundle) ([]string, error) {
	calls := make([]ledger.Call, 0, len(bundle.SegmentIDs))
	if c.cfg.Ledger.MatchPerSegment {
		for i, segID := range bundle.SegmentIDs {
			seg, err := c.store.Segment(segID)
			if err != nil {
				return nil, err
			}
			provider := seg.ProviderID
			if i < len(bundle.ProviderIDs) {
				provider = bundle.ProviderIDs[i]
			}
			calls = append(calls, ledger.Call{
				Method: ledger.MethodRecordMatch,
				Args:   []any{res.RequestID, segID, provider, ledger.PriceToWei(seg.Price)},
				Origin: "match",
			})
		}
	} else {
		calls = append(calls, ledger.Call{
			Method: ledger.MethodRecordMatch,
			Args: []any{
				res.RequestID,
				bundle.PrimaryOfferID(),
				bundle.RepresentativeProviderID(),
				ledger.PriceToWei(bundle.FinalPrice),
			},
			Origin: "match",
		})
	}

	txIDs := make([]string, 0, len(calls))
	for _, call := range calls {
		txID, err := c.ledger.Submit(ctx, call)
		if err != nil {
			return nil, err
		}
		txIDs = append(txIDs, txID)
	}
	return txIDs, nil
}

// watchSettlement awaits every match transaction of a reservation. All
// confirmed moves the reservation to confirmed and consumes its seats; any
// failure fails the reservation, releases its seats, and reopens the
// request when no other live reservation holds it.
func (c *Coordinator) watchSettlement(res types.Reservation, txIDs []string) {
	var txHash string
	for _, txID := range txIDs {
		rcpt, err := c.ledger.Await(c.ctx, txID)
		if err != nil {
			c.failReservation(res, "settlement aborted: "+err.Error())
			return
		}
		if rcpt.State != ledger.TxConfirmed {
			c.failReservation(res, rcpt.Err)
			return
		}
		if txHash == "" {
			txHash = rcpt.TxHash
		}
	}

	if _, err := c.store.UpdateReservationState(res.ID, types.SettlementConfirmed, txHash, ""); err != nil {
		// Lost to a concurrent expiry; the seats are already released.
		c.logger.Warn("confirm transition rejected", "reservation", res.ID, "error", err)
		return
	}
	c.store.MarkConsumed(res.SegmentIDs)
	c.logger.Info("reservation settled", "reservation", res.ID, "tx_hash", txHash)
}

// failReservation drives a reservation to failed and hands its capacity
// back. Already-terminal reservations (tick expiry won the race) are left
// alone.
func (c *Coordinator) failReservation(res types.Reservation, reason string) {
	if _, err := c.store.UpdateReservationState(res.ID, types.SettlementFailed, "", reason); err != nil {
		c.logger.Warn("fail transition rejected", "reservation", res.ID, "error", err)
		return
	}
	if err := c.store.ReleaseSegments(res.SegmentIDs, 1); err != nil {
		c.logger.Warn("seat release failed", "reservation", res.ID, "error", err)
	}
	reopened := c.store.ReopenRequestIfIdle(res.RequestID)
	c.logger.Warn("reservation failed",
		"reservation", res.ID,
		"request", res.RequestID,
		"reopened", reopened,
		"reason", reason,
	)
}

// ConfirmCompletion settles journey completion for a matched request. The
// call blocks until the transaction is terminal. A revert means the ledger
// rejected the recorded match after the fact: the reservation moves to
// reverted and its capacity is restored.
func (c *Coordinator) ConfirmCompletion(ctx context.Context, requestID string) error {
	m, err := c.store.Match(requestID)
	if err != nil {
		return err
	}

	txID, err := c.ledger.Submit(ctx, ledger.Call{
		Method: ledger.MethodConfirmCompletion,
		Args:   []any{requestID},
		Origin: "match",
	})
	if err != nil {
		return err
	}
	rcpt, err := c.ledger.Await(ctx, txID)
	if err != nil {
		return err
	}
	if rcpt.State == ledger.TxConfirmed {
		c.logger.Info("completion confirmed", "request", requestID, "tx_hash", rcpt.TxHash)
		return nil
	}

	if rcpt.FailKind == types.KindRevert {
		if _, err := c.store.UpdateReservationState(
			m.ReservationID, types.SettlementReverted, "", "completion rejected on-chain"); err != nil {
			c.logger.Warn("revert transition rejected", "reservation", m.ReservationID, "error", err)
		}
		return types.E(types.KindRevert, "completion of request %s rejected: %s", requestID, rcpt.Err)
	}
	return types.E(rcpt.FailKind, "completion of request %s failed: %s", requestID, rcpt.Err)
}
