package market

import (
	"maas-sim/pkg/types"
)

// ReserveArgs carries everything the store needs to commit a bundle
// reservation in one critical section. Epsilon and TimeTolerance re-check
// the bundle's spatial and temporal invariants against the live store: the
// bundle the commuter is holding may have gone stale since the router built
// it.
type ReserveArgs struct {
	ReservationID string
	CommuterID    string
	RequestID     string
	Bundle        types.Bundle
	Epsilon       float64
	TimeTolerance int64
}

// Reserve is the atomic commit point of the marketplace. Under a single
// write-lock critical section it validates the request and every bundle
// segment, claims one seat per segment, records the reservation (settlement
// pending), and records the match. Either everything applies or nothing
// does.
//
// Re-submitting an existing reservation id is a no-op returning the stored
// reservation, which makes the commit idempotent by reservation id. By
// bundle content it is not: two racing calls over the same bundle fight for
// the holds, one wins and the other gets BundleStale.
func (s *Store) Reserve(a ReserveArgs) (types.Reservation, error) {
	if a.ReservationID == "" {
		return types.Reservation{}, types.E(types.KindInvalidArgument, "reservation id is empty")
	}
	if len(a.Bundle.SegmentIDs) == 0 {
		return types.Reservation{}, types.E(types.KindInvalidArgument, "bundle has no segments")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.reservations[a.ReservationID]; ok {
		return copyReservation(existing), nil
	}

	req, ok := s.requests[a.RequestID]
	if !ok {
		return types.Reservation{}, types.E(types.KindNotFound, "request %s not found", a.RequestID)
	}
	if req.Status != types.RequestOpen {
		return types.Reservation{}, types.E(types.KindWrongStatus,
			"request %s is %s, not open", a.RequestID, req.Status)
	}
	if req.CommuterID != a.CommuterID {
		return types.Reservation{}, types.E(types.KindInvalidArgument,
			"request %s belongs to %s, not %s", a.RequestID, req.CommuterID, a.CommuterID)
	}
	if req.MaxPrice.IsPositive() && a.Bundle.FinalPrice.GreaterThan(req.MaxPrice) {
		return types.Reservation{}, types.E(types.KindWrongStatus,
			"bundle price %s exceeds request budget %s",
			a.Bundle.FinalPrice.StringFixed(2), req.MaxPrice.StringFixed(2))
	}

	// Re-validate the bundle against the live store: every segment must
	// still be reservable and the journey must still chain.
	var prev *types.Segment
	for _, id := range a.Bundle.SegmentIDs {
		seg, ok := s.segments[id]
		if !ok {
			return types.Reservation{}, types.E(types.KindNotFound, "bundle segment %s not found", id)
		}
		if seg.Status != types.SegmentOpen && seg.Status != types.SegmentHeld {
			return types.Reservation{}, types.E(types.KindBundleStale,
				"bundle segment %s is %s", id, seg.Status)
		}
		if prev != nil {
			if seg.DepartTime < prev.ArriveTime || seg.DepartTime > prev.ArriveTime+a.TimeTolerance {
				return types.Reservation{}, types.E(types.KindBundleStale,
					"bundle no longer chains in time at segment %s", id)
			}
			if !prev.Destination.Near(seg.Origin, a.Epsilon) {
				return types.Reservation{}, types.E(types.KindBundleStale,
					"bundle no longer chains in space at segment %s", id)
			}
		}
		prev = seg
	}

	if err := s.holdLocked(a.Bundle.SegmentIDs, 1); err != nil {
		if types.IsKind(err, types.KindCapacityDenied) {
			return types.Reservation{}, types.Wrap(types.KindBundleStale, err,
				"bundle capacity was claimed by a competing reservation")
		}
		return types.Reservation{}, err
	}

	res := types.Reservation{
		ID:           a.ReservationID,
		CommuterID:   a.CommuterID,
		RequestID:    a.RequestID,
		BundleID:     a.Bundle.ID,
		SegmentIDs:   a.Bundle.SegmentIDs,
		ClearedPrice: a.Bundle.FinalPrice,
		Settlement:   types.SettlementPending,
	}
	if err := s.recordReservationLocked(res); err != nil {
		// Unreachable after the duplicate check above.
		panic("market: reservation record failed after holds applied: " + err.Error())
	}
	if _, err := s.recordMatchLocked(
		a.RequestID,
		a.Bundle.PrimaryOfferID(),
		a.Bundle.RepresentativeProviderID(),
		a.Bundle.FinalPrice,
		a.ReservationID,
	); err != nil {
		// The request was validated open in this critical section.
		panic("market: match record failed after holds applied: " + err.Error())
	}

	stored := s.reservations[a.ReservationID]
	return copyReservation(stored), nil
}
