package types

import (
	"errors"
	"testing"
)

func TestPointNear(t *testing.T) {
	t.Parallel()

	p := Point{X: 0, Y: 0}
	if !p.Near(Point{X: 0.3, Y: 0.4}, 0.5) {
		t.Error("point at distance 0.5 should be near with eps 0.5")
	}
	if p.Near(Point{X: 0.3, Y: 0.41}, 0.5) {
		t.Error("point past eps should not be near")
	}
	if !p.Near(p, 0) {
		t.Error("a point is always near itself")
	}
}

func TestSettlementStateMachine(t *testing.T) {
	t.Parallel()

	allowed := map[SettlementState][]SettlementState{
		SettlementPending:   {SettlementSubmitted, SettlementFailed},
		SettlementSubmitted: {SettlementConfirmed, SettlementFailed},
		SettlementConfirmed: {SettlementReverted},
		SettlementFailed:    {},
		SettlementReverted:  {},
	}
	all := []SettlementState{
		SettlementPending, SettlementSubmitted, SettlementConfirmed,
		SettlementFailed, SettlementReverted,
	}

	for from, nexts := range allowed {
		ok := make(map[SettlementState]bool)
		for _, n := range nexts {
			ok[n] = true
		}
		for _, to := range all {
			if got := from.CanAdvanceTo(to); got != ok[to] {
				t.Errorf("CanAdvanceTo(%s → %s) = %v, want %v", from, to, got, ok[to])
			}
		}
	}
}

func TestSettlementTerminal(t *testing.T) {
	t.Parallel()

	if SettlementConfirmed.Terminal() {
		t.Error("confirmed still holds capacity, must not be terminal")
	}
	if !SettlementFailed.Terminal() || !SettlementReverted.Terminal() {
		t.Error("failed and reverted must be terminal")
	}
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	base := E(KindCapacityDenied, "segment %s is full", "seg-1")
	if got := KindOf(base); got != KindCapacityDenied {
		t.Errorf("KindOf = %q, want %q", got, KindCapacityDenied)
	}

	wrapped := Wrap(KindBundleStale, base, "bundle lost its seats")
	if !IsKind(wrapped, KindBundleStale) {
		t.Error("wrapping must surface the outer kind")
	}
	if !errors.Is(wrapped, wrapped) {
		t.Error("errors.Is must match the error itself")
	}

	var typed *Error
	if !errors.As(wrapped, &typed) {
		t.Fatal("errors.As failed on *Error")
	}
	if typed.Unwrap() != base {
		t.Error("Unwrap must return the cause")
	}

	if KindOf(errors.New("plain")) != "" {
		t.Error("unclassified errors report an empty kind")
	}
}

func TestBundleRepresentatives(t *testing.T) {
	t.Parallel()

	b := Bundle{
		SegmentIDs:  []string{"s1", "s2"},
		ProviderIDs: []string{"p1", "p2"},
	}
	if b.PrimaryOfferID() != "s1" {
		t.Errorf("PrimaryOfferID = %q, want s1", b.PrimaryOfferID())
	}
	if b.RepresentativeProviderID() != "p1" {
		t.Errorf("RepresentativeProviderID = %q, want p1", b.RepresentativeProviderID())
	}

	var empty Bundle
	if empty.PrimaryOfferID() != "" || empty.RepresentativeProviderID() != "" {
		t.Error("empty bundle has no representatives")
	}
}
