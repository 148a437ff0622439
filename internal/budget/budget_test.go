package budget

import (
	"testing"
	"time"
)

func TestLedger_AllocateRespectsWeights(t *testing.T) {
	l := NewLedger(1000*time.Millisecond, nil)
	pubs := l.Allocate("pubs_fetch")
	rag := l.Allocate("rag_fetch")

	if pubs != 350*time.Millisecond {
		t.Fatalf("expected pubs_fetch allocation 350ms, got %v", pubs)
	}
	if rag != 300*time.Millisecond {
		t.Fatalf("expected rag_fetch allocation 300ms, got %v", rag)
	}
}

func TestLedger_AllocateCapsAtRemaining(t *testing.T) {
	l := NewLedger(100*time.Millisecond, nil)
	l.Consume(95 * time.Millisecond)

	alloc := l.Allocate("pubs_fetch")
	if alloc > l.Remaining() {
		t.Fatalf("allocation %v exceeds remaining %v", alloc, l.Remaining())
	}
}

func TestLedger_ConsumedNeverExceedsProperties(t *testing.T) {
	l := NewLedger(200*time.Millisecond, nil)
	l.Consume(250 * time.Millisecond)

	if l.Remaining() != 0 {
		t.Fatalf("expected Remaining to floor at 0, got %v", l.Remaining())
	}
	if l.FractionConsumed() != 1.0 {
		t.Fatalf("expected FractionConsumed to cap at 1.0, got %v", l.FractionConsumed())
	}
}

func TestLedger_DangerZone(t *testing.T) {
	l := NewLedger(1000*time.Millisecond, nil)
	l.Consume(700 * time.Millisecond)
	if l.InDangerZone() {
		t.Fatalf("did not expect danger zone at 70%% consumption")
	}

	l.Consume(150 * time.Millisecond)
	if !l.InDangerZone() {
		t.Fatalf("expected danger zone at 85%% consumption")
	}
}

func TestShouldSalvage(t *testing.T) {
	l := NewLedger(1000*time.Millisecond, nil)
	l.Consume(900 * time.Millisecond)

	if !ShouldSalvage(l, 1, 1) {
		t.Fatalf("expected salvage when in danger zone with completed results and pending fetches")
	}
	if ShouldSalvage(l, 0, 1) {
		t.Fatalf("did not expect salvage with zero completed fetches")
	}
	if ShouldSalvage(l, 1, 0) {
		t.Fatalf("did not expect salvage with zero pending fetches")
	}
}

func TestWeightsForIntent_FallsBackToDefaultWhenNoActiveFetchNodes(t *testing.T) {
	w := WeightsForIntent(nil)
	if len(w) != len(DefaultWeights) {
		t.Fatalf("expected fallback to DefaultWeights")
	}
}

func TestWeightsForIntent_SingleFetchNodeGetsUndividedShare(t *testing.T) {
	w := WeightsForIntent([]string{"pubs_fetch"})
	if w["pubs_fetch"] != FetchShare {
		t.Fatalf("expected pubs_fetch to receive the full fetch share %v, got %v", FetchShare, w["pubs_fetch"])
	}
	if _, ok := w["trials_fetch"]; ok {
		t.Fatalf("did not expect trials_fetch in a single-fetch weight table")
	}
}

func TestWeightsForIntent_MultiFetchNodesSplitShareEvenly(t *testing.T) {
	w := WeightsForIntent([]string{"trials_fetch", "pubs_fetch"})
	each := FetchShare / 2
	if w["trials_fetch"] != each || w["pubs_fetch"] != each {
		t.Fatalf("expected even split of %v, got trials=%v pubs=%v", each, w["trials_fetch"], w["pubs_fetch"])
	}
}

func TestReserve_ShrinksByReserveFraction(t *testing.T) {
	got := Reserve(1000 * time.Millisecond)
	want := 900 * time.Millisecond
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
