package sessions

import (
	"testing"

	"sessiond/internal/domain"
)

func TestFinalizeRightConnectedWhollyLeftCandidate(t *testing.T) {
	windowEnd := minuteAt(60)
	overlapStart := minuteAt(45)
	island := []domain.ActivitySpec{
		closedSpec(1, "a", 0, 6),
		closedSpec(2, "b", 6, 12),
		closedSpec(3, "c", 12, 18),
		closedSpec(4, "d", 50, 55),
	}
	candidates := []mergedCandidate{
		{Name: "Morning work", LLMID: "morning", ActivityIDs: []int64{1, 2, 3}},
		{Name: "Tail work", LLMID: "tail", ActivityIDs: []int64{4}},
	}

	out := FinalizeRightConnectedIsland(island, windowEnd, candidates, overlapStart, defaultLimits())
	if !out.FinalizedHorizon.Equal(overlapStart) {
		t.Fatalf("FinalizedHorizon = %v, want %v", out.FinalizedHorizon, overlapStart)
	}
	if len(out.Sessions) != 1 {
		t.Fatalf("expected 1 finalized session, got %v", out.Sessions)
	}
	s := out.Sessions[0]
	if s.LLMID != "morning" || len(s.ActivityIDs) != 3 {
		t.Fatalf("unexpected finalized session %+v", s)
	}
	// Neither candidate was stored, so nothing needs pruning.
	if len(out.PrunedCandidateActivities) != 0 {
		t.Fatalf("expected no pruned activities, got %v", out.PrunedCandidateActivities)
	}
}

func TestFinalizeRightConnectedNoBridgePossible(t *testing.T) {
	windowEnd := minuteAt(60)
	overlapStart := minuteAt(30)
	// The candidate crosses the cut but its left chunk ends 20 minutes before
	// its right chunk starts: no legal session can bridge, left chunk is safe.
	island := []domain.ActivitySpec{
		closedSpec(1, "a", 0, 8),
		closedSpec(2, "b", 8, 16),
		closedSpec(3, "c", 16, 24),
		closedSpec(4, "d", 44, 52),
	}
	candidates := []mergedCandidate{
		{Name: "Crossing", LLMID: "crossing", ActivityIDs: []int64{1, 2, 3, 4}, Stored: true},
	}

	out := FinalizeRightConnectedIsland(island, windowEnd, candidates, overlapStart, defaultLimits())
	if len(out.Sessions) != 1 {
		t.Fatalf("expected the truncated left chunk finalized, got %v", out.Sessions)
	}
	if got := out.Sessions[0].ActivityIDs; len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("expected left chunk [1 2 3], got %v", got)
	}
	// Stored candidate: its finalized left ids must be pruned from the mapping.
	if len(out.PrunedCandidateActivities) != 3 {
		t.Fatalf("expected 3 pruned activity ids, got %v", out.PrunedCandidateActivities)
	}
}

func TestFinalizeRightConnectedBridgeableCandidateDeferred(t *testing.T) {
	windowEnd := minuteAt(60)
	overlapStart := minuteAt(30)
	// Left chunk ends at 24, right chunk starts at 32: an 8-minute gap fits
	// under MaxGap, so a future session could bridge the cut. Defer everything.
	island := []domain.ActivitySpec{
		closedSpec(1, "a", 0, 8),
		closedSpec(2, "b", 8, 16),
		closedSpec(3, "c", 16, 24),
		closedSpec(4, "d", 32, 40),
	}
	candidates := []mergedCandidate{
		{Name: "Crossing", LLMID: "crossing", ActivityIDs: []int64{1, 2, 3, 4}, Stored: true},
	}

	out := FinalizeRightConnectedIsland(island, windowEnd, candidates, overlapStart, defaultLimits())
	if len(out.Sessions) != 0 {
		t.Fatalf("expected no finalized sessions, got %v", out.Sessions)
	}
	if len(out.PrunedCandidateActivities) != 0 {
		t.Fatalf("expected no pruning for a deferred candidate, got %v", out.PrunedCandidateActivities)
	}
	if !out.FinalizedHorizon.Equal(overlapStart) {
		t.Fatalf("FinalizedHorizon = %v, want the cut %v", out.FinalizedHorizon, overlapStart)
	}
}

func TestFinalizeRightConnectedStraddlingActivityDefers(t *testing.T) {
	windowEnd := minuteAt(60)
	overlapStart := minuteAt(30)
	// Activity 5 straddles the cut, so it counts as right; the gap from the last
	// left end (16) to its start (26) fits under MaxGap, so a bridge is possible.
	island := []domain.ActivitySpec{
		closedSpec(1, "a", 0, 8),
		closedSpec(2, "b", 8, 16),
		closedSpec(5, "s", 26, 34),
		closedSpec(3, "c", 36, 40),
		closedSpec(4, "d", 40, 44),
	}
	candidates := []mergedCandidate{
		{Name: "Crossing", LLMID: "crossing", ActivityIDs: []int64{1, 2, 5, 3, 4}},
	}

	out := FinalizeRightConnectedIsland(island, windowEnd, candidates, overlapStart, defaultLimits())
	if len(out.Sessions) != 0 {
		t.Fatalf("expected deferral, got %v", out.Sessions)
	}
}

func TestFinalizeIsolatedCarryOver(t *testing.T) {
	intervalEnd := minuteAt(40)
	overlap := []domain.ActivitySpec{
		closedSpec(1, "a", 0, 6),
		closedSpec(2, "b", 6, 12),
		closedSpec(3, "c", 12, 18),
	}
	carryOver := []domain.CandidateSession{
		{ID: 10, Name: "Carried", LLMID: "carried", ActivityIDs: []int64{1, 2, 3}},
		{ID: 11, Name: "Elsewhere", LLMID: "elsewhere", ActivityIDs: []int64{99}},
	}

	sessions, deleteIDs := FinalizeIsolatedCarryOverSessions(carryOver, overlap, intervalEnd, defaultLimits())
	if len(sessions) != 1 || sessions[0].LLMID != "carried" {
		t.Fatalf("expected the carried candidate finalized, got %v", sessions)
	}
	if len(deleteIDs) != 1 || deleteIDs[0] != 10 {
		t.Fatalf("expected candidate 10 deleted, got %v", deleteIDs)
	}
}

func TestFinalizeIsolatedCarryOverNoOverlap(t *testing.T) {
	sessions, deleteIDs := FinalizeIsolatedCarryOverSessions(
		[]domain.CandidateSession{{ID: 1, ActivityIDs: []int64{5}}}, nil, minuteAt(10), defaultLimits())
	if sessions != nil || deleteIDs != nil {
		t.Fatalf("expected nothing to finalize, got %v / %v", sessions, deleteIDs)
	}
}
