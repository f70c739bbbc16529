package sessions

import (
	"sort"
	"time"

	"sessiond/internal/domain"
)

// mergedCandidate is a candidate considered for finalization on a
// right-connected island: either a persisted candidate unioned with this run's
// classifier deltas (Stored), or a brand-new proposal.
type mergedCandidate struct {
	Name        string
	LLMID       string
	ActivityIDs []int64
	Stored      bool
}

// FinalizeOutput is what a right-connected island finalization decides: the
// sessions safe to write now, the new finalized horizon (the cut F), and the
// stored-candidate activity ids whose mappings must be pruned because they were
// finalized.
type FinalizeOutput struct {
	FinalizedHorizon          time.Time
	Sessions                  []domain.SessionSpec
	PrunedCandidateActivities []int64
}

// FinalizeRightConnectedIsland finalizes the safe left part of an island that
// touches the live window's horizon. F = overlapStart is the retention cut:
// a candidate wholly left of F is safe; a candidate crossing F is safe
// (truncated to its left chunk) only when no legal session could bridge the cut,
// i.e. the gap between its last left activity and first right activity exceeds
// maxGap. Everything else is deferred untouched to the next run.
func FinalizeRightConnectedIsland(
	island []domain.ActivitySpec,
	islandEnd time.Time,
	candidates []mergedCandidate,
	overlapStart time.Time,
	lim Limits,
) FinalizeOutput {
	f := overlapStart

	idToStart := make(map[int64]time.Time, len(island))
	idToEnd := make(map[int64]time.Time, len(island))
	var prefixIsland []domain.ActivitySpec
	for _, spec := range island {
		start := spec.StartTime()
		end := spec.EndTime(islandEnd)
		idToStart[spec.ActivityID()] = start
		idToEnd[spec.ActivityID()] = end
		if !end.After(f) {
			prefixIsland = append(prefixIsland, spec)
		}
	}

	if len(prefixIsland) == 0 || len(candidates) == 0 {
		return FinalizeOutput{FinalizedHorizon: f}
	}

	var safeLeft []domain.SessionSpec
	prunedIDs := make(map[int64]bool)

	markPruned := func(c mergedCandidate, leftIDs []int64) {
		if !c.Stored {
			return
		}
		for _, aid := range leftIDs {
			prunedIDs[aid] = true
		}
	}
	sortByStart := func(ids []int64) []int64 {
		sorted := make([]int64, len(ids))
		copy(sorted, ids)
		sort.Slice(sorted, func(i, j int) bool { return idToStart[sorted[i]].Before(idToStart[sorted[j]]) })
		return sorted
	}

	for _, c := range candidates {
		var leftIDs, rightIDs []int64
		for _, aid := range c.ActivityIDs {
			start, okStart := idToStart[aid]
			end, okEnd := idToEnd[aid]
			if !okStart || !okEnd {
				continue
			}
			switch {
			case !end.After(f):
				leftIDs = append(leftIDs, aid)
			case start.After(f):
				rightIDs = append(rightIDs, aid)
			default:
				// Straddles F; treat as right so it defers with the tail.
				rightIDs = append(rightIDs, aid)
			}
		}

		if len(leftIDs) == 0 {
			// nothing to finalize on the left for this candidate
			continue
		}

		if len(rightIDs) == 0 {
			// wholly left of the cut -> safe
			safeLeft = append(safeLeft, domain.SessionSpec{
				Name: c.Name, LLMID: c.LLMID, ActivityIDs: sortByStart(leftIDs),
			})
			markPruned(c, leftIDs)
			continue
		}

		// Crosses F: safe only when no legal session could bridge the cut.
		latestLeftEnd := idToEnd[leftIDs[0]]
		for _, aid := range leftIDs[1:] {
			if idToEnd[aid].After(latestLeftEnd) {
				latestLeftEnd = idToEnd[aid]
			}
		}
		earliestRightStart := idToStart[rightIDs[0]]
		for _, aid := range rightIDs[1:] {
			if idToStart[aid].Before(earliestRightStart) {
				earliestRightStart = idToStart[aid]
			}
		}
		if earliestRightStart.Sub(latestLeftEnd) > lim.MaxGap {
			safeLeft = append(safeLeft, domain.SessionSpec{
				Name: c.Name, LLMID: c.LLMID, ActivityIDs: sortByStart(leftIDs),
			})
			markPruned(c, leftIDs)
		}
		// else: unsafe, defer whole candidate to the next run
	}

	if len(safeLeft) == 0 {
		return FinalizeOutput{FinalizedHorizon: f}
	}

	// Select on the left prefix only, closing open activities at F.
	finalized := ValidateAndSelectSessions(prefixIsland, f, safeLeft, lim)

	pruned := make([]int64, 0, len(prunedIDs))
	for aid := range prunedIDs {
		pruned = append(pruned, aid)
	}
	sort.Slice(pruned, func(i, j int) bool { return pruned[i] < pruned[j] })

	return FinalizeOutput{
		FinalizedHorizon:          f,
		Sessions:                  finalized,
		PrunedCandidateActivities: pruned,
	}
}

// FinalizeIsolatedCarryOverSessions finalizes carry-over candidates whose
// overlap region turned out to be isolated from the current window: no future
// data can extend them, so whatever passes selection is written as-is.
// Returns the sessions to create and the candidate session ids to delete.
func FinalizeIsolatedCarryOverSessions(
	carryOver []domain.CandidateSession,
	specsNotFinalized []domain.ActivitySpec,
	intervalEnd time.Time,
	lim Limits,
) ([]domain.SessionSpec, []int64) {
	if len(carryOver) == 0 || len(specsNotFinalized) == 0 {
		return nil, nil
	}

	overlapIDs := make(map[int64]bool, len(specsNotFinalized))
	for _, spec := range specsNotFinalized {
		overlapIDs[spec.ActivityID()] = true
	}

	var relevant []domain.CandidateSession
	for _, c := range carryOver {
		for _, aid := range c.ActivityIDs {
			if overlapIDs[aid] {
				relevant = append(relevant, c)
				break
			}
		}
	}
	if len(relevant) == 0 {
		return nil, nil
	}

	candidates := make([]domain.SessionSpec, 0, len(relevant))
	deleteIDs := make([]int64, 0, len(relevant))
	for _, c := range relevant {
		candidates = append(candidates, domain.SessionSpec{
			Name: c.Name, LLMID: c.LLMID, ActivityIDs: c.ActivityIDs,
		})
		deleteIDs = append(deleteIDs, c.ID)
	}

	sessions := ValidateAndSelectSessions(specsNotFinalized, intervalEnd, candidates, lim)
	return sessions, deleteIDs
}
