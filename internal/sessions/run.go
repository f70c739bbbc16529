package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"sessiond/internal/config"
	"sessiond/internal/domain"
	"sessiond/internal/storage/sqlite"
)

// RunSummary describes what one sessionization run did, for logging and the
// optional run-summary notification.
type RunSummary struct {
	Skipped                  bool
	WindowStart              time.Time
	WindowEnd                time.Time
	NewActivities            int
	OverlapActivities        int
	Islands                  int
	SessionsCreated          int
	CandidateSessionsCreated int
	CandidateSessionsDeleted int
}

// islandResult is the outcome of processing one island. Exactly two variants
// exist; the aggregation step switches exhaustively over them.
type islandResult interface {
	isIslandResult()
}

// rightConnectedResult comes from the island touching the window horizon: safe
// sessions finalized up to the cut, tail-only candidates carried to the next
// run, and the window markers for the run row.
type rightConnectedResult struct {
	newCandidates    []domain.SessionSpec
	existingMappings map[int64][]int64
	sessions         []domain.SessionSpec
	finalizedHorizon time.Time
	overlapStart     time.Time
	rightTailEnd     time.Time
	pruneActivityIDs []int64
}

func (rightConnectedResult) isIslandResult() {}

// rightIsolatedResult comes from an island with settled future: everything
// selectable is finalized now and any carry-over candidates touching it die.
type rightIsolatedResult struct {
	deleteCandidateIDs []int64
	sessions           []domain.SessionSpec
}

func (rightIsolatedResult) isIslandResult() {}

func limitsFromConfig(cfg config.Config) Limits {
	return Limits{
		MinActivities: cfg.MinActivitiesPerSession,
		MinPurity:     cfg.MinSessionPurity,
		MinLength:     cfg.MinSessionLength(),
		MaxGap:        cfg.MaxSessionGap(),
	}
}

// RunSessionization executes one sessionization pass: computes the window from
// the previous run, fetches overlap and new activities, processes islands in
// parallel, and commits all writes in a single deferred transaction. A summary
// with Skipped set means no new aggregated data was available and nothing was
// written.
func RunSessionization(ctx context.Context, db *sql.DB, cfg config.Config, classifier Classifier) (*RunSummary, error) {
	log.Println("Starting sessionization run")
	lim := limitsFromConfig(cfg)

	previousRun, err := sqlite.SelectLatestRun(db)
	if err != nil {
		return nil, fmt.Errorf("selecting latest run: %w", err)
	}

	latestAggregation, err := sqlite.SelectLastAggregation(db)
	if err != nil {
		return nil, fmt.Errorf("selecting last aggregation: %w", err)
	}
	if latestAggregation == nil {
		log.Println("No aggregations found. Exiting sessionization run.")
		return &RunSummary{Skipped: true}, nil
	}
	latestEnd := latestAggregation.EndTime

	carryOver, err := sqlite.SelectCandidateSessions(db, nil)
	if err != nil {
		return nil, fmt.Errorf("selecting carry-over candidate sessions: %w", err)
	}
	totalCarryOverActivities := 0
	for _, c := range carryOver {
		totalCarryOverActivities += len(c.ActivityIDs)
	}
	log.Printf("sessionize carry-over candidates=%d mapped_activities=%d", len(carryOver), totalCarryOverActivities)

	var windowStart, windowEnd time.Time
	if previousRun == nil {
		windowEnd = latestEnd
		windowStart = windowEnd.Add(-cfg.SessionWindowLength())
	} else {
		windowStart = previousRun.CandidateCreationEnd
		if !windowStart.Before(latestEnd) {
			log.Printf("sessionize skip: previous window end %s >= latest aggregation end %s", windowStart, latestEnd)
			return &RunSummary{Skipped: true}, nil
		}
		windowEnd = windowStart.Add(cfg.SessionWindowLength())
		if windowEnd.After(latestEnd) {
			windowEnd = latestEnd
		}
	}
	if windowStart.After(windowEnd) {
		return nil, fmt.Errorf("invalid candidate creation interval: start=%s > end=%s", windowStart, windowEnd)
	}

	// Fetch the previous window's unfinalized overlap region before any early
	// exit: those activities need processing even with no new data.
	var overlapSpecs []domain.ActivitySpec
	if previousRun != nil && previousRun.OverlapStart != nil {
		if previousRun.FinalizedHorizon == nil {
			return nil, fmt.Errorf("inconsistent previous run %d: overlap_start set but finalized_horizon is null", previousRun.ID)
		}
		overlapSpecs, err = sqlite.SelectActivitiesWithTagsInRange(db, *previousRun.FinalizedHorizon, previousRun.CandidateCreationEnd)
		if err != nil {
			return nil, fmt.Errorf("selecting overlap activities: %w", err)
		}
		log.Printf("sessionize overlap region %s -> %s activities=%d",
			previousRun.FinalizedHorizon, previousRun.CandidateCreationEnd, len(overlapSpecs))
	}

	newSpecs, err := sqlite.SelectActivitiesWithTagsInRange(db, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("selecting window activities: %w", err)
	}
	sort.Slice(newSpecs, func(i, j int) bool {
		return newSpecs[i].EndTime(windowEnd).Before(newSpecs[j].EndTime(windowEnd))
	})
	log.Printf("sessionize window %s -> %s new_activities=%d overlap_activities=%d",
		windowStart, windowEnd, len(newSpecs), len(overlapSpecs))

	summary := &RunSummary{
		WindowStart:       windowStart,
		WindowEnd:         windowEnd,
		NewActivities:     len(newSpecs),
		OverlapActivities: len(overlapSpecs),
	}

	if len(newSpecs) == 0 {
		// Early exit: no new data. Carry-over candidates whose overlap region is
		// now isolated get finalized; the run row records the consumed window.
		if err := finalizeCarryOverAndSave(db, carryOver, overlapSpecs, windowStart, windowEnd, lim, summary); err != nil {
			return nil, err
		}
		log.Println("Sessionization complete (no new activities)")
		return summary, nil
	}

	var prevRightTailEnd *time.Time
	if previousRun != nil {
		prevRightTailEnd = previousRun.RightTailEnd
	}
	islands := ExtractIslands(newSpecs, windowEnd, prevRightTailEnd,
		cfg.MaxSessionGap(), cfg.MinActivitiesPerSession, cfg.MinSessionLength())
	summary.Islands = len(islands)

	leftConnectedCount := 0
	rightConnectedCount := 0
	for _, island := range islands {
		if island.LeftConnected {
			leftConnectedCount++
		}
		if island.RightConnected {
			rightConnectedCount++
		}
	}
	log.Printf("sessionize islands=%d left_connected=%d right_connected=%d",
		len(islands), leftConnectedCount, rightConnectedCount)

	if len(islands) == 0 {
		if err := finalizeCarryOverAndSave(db, carryOver, overlapSpecs, windowStart, windowEnd, lim, summary); err != nil {
			return nil, err
		}
		log.Println("Sessionization complete (no valid islands)")
		return summary, nil
	}

	var sessionsToCreate []domain.SessionSpec
	var candidateDeleteIDs []int64

	first := islands[0]
	rest := islands[1:]

	var firstCarryOver []domain.CandidateSession
	if first.LeftConnected {
		if previousRun == nil || previousRun.FinalizedHorizon == nil || previousRun.OverlapStart == nil {
			return nil, fmt.Errorf("inconsistent state: first island is left-connected without a previous run overlap")
		}

		// Restrict the merged-in overlap to activities with any portion after
		// the previous cut, and the carry-over candidates to those touching it.
		var mergeSpecs []domain.ActivitySpec
		for _, spec := range overlapSpecs {
			if spec.EndTime(previousRun.CandidateCreationEnd).After(*previousRun.OverlapStart) {
				mergeSpecs = append(mergeSpecs, spec)
			}
		}
		mergeIDs := make(map[int64]bool, len(mergeSpecs))
		for _, spec := range mergeSpecs {
			mergeIDs[spec.ActivityID()] = true
		}
		for _, c := range carryOver {
			for _, aid := range c.ActivityIDs {
				if mergeIDs[aid] {
					firstCarryOver = append(firstCarryOver, c)
					break
				}
			}
		}
		first.Specs = mergeActivitySpecs(first.Specs, mergeSpecs)
	} else {
		// The previous window's tail is isolated from the new data: finalize it
		// now instead of carrying it forward.
		isolatedSessions, isolatedDeletes := FinalizeIsolatedCarryOverSessions(carryOver, overlapSpecs, windowEnd, lim)
		sessionsToCreate = append(sessionsToCreate, isolatedSessions...)
		candidateDeleteIDs = append(candidateDeleteIDs, isolatedDeletes...)
	}

	// Islands never share activity ids, so each is processed independently;
	// results merge only after every task finishes.
	type islandTask struct {
		island    Island
		carryOver []domain.CandidateSession
	}
	tasks := []islandTask{{island: first, carryOver: firstCarryOver}}
	for _, island := range rest {
		tasks = append(tasks, islandTask{island: island})
	}

	results := make([]islandResult, len(tasks))
	taskErrs := make([]error, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(idx int, task islandTask) {
			defer wg.Done()
			result, err := dealWithIsland(ctx, classifier, task.island, task.carryOver, windowEnd, cfg, lim)
			results[idx] = result
			taskErrs[idx] = err
		}(i, task)
	}
	wg.Wait()
	for _, err := range taskErrs {
		if err != nil {
			return nil, fmt.Errorf("processing island: %w", err)
		}
	}

	var candidateSessionsToCreate []domain.SessionSpec
	var existingCandidateMappings []sqlite.SessionActivity
	var pruneActivityIDs []int64
	var finalizedHorizon, overlapStart, rightTailEnd *time.Time

	for _, r := range results {
		switch result := r.(type) {
		case rightConnectedResult:
			fh, os, rt := result.finalizedHorizon, result.overlapStart, result.rightTailEnd
			finalizedHorizon, overlapStart, rightTailEnd = &fh, &os, &rt

			sessionsToCreate = append(sessionsToCreate, result.sessions...)
			candidateSessionsToCreate = append(candidateSessionsToCreate, result.newCandidates...)
			for _, candidateID := range sortedKeys(result.existingMappings) {
				for _, aid := range result.existingMappings[candidateID] {
					existingCandidateMappings = append(existingCandidateMappings,
						sqlite.SessionActivity{SessionID: candidateID, ActivityID: aid})
				}
			}
			pruneActivityIDs = append(pruneActivityIDs, result.pruneActivityIDs...)

		case rightIsolatedResult:
			sessionsToCreate = append(sessionsToCreate, result.sessions...)
			candidateDeleteIDs = append(candidateDeleteIDs, result.deleteCandidateIDs...)

		default:
			return nil, fmt.Errorf("unexpected island result type %T", r)
		}
	}

	log.Printf("sessionize writes sessions=%d new_candidates=%d existing_mappings=%d delete_candidates=%d prune_activities=%d",
		len(sessionsToCreate), len(candidateSessionsToCreate), len(existingCandidateMappings),
		len(candidateDeleteIDs), len(pruneActivityIDs))

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	runID, err := sqlite.InsertRun(tx, domain.Run{
		CandidateCreationStart: windowStart,
		CandidateCreationEnd:   windowEnd,
		OverlapStart:           overlapStart,
		RightTailEnd:           rightTailEnd,
		FinalizedHorizon:       finalizedHorizon,
	})
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	if err := sqlite.DeleteCandidateSessionsByIDs(tx, candidateDeleteIDs); err != nil {
		return nil, fmt.Errorf("deleting candidate sessions: %w", err)
	}
	if err := sqlite.DeleteCandidateSessionMappingsByActivityIDs(tx, pruneActivityIDs); err != nil {
		return nil, fmt.Errorf("pruning candidate mappings: %w", err)
	}

	candidateIDs, err := sqlite.InsertCandidateSessions(tx, candidateSessionsToCreate, runID)
	if err != nil {
		return nil, fmt.Errorf("inserting candidate sessions: %w", err)
	}
	var candidateMappings []sqlite.SessionActivity
	for i, spec := range candidateSessionsToCreate {
		for _, aid := range spec.ActivityIDs {
			candidateMappings = append(candidateMappings,
				sqlite.SessionActivity{SessionID: candidateIDs[i], ActivityID: aid})
		}
	}
	if err := sqlite.InsertCandidateSessionActivityMappings(tx, candidateMappings); err != nil {
		return nil, fmt.Errorf("inserting candidate mappings: %w", err)
	}
	if err := sqlite.InsertCandidateSessionActivityMappings(tx, existingCandidateMappings); err != nil {
		return nil, fmt.Errorf("inserting existing candidate mappings: %w", err)
	}

	if err := insertFinalizedSessions(tx, sessionsToCreate, runID); err != nil {
		return nil, err
	}

	if _, err := sqlite.DeleteOrphanedCandidateSessions(tx); err != nil {
		return nil, fmt.Errorf("deleting orphaned candidate sessions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing sessionization run: %w", err)
	}

	summary.SessionsCreated = len(sessionsToCreate)
	summary.CandidateSessionsCreated = len(candidateSessionsToCreate)
	summary.CandidateSessionsDeleted = len(candidateDeleteIDs)
	log.Printf("Sessionization run %d committed", runID)
	return summary, nil
}

// dealWithIsland proposes candidates for one island and either finalizes it
// entirely (right-isolated) or splits it at the retention cut (right-connected).
func dealWithIsland(
	ctx context.Context,
	classifier Classifier,
	island Island,
	carryOver []domain.CandidateSession,
	windowEnd time.Time,
	cfg config.Config,
	lim Limits,
) (islandResult, error) {
	proposals, err := ProposeCandidateSessionsForIsland(
		ctx, classifier, island.Specs, windowEnd, carryOver, cfg.MaxActivitiesPerLLMCall)
	if err != nil {
		return nil, err
	}

	islandStart := island.Specs[0].StartTime()
	islandEnd := island.Specs[0].EndTime(windowEnd)
	for _, spec := range island.Specs[1:] {
		if spec.StartTime().Before(islandStart) {
			islandStart = spec.StartTime()
		}
		if e := spec.EndTime(windowEnd); e.After(islandEnd) {
			islandEnd = e
		}
	}
	log.Printf("sessionize island %s -> %s activities=%d left_connected=%t right_connected=%t new_sessions=%d carry_over_updates=%d",
		islandStart, islandEnd, len(island.Specs), island.LeftConnected, island.RightConnected,
		len(proposals.NewMappings), len(proposals.ExistingMappings))

	if island.RightConnected {
		// Carry-overs merged with this run's deltas, then the brand-new ones.
		var combined []mergedCandidate
		for _, c := range carryOver {
			merged := make(map[int64]bool, len(c.ActivityIDs))
			for _, aid := range c.ActivityIDs {
				merged[aid] = true
			}
			for aid := range proposals.ExistingMappings[c.ID] {
				merged[aid] = true
			}
			combined = append(combined, mergedCandidate{
				Name: c.Name, LLMID: c.LLMID, ActivityIDs: sortedIDSet(merged), Stored: true,
			})
		}
		for _, key := range proposals.SortedNewKeys() {
			combined = append(combined, mergedCandidate{
				Name: key.Name, LLMID: key.LLMID, ActivityIDs: sortedIDSet(proposals.NewMappings[key]),
			})
		}

		islandSpan := windowEnd.Sub(islandStart)
		overlapDuration := cfg.MaxSessionWindowOverlap()
		if islandSpan < overlapDuration {
			overlapDuration = islandSpan
		}
		overlapStart := windowEnd.Add(-overlapDuration)

		var sessions []domain.SessionSpec
		var pruneIDs []int64
		finalizedHorizon := islandStart
		if islandSpan > cfg.MaxSessionWindowOverlap() {
			fin := FinalizeRightConnectedIsland(island.Specs, windowEnd, combined, overlapStart, lim)
			finalizedHorizon = fin.FinalizedHorizon
			sessions = fin.Sessions
			pruneIDs = fin.PrunedCandidateActivities
		}
		// else: the whole island fits in the overlap region, defer everything.

		// Persist only the tail portion of candidates so finalized left atoms
		// are not carried into the next run.
		tailIDs := make(map[int64]bool)
		rightTailEnd := islandStart
		for _, spec := range island.Specs {
			end := spec.EndTime(windowEnd)
			if end.After(overlapStart) {
				tailIDs[spec.ActivityID()] = true
			}
			if end.After(rightTailEnd) {
				rightTailEnd = end
			}
		}

		var tailNewCandidates []domain.SessionSpec
		for _, key := range proposals.SortedNewKeys() {
			var tail []int64
			for aid := range proposals.NewMappings[key] {
				if tailIDs[aid] {
					tail = append(tail, aid)
				}
			}
			if len(tail) > 0 {
				sort.Slice(tail, func(i, j int) bool { return tail[i] < tail[j] })
				tailNewCandidates = append(tailNewCandidates, domain.SessionSpec{
					Name: key.Name, LLMID: key.LLMID, ActivityIDs: tail,
				})
			}
		}

		tailExisting := make(map[int64][]int64)
		for candidateID, delta := range proposals.ExistingMappings {
			var tail []int64
			for aid := range delta {
				if tailIDs[aid] {
					tail = append(tail, aid)
				}
			}
			if len(tail) > 0 {
				sort.Slice(tail, func(i, j int) bool { return tail[i] < tail[j] })
				tailExisting[candidateID] = tail
			}
		}

		log.Printf("sessionize right-connected island finalized_sessions=%d tail_candidates=%d pruned_activities=%d",
			len(sessions), len(tailNewCandidates), len(pruneIDs))
		return rightConnectedResult{
			newCandidates:    tailNewCandidates,
			existingMappings: tailExisting,
			sessions:         sessions,
			finalizedHorizon: finalizedHorizon,
			overlapStart:     overlapStart,
			rightTailEnd:     rightTailEnd,
			pruneActivityIDs: pruneIDs,
		}, nil
	}

	// Right-isolated: no future data can extend this island, finalize it now.
	var candidateSpecs []domain.SessionSpec
	for _, key := range proposals.SortedNewKeys() {
		candidateSpecs = append(candidateSpecs, domain.SessionSpec{
			Name: key.Name, LLMID: key.LLMID, ActivityIDs: sortedIDSet(proposals.NewMappings[key]),
		})
	}
	for _, c := range carryOver {
		delta, ok := proposals.ExistingMappings[c.ID]
		if !ok {
			continue
		}
		candidateSpecs = append(candidateSpecs, domain.SessionSpec{
			Name: c.Name, LLMID: c.LLMID, ActivityIDs: sortedIDSet(delta),
		})
	}

	selected := ValidateAndSelectSessions(island.Specs, windowEnd, candidateSpecs, lim)

	islandIDs := make(map[int64]bool, len(island.Specs))
	for _, spec := range island.Specs {
		islandIDs[spec.ActivityID()] = true
	}
	var deleteIDs []int64
	for _, c := range carryOver {
		for _, aid := range c.ActivityIDs {
			if islandIDs[aid] {
				deleteIDs = append(deleteIDs, c.ID)
				break
			}
		}
	}

	log.Printf("sessionize right-isolated island finalized_sessions=%d deleted_candidates=%d",
		len(selected), len(deleteIDs))
	return rightIsolatedResult{
		deleteCandidateIDs: deleteIDs,
		sessions:           selected,
	}, nil
}

// finalizeCarryOverAndSave handles early-exit runs: no new activities or no
// valid islands. It finalizes isolated carry-over candidates and writes a run
// row without window markers, all in one transaction.
func finalizeCarryOverAndSave(
	db *sql.DB,
	carryOver []domain.CandidateSession,
	overlapSpecs []domain.ActivitySpec,
	windowStart, windowEnd time.Time,
	lim Limits,
	summary *RunSummary,
) error {
	sessions, deleteIDs := FinalizeIsolatedCarryOverSessions(carryOver, overlapSpecs, windowEnd, lim)
	log.Printf("sessionize early-exit window %s -> %s carry_over=%d overlap=%d sessions=%d delete_candidates=%d",
		windowStart, windowEnd, len(carryOver), len(overlapSpecs), len(sessions), len(deleteIDs))

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	runID, err := sqlite.InsertRun(tx, domain.Run{
		CandidateCreationStart: windowStart,
		CandidateCreationEnd:   windowEnd,
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	if err := sqlite.DeleteCandidateSessionsByIDs(tx, deleteIDs); err != nil {
		return fmt.Errorf("deleting candidate sessions: %w", err)
	}
	if err := insertFinalizedSessions(tx, sessions, runID); err != nil {
		return err
	}
	if _, err := sqlite.DeleteOrphanedCandidateSessions(tx); err != nil {
		return fmt.Errorf("deleting orphaned candidate sessions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing early-exit run: %w", err)
	}

	summary.SessionsCreated = len(sessions)
	summary.CandidateSessionsDeleted = len(deleteIDs)
	return nil
}

func insertFinalizedSessions(tx *sql.Tx, sessions []domain.SessionSpec, runID int64) error {
	if len(sessions) == 0 {
		return nil
	}
	sessionIDs, err := sqlite.InsertSessions(tx, sessions, runID)
	if err != nil {
		return fmt.Errorf("inserting sessions: %w", err)
	}
	var mappings []sqlite.SessionActivity
	for i, spec := range sessions {
		for _, aid := range spec.ActivityIDs {
			mappings = append(mappings, sqlite.SessionActivity{SessionID: sessionIDs[i], ActivityID: aid})
		}
	}
	if err := sqlite.InsertSessionActivityMappings(tx, mappings); err != nil {
		return fmt.Errorf("inserting session mappings: %w", err)
	}
	return nil
}

// mergeActivitySpecs unions two spec lists by activity id, sorted by start time.
func mergeActivitySpecs(a, b []domain.ActivitySpec) []domain.ActivitySpec {
	seen := make(map[int64]bool, len(a)+len(b))
	merged := make([]domain.ActivitySpec, 0, len(a)+len(b))
	for _, spec := range a {
		if !seen[spec.ActivityID()] {
			seen[spec.ActivityID()] = true
			merged = append(merged, spec)
		}
	}
	for _, spec := range b {
		if !seen[spec.ActivityID()] {
			seen[spec.ActivityID()] = true
			merged = append(merged, spec)
		}
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].StartTime().Before(merged[j].StartTime()) })
	return merged
}

func sortedIDSet(set map[int64]bool) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedKeys(m map[int64][]int64) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
