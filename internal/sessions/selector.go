package sessions

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"sessiond/internal/domain"
)

// Limits are the constraints a candidate session's time window must satisfy.
type Limits struct {
	MinActivities int
	MinPurity     float64
	MinLength     time.Duration
	MaxGap        time.Duration
}

// islandArrays is the island flattened into parallel arrays sorted by activity
// start time: wall-clock footprints plus active seconds per activity.
type islandArrays struct {
	starts []time.Time
	ends   []time.Time
	secs   []float64
	ids    []int64
}

func buildIslandArrays(island []domain.ActivitySpec, islandEnd time.Time) islandArrays {
	sorted := make([]domain.ActivitySpec, len(island))
	copy(sorted, island)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime().Before(sorted[j].StartTime()) })

	var arr islandArrays
	for _, spec := range sorted {
		spans := spec.TimeSpans(islandEnd)
		if len(spans) == 0 {
			continue
		}
		var total time.Duration
		for _, span := range spans {
			total += span.Duration()
		}
		arr.starts = append(arr.starts, spans[0].Start)
		arr.ends = append(arr.ends, spans[len(spans)-1].End)
		arr.secs = append(arr.secs, total.Seconds())
		arr.ids = append(arr.ids, spec.ActivityID())
	}
	return arr
}

// window is one valid time window for a candidate: the [L,R] activity range, its
// wall-clock extent, purity, and the candidate's member activity ids inside it.
type window struct {
	name      string
	llmID     string
	l, r      int
	start     time.Time
	end       time.Time
	durSecs   float64
	purity    float64
	chosenIDs []int64
}

// pickBestWindowForCandidate runs a monotonic two-pointer scan over the island
// and returns the longest window satisfying purity, member-count, length and
// internal-gap constraints for candidateIDs, or nil when none exists. L only
// moves right as R advances, so the scan is linear apart from the gap check.
func pickBestWindowForCandidate(arr islandArrays, candidateIDs map[int64]bool, lim Limits) *window {
	n := len(arr.ids)
	if n == 0 {
		return nil
	}

	incSecs := make([]float64, n)
	incFlags := make([]int, n)
	for i := 0; i < n; i++ {
		if candidateIDs[arr.ids[i]] {
			incSecs[i] = arr.secs[i]
			incFlags[i] = 1
		}
	}
	minLenSecs := lim.MinLength.Seconds()

	// internalGapOK reports whether no two consecutive member activities inside
	// [l,r] are separated by more than MaxGap; on violation it returns the L the
	// caller must advance past (one beyond the earlier offender).
	internalGapOK := func(l, r int) (bool, int) {
		prev := -1
		for i := l; i <= r; i++ {
			if incFlags[i] == 1 {
				if prev >= 0 {
					if arr.starts[i].Sub(arr.ends[prev]) > lim.MaxGap {
						return false, prev + 1
					}
				}
				prev = i
			}
		}
		return true, l
	}

	var best *window
	l := 0
	sumInc := 0.0
	cntInc := 0

	for r := 0; r < n; r++ {
		sumInc += incSecs[r]
		cntInc += incFlags[r]

		for l <= r {
			spanSecs := arr.ends[r].Sub(arr.starts[l]).Seconds()
			if spanSecs <= 0 {
				sumInc -= incSecs[l]
				cntInc -= incFlags[l]
				l++
				continue
			}

			purity := sumInc / spanSecs
			if purity > 1.0 {
				purity = 1.0
			}
			if purity < lim.MinPurity {
				sumInc -= incSecs[l]
				cntInc -= incFlags[l]
				l++
				continue
			}

			ok, suggestedL := internalGapOK(l, r)
			if !ok {
				for l < suggestedL {
					sumInc -= incSecs[l]
					cntInc -= incFlags[l]
					l++
				}
				continue
			}

			if cntInc >= lim.MinActivities && spanSecs >= minLenSecs {
				var chosen []int64
				for i := l; i <= r; i++ {
					if incFlags[i] == 1 {
						chosen = append(chosen, arr.ids[i])
					}
				}
				cand := &window{
					l: l, r: r,
					start:     arr.starts[l],
					end:       arr.ends[r],
					durSecs:   spanSecs,
					purity:    purity,
					chosenIDs: chosen,
				}
				if best == nil || cand.durSecs > best.durSecs ||
					(cand.durSecs == best.durSecs && cand.purity > best.purity) {
					best = cand
				}
			}
			break // keep L as far left as constraints allow for this R
		}
	}
	return best
}

// extractWindowsForCandidate repeatedly picks the best window for a shrinking
// remaining-id set, yielding zero or more activity-disjoint windows for one
// candidate. A single semantic session recurring in separated bursts produces
// one window per burst.
func extractWindowsForCandidate(arr islandArrays, candidateIDs map[int64]bool, lim Limits) []window {
	var windows []window
	remaining := make(map[int64]bool, len(candidateIDs))
	for id := range candidateIDs {
		remaining[id] = true
	}
	seen := make(map[string]bool)

	for len(remaining) > 0 {
		w := pickBestWindowForCandidate(arr, remaining, lim)
		if w == nil || len(w.chosenIDs) == 0 {
			break
		}

		// ensure progress + dedupe
		key := chosenKey(w.chosenIDs)
		if seen[key] {
			break
		}
		seen[key] = true

		windows = append(windows, *w)
		for _, aid := range w.chosenIDs {
			delete(remaining, aid)
		}
	}
	return windows
}

func chosenKey(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

// ValidateAndSelectSessions turns classifier proposals into a verified,
// activity-disjoint set of sessions: it extracts every valid window per
// candidate, then greedily accepts windows by marginal covered duration
// (ties: purity, then span) until no window adds coverage. Greedy max-coverage
// is a deliberate approximation; see DESIGN.md.
func ValidateAndSelectSessions(
	island []domain.ActivitySpec,
	islandEnd time.Time,
	candidates []domain.SessionSpec,
	lim Limits,
) []domain.SessionSpec {
	arr := buildIslandArrays(island, islandEnd)

	idToDur := make(map[int64]float64, len(arr.ids))
	for i, id := range arr.ids {
		idToDur[id] = arr.secs[i]
	}

	var windows []window
	for _, c := range candidates {
		candidateIDs := make(map[int64]bool, len(c.ActivityIDs))
		for _, id := range c.ActivityIDs {
			candidateIDs[id] = true
		}
		for _, w := range extractWindowsForCandidate(arr, candidateIDs, lim) {
			w.name = c.Name
			w.llmID = c.LLMID
			windows = append(windows, w)
		}
	}
	if len(windows) == 0 {
		return nil
	}

	covered := make(map[int64]bool)
	marginalGain := func(w window) float64 {
		gain := 0.0
		for _, aid := range w.chosenIDs {
			if !covered[aid] {
				gain += idToDur[aid]
			}
		}
		return gain
	}
	conflicts := func(w window) bool {
		for _, aid := range w.chosenIDs {
			if covered[aid] {
				return true
			}
		}
		return false
	}

	var chosen []window
	remaining := windows
	for len(remaining) > 0 {
		bestIdx := 0
		bestGain := marginalGain(remaining[0])
		for i := 1; i < len(remaining); i++ {
			gain := marginalGain(remaining[i])
			if gain > bestGain ||
				(gain == bestGain && remaining[i].purity > remaining[bestIdx].purity) ||
				(gain == bestGain && remaining[i].purity == remaining[bestIdx].purity &&
					remaining[i].durSecs > remaining[bestIdx].durSecs) {
				bestIdx = i
				bestGain = gain
			}
		}
		if bestGain <= 0 {
			break
		}

		best := remaining[bestIdx]
		chosen = append(chosen, best)
		for _, aid := range best.chosenIDs {
			covered[aid] = true
		}

		next := remaining[:0:0]
		for i, w := range remaining {
			if i == bestIdx || conflicts(w) {
				continue
			}
			next = append(next, w)
		}
		remaining = next
	}

	result := make([]domain.SessionSpec, 0, len(chosen))
	for _, w := range chosen {
		result = append(result, domain.SessionSpec{
			Name:        w.name,
			LLMID:       w.llmID,
			ActivityIDs: w.chosenIDs,
		})
	}
	return result
}
