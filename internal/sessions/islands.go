package sessions

import (
	"sort"
	"time"

	"sessiond/internal/domain"
)

// Island is a maximal run of activities with no internal gap exceeding the
// configured max session gap. LeftConnected means the island continues work
// from the previous run's trailing activity; RightConnected means it touches
// the window horizon and may still grow in the next run.
type Island struct {
	Specs          []domain.ActivitySpec
	LeftConnected  bool
	RightConnected bool
}

// ExtractIslands partitions the window's activities into gap-separated islands.
// The first and last segments are always returned (they carry the connectivity
// flags); interior segments are kept only when they could form a session on
// their own, and dropped silently otherwise.
func ExtractIslands(
	specs []domain.ActivitySpec,
	windowEnd time.Time,
	prevRightTailEnd *time.Time,
	maxGap time.Duration,
	minActivities int,
	minLength time.Duration,
) []Island {
	if len(specs) == 0 {
		return nil
	}

	sorted := make([]domain.ActivitySpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime().Before(sorted[j].StartTime()) })

	spans := make([]domain.TimeSpan, len(sorted))
	for i, spec := range sorted {
		spans[i] = spec.TotalSpan(windowEnd)
	}

	splits := domain.IslandSplitIndexes(spans, maxGap)
	segments := domain.SplitByIndexes(sorted, splits)

	firstLeftConnected := prevRightTailEnd != nil &&
		spans[0].Start.Sub(*prevRightTailEnd) <= maxGap
	lastRightConnected := windowEnd.Sub(spans[len(spans)-1].End) <= maxGap

	segmentValid := func(segment []domain.ActivitySpec) bool {
		if len(segment) < minActivities {
			return false
		}
		start := segment[0].StartTime()
		end := segment[0].EndTime(windowEnd)
		for _, spec := range segment[1:] {
			if spec.StartTime().Before(start) {
				start = spec.StartTime()
			}
			if e := spec.EndTime(windowEnd); e.After(end) {
				end = e
			}
		}
		return end.Sub(start) >= minLength
	}

	var islands []Island
	if len(segments) == 1 {
		islands = append(islands, Island{
			Specs:          segments[0],
			LeftConnected:  firstLeftConnected,
			RightConnected: lastRightConnected,
		})
		return islands
	}

	islands = append(islands, Island{
		Specs:         segments[0],
		LeftConnected: firstLeftConnected,
	})
	islands = append(islands, Island{
		Specs:          segments[len(segments)-1],
		RightConnected: lastRightConnected,
	})
	for _, middle := range segments[1 : len(segments)-1] {
		if segmentValid(middle) {
			islands = append(islands, Island{Specs: middle})
		}
	}
	return islands
}
