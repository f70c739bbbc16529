package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// IslandSplitIndexes scans sorted spans and returns the indexes where a new
// island starts: positions whose gap from the running coverage end exceeds
// maxGap. An empty result means the whole input is one island.
func IslandSplitIndexes(spans []TimeSpan, maxGap time.Duration) []int {
	if len(spans) == 0 {
		return nil
	}
	var splits []int
	currentEnd := spans[0].End
	for i := 1; i < len(spans); i++ {
		if spans[i].Start.Sub(currentEnd) <= maxGap {
			if spans[i].End.After(currentEnd) {
				currentEnd = spans[i].End
			}
		} else {
			splits = append(splits, i)
			currentEnd = spans[i].End
		}
	}
	return splits
}

// SplitByIndexes cuts seq at each index, returning len(indexes)+1 segments.
func SplitByIndexes[T any](seq []T, indexes []int) [][]T {
	var result [][]T
	last := 0
	for _, idx := range indexes {
		result = append(result, seq[last:idx])
		last = idx
	}
	result = append(result, seq[last:])
	return result
}

// OverlappingBatches splits items into batches of at most maxLen with roughly
// overlapPct shared boundary items between adjacent batches, so identity can be
// tracked continuously across batch borders. Overlap is capped below maxLen so
// the step always advances.
func OverlappingBatches[T any](items []T, maxLen int, overlapPct float64) [][]T {
	if maxLen <= 0 {
		panic("OverlappingBatches: maxLen must be positive")
	}
	if overlapPct < 0 || overlapPct >= 1 {
		panic("OverlappingBatches: overlapPct must be in [0, 1)")
	}
	if len(items) <= maxLen {
		return [][]T{items}
	}

	overlap := int(float64(maxLen) * overlapPct)
	maxOverlap := maxLen / 2
	if maxLen-1 < maxOverlap {
		maxOverlap = maxLen - 1
	}
	if overlap > maxOverlap {
		overlap = maxOverlap
	}
	step := maxLen - overlap
	if step < 1 {
		step = 1
	}

	var batches [][]T
	for start := 0; start < len(items); start += step {
		end := start + maxLen
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
		if end >= len(items) {
			break
		}
	}
	return batches
}

// HumanDelta renders a duration the way classifier prompts expect it.
func HumanDelta(d time.Duration) string {
	total := int64(d.Seconds())
	if total < 0 {
		total = -total
	}
	days := total / 86400
	rem := total % 86400
	hours := rem / 3600
	rem = rem % 3600
	minutes := rem / 60
	seconds := rem % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%d day(s) %d hr(s) %d min %d sec", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%d hr(s) %d min %d sec", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%d min %d sec", minutes, seconds)
	default:
		return fmt.Sprintf("%d sec", seconds)
	}
}

var (
	slugDropRe     = regexp.MustCompile(`[^a-z0-9_]`)
	slugCollapseRe = regexp.MustCompile(`_+`)
)

// ActivitySlug normalizes an activity name into a stable classifier-facing
// identifier: lowercase, underscores for spaces, ASCII alphanumerics only.
func ActivitySlug(name string) string {
	s := strings.ToLower(name)
	s = strings.ReplaceAll(s, " ", "_")
	s = slugDropRe.ReplaceAllString(s, "")
	s = strings.Trim(s, "_")
	s = slugCollapseRe.ReplaceAllString(s, "_")
	return s
}
