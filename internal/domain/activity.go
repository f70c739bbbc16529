package domain

import (
	"sort"
	"time"
)

type ActivityEventType string

const (
	EventOpen  ActivityEventType = "open"
	EventClose ActivityEventType = "close"
)

// ActivityEvent marks a point where an activity appears on or leaves the timeline.
type ActivityEvent struct {
	ID         int64
	ActivityID int64
	EventTime  time.Time
	EventType  ActivityEventType
}

type Activity struct {
	ID          int64
	Name        string
	Description string
}

type Tag struct {
	ID          int64
	Name        string
	Description string
}

// TimeSpan is a closed interval on the timeline.
type TimeSpan struct {
	Start time.Time
	End   time.Time
}

func (s TimeSpan) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Aggregation records one upstream aggregation pass. The latest end_time bounds
// how far sessionization may look.
type Aggregation struct {
	ID             int64
	StartTime      time.Time
	EndTime        time.Time
	FirstTimestamp time.Time
	LastTimestamp  time.Time
}

// ActivitySpec is one classified activity with its open/close events and tags.
// Events are kept sorted by event time; an activity whose last event is an open
// is still running and must be resolved against a horizon.
type ActivitySpec struct {
	Activity Activity
	Events   []ActivityEvent
	Tags     []Tag
}

func NewActivitySpec(activity Activity, events []ActivityEvent, tags []Tag) ActivitySpec {
	sorted := make([]ActivityEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].EventTime.Before(sorted[j].EventTime) })
	return ActivitySpec{Activity: activity, Events: sorted, Tags: tags}
}

func (s ActivitySpec) ActivityID() int64 {
	return s.Activity.ID
}

func (s ActivitySpec) StartTime() time.Time {
	return s.Events[0].EventTime
}

// EndTime resolves the activity's last event against the horizon: an activity
// still open at the end of the window is treated as running until the horizon.
func (s ActivitySpec) EndTime(horizon time.Time) time.Time {
	last := s.Events[len(s.Events)-1]
	if last.EventType == EventOpen {
		return horizon
	}
	return last.EventTime
}

// TimeSpans pairs consecutive open/close events into spans. A trailing open
// event produces a span clamped to the horizon.
func (s ActivitySpec) TimeSpans(horizon time.Time) []TimeSpan {
	var spans []TimeSpan
	var openAt *time.Time
	for i := range s.Events {
		ev := s.Events[i]
		switch ev.EventType {
		case EventOpen:
			if openAt == nil {
				t := ev.EventTime
				openAt = &t
			}
		case EventClose:
			if openAt != nil {
				spans = append(spans, TimeSpan{Start: *openAt, End: ev.EventTime})
				openAt = nil
			}
		}
	}
	if openAt != nil {
		spans = append(spans, TimeSpan{Start: *openAt, End: horizon})
	}
	return spans
}

// TotalSpan is the full wall-clock footprint from first event to last close (or
// the horizon when still open).
func (s ActivitySpec) TotalSpan(horizon time.Time) TimeSpan {
	return TimeSpan{Start: s.StartTime(), End: s.EndTime(horizon)}
}

// Duration is the active time within the spec's spans, not the wall-clock span.
func (s ActivitySpec) Duration(horizon time.Time) time.Duration {
	var total time.Duration
	for _, span := range s.TimeSpans(horizon) {
		total += span.Duration()
	}
	return total
}
