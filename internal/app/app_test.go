package app

import (
	"strings"
	"testing"
	"time"

	"sessiond/internal/sessions"
)

func TestFormatRunSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	summary := &sessions.RunSummary{
		WindowStart:              start,
		WindowEnd:                start.Add(30 * time.Minute),
		NewActivities:            12,
		Islands:                  2,
		SessionsCreated:          3,
		CandidateSessionsCreated: 1,
	}

	msg := FormatRunSummary(summary)
	for _, want := range []string{"Mar 1 09:00", "09:30", "12 activities", "2 islands", "3 finalized", "1 carried over"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("summary missing %q: %s", want, msg)
		}
	}
}

func TestFormatRunSummaryNothingToDo(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	summary := &sessions.RunSummary{WindowStart: start, WindowEnd: start.Add(30 * time.Minute)}
	if msg := FormatRunSummary(summary); !strings.Contains(msg, "nothing to do") {
		t.Fatalf("unexpected summary %q", msg)
	}
}
