package sessions

import (
	"context"
	"fmt"
	"testing"

	"sessiond/internal/domain"
)

// fakeClassifier drives proposer tests with a canned grouping function.
type fakeClassifier struct {
	calls   int
	propose func(call int, activities []ClassifierActivity, preexisting []SessionIdentifier) ([]ProposedSession, error)
}

func (f *fakeClassifier) ProposeSessions(
	_ context.Context,
	activities []ClassifierActivity,
	_ []domain.Tag,
	preexisting []SessionIdentifier,
) ([]ProposedSession, error) {
	call := f.calls
	f.calls++
	return f.propose(call, activities, preexisting)
}

// groupAllAs returns every activity in the call under one session identity.
func groupAllAs(id, title string) func(int, []ClassifierActivity, []SessionIdentifier) ([]ProposedSession, error) {
	return func(_ int, activities []ClassifierActivity, _ []SessionIdentifier) ([]ProposedSession, error) {
		var ids []string
		for _, a := range activities {
			ids = append(ids, a.ActivityID)
		}
		return []ProposedSession{
			{Session: SessionIdentifier{ID: id, Title: title}, ActivityIDs: ids},
		}, nil
	}
}

func TestProposeSingleBatchNewSession(t *testing.T) {
	island := []domain.ActivitySpec{
		closedSpec(1, "editor", 0, 6),
		closedSpec(2, "terminal", 6, 12),
		closedSpec(3, "browser", 12, 18),
	}
	fc := &fakeClassifier{propose: groupAllAs("coding", "Coding")}

	out, err := ProposeCandidateSessionsForIsland(context.Background(), fc, island, minuteAt(30), nil, 100)
	if err != nil {
		t.Fatalf("ProposeCandidateSessionsForIsland failed: %v", err)
	}
	if fc.calls != 1 {
		t.Fatalf("expected 1 classifier call, got %d", fc.calls)
	}
	key := domain.SessionKey{Name: "Coding", LLMID: "coding"}
	ids := out.NewMappings[key]
	if len(ids) != 3 || !ids[1] || !ids[2] || !ids[3] {
		t.Fatalf("unexpected new mappings %v", out.NewMappings)
	}
	if len(out.ExistingMappings) != 0 {
		t.Fatalf("expected no existing mappings, got %v", out.ExistingMappings)
	}
}

func TestProposeSlugDisambiguation(t *testing.T) {
	// Two activities named "Chrome" must reach the classifier under distinct ids.
	island := []domain.ActivitySpec{
		closedSpec(1, "Chrome", 0, 6),
		closedSpec(2, "Chrome", 6, 12),
	}
	var seenIDs []string
	fc := &fakeClassifier{propose: func(_ int, activities []ClassifierActivity, _ []SessionIdentifier) ([]ProposedSession, error) {
		for _, a := range activities {
			seenIDs = append(seenIDs, a.ActivityID)
		}
		return nil, nil
	}}

	if _, err := ProposeCandidateSessionsForIsland(context.Background(), fc, island, minuteAt(30), nil, 100); err != nil {
		t.Fatalf("ProposeCandidateSessionsForIsland failed: %v", err)
	}
	if len(seenIDs) != 2 || seenIDs[0] == seenIDs[1] {
		t.Fatalf("expected distinct slugs, got %v", seenIDs)
	}
	if seenIDs[0] != "chrome" || seenIDs[1] != "chrome_1" {
		t.Fatalf("expected chrome/chrome_1, got %v", seenIDs)
	}
}

func TestProposeUnknownSlugErrors(t *testing.T) {
	island := []domain.ActivitySpec{closedSpec(1, "editor", 0, 6)}
	fc := &fakeClassifier{propose: func(_ int, _ []ClassifierActivity, _ []SessionIdentifier) ([]ProposedSession, error) {
		return []ProposedSession{
			{Session: SessionIdentifier{ID: "x", Title: "X"}, ActivityIDs: []string{"no_such_activity"}},
		}, nil
	}}

	if _, err := ProposeCandidateSessionsForIsland(context.Background(), fc, island, minuteAt(30), nil, 100); err == nil {
		t.Fatalf("expected an error for an unknown activity id")
	}
}

func TestProposeCrossBatchIdentity(t *testing.T) {
	// Six activities, batches of five with one shared boundary activity. The
	// classifier keeps one identity throughout; the merged output must hold all
	// six ids under a single session key.
	var island []domain.ActivitySpec
	for i := int64(1); i <= 6; i++ {
		island = append(island, closedSpec(i, fmt.Sprintf("act%d", i), float64(i-1)*5, float64(i)*5))
	}
	fc := &fakeClassifier{propose: groupAllAs("thread", "Long thread")}

	out, err := ProposeCandidateSessionsForIsland(context.Background(), fc, island, minuteAt(40), nil, 5)
	if err != nil {
		t.Fatalf("ProposeCandidateSessionsForIsland failed: %v", err)
	}
	if fc.calls < 2 {
		t.Fatalf("expected multiple batches, got %d call(s)", fc.calls)
	}
	key := domain.SessionKey{Name: "Long thread", LLMID: "thread"}
	ids := out.NewMappings[key]
	if len(ids) != 6 {
		t.Fatalf("expected all 6 activities under one session, got %v", ids)
	}
}

func TestProposeCarryOverDelta(t *testing.T) {
	island := []domain.ActivitySpec{
		closedSpec(4, "editor", 0, 6),
		closedSpec(5, "terminal", 6, 12),
	}
	stored := domain.CandidateSession{
		ID: 77, Name: "Ongoing", LLMID: "ongoing", ActivityIDs: []int64{1, 2, 3},
	}
	// The classifier is offered the stored identity and extends it.
	fc := &fakeClassifier{propose: func(_ int, activities []ClassifierActivity, preexisting []SessionIdentifier) ([]ProposedSession, error) {
		if len(preexisting) != 1 || preexisting[0].ID != "ongoing" {
			return nil, fmt.Errorf("expected the stored session offered as pre-existing, got %v", preexisting)
		}
		var ids []string
		for _, a := range activities {
			ids = append(ids, a.ActivityID)
		}
		return []ProposedSession{
			{Session: preexisting[0], ActivityIDs: ids},
		}, nil
	}}

	out, err := ProposeCandidateSessionsForIsland(
		context.Background(), fc, island, minuteAt(30), []domain.CandidateSession{stored}, 100)
	if err != nil {
		t.Fatalf("ProposeCandidateSessionsForIsland failed: %v", err)
	}
	if len(out.NewMappings) != 0 {
		t.Fatalf("expected no new sessions, got %v", out.NewMappings)
	}
	delta := out.ExistingMappings[77]
	if len(delta) != 2 || !delta[4] || !delta[5] {
		t.Fatalf("expected delta {4 5} for candidate 77, got %v", delta)
	}
}

func TestProposeCarryOverEmptyDeltaDropped(t *testing.T) {
	island := []domain.ActivitySpec{closedSpec(1, "editor", 0, 6)}
	stored := domain.CandidateSession{
		ID: 9, Name: "Ongoing", LLMID: "ongoing", ActivityIDs: []int64{1},
	}
	// The classifier re-reports only the already-persisted activity.
	fc := &fakeClassifier{propose: func(_ int, activities []ClassifierActivity, preexisting []SessionIdentifier) ([]ProposedSession, error) {
		return []ProposedSession{
			{Session: preexisting[0], ActivityIDs: []string{activities[0].ActivityID}},
		}, nil
	}}

	out, err := ProposeCandidateSessionsForIsland(
		context.Background(), fc, island, minuteAt(30), []domain.CandidateSession{stored}, 100)
	if err != nil {
		t.Fatalf("ProposeCandidateSessionsForIsland failed: %v", err)
	}
	if len(out.ExistingMappings) != 0 {
		t.Fatalf("expected the empty delta dropped, got %v", out.ExistingMappings)
	}
}
