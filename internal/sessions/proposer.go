package sessions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"sessiond/internal/domain"
)

// SessionIdentifier is a session as the classifier names it.
type SessionIdentifier struct {
	ID    string
	Title string
}

// ClassifierActivity is one activity as presented to the classifier.
type ClassifierActivity struct {
	ActivityID  string
	Name        string
	Description string
	Duration    string
}

// ProposedSession is one grouping returned by the classifier: a session
// identifier (pre-existing or fresh) and its member activity ids.
type ProposedSession struct {
	Session     SessionIdentifier
	ActivityIDs []string
}

// Classifier proposes session groupings for a batch of activities. Stateless
// from this package's perspective; errors propagate and abort the run.
type Classifier interface {
	ProposeSessions(
		ctx context.Context,
		activities []ClassifierActivity,
		tags []domain.Tag,
		preexisting []SessionIdentifier,
	) ([]ProposedSession, error)
}

// ProposalOutput is the merged result of all classifier calls for one island:
// brand-new sessions keyed by identity, and per-stored-candidate deltas holding
// only activity ids not already persisted.
type ProposalOutput struct {
	NewMappings      map[domain.SessionKey]map[int64]bool
	ExistingMappings map[int64]map[int64]bool
}

// SortedNewKeys returns NewMappings keys in a stable order.
func (p ProposalOutput) SortedNewKeys() []domain.SessionKey {
	keys := make([]domain.SessionKey, 0, len(p.NewMappings))
	for key := range p.NewMappings {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].LLMID != keys[j].LLMID {
			return keys[i].LLMID < keys[j].LLMID
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// detectSessions runs one classifier call over a batch of activities and maps
// the returned slug ids back to activity ids. Slugs are derived from activity
// names; duplicates get _1, _2... suffixes so every activity keeps a unique id
// within the call.
func detectSessions(
	ctx context.Context,
	classifier Classifier,
	specs []domain.ActivitySpec,
	preexisting []domain.SessionKey,
	windowEnd time.Time,
) ([]domain.SessionSpec, error) {
	uniqueTags := make(map[int64]domain.Tag)
	var tagOrder []int64
	for _, spec := range specs {
		for _, tag := range spec.Tags {
			if _, seen := uniqueTags[tag.ID]; !seen {
				uniqueTags[tag.ID] = tag
				tagOrder = append(tagOrder, tag.ID)
			}
		}
	}
	tags := make([]domain.Tag, 0, len(tagOrder))
	for _, id := range tagOrder {
		tags = append(tags, uniqueTags[id])
	}

	sorted := make([]domain.ActivitySpec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime().Before(sorted[j].StartTime()) })

	seenSlugs := make(map[string]int)
	slugToActivityID := make(map[string]int64, len(sorted))
	activities := make([]ClassifierActivity, 0, len(sorted))
	for _, spec := range sorted {
		slug := domain.ActivitySlug(spec.Activity.Name)
		count := seenSlugs[slug]
		seenSlugs[slug] = count + 1
		if count > 0 {
			slug = fmt.Sprintf("%s_%d", slug, count)
		}
		slugToActivityID[slug] = spec.ActivityID()

		activities = append(activities, ClassifierActivity{
			ActivityID:  slug,
			Name:        spec.Activity.Name,
			Description: spec.Activity.Description,
			Duration:    domain.HumanDelta(spec.Duration(windowEnd)),
		})
	}

	identifiers := make([]SessionIdentifier, 0, len(preexisting))
	for _, key := range preexisting {
		identifiers = append(identifiers, SessionIdentifier{ID: key.LLMID, Title: key.Name})
	}

	proposed, err := classifier.ProposeSessions(ctx, activities, tags, identifiers)
	if err != nil {
		return nil, err
	}

	specsOut := make([]domain.SessionSpec, 0, len(proposed))
	for _, p := range proposed {
		spec := domain.SessionSpec{Name: p.Session.Title, LLMID: p.Session.ID}
		for _, slug := range p.ActivityIDs {
			activityID, ok := slugToActivityID[slug]
			if !ok {
				return nil, fmt.Errorf("classifier returned unknown activity id %q for session %q", slug, p.Session.ID)
			}
			spec.ActivityIDs = append(spec.ActivityIDs, activityID)
		}
		specsOut = append(specsOut, spec)
	}
	return specsOut, nil
}

// ProposeCandidateSessionsForIsland splits the island into overlapping
// sub-batches and runs the classifier over each in order, threading session
// identity across batch boundaries through the shared overlap activities.
// Carry-over candidates from earlier runs participate under their persisted
// identity; only their genuinely new activity ids end up in ExistingMappings.
func ProposeCandidateSessionsForIsland(
	ctx context.Context,
	classifier Classifier,
	island []domain.ActivitySpec,
	windowEnd time.Time,
	carryOver []domain.CandidateSession,
	maxActivitiesPerCall int,
) (ProposalOutput, error) {
	batches := domain.OverlappingBatches(island, maxActivitiesPerCall, 0.2)

	out := ProposalOutput{
		NewMappings:      make(map[domain.SessionKey]map[int64]bool),
		ExistingMappings: make(map[int64]map[int64]bool),
	}

	carryOverByKey := make(map[domain.SessionKey]domain.CandidateSession, len(carryOver))
	overlapSessions := make([]domain.SessionKey, 0, len(carryOver))
	for _, c := range carryOver {
		key := c.Key()
		carryOverByKey[key] = c
		overlapSessions = append(overlapSessions, key)
	}

	for index, batch := range batches {
		isLast := index == len(batches)-1
		proposed, err := detectSessions(ctx, classifier, batch, overlapSessions, windowEnd)
		if err != nil {
			return ProposalOutput{}, err
		}

		for _, spec := range proposed {
			key := spec.Key()
			if stored, ok := carryOverByKey[key]; ok {
				// Only record new mappings; existing ones are already persisted.
				delta := out.ExistingMappings[stored.ID]
				if delta == nil {
					delta = make(map[int64]bool)
					out.ExistingMappings[stored.ID] = delta
				}
				for _, aid := range spec.ActivityIDs {
					if !stored.HasActivity(aid) {
						delta[aid] = true
					}
				}
			} else {
				ids := out.NewMappings[key]
				if ids == nil {
					ids = make(map[int64]bool)
					out.NewMappings[key] = ids
				}
				for _, aid := range spec.ActivityIDs {
					ids[aid] = true
				}
			}
		}

		if !isLast {
			nextBatch := batches[index+1]
			sharedIDs := make(map[int64]bool)
			inNext := make(map[int64]bool, len(nextBatch))
			for _, spec := range nextBatch {
				inNext[spec.ActivityID()] = true
			}
			for _, spec := range batch {
				if inNext[spec.ActivityID()] {
					sharedIDs[spec.ActivityID()] = true
				}
			}

			overlapSessions = overlapSessions[:0]
			for _, spec := range proposed {
				for _, aid := range spec.ActivityIDs {
					if sharedIDs[aid] {
						overlapSessions = append(overlapSessions, spec.Key())
						break
					}
				}
			}
		}
	}

	// Drop empty deltas so callers see only candidates that actually grew.
	for id, delta := range out.ExistingMappings {
		if len(delta) == 0 {
			delete(out.ExistingMappings, id)
		}
	}
	return out, nil
}
