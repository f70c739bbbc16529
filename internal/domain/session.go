package domain

import "time"

// SessionKey identifies a session as the classifier sees it: the llm_id it was
// given (or invented) plus the human-readable title. Comparable, used as map key.
type SessionKey struct {
	Name  string
	LLMID string
}

// SessionSpec is a proposed or finalized grouping of activities. Transient until
// written; the same shape serves classifier proposals and finalized output.
type SessionSpec struct {
	Name        string
	LLMID       string
	ActivityIDs []int64
}

func (s SessionSpec) Key() SessionKey {
	return SessionKey{Name: s.Name, LLMID: s.LLMID}
}

// CandidateSession is a persisted, not-yet-finalized session carried across
// runs. ActivityIDs is its current mapping-table contents.
type CandidateSession struct {
	ID          int64
	Name        string
	LLMID       string
	RunID       int64
	CreatedAt   time.Time
	ActivityIDs []int64
}

func (c CandidateSession) Key() SessionKey {
	return SessionKey{Name: c.Name, LLMID: c.LLMID}
}

func (c CandidateSession) HasActivity(id int64) bool {
	for _, aid := range c.ActivityIDs {
		if aid == id {
			return true
		}
	}
	return false
}

// Run is one sessionization run's bookkeeping row. The marker fields are nil on
// early-exit runs; OverlapStart set without FinalizedHorizon is a consistency
// violation.
type Run struct {
	ID                     int64
	CreatedAt              time.Time
	CandidateCreationStart time.Time
	CandidateCreationEnd   time.Time
	OverlapStart           *time.Time
	RightTailEnd           *time.Time
	FinalizedHorizon       *time.Time
}
