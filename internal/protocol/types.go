package protocol

import "time"

const (
	MinTier = 0
	MaxTier = 4
)

type RequirementProgress struct {
	Tier    int  `json:"tier"`
	Current int  `json:"current"`
	Target  int  `json:"target"`
	Met     bool `json:"met"`
}

// TrustProfile is the derived view of a subject's history up to ComputedFromSequence.
// It is always replaced wholesale, never patched.
type TrustProfile struct {
	SubjectType          SubjectType                    `json:"subject_type"`
	SubjectID            string                         `json:"subject_id"`
	CurrentTier          int                            `json:"current_tier"`
	RequirementProgress  map[string]RequirementProgress `json:"requirement_progress"`
	ComputedAt           time.Time                      `json:"computed_at"`
	ComputedFromEventID  string                         `json:"computed_from_event_id,omitempty"`
	ComputedFromSequence int64                          `json:"computed_from_sequence"`
}

// SameDerivation reports whether two profiles carry the same derived state,
// ignoring ComputedAt.
func (p TrustProfile) SameDerivation(other TrustProfile) bool {
	if p.SubjectType != other.SubjectType || p.SubjectID != other.SubjectID {
		return false
	}
	if p.CurrentTier != other.CurrentTier || p.ComputedFromEventID != other.ComputedFromEventID || p.ComputedFromSequence != other.ComputedFromSequence {
		return false
	}
	if len(p.RequirementProgress) != len(other.RequirementProgress) {
		return false
	}
	for key, progress := range p.RequirementProgress {
		if theirs, ok := other.RequirementProgress[key]; !ok || theirs != progress {
			return false
		}
	}
	return true
}

type HistoryPage struct {
	SubjectType SubjectType   `json:"subject_type"`
	SubjectID   string        `json:"subject_id"`
	Events      []LedgerEvent `json:"events"`
	NextAfter   int64         `json:"next_after"`
	HasMore     bool          `json:"has_more"`
}

// IntegrityReport is the outcome of a full chain scan. BrokenAtIndex is the
// zero-based position of the first inconsistent event, or -1 when valid.
type IntegrityReport struct {
	SubjectType   SubjectType `json:"subject_type"`
	SubjectID     string      `json:"subject_id"`
	Valid         bool        `json:"valid"`
	BrokenAtIndex int64       `json:"broken_at_index"`
	Reason        string      `json:"reason,omitempty"`
	EventCount    int64       `json:"event_count"`
	HeadHash      string      `json:"head_hash,omitempty"`
	ChainRoot     string      `json:"chain_root"`
	CheckedAt     time.Time   `json:"checked_at"`
	KeyID         string      `json:"kid"`
	Signature     string      `json:"sig"`
}

type RebuildResponse struct {
	Profile      TrustProfile `json:"profile"`
	CacheDrifted bool         `json:"cache_drifted"`
}

type EventProofResponse struct {
	Event LedgerEvent `json:"event"`
	Proof MerkleProof `json:"proof"`
}

// TierChange is emitted once per event whose append moved the subject's tier.
type TierChange struct {
	SubjectType SubjectType `json:"subject_type"`
	SubjectID   string      `json:"subject_id"`
	OldTier     int         `json:"old_tier"`
	NewTier     int         `json:"new_tier"`
	EventID     string      `json:"event_id"`
	Sequence    int64       `json:"sequence"`
	ChangedAt   time.Time   `json:"changed_at"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type HealthResponse struct {
	Service string    `json:"service"`
	Version string    `json:"version"`
	Status  string    `json:"status"`
	Storage string    `json:"storage"`
	KeyID   string    `json:"kid"`
	Time    time.Time `json:"time"`
}
