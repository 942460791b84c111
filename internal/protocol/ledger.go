package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

type SubjectType string

const (
	SubjectStudent     SubjectType = "student"
	SubjectEmployer    SubjectType = "employer"
	SubjectInstitution SubjectType = "institution"
)

var subjectTypes = []SubjectType{SubjectStudent, SubjectEmployer, SubjectInstitution}

func SubjectTypes() []SubjectType {
	out := make([]SubjectType, len(subjectTypes))
	copy(out, subjectTypes)
	return out
}

func (t SubjectType) Valid() bool {
	for _, known := range subjectTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseSubjectType accepts the lowercase wire form, tolerating surrounding space and case.
func ParseSubjectType(raw string) (SubjectType, bool) {
	t := SubjectType(strings.ToLower(strings.TrimSpace(raw)))
	return t, t.Valid()
}

type EventType string

const (
	EventDocumentVerified    EventType = "DOCUMENT_VERIFIED"
	EventInstitutionLinked   EventType = "INSTITUTION_LINKED"
	EventInstitutionUnlinked EventType = "INSTITUTION_UNLINKED"
	EventLogbookApproved     EventType = "LOGBOOK_APPROVED"
	EventInternshipCompleted EventType = "INTERNSHIP_COMPLETED"
	EventArtifactGenerated   EventType = "ARTIFACT_GENERATED"
	EventIncidentReported    EventType = "INCIDENT_REPORTED"
	EventIncidentResolved    EventType = "INCIDENT_RESOLVED"
	EventTrustLevelIncreased EventType = "TRUST_LEVEL_INCREASED"
	EventTrustLevelDecreased EventType = "TRUST_LEVEL_DECREASED"
)

var eventTypes = []EventType{
	EventDocumentVerified,
	EventInstitutionLinked,
	EventInstitutionUnlinked,
	EventLogbookApproved,
	EventInternshipCompleted,
	EventArtifactGenerated,
	EventIncidentReported,
	EventIncidentResolved,
	EventTrustLevelIncreased,
	EventTrustLevelDecreased,
}

func (t EventType) Valid() bool {
	for _, known := range eventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// LedgerEvent is one immutable, hash-linked fact about a subject.
// Hash covers PrevHash, SubjectID, EventType, the canonical Payload and OccurredAt only.
type LedgerEvent struct {
	ID          string          `json:"id"`
	Sequence    int64           `json:"sequence"`
	SubjectType SubjectType     `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	EventType   EventType       `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	RecordedBy  string          `json:"recorded_by"`
	DedupKey    string          `json:"dedup_key"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

type AppendRequest struct {
	DedupKey    string          `json:"dedup_key"`
	SubjectType SubjectType     `json:"subject_type"`
	SubjectID   string          `json:"subject_id"`
	EventType   EventType       `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
	RecordedBy  string          `json:"recorded_by,omitempty"`
}

type AppendReceipt struct {
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	Sig string `json:"sig"`
}

type AppendResponse struct {
	Event        LedgerEvent   `json:"event"`
	Duplicate    bool          `json:"duplicate"`
	Profile      TrustProfile  `json:"profile"`
	PreviousTier int           `json:"previous_tier"`
	TierChanged  bool          `json:"tier_changed"`
	Receipt      AppendReceipt `json:"receipt"`
}
