package storage

import (
	"context"
	"errors"
	"time"

	"github.com/internhub/trustledger/internal/protocol"
)

var (
	// ErrHeadMoved means another writer extended the subject chain after the
	// caller read its head. The append must be retried from a fresh head.
	ErrHeadMoved         = errors.New("subject head moved")
	ErrDuplicateDedupKey = errors.New("dedup key already recorded")
	ErrNotFound          = errors.New("not found")
)

// Head is the latest event of a subject chain.
type Head struct {
	SubjectType protocol.SubjectType
	EventID     string
	Sequence    int64
	Hash        string
	OccurredAt  time.Time
}

type SubjectRef struct {
	SubjectType protocol.SubjectType `json:"subject_type"`
	SubjectID   string               `json:"subject_id"`
}

type EventStore interface {
	Head(ctx context.Context, subjectID string) (Head, bool, error)
	FindByDedupKey(ctx context.Context, dedupKey string) (protocol.LedgerEvent, bool, error)
	// InsertEvent persists ev atomically, only while the subject head is still
	// at ev.Sequence-1 with hash ev.PrevHash.
	InsertEvent(ctx context.Context, ev protocol.LedgerEvent) error
	ListEvents(ctx context.Context, subjectID string, afterSequence int64, limit int) ([]protocol.LedgerEvent, error)
	GetEvent(ctx context.Context, subjectID string, sequence int64) (protocol.LedgerEvent, bool, error)
	ListSubjects(ctx context.Context) ([]SubjectRef, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, subjectID string) (protocol.TrustProfile, bool, error)
	// SaveProfile replaces the stored profile unless it was computed from a
	// later sequence. saved is false when the stored row was kept.
	SaveProfile(ctx context.Context, p protocol.TrustProfile) (saved bool, err error)
}

type OutboxItem struct {
	ID            int64
	Change        protocol.TierChange
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
}

type Outbox interface {
	// EnqueueTierChange is idempotent on the change's event id.
	EnqueueTierChange(ctx context.Context, change protocol.TierChange) error
	FetchPendingTierChanges(ctx context.Context, limit int) ([]OutboxItem, error)
	MarkTierChangeSent(ctx context.Context, id int64) error
	MarkTierChangeRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error
}

type Store interface {
	EventStore
	ProfileStore
	Outbox
	Ping(ctx context.Context) error
	Close()
}
