// Package memory is the in-process storage backend. It honours the same
// append and profile-save preconditions as the Postgres store.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/storage"
)

type dedupRef struct {
	subjectID string
	index     int
}

type Store struct {
	mu       sync.RWMutex
	chains   map[string][]protocol.LedgerEvent
	dedup    map[string]dedupRef
	profiles map[string]protocol.TrustProfile
	outbox   []storage.OutboxItem
	outboxBy map[string]int
	nextID   int64
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		chains:   make(map[string][]protocol.LedgerEvent),
		dedup:    make(map[string]dedupRef),
		profiles: make(map[string]protocol.TrustProfile),
		outboxBy: make(map[string]int),
		now:      time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) Head(_ context.Context, subjectID string) (storage.Head, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[subjectID]
	if len(chain) == 0 {
		return storage.Head{}, false, nil
	}
	last := chain[len(chain)-1]
	return storage.Head{
		SubjectType: last.SubjectType,
		EventID:     last.ID,
		Sequence:    last.Sequence,
		Hash:        last.Hash,
		OccurredAt:  last.OccurredAt,
	}, true, nil
}

func (s *Store) FindByDedupKey(_ context.Context, dedupKey string) (protocol.LedgerEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.dedup[dedupKey]
	if !ok {
		return protocol.LedgerEvent{}, false, nil
	}
	return cloneEvent(s.chains[ref.subjectID][ref.index]), true, nil
}

func (s *Store) InsertEvent(_ context.Context, ev protocol.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.dedup[ev.DedupKey]; dup {
		return storage.ErrDuplicateDedupKey
	}
	chain := s.chains[ev.SubjectID]
	wantPrev := protocol.GenesisHash
	if n := len(chain); n > 0 {
		wantPrev = chain[n-1].Hash
	}
	if ev.Sequence != int64(len(chain))+1 || ev.PrevHash != wantPrev {
		return storage.ErrHeadMoved
	}
	s.chains[ev.SubjectID] = append(chain, cloneEvent(ev))
	s.dedup[ev.DedupKey] = dedupRef{subjectID: ev.SubjectID, index: len(chain)}
	return nil
}

func (s *Store) ListEvents(_ context.Context, subjectID string, afterSequence int64, limit int) ([]protocol.LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[subjectID]
	// sequence n lives at index n-1
	start := afterSequence
	if start < 0 {
		start = 0
	}
	if start >= int64(len(chain)) {
		return []protocol.LedgerEvent{}, nil
	}
	end := int64(len(chain))
	if limit > 0 && start+int64(limit) < end {
		end = start + int64(limit)
	}
	out := make([]protocol.LedgerEvent, 0, end-start)
	for _, ev := range chain[start:end] {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

func (s *Store) GetEvent(_ context.Context, subjectID string, sequence int64) (protocol.LedgerEvent, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[subjectID]
	if sequence < 1 || sequence > int64(len(chain)) {
		return protocol.LedgerEvent{}, false, nil
	}
	return cloneEvent(chain[sequence-1]), true, nil
}

func (s *Store) ListSubjects(context.Context) ([]storage.SubjectRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.SubjectRef, 0, len(s.chains))
	for id, chain := range s.chains {
		if len(chain) == 0 {
			continue
		}
		out = append(out, storage.SubjectRef{SubjectType: chain[0].SubjectType, SubjectID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubjectID < out[j].SubjectID })
	return out, nil
}

func (s *Store) GetProfile(_ context.Context, subjectID string) (protocol.TrustProfile, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[subjectID]
	if !ok {
		return protocol.TrustProfile{}, false, nil
	}
	return cloneProfile(p), true, nil
}

func (s *Store) SaveProfile(_ context.Context, p protocol.TrustProfile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.profiles[p.SubjectID]; ok && existing.ComputedFromSequence > p.ComputedFromSequence {
		return false, nil
	}
	s.profiles[p.SubjectID] = cloneProfile(p)
	return true, nil
}

func (s *Store) EnqueueTierChange(_ context.Context, change protocol.TierChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outboxBy[change.EventID]; ok {
		return nil
	}
	s.nextID++
	s.outboxBy[change.EventID] = len(s.outbox)
	s.outbox = append(s.outbox, storage.OutboxItem{
		ID:        s.nextID,
		Change:    change,
		Status:    "pending",
		CreatedAt: s.now().UTC(),
	})
	return nil
}

func (s *Store) FetchPendingTierChanges(_ context.Context, limit int) ([]storage.OutboxItem, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	out := make([]storage.OutboxItem, 0)
	for _, item := range s.outbox {
		if len(out) == limit {
			break
		}
		if item.Status != "pending" {
			continue
		}
		if item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) MarkTierChangeSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.outboxItem(id)
	if item == nil {
		return storage.ErrNotFound
	}
	item.Status = "sent"
	item.LastError = ""
	item.NextAttemptAt = nil
	return nil
}

func (s *Store) MarkTierChangeRetry(_ context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.outboxItem(id)
	if item == nil {
		return storage.ErrNotFound
	}
	next := nextAttempt.UTC()
	item.Status = "pending"
	item.Attempts = attempts
	item.LastError = lastError
	item.NextAttemptAt = &next
	return nil
}

// OutboxSnapshot returns every outbox row in insertion order.
func (s *Store) OutboxSnapshot() []storage.OutboxItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.OutboxItem, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func (s *Store) outboxItem(id int64) *storage.OutboxItem {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}

func cloneEvent(ev protocol.LedgerEvent) protocol.LedgerEvent {
	ev.Payload = append(json.RawMessage(nil), ev.Payload...)
	return ev
}

func cloneProfile(p protocol.TrustProfile) protocol.TrustProfile {
	progress := make(map[string]protocol.RequirementProgress, len(p.RequirementProgress))
	for k, v := range p.RequirementProgress {
		progress[k] = v
	}
	p.RequirementProgress = progress
	return p
}
