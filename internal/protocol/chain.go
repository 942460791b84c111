package protocol

import "fmt"

type ChainBreak struct {
	Index  int64
	Reason string
}

// ChainVerifier checks a subject chain one event at a time so callers can
// stream long histories page by page. Once broken it ignores further input.
type ChainVerifier struct {
	count      int64
	subjectID  string
	subject    SubjectType
	last       LedgerEvent
	hashes     []string
	broken     *ChainBreak
	keepHashes bool
}

func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{}
}

// NewRootingChainVerifier also retains every hash for ChainRoot.
func NewRootingChainVerifier() *ChainVerifier {
	return &ChainVerifier{keepHashes: true}
}

func (v *ChainVerifier) Feed(ev LedgerEvent) bool {
	if v.broken != nil {
		return false
	}
	if reason := v.check(ev); reason != "" {
		v.broken = &ChainBreak{Index: v.count, Reason: reason}
		return false
	}
	if v.count == 0 {
		v.subjectID = ev.SubjectID
		v.subject = ev.SubjectType
	}
	v.count++
	v.last = ev
	if v.keepHashes {
		v.hashes = append(v.hashes, ev.Hash)
	}
	return true
}

func (v *ChainVerifier) check(ev LedgerEvent) string {
	expectedPrev := GenesisHash
	if v.count == 0 {
		if ev.PrevHash != GenesisHash {
			return "first event does not use the genesis prev_hash"
		}
	} else {
		expectedPrev = v.last.Hash
		if ev.SubjectID != v.subjectID || ev.SubjectType != v.subject {
			return "event belongs to a different subject"
		}
		if ev.PrevHash != expectedPrev {
			return "prev_hash does not match previous event hash"
		}
		if ev.OccurredAt.Before(v.last.OccurredAt) {
			return "occurred_at precedes previous event"
		}
	}
	if ev.Sequence != v.count+1 {
		return fmt.Sprintf("sequence %d out of order, expected %d", ev.Sequence, v.count+1)
	}
	computed, err := ComputeEventHash(expectedPrev, ev)
	if err != nil {
		return fmt.Sprintf("hash recompute failed: %v", err)
	}
	if computed != ev.Hash {
		return "hash mismatch"
	}
	return ""
}

func (v *ChainVerifier) Count() int64 {
	return v.count
}

// Head is the hash of the last verified event, empty before the first.
func (v *ChainVerifier) Head() string {
	if v.count == 0 {
		return ""
	}
	return v.last.Hash
}

func (v *ChainVerifier) Broken() (ChainBreak, bool) {
	if v.broken == nil {
		return ChainBreak{}, false
	}
	return *v.broken, true
}

func (v *ChainVerifier) Hashes() []string {
	return v.hashes
}

// VerifyChain checks events ordered by sequence. brokenAt is -1 when valid.
func VerifyChain(events []LedgerEvent) (valid bool, brokenAt int64) {
	v := NewChainVerifier()
	for _, ev := range events {
		if !v.Feed(ev) {
			break
		}
	}
	if b, ok := v.Broken(); ok {
		return false, b.Index
	}
	return true, -1
}
