package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/singleflight"

	ledgercrypto "github.com/internhub/trustledger/internal/crypto"
	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/storage"
	"github.com/internhub/trustledger/internal/tier"
)

const (
	defaultHistoryLimit = 50
	defaultScanPageSize = 500
	maxIdentifierLength = 256
)

type LedgerService struct {
	store         storage.Store
	registry      *tier.Registry
	signer        *ledgercrypto.Signer
	logger        *slog.Logger
	locks         *SubjectLocks
	profiles      *profileCache
	recompute     singleflight.Group
	maxAttempts   int
	retryBackoff  time.Duration
	historyMax    int
	scanPageSize  int
	service       string
	version       string
	storageDriver string
	now           func() time.Time
}

type LedgerParams struct {
	Store              storage.Store
	Registry           *tier.Registry
	Signer             *ledgercrypto.Signer
	Logger             *slog.Logger
	ProfileCacheSize   int
	AppendMaxAttempts  int
	AppendRetryBackoff time.Duration
	HistoryMaxPageSize int
	VerifyPageSize     int
	Service            string
	Version            string
	StorageDriver      string
	Now                func() time.Time
}

func NewLedger(params LedgerParams) (*LedgerService, error) {
	if params.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if params.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if params.Registry == nil {
		params.Registry = tier.DefaultRegistry()
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	if params.AppendMaxAttempts <= 0 {
		params.AppendMaxAttempts = 5
	}
	if params.AppendRetryBackoff <= 0 {
		params.AppendRetryBackoff = 25 * time.Millisecond
	}
	if params.HistoryMaxPageSize <= 0 {
		params.HistoryMaxPageSize = 500
	}
	if params.VerifyPageSize <= 0 {
		params.VerifyPageSize = defaultScanPageSize
	}
	if params.Service == "" {
		params.Service = "trustledger"
	}
	if params.Version == "" {
		params.Version = "dev"
	}
	if params.Now == nil {
		params.Now = time.Now
	}
	profiles, err := newProfileCache(params.Store, params.ProfileCacheSize)
	if err != nil {
		return nil, err
	}
	return &LedgerService{
		store:         params.Store,
		registry:      params.Registry,
		signer:        params.Signer,
		logger:        params.Logger,
		locks:         NewSubjectLocks(),
		profiles:      profiles,
		maxAttempts:   params.AppendMaxAttempts,
		retryBackoff:  params.AppendRetryBackoff,
		historyMax:    params.HistoryMaxPageSize,
		scanPageSize:  params.VerifyPageSize,
		service:       params.Service,
		version:       params.Version,
		storageDriver: params.StorageDriver,
		now:           params.Now,
	}, nil
}

func (s *LedgerService) KeyID() string {
	return s.signer.KeyID
}

// Append records one fact. Only the head read, hash computation and insert
// run under the subject lock; profile refresh and notification happen after.
func (s *LedgerService) Append(ctx context.Context, req protocol.AppendRequest) (protocol.AppendResponse, error) {
	candidate, err := s.normalizeAppend(req)
	if err != nil {
		return protocol.AppendResponse{}, err
	}

	existing, found, err := s.store.FindByDedupKey(ctx, candidate.DedupKey)
	if err != nil {
		return protocol.AppendResponse{}, storageUnavailable("lookup dedup key", err)
	}
	if found {
		return s.duplicateResponse(ctx, existing, candidate)
	}

	ev, dup, err := s.persist(ctx, candidate)
	if err != nil {
		return protocol.AppendResponse{}, err
	}
	if dup != nil {
		return s.duplicateResponse(ctx, *dup, candidate)
	}

	resp := protocol.AppendResponse{Event: ev, Receipt: s.receipt(ev)}
	profile, previousTier, err := s.refreshAfterAppend(ctx, ev)
	if err != nil {
		// the event is durable; readers recompute the profile on demand
		s.logger.Error("profile recompute after append failed",
			slog.String("subject_id", ev.SubjectID),
			slog.Int64("sequence", ev.Sequence),
			slog.String("error", err.Error()),
		)
		return resp, nil
	}
	resp.Profile = profile
	resp.PreviousTier = previousTier
	resp.TierChanged = previousTier != profile.CurrentTier
	return resp, nil
}

func (s *LedgerService) normalizeAppend(req protocol.AppendRequest) (protocol.LedgerEvent, error) {
	req.DedupKey = strings.TrimSpace(req.DedupKey)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.RecordedBy = strings.TrimSpace(req.RecordedBy)
	if req.DedupKey == "" || req.SubjectID == "" || req.RecordedBy == "" {
		return protocol.LedgerEvent{}, invalid(CodeValidationFailed, "dedup_key, subject_id, and recorded_by are required")
	}
	for _, f := range [...]struct{ name, value string }{
		{"dedup_key", req.DedupKey},
		{"subject_id", req.SubjectID},
		{"recorded_by", req.RecordedBy},
	} {
		if err := checkIdentifier(f.name, f.value); err != nil {
			return protocol.LedgerEvent{}, err
		}
	}
	subjectType, ok := protocol.ParseSubjectType(string(req.SubjectType))
	if !ok {
		return protocol.LedgerEvent{}, invalid(CodeUnknownSubjectType, fmt.Sprintf("unknown subject_type %q", req.SubjectType))
	}
	if !req.EventType.Valid() {
		return protocol.LedgerEvent{}, invalid(CodeUnknownEventType, fmt.Sprintf("unknown event_type %q", req.EventType))
	}
	if req.OccurredAt.IsZero() {
		return protocol.LedgerEvent{}, invalid(CodeValidationFailed, "occurred_at is required")
	}
	payload, err := protocol.CanonicalPayload(req.Payload)
	if err != nil {
		return protocol.LedgerEvent{}, NewAppError(http.StatusBadRequest, CodeMalformedPayload, "payload must be a JSON object", false, err)
	}
	if err := protocol.ValidateEventPayload(req.EventType, payload); err != nil {
		return protocol.LedgerEvent{}, NewAppError(http.StatusUnprocessableEntity, CodeMalformedPayload, err.Error(), false, err)
	}
	return protocol.LedgerEvent{
		SubjectType: subjectType,
		SubjectID:   req.SubjectID,
		EventType:   req.EventType,
		Payload:     payload,
		OccurredAt:  protocol.NormalizeTime(req.OccurredAt),
		RecordedBy:  req.RecordedBy,
		DedupKey:    req.DedupKey,
	}, nil
}

// persist returns either the stored event, or the event that already owns
// the dedup key when a concurrent writer recorded it first.
func (s *LedgerService) persist(ctx context.Context, candidate protocol.LedgerEvent) (protocol.LedgerEvent, *protocol.LedgerEvent, error) {
	unlock, err := s.locks.Lock(ctx, candidate.SubjectID)
	if err != nil {
		return protocol.LedgerEvent{}, nil, NewAppError(http.StatusServiceUnavailable, CodeStorageUnavailable, "append cancelled", true, err)
	}
	defer unlock()

	var lastErr error
	// ids of events this call handed to the store; an insert may commit even
	// when the store reports an error
	attempted := make(map[string]struct{}, 1)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, computeRetryDelay(attempt-1, s.retryBackoff)); err != nil {
				return protocol.LedgerEvent{}, nil, NewAppError(http.StatusServiceUnavailable, CodeStorageUnavailable, "append cancelled", true, err)
			}
		}
		head, exists, err := s.store.Head(ctx, candidate.SubjectID)
		if err != nil {
			lastErr = err
			s.logAppendRetry(candidate, attempt, err)
			continue
		}
		ev := candidate
		ev.Sequence, ev.PrevHash = 1, protocol.GenesisHash
		if exists {
			if head.SubjectType != candidate.SubjectType {
				return protocol.LedgerEvent{}, nil, unprocessable(CodeSubjectTypeMismatch,
					fmt.Sprintf("subject %s is recorded as %s", candidate.SubjectID, head.SubjectType))
			}
			if candidate.OccurredAt.Before(head.OccurredAt) {
				return protocol.LedgerEvent{}, nil, unprocessable(CodeBackdatedEvent,
					fmt.Sprintf("occurred_at %s precedes head event at %s", candidate.OccurredAt.Format(time.RFC3339Nano), head.OccurredAt.Format(time.RFC3339Nano)))
			}
			ev.Sequence, ev.PrevHash = head.Sequence+1, head.Hash
		}
		if ev.ID, err = protocol.NewEventID(); err != nil {
			return protocol.LedgerEvent{}, nil, Internal("generate event id", err)
		}
		ev.RecordedAt = protocol.NormalizeTime(s.now())
		if ev.Hash, err = protocol.ComputeEventHash(ev.PrevHash, ev); err != nil {
			return protocol.LedgerEvent{}, nil, Internal("compute event hash", err)
		}

		attempted[ev.ID] = struct{}{}
		err = s.store.InsertEvent(ctx, ev)
		switch {
		case err == nil:
			return ev, nil, nil
		case errors.Is(err, storage.ErrDuplicateDedupKey):
			existing, found, lookupErr := s.store.FindByDedupKey(ctx, candidate.DedupKey)
			if lookupErr != nil {
				return protocol.LedgerEvent{}, nil, storageUnavailable("lookup dedup key", lookupErr)
			}
			if !found {
				return protocol.LedgerEvent{}, nil, storageUnavailable("dedup key reported but not found", err)
			}
			if _, own := attempted[existing.ID]; own {
				return existing, nil, nil
			}
			return protocol.LedgerEvent{}, &existing, nil
		case ctx.Err() != nil:
			return protocol.LedgerEvent{}, nil, NewAppError(http.StatusServiceUnavailable, CodeStorageUnavailable, "append cancelled", true, ctx.Err())
		}
		lastErr = err
		s.logAppendRetry(candidate, attempt, err)
	}
	return protocol.LedgerEvent{}, nil, storageUnavailable(fmt.Sprintf("append failed after %d attempts", s.maxAttempts), lastErr)
}

func (s *LedgerService) logAppendRetry(candidate protocol.LedgerEvent, attempt int, err error) {
	s.logger.Warn("append attempt failed",
		slog.String("subject_id", candidate.SubjectID),
		slog.String("dedup_key", candidate.DedupKey),
		slog.Int("attempt", attempt),
		slog.Bool("head_moved", errors.Is(err, storage.ErrHeadMoved)),
		slog.String("error", err.Error()),
	)
}

func (s *LedgerService) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// duplicateResponse answers a replayed dedup key. The refresh is repeated so
// that a tier change lost by an earlier failed attempt still reaches the
// outbox; enqueueing is idempotent per event id.
func (s *LedgerService) duplicateResponse(ctx context.Context, existing, candidate protocol.LedgerEvent) (protocol.AppendResponse, error) {
	if !sameFact(existing, candidate) {
		return protocol.AppendResponse{}, NewAppError(http.StatusConflict, CodeDedupConflict,
			fmt.Sprintf("dedup_key %s already records a different event", candidate.DedupKey), false, nil)
	}
	resp := protocol.AppendResponse{Event: existing, Duplicate: true, Receipt: s.receipt(existing)}
	if _, _, err := s.refreshAfterAppend(ctx, existing); err != nil {
		s.logger.Error("profile refresh for duplicate append failed",
			slog.String("subject_id", existing.SubjectID),
			slog.Int64("sequence", existing.Sequence),
			slog.String("error", err.Error()),
		)
	}
	profile, err := s.GetProfile(ctx, existing.SubjectType, existing.SubjectID)
	if err != nil {
		s.logger.Error("profile read for duplicate append failed",
			slog.String("subject_id", existing.SubjectID),
			slog.String("error", err.Error()),
		)
		return resp, nil
	}
	resp.Profile = profile
	resp.PreviousTier = profile.CurrentTier
	return resp, nil
}

// sameFact compares the logical content of two events. recorded_by is audit
// metadata and does not take part.
func sameFact(a, b protocol.LedgerEvent) bool {
	return a.SubjectType == b.SubjectType &&
		a.SubjectID == b.SubjectID &&
		a.EventType == b.EventType &&
		a.OccurredAt.Equal(b.OccurredAt) &&
		bytes.Equal(a.Payload, b.Payload)
}

func (s *LedgerService) receipt(ev protocol.LedgerEvent) protocol.AppendReceipt {
	raw, err := protocol.AppendReceiptPayload(ev, s.signer.KeyID)
	if err != nil {
		return protocol.AppendReceipt{}
	}
	return protocol.AppendReceipt{Alg: "ed25519", Kid: s.signer.KeyID, Sig: s.signer.Sign(raw)}
}

// refreshAfterAppend derives the profile as of ev and compares its tier with
// the tier as of ev's predecessor. A differing tier enqueues exactly one
// notification keyed by ev.ID.
func (s *LedgerService) refreshAfterAppend(ctx context.Context, ev protocol.LedgerEvent) (protocol.TrustProfile, int, error) {
	events, err := s.loadEvents(ctx, ev.SubjectID, ev.Sequence)
	if err != nil {
		return protocol.TrustProfile{}, 0, err
	}
	if int64(len(events)) != ev.Sequence {
		return protocol.TrustProfile{}, 0, fmt.Errorf("loaded %d events for %s, expected %d", len(events), ev.SubjectID, ev.Sequence)
	}
	current, err := s.registry.Compute(ev.SubjectType, events)
	if err != nil {
		return protocol.TrustProfile{}, 0, err
	}
	previous, err := s.registry.Compute(ev.SubjectType, events[:len(events)-1])
	if err != nil {
		return protocol.TrustProfile{}, 0, err
	}
	profile := s.buildProfile(ev.SubjectType, ev.SubjectID, current, events)
	if err := s.profiles.put(ctx, profile); err != nil {
		return protocol.TrustProfile{}, 0, fmt.Errorf("save profile: %w", err)
	}
	if previous.Tier != current.Tier {
		change := protocol.TierChange{
			SubjectType: ev.SubjectType,
			SubjectID:   ev.SubjectID,
			OldTier:     previous.Tier,
			NewTier:     current.Tier,
			EventID:     ev.ID,
			Sequence:    ev.Sequence,
			ChangedAt:   ev.RecordedAt,
		}
		if err := s.store.EnqueueTierChange(ctx, change); err != nil {
			return protocol.TrustProfile{}, 0, fmt.Errorf("enqueue tier change: %w", err)
		}
		s.logger.Info("tier changed",
			slog.String("subject_type", string(ev.SubjectType)),
			slog.String("subject_id", ev.SubjectID),
			slog.Int("old_tier", previous.Tier),
			slog.Int("new_tier", current.Tier),
			slog.String("event_id", ev.ID),
			slog.Int64("sequence", ev.Sequence),
		)
	}
	return profile, previous.Tier, nil
}

func (s *LedgerService) buildProfile(subjectType protocol.SubjectType, subjectID string, result tier.Result, events []protocol.LedgerEvent) protocol.TrustProfile {
	p := protocol.TrustProfile{
		SubjectType:         subjectType,
		SubjectID:           subjectID,
		CurrentTier:         result.Tier,
		RequirementProgress: result.Progress,
		ComputedAt:          s.now().UTC(),
	}
	if n := len(events); n > 0 {
		p.ComputedFromEventID = events[n-1].ID
		p.ComputedFromSequence = events[n-1].Sequence
	}
	return p
}

// loadEvents reads the chain in pages up to and including upTo. upTo <= 0
// reads the whole chain.
func (s *LedgerService) loadEvents(ctx context.Context, subjectID string, upTo int64) ([]protocol.LedgerEvent, error) {
	out := make([]protocol.LedgerEvent, 0)
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		limit := s.scanPageSize
		if upTo > 0 && after+int64(limit) > upTo {
			limit = int(upTo - after)
		}
		if limit <= 0 {
			return out, nil
		}
		page, err := s.store.ListEvents(ctx, subjectID, after, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < limit {
			return out, nil
		}
		after = page[len(page)-1].Sequence
	}
}

func (s *LedgerService) checkSubject(subjectType protocol.SubjectType, subjectID string) (protocol.SubjectType, string, error) {
	parsed, ok := protocol.ParseSubjectType(string(subjectType))
	if !ok {
		return "", "", invalid(CodeUnknownSubjectType, fmt.Sprintf("unknown subject_type %q", subjectType))
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", "", invalid(CodeValidationFailed, "subject_id is required")
	}
	if err := checkIdentifier("subject_id", subjectID); err != nil {
		return "", "", err
	}
	return parsed, subjectID, nil
}

// checkIdentifier rejects values no backing store can hold as TEXT.
func checkIdentifier(field, v string) error {
	switch {
	case len(v) > maxIdentifierLength:
		return invalid(CodeValidationFailed, fmt.Sprintf("%s exceeds %d bytes", field, maxIdentifierLength))
	case !utf8.ValidString(v):
		return invalid(CodeValidationFailed, fmt.Sprintf("%s must be valid UTF-8", field))
	case strings.ContainsRune(v, 0):
		return invalid(CodeValidationFailed, fmt.Sprintf("%s must not contain NUL", field))
	}
	return nil
}

func mismatch(subjectID string, recorded protocol.SubjectType) *AppError {
	return unprocessable(CodeSubjectTypeMismatch, fmt.Sprintf("subject %s is recorded as %s", subjectID, recorded))
}

// GetProfile serves the cached profile when it covers the current head and
// otherwise replays the chain. Concurrent replays of one subject collapse
// into one. A subject with no events gets a tier 0 profile.
func (s *LedgerService) GetProfile(ctx context.Context, subjectType protocol.SubjectType, subjectID string) (protocol.TrustProfile, error) {
	subjectType, subjectID, err := s.checkSubject(subjectType, subjectID)
	if err != nil {
		return protocol.TrustProfile{}, err
	}
	head, exists, err := s.store.Head(ctx, subjectID)
	if err != nil {
		return protocol.TrustProfile{}, storageUnavailable("read subject head", err)
	}
	if !exists {
		result, err := s.registry.Compute(subjectType, nil)
		if err != nil {
			return protocol.TrustProfile{}, Internal("compute empty profile", err)
		}
		return s.buildProfile(subjectType, subjectID, result, nil), nil
	}
	if head.SubjectType != subjectType {
		return protocol.TrustProfile{}, mismatch(subjectID, head.SubjectType)
	}
	cached, ok, err := s.profiles.get(ctx, subjectID)
	if err != nil {
		return protocol.TrustProfile{}, storageUnavailable("read profile", err)
	}
	if ok && cached.ComputedFromSequence >= head.Sequence {
		return cached, nil
	}
	// the replay is shared by every collapsed caller, so one caller giving up
	// must not fail the others
	shared := context.WithoutCancel(ctx)
	v, err, _ := s.recompute.Do(subjectID, func() (any, error) {
		return s.replay(shared, subjectType, subjectID)
	})
	if err != nil {
		return protocol.TrustProfile{}, storageUnavailable("recompute profile", err)
	}
	return v.(protocol.TrustProfile), nil
}

func (s *LedgerService) replay(ctx context.Context, subjectType protocol.SubjectType, subjectID string) (protocol.TrustProfile, error) {
	events, err := s.loadEvents(ctx, subjectID, 0)
	if err != nil {
		return protocol.TrustProfile{}, err
	}
	result, err := s.registry.Compute(subjectType, events)
	if err != nil {
		return protocol.TrustProfile{}, err
	}
	profile := s.buildProfile(subjectType, subjectID, result, events)
	if err := s.profiles.put(ctx, profile); err != nil {
		s.logger.Warn("save replayed profile failed",
			slog.String("subject_id", subjectID),
			slog.Int64("sequence", profile.ComputedFromSequence),
			slog.String("error", err.Error()),
		)
	}
	return profile, nil
}

func (s *LedgerService) GetHistory(ctx context.Context, subjectType protocol.SubjectType, subjectID string, afterSequence int64, limit int) (protocol.HistoryPage, error) {
	subjectType, subjectID, err := s.checkSubject(subjectType, subjectID)
	if err != nil {
		return protocol.HistoryPage{}, err
	}
	if afterSequence < 0 {
		return protocol.HistoryPage{}, invalid(CodeValidationFailed, "after must not be negative")
	}
	switch {
	case limit < 0:
		return protocol.HistoryPage{}, invalid(CodeValidationFailed, "limit must not be negative")
	case limit == 0:
		limit = defaultHistoryLimit
	case limit > s.historyMax:
		limit = s.historyMax
	}
	events, err := s.store.ListEvents(ctx, subjectID, afterSequence, limit+1)
	if err != nil {
		return protocol.HistoryPage{}, storageUnavailable("list events", err)
	}
	if len(events) > 0 && events[0].SubjectType != subjectType {
		return protocol.HistoryPage{}, mismatch(subjectID, events[0].SubjectType)
	}
	page := protocol.HistoryPage{SubjectType: subjectType, SubjectID: subjectID, NextAfter: afterSequence, Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		page.NextAfter = page.Events[n-1].Sequence
	}
	return page, nil
}

// VerifyIntegrity rescans the whole chain from storage without locks. It
// only reports; nothing is repaired.
func (s *LedgerService) VerifyIntegrity(ctx context.Context, subjectType protocol.SubjectType, subjectID string) (protocol.IntegrityReport, error) {
	subjectType, subjectID, err := s.checkSubject(subjectType, subjectID)
	if err != nil {
		return protocol.IntegrityReport{}, err
	}
	verifier := protocol.NewRootingChainVerifier()
	var scanned int64
	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return protocol.IntegrityReport{}, err
		}
		page, err := s.store.ListEvents(ctx, subjectID, after, s.scanPageSize)
		if err != nil {
			return protocol.IntegrityReport{}, storageUnavailable("list events", err)
		}
		if scanned == 0 && len(page) > 0 && page[0].SubjectType != subjectType {
			return protocol.IntegrityReport{}, mismatch(subjectID, page[0].SubjectType)
		}
		for _, ev := range page {
			verifier.Feed(ev)
		}
		scanned += int64(len(page))
		if len(page) < s.scanPageSize {
			break
		}
		after = page[len(page)-1].Sequence
	}

	report := protocol.IntegrityReport{
		SubjectType:   subjectType,
		SubjectID:     subjectID,
		Valid:         true,
		BrokenAtIndex: -1,
		EventCount:    scanned,
		HeadHash:      verifier.Head(),
		CheckedAt:     s.now().UTC(),
		KeyID:         s.signer.KeyID,
	}
	if brk, broken := verifier.Broken(); broken {
		report.Valid = false
		report.BrokenAtIndex = brk.Index
		report.Reason = brk.Reason
	} else {
		root, err := protocol.ChainRoot(verifier.Hashes())
		if err != nil {
			report.Valid = false
			report.BrokenAtIndex = 0
			report.Reason = fmt.Sprintf("chain root: %v", err)
		}
		report.ChainRoot = root
	}
	raw, err := protocol.IntegrityReportPayload(report)
	if err != nil {
		return protocol.IntegrityReport{}, Internal("encode integrity report", err)
	}
	report.Signature = s.signer.Sign(raw)
	if !report.Valid {
		s.logger.Warn("integrity check failed",
			slog.String("subject_id", subjectID),
			slog.Int64("broken_at_index", report.BrokenAtIndex),
			slog.String("reason", report.Reason),
		)
	}
	return report, nil
}

// RebuildProfile replays the full chain, overwrites the stored profile and
// reports whether the stored one had drifted from the replay.
func (s *LedgerService) RebuildProfile(ctx context.Context, subjectType protocol.SubjectType, subjectID string) (protocol.RebuildResponse, error) {
	subjectType, subjectID, err := s.checkSubject(subjectType, subjectID)
	if err != nil {
		return protocol.RebuildResponse{}, err
	}
	head, exists, err := s.store.Head(ctx, subjectID)
	if err != nil {
		return protocol.RebuildResponse{}, storageUnavailable("read subject head", err)
	}
	if exists && head.SubjectType != subjectType {
		return protocol.RebuildResponse{}, mismatch(subjectID, head.SubjectType)
	}
	before, hadProfile, err := s.profiles.stored(ctx, subjectID)
	if err != nil {
		return protocol.RebuildResponse{}, storageUnavailable("read profile", err)
	}
	if !exists {
		result, err := s.registry.Compute(subjectType, nil)
		if err != nil {
			return protocol.RebuildResponse{}, Internal("compute empty profile", err)
		}
		return protocol.RebuildResponse{Profile: s.buildProfile(subjectType, subjectID, result, nil), CacheDrifted: hadProfile}, nil
	}
	profile, err := s.replay(ctx, subjectType, subjectID)
	if err != nil {
		return protocol.RebuildResponse{}, storageUnavailable("replay profile", err)
	}
	drifted := hadProfile && before.ComputedFromSequence == profile.ComputedFromSequence && !before.SameDerivation(profile)
	if drifted {
		s.logger.Warn("stored profile drifted from replay",
			slog.String("subject_id", subjectID),
			slog.Int("stored_tier", before.CurrentTier),
			slog.Int("replayed_tier", profile.CurrentTier),
		)
	}
	return protocol.RebuildResponse{Profile: profile, CacheDrifted: drifted}, nil
}

// EventProof returns the event at sequence with a Merkle inclusion proof
// against the root of the subject's current chain.
func (s *LedgerService) EventProof(ctx context.Context, subjectType protocol.SubjectType, subjectID string, sequence int64) (protocol.EventProofResponse, error) {
	subjectType, subjectID, err := s.checkSubject(subjectType, subjectID)
	if err != nil {
		return protocol.EventProofResponse{}, err
	}
	if sequence < 1 {
		return protocol.EventProofResponse{}, invalid(CodeValidationFailed, "sequence must be positive")
	}
	ev, found, err := s.store.GetEvent(ctx, subjectID, sequence)
	if err != nil {
		return protocol.EventProofResponse{}, storageUnavailable("get event", err)
	}
	if !found {
		return protocol.EventProofResponse{}, NewAppError(http.StatusNotFound, CodeNotFound, fmt.Sprintf("subject %s has no event %d", subjectID, sequence), false, nil)
	}
	if ev.SubjectType != subjectType {
		return protocol.EventProofResponse{}, mismatch(subjectID, ev.SubjectType)
	}
	events, err := s.loadEvents(ctx, subjectID, 0)
	if err != nil {
		return protocol.EventProofResponse{}, storageUnavailable("list events", err)
	}
	hashes := make([]string, 0, len(events))
	for _, e := range events {
		hashes = append(hashes, e.Hash)
	}
	proof, err := protocol.ChainInclusionProof(hashes, int(sequence-1))
	if err != nil {
		return protocol.EventProofResponse{}, Internal("build inclusion proof", err)
	}
	return protocol.EventProofResponse{Event: ev, Proof: *proof}, nil
}

func (s *LedgerService) ListSubjects(ctx context.Context) ([]storage.SubjectRef, error) {
	subjects, err := s.store.ListSubjects(ctx)
	if err != nil {
		return nil, storageUnavailable("list subjects", err)
	}
	return subjects, nil
}

func (s *LedgerService) Health(ctx context.Context) protocol.HealthResponse {
	out := protocol.HealthResponse{
		Service: s.service,
		Version: s.version,
		Status:  "ok",
		Storage: s.storageDriver,
		KeyID:   s.signer.KeyID,
		Time:    s.now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		out.Status = "degraded"
		s.logger.Warn("storage ping failed", slog.String("error", err.Error()))
	}
	return out
}

func computeRetryDelay(retry int, base time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	return time.Duration(1<<uint(min(retry-1, 6))) * base
}
