package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	ledgercrypto "github.com/internhub/trustledger/internal/crypto"
	"github.com/internhub/trustledger/internal/logging"
	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/storage"
	"github.com/internhub/trustledger/internal/storage/memory"
)

var baseTime = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, store storage.Store, mutate ...func(*LedgerParams)) *LedgerService {
	t.Helper()
	signer, err := ledgercrypto.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	params := LedgerParams{
		Store:              store,
		Signer:             signer,
		Logger:             logging.Discard(),
		AppendRetryBackoff: time.Millisecond,
		StorageDriver:      "memory",
	}
	for _, fn := range mutate {
		fn(&params)
	}
	svc, err := NewLedger(params)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return svc
}

func studentEvent(subjectID, dedup string, eventType protocol.EventType, payload string, at time.Time) protocol.AppendRequest {
	return protocol.AppendRequest{
		DedupKey:    dedup,
		SubjectType: protocol.SubjectStudent,
		SubjectID:   subjectID,
		EventType:   eventType,
		Payload:     json.RawMessage(payload),
		OccurredAt:  at,
		RecordedBy:  "workflow-test",
	}
}

func mustAppend(t *testing.T, svc *LedgerService, req protocol.AppendRequest) protocol.AppendResponse {
	t.Helper()
	resp, err := svc.Append(context.Background(), req)
	if err != nil {
		t.Fatalf("Append %s: %v", req.DedupKey, err)
	}
	return resp
}

func expectCode(t *testing.T, err error, code string, status int) {
	t.Helper()
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError %s, got %v", code, err)
	}
	if appErr.Code != code || appErr.HTTPStatus != status {
		t.Fatalf("expected %s/%d, got %s/%d (%s)", code, status, appErr.Code, appErr.HTTPStatus, appErr.Message)
	}
}

func TestLedgerStudentScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestLedger(t, store)

	steps := []struct {
		eventType protocol.EventType
		payload   string
		tier      int
	}{
		{protocol.EventDocumentVerified, `{"document_id":"doc-1"}`, 1},
		{protocol.EventInstitutionLinked, `{"status":"approved","institution_id":"inst-1"}`, 2},
		{protocol.EventInternshipCompleted, `{"internship_id":"int-1"}`, 3},
		{protocol.EventIncidentReported, `{"severity":"high","incident_id":"inc-1"}`, 1},
	}
	if p, err := svc.GetProfile(ctx, protocol.SubjectStudent, "stu-1"); err != nil || p.CurrentTier != 0 {
		t.Fatalf("expected tier 0 before any event, got %+v err=%v", p, err)
	}
	prevTier := 0
	for i, step := range steps {
		resp := mustAppend(t, svc, studentEvent("stu-1", fmt.Sprintf("scenario-%d", i), step.eventType, step.payload, baseTime.Add(time.Duration(i)*time.Hour)))
		if resp.Profile.CurrentTier != step.tier {
			t.Fatalf("step %d: expected tier %d, got %d", i, step.tier, resp.Profile.CurrentTier)
		}
		if resp.PreviousTier != prevTier || !resp.TierChanged {
			t.Fatalf("step %d: expected change from %d, got previous=%d changed=%v", i, prevTier, resp.PreviousTier, resp.TierChanged)
		}
		if resp.Event.Sequence != int64(i+1) || resp.Duplicate {
			t.Fatalf("step %d: unexpected event %+v", i, resp.Event)
		}
		payload, err := protocol.AppendReceiptPayload(resp.Event, svc.KeyID())
		if err != nil {
			t.Fatalf("AppendReceiptPayload: %v", err)
		}
		if !svc.signer.Verify(payload, resp.Receipt.Sig) {
			t.Fatalf("step %d: receipt signature did not verify", i)
		}
		prevTier = step.tier
	}

	history, err := svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", 0, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history.Events) != 4 || history.HasMore || history.NextAfter != 4 {
		t.Fatalf("unexpected history %+v", history)
	}

	report, err := svc.VerifyIntegrity(ctx, protocol.SubjectStudent, "stu-1")
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Valid || report.BrokenAtIndex != -1 || report.EventCount != 4 || report.HeadHash != history.Events[3].Hash {
		t.Fatalf("unexpected report %+v", report)
	}
	signed, err := protocol.IntegrityReportPayload(report)
	if err != nil {
		t.Fatalf("IntegrityReportPayload: %v", err)
	}
	if !svc.signer.Verify(signed, report.Signature) {
		t.Fatalf("integrity report signature did not verify")
	}

	rows := store.OutboxSnapshot()
	want := [][2]int{{0, 1}, {1, 2}, {2, 3}, {3, 1}}
	if len(rows) != len(want) {
		t.Fatalf("expected %d tier changes, got %d", len(want), len(rows))
	}
	for i, row := range rows {
		if row.Change.OldTier != want[i][0] || row.Change.NewTier != want[i][1] || row.Change.EventID != history.Events[i].ID {
			t.Fatalf("tier change %d: unexpected %+v", i, row.Change)
		}
	}
}

func TestAppendWithoutTierChangeEnqueuesNothing(t *testing.T) {
	store := memory.New()
	svc := newTestLedger(t, store)
	mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventLogbookApproved, `{"logbook_id":"lb-1"}`, baseTime))
	resp := mustAppend(t, svc, studentEvent("stu-1", "k2", protocol.EventLogbookApproved, `{"logbook_id":"lb-2"}`, baseTime))
	if resp.TierChanged || resp.Profile.CurrentTier != 0 {
		t.Fatalf("unexpected tier change %+v", resp)
	}
	if rows := store.OutboxSnapshot(); len(rows) != 0 {
		t.Fatalf("expected empty outbox, got %d rows", len(rows))
	}
}

func TestAppendRejectsBackdatedEvent(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New())
	first := mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))

	_, err := svc.Append(ctx, studentEvent("stu-1", "k2", protocol.EventLogbookApproved, `{}`, baseTime.Add(-time.Minute)))
	expectCode(t, err, CodeBackdatedEvent, http.StatusUnprocessableEntity)

	history, _ := svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", 0, 0)
	if len(history.Events) != 1 || history.Events[0].Hash != first.Event.Hash {
		t.Fatalf("chain changed after rejected append: %+v", history.Events)
	}
	mustAppend(t, svc, studentEvent("stu-1", "k3", protocol.EventLogbookApproved, `{}`, baseTime))
}

func TestAppendValidation(t *testing.T) {
	svc := newTestLedger(t, memory.New())
	valid := studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime)
	cases := []struct {
		name   string
		mutate func(*protocol.AppendRequest)
		code   string
		status int
	}{
		{"unknown event type", func(r *protocol.AppendRequest) { r.EventType = "PROFILE_VIEWED" }, CodeUnknownEventType, http.StatusBadRequest},
		{"unknown subject type", func(r *protocol.AppendRequest) { r.SubjectType = "robot" }, CodeUnknownSubjectType, http.StatusBadRequest},
		{"missing dedup key", func(r *protocol.AppendRequest) { r.DedupKey = "  " }, CodeValidationFailed, http.StatusBadRequest},
		{"missing subject", func(r *protocol.AppendRequest) { r.SubjectID = "" }, CodeValidationFailed, http.StatusBadRequest},
		{"missing recorder", func(r *protocol.AppendRequest) { r.RecordedBy = "" }, CodeValidationFailed, http.StatusBadRequest},
		{"missing occurred_at", func(r *protocol.AppendRequest) { r.OccurredAt = time.Time{} }, CodeValidationFailed, http.StatusBadRequest},
		{"array payload", func(r *protocol.AppendRequest) { r.Payload = json.RawMessage(`[1,2]`) }, CodeMalformedPayload, http.StatusBadRequest},
		{"empty payload", func(r *protocol.AppendRequest) { r.Payload = nil }, CodeMalformedPayload, http.StatusBadRequest},
		{"nul in subject", func(r *protocol.AppendRequest) { r.SubjectID = "stu\x001" }, CodeValidationFailed, http.StatusBadRequest},
		{"invalid utf-8 dedup key", func(r *protocol.AppendRequest) { r.DedupKey = "k\xff" }, CodeValidationFailed, http.StatusBadRequest},
		{"oversized recorder", func(r *protocol.AppendRequest) { r.RecordedBy = strings.Repeat("r", 257) }, CodeValidationFailed, http.StatusBadRequest},
		{"incident without severity", func(r *protocol.AppendRequest) {
			r.EventType = protocol.EventIncidentReported
		}, CodeMalformedPayload, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		req := valid
		tc.mutate(&req)
		_, err := svc.Append(context.Background(), req)
		if err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		expectCode(t, err, tc.code, tc.status)
	}
	if subjects, _ := svc.ListSubjects(context.Background()); len(subjects) != 0 {
		t.Fatalf("rejected appends must not create chains, got %+v", subjects)
	}
	_, err := svc.GetProfile(context.Background(), protocol.SubjectStudent, "stu\x001")
	expectCode(t, err, CodeValidationFailed, http.StatusBadRequest)
}

func TestAppendRejectsSubjectTypeMismatch(t *testing.T) {
	svc := newTestLedger(t, memory.New())
	mustAppend(t, svc, studentEvent("sub-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	req := studentEvent("sub-1", "k2", protocol.EventDocumentVerified, `{}`, baseTime)
	req.SubjectType = protocol.SubjectEmployer
	_, err := svc.Append(context.Background(), req)
	expectCode(t, err, CodeSubjectTypeMismatch, http.StatusUnprocessableEntity)
	_, err = svc.GetProfile(context.Background(), protocol.SubjectEmployer, "sub-1")
	expectCode(t, err, CodeSubjectTypeMismatch, http.StatusUnprocessableEntity)
}

func TestAppendDedupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New())
	first := mustAppend(t, svc, studentEvent("stu-1", "doc-verify-1", protocol.EventDocumentVerified, `{"document_id":"d1","kind":"id"}`, baseTime))
	again := mustAppend(t, svc, studentEvent("stu-1", "doc-verify-1", protocol.EventDocumentVerified, `{"kind":"id","document_id":"d1"}`, baseTime))
	if !again.Duplicate || again.Event.ID != first.Event.ID || again.Event.Hash != first.Event.Hash {
		t.Fatalf("expected duplicate of first event, got %+v", again)
	}
	if again.TierChanged || again.Profile.CurrentTier != 1 {
		t.Fatalf("duplicate must report current profile without a change, got %+v", again)
	}
	_, err := svc.Append(ctx, studentEvent("stu-1", "doc-verify-1", protocol.EventDocumentVerified, `{"document_id":"d2"}`, baseTime))
	expectCode(t, err, CodeDedupConflict, http.StatusConflict)

	history, _ := svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", 0, 0)
	if len(history.Events) != 1 {
		t.Fatalf("expected single stored event, got %d", len(history.Events))
	}
}

func TestSameFact(t *testing.T) {
	a := protocol.LedgerEvent{SubjectType: protocol.SubjectStudent, SubjectID: "s", EventType: protocol.EventDocumentVerified, Payload: []byte(`{"a":1}`), OccurredAt: baseTime, RecordedBy: "documents"}
	b := a
	b.RecordedBy = "documents-replica"
	if !sameFact(a, b) {
		t.Fatalf("recorded_by must not affect fact identity")
	}
	b.Payload = []byte(`{"a":2}`)
	if sameFact(a, b) {
		t.Fatalf("expected payload mismatch")
	}
	b = a
	b.OccurredAt = baseTime.Add(time.Second)
	if sameFact(a, b) {
		t.Fatalf("expected occurred_at mismatch")
	}
}

func TestConcurrentAppendsSameSubjectNeverFork(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New())
	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Append(ctx, studentEvent("stu-1", fmt.Sprintf("logbook-%d", i), protocol.EventLogbookApproved, fmt.Sprintf(`{"logbook_id":"lb-%d"}`, i), baseTime))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}
	history, err := svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", 0, writers)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history.Events) != writers {
		t.Fatalf("expected %d events, got %d", writers, len(history.Events))
	}
	if valid, brokenAt := protocol.VerifyChain(history.Events); !valid {
		t.Fatalf("chain forked or broke at %d", brokenAt)
	}
	if svc.locks.Len() != 0 {
		t.Fatalf("expected subject locks released, have %d", svc.locks.Len())
	}
}

func TestConcurrentAppendsAcrossSubjects(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New())
	const subjects, perSubject = 8, 10
	var wg sync.WaitGroup
	for s := 0; s < subjects; s++ {
		for i := 0; i < perSubject; i++ {
			wg.Add(1)
			go func(s, i int) {
				defer wg.Done()
				req := studentEvent(fmt.Sprintf("stu-%d", s), fmt.Sprintf("stu-%d-%d", s, i), protocol.EventLogbookApproved, `{}`, baseTime)
				if _, err := svc.Append(ctx, req); err != nil {
					t.Errorf("append %d/%d: %v", s, i, err)
				}
			}(s, i)
		}
	}
	wg.Wait()
	for s := 0; s < subjects; s++ {
		report, err := svc.VerifyIntegrity(ctx, protocol.SubjectStudent, fmt.Sprintf("stu-%d", s))
		if err != nil {
			t.Fatalf("VerifyIntegrity: %v", err)
		}
		if !report.Valid || report.EventCount != perSubject {
			t.Fatalf("subject %d: unexpected report %+v", s, report)
		}
	}
}

func TestConcurrentDuplicatesStoreOneEvent(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New())
	const callers = 16
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := svc.Append(ctx, studentEvent("stu-1", "same-key", protocol.EventDocumentVerified, `{"document_id":"d1"}`, baseTime))
			if err != nil {
				t.Errorf("Append: %v", err)
				return
			}
			ids <- resp.Event.ID
		}()
	}
	wg.Wait()
	close(ids)
	var first string
	for id := range ids {
		if first == "" {
			first = id
		}
		if id != first {
			t.Fatalf("duplicate appends returned different events %s and %s", first, id)
		}
	}
	history, _ := svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", 0, 0)
	if len(history.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(history.Events))
	}
}

func TestReplayReproducesCachedProfile(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New())
	reqs := []protocol.AppendRequest{
		studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime),
		studentEvent("stu-1", "k2", protocol.EventInstitutionLinked, `{"status":"approved","institution_id":"i1"}`, baseTime.Add(time.Hour)),
		studentEvent("stu-1", "k3", protocol.EventIncidentReported, `{"severity":"high","incident_id":"x"}`, baseTime.Add(2*time.Hour)),
		studentEvent("stu-1", "k4", protocol.EventIncidentResolved, `{"incident_id":"x"}`, baseTime.Add(3*time.Hour)),
	}
	for _, req := range reqs {
		mustAppend(t, svc, req)
	}
	cached, err := svc.GetProfile(ctx, protocol.SubjectStudent, "stu-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	rebuilt, err := svc.RebuildProfile(ctx, protocol.SubjectStudent, "stu-1")
	if err != nil {
		t.Fatalf("RebuildProfile: %v", err)
	}
	if rebuilt.CacheDrifted || !rebuilt.Profile.SameDerivation(cached) {
		t.Fatalf("replay differs from cache: cached=%+v rebuilt=%+v", cached, rebuilt)
	}
	if cached.CurrentTier != 2 || cached.ComputedFromSequence != 4 {
		t.Fatalf("unexpected cached profile %+v", cached)
	}
}

func TestRebuildDetectsDriftedProfile(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	svc := newTestLedger(t, store)
	resp := mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	corrupted := resp.Profile
	corrupted.CurrentTier = 4
	if _, err := store.SaveProfile(ctx, corrupted); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	rebuilt, err := svc.RebuildProfile(ctx, protocol.SubjectStudent, "stu-1")
	if err != nil {
		t.Fatalf("RebuildProfile: %v", err)
	}
	if !rebuilt.CacheDrifted || rebuilt.Profile.CurrentTier != 1 {
		t.Fatalf("expected drift repaired to tier 1, got %+v", rebuilt)
	}
	stored, _, _ := store.GetProfile(ctx, "stu-1")
	if stored.CurrentTier != 1 {
		t.Fatalf("expected stored profile replaced, got tier %d", stored.CurrentTier)
	}
}

func TestGetProfileUnknownSubject(t *testing.T) {
	svc := newTestLedger(t, memory.New())
	p, err := svc.GetProfile(context.Background(), protocol.SubjectEmployer, "emp-404")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if p.CurrentTier != 0 || p.ComputedFromEventID != "" || p.ComputedFromSequence != 0 {
		t.Fatalf("unexpected profile %+v", p)
	}
	if _, ok := p.RequirementProgress["business_document_verified"]; !ok {
		t.Fatalf("expected ladder progress for unknown subject, got %+v", p.RequirementProgress)
	}
	history, err := svc.GetHistory(context.Background(), protocol.SubjectEmployer, "emp-404", 0, 0)
	if err != nil || len(history.Events) != 0 || history.HasMore {
		t.Fatalf("expected empty history, got %+v err=%v", history, err)
	}
}

func TestGetHistoryPaging(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New(), func(p *LedgerParams) { p.HistoryMaxPageSize = 3 })
	for i := 0; i < 5; i++ {
		mustAppend(t, svc, studentEvent("stu-1", fmt.Sprintf("k%d", i), protocol.EventLogbookApproved, `{}`, baseTime))
	}
	page, err := svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", 0, 2)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(page.Events) != 2 || !page.HasMore || page.NextAfter != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, _ = svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", page.NextAfter, 100)
	if len(page.Events) != 3 || page.HasMore || page.Events[0].Sequence != 3 {
		t.Fatalf("expected clamped final page, got %+v", page)
	}
	_, err = svc.GetHistory(ctx, protocol.SubjectStudent, "stu-1", -1, 0)
	expectCode(t, err, CodeValidationFailed, http.StatusBadRequest)
}

type flakyStore struct {
	*memory.Store
	mu          sync.Mutex
	insertFails int
	onInsert    func(ev protocol.LedgerEvent) error
}

func (f *flakyStore) InsertEvent(ctx context.Context, ev protocol.LedgerEvent) error {
	f.mu.Lock()
	if f.insertFails > 0 {
		f.insertFails--
		f.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	hook := f.onInsert
	f.onInsert = nil
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ev); err != nil {
			return err
		}
	}
	return f.Store.InsertEvent(ctx, ev)
}

func TestAppendRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Store: memory.New(), insertFails: 2}
	svc := newTestLedger(t, store)
	resp := mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	if resp.Event.Sequence != 1 || resp.Profile.CurrentTier != 1 {
		t.Fatalf("unexpected response after retries %+v", resp)
	}
}

func TestAppendSurfacesExhaustedRetries(t *testing.T) {
	store := &flakyStore{Store: memory.New(), insertFails: 100}
	svc := newTestLedger(t, store, func(p *LedgerParams) { p.AppendMaxAttempts = 3 })
	_, err := svc.Append(context.Background(), studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	expectCode(t, err, CodeStorageUnavailable, http.StatusServiceUnavailable)
	var appErr *AppError
	if !errors.As(err, &appErr) || !appErr.Retryable {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if _, ok, _ := store.Head(context.Background(), "stu-1"); ok {
		t.Fatalf("failed append must not leave an event behind")
	}
}

func TestAppendRetriesWhenAnotherWriterMovesHead(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.New()}
	svc := newTestLedger(t, store)
	other := newTestLedger(t, store.Store)
	store.onInsert = func(protocol.LedgerEvent) error {
		// a second process wins the race for this subject
		_, err := other.Append(ctx, studentEvent("stu-1", "other-writer", protocol.EventLogbookApproved, `{}`, baseTime))
		return err
	}
	resp := mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	if resp.Event.Sequence != 2 {
		t.Fatalf("expected append rebased onto sequence 2, got %d", resp.Event.Sequence)
	}
	report, err := svc.VerifyIntegrity(ctx, protocol.SubjectStudent, "stu-1")
	if err != nil || !report.Valid || report.EventCount != 2 {
		t.Fatalf("unexpected report %+v err=%v", report, err)
	}
}

type failingProfileStore struct {
	*memory.Store
}

func (failingProfileStore) SaveProfile(context.Context, protocol.TrustProfile) (bool, error) {
	return false, errors.New("profile table unavailable")
}

func TestAppendSucceedsWhenProfileSaveFails(t *testing.T) {
	svc := newTestLedger(t, failingProfileStore{Store: memory.New()})
	resp := mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	if resp.Event.Sequence != 1 || resp.Profile.SubjectID != "" {
		t.Fatalf("expected durable event without profile, got %+v", resp)
	}
	p, err := svc.GetProfile(context.Background(), protocol.SubjectStudent, "stu-1")
	if err != nil || p.CurrentTier != 1 || p.ComputedFromSequence != 1 {
		t.Fatalf("expected lazy recompute, got %+v err=%v", p, err)
	}
}

// commitThenFailStore commits the next insert and then reports an error, as a
// dropped connection after COMMIT would.
type commitThenFailStore struct {
	*memory.Store
	mu    sync.Mutex
	fails int
}

func (s *commitThenFailStore) InsertEvent(ctx context.Context, ev protocol.LedgerEvent) error {
	if err := s.Store.InsertEvent(ctx, ev); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return errors.New("connection reset after commit")
	}
	return nil
}

func TestAppendTreatsOwnCommittedRetryAsFresh(t *testing.T) {
	store := &commitThenFailStore{Store: memory.New(), fails: 1}
	svc := newTestLedger(t, store)
	resp := mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	if resp.Duplicate || !resp.TierChanged || resp.PreviousTier != 0 || resp.Profile.CurrentTier != 1 {
		t.Fatalf("expected fresh append with tier change, got %+v", resp)
	}
	rows := store.OutboxSnapshot()
	if len(rows) != 1 || rows[0].Change.EventID != resp.Event.ID || rows[0].Status != "pending" {
		t.Fatalf("expected one pending tier change for %s, got %+v", resp.Event.ID, rows)
	}
	history, _ := svc.GetHistory(context.Background(), protocol.SubjectStudent, "stu-1", 0, 0)
	if len(history.Events) != 1 {
		t.Fatalf("expected single stored event, got %d", len(history.Events))
	}
}

type flakyProfileStore struct {
	*memory.Store
	mu        sync.Mutex
	saveFails int
}

func (s *flakyProfileStore) SaveProfile(ctx context.Context, p protocol.TrustProfile) (bool, error) {
	s.mu.Lock()
	if s.saveFails > 0 {
		s.saveFails--
		s.mu.Unlock()
		return false, errors.New("profile table unavailable")
	}
	s.mu.Unlock()
	return s.Store.SaveProfile(ctx, p)
}

func TestDuplicateAppendRecoversLostTierChange(t *testing.T) {
	store := &flakyProfileStore{Store: memory.New(), saveFails: 1}
	svc := newTestLedger(t, store)
	req := studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime)
	first := mustAppend(t, svc, req)
	if first.TierChanged || len(store.OutboxSnapshot()) != 0 {
		t.Fatalf("expected refresh to fail before enqueue, got %+v", first)
	}
	again := mustAppend(t, svc, req)
	if !again.Duplicate || again.TierChanged || again.Profile.CurrentTier != 1 {
		t.Fatalf("expected duplicate with current profile, got %+v", again)
	}
	rows := store.OutboxSnapshot()
	if len(rows) != 1 || rows[0].Change.EventID != first.Event.ID || rows[0].Change.NewTier != 1 {
		t.Fatalf("expected recovered tier change, got %+v", rows)
	}
	mustAppend(t, svc, req)
	if rows := store.OutboxSnapshot(); len(rows) != 1 {
		t.Fatalf("repeated duplicates must not enqueue twice, got %d rows", len(rows))
	}
}

func TestGetProfileSurvivesCancelledCaller(t *testing.T) {
	base := memory.New()
	writer := newTestLedger(t, failingProfileStore{Store: base})
	mustAppend(t, writer, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))

	reader := newTestLedger(t, base)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := reader.GetProfile(ctx, protocol.SubjectStudent, "stu-1")
	if err != nil || p.CurrentTier != 1 {
		t.Fatalf("expected replay to ignore caller cancellation, got %+v err=%v", p, err)
	}
}

type tamperingStore struct {
	*memory.Store
	tamper func(*protocol.LedgerEvent)
}

func (s tamperingStore) ListEvents(ctx context.Context, subjectID string, after int64, limit int) ([]protocol.LedgerEvent, error) {
	events, err := s.Store.ListEvents(ctx, subjectID, after, limit)
	for i := range events {
		s.tamper(&events[i])
	}
	return events, err
}

func TestVerifyIntegrityDetectsTampering(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	writer := newTestLedger(t, base)
	for i := 0; i < 5; i++ {
		mustAppend(t, writer, studentEvent("stu-1", fmt.Sprintf("k%d", i), protocol.EventLogbookApproved, fmt.Sprintf(`{"n":%d}`, i), baseTime.Add(time.Duration(i)*time.Minute)))
	}
	cases := []struct {
		name   string
		tamper func(*protocol.LedgerEvent)
		broken int64
	}{
		{"payload edited", func(ev *protocol.LedgerEvent) {
			if ev.Sequence == 3 {
				ev.Payload = json.RawMessage(`{"n":99}`)
			}
		}, 2},
		{"occurred_at moved", func(ev *protocol.LedgerEvent) {
			if ev.Sequence == 2 {
				ev.OccurredAt = ev.OccurredAt.Add(time.Second)
			}
		}, 1},
		{"genesis replaced", func(ev *protocol.LedgerEvent) {
			if ev.Sequence == 1 {
				ev.PrevHash = ev.Hash
			}
		}, 0},
	}
	for _, tc := range cases {
		svc := newTestLedger(t, tamperingStore{Store: base, tamper: tc.tamper}, func(p *LedgerParams) { p.VerifyPageSize = 2 })
		report, err := svc.VerifyIntegrity(ctx, protocol.SubjectStudent, "stu-1")
		if err != nil {
			t.Fatalf("%s: VerifyIntegrity: %v", tc.name, err)
		}
		if report.Valid || report.BrokenAtIndex != tc.broken || report.Reason == "" || report.EventCount != 5 {
			t.Fatalf("%s: unexpected report %+v", tc.name, report)
		}
	}
}

func TestVerifyIntegrityHonoursCancellation(t *testing.T) {
	svc := newTestLedger(t, memory.New())
	mustAppend(t, svc, studentEvent("stu-1", "k1", protocol.EventDocumentVerified, `{}`, baseTime))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := svc.VerifyIntegrity(ctx, protocol.SubjectStudent, "stu-1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestEventProofMatchesChainRoot(t *testing.T) {
	ctx := context.Background()
	svc := newTestLedger(t, memory.New())
	for i := 0; i < 5; i++ {
		mustAppend(t, svc, studentEvent("stu-1", fmt.Sprintf("k%d", i), protocol.EventLogbookApproved, `{}`, baseTime))
	}
	report, err := svc.VerifyIntegrity(ctx, protocol.SubjectStudent, "stu-1")
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	proof, err := svc.EventProof(ctx, protocol.SubjectStudent, "stu-1", 4)
	if err != nil {
		t.Fatalf("EventProof: %v", err)
	}
	if proof.Proof.RootHash != report.ChainRoot || proof.Proof.LeafHash != proof.Event.Hash {
		t.Fatalf("proof does not match chain root: %+v vs %s", proof.Proof, report.ChainRoot)
	}
	if ok, err := protocol.VerifyChainInclusion(&proof.Proof); err != nil || !ok {
		t.Fatalf("inclusion proof did not verify: ok=%v err=%v", ok, err)
	}
	_, err = svc.EventProof(ctx, protocol.SubjectStudent, "stu-1", 9)
	expectCode(t, err, CodeNotFound, http.StatusNotFound)
}

func TestHealthReportsStorage(t *testing.T) {
	svc := newTestLedger(t, memory.New())
	h := svc.Health(context.Background())
	if h.Status != "ok" || h.Storage != "memory" || h.KeyID != svc.KeyID() {
		t.Fatalf("unexpected health %+v", h)
	}
}
