package app

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	ledgercrypto "github.com/internhub/trustledger/internal/crypto"
	"github.com/internhub/trustledger/internal/logging"
	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/service"
	"github.com/internhub/trustledger/internal/storage"
	"github.com/internhub/trustledger/internal/storage/memory"
)

type payloadTamperStore struct {
	*memory.Store
	subjectID string
}

func (s payloadTamperStore) ListEvents(ctx context.Context, subjectID string, after int64, limit int) ([]protocol.LedgerEvent, error) {
	events, err := s.Store.ListEvents(ctx, subjectID, after, limit)
	for i := range events {
		if events[i].SubjectID == s.subjectID && events[i].Sequence == 2 {
			events[i].Payload = json.RawMessage(`{"n":999}`)
		}
	}
	return events, err
}

func newAuditLedger(t *testing.T, store storage.Store) *service.LedgerService {
	t.Helper()
	signer, err := ledgercrypto.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	svc, err := service.NewLedger(service.LedgerParams{Store: store, Signer: signer, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return svc
}

func TestRunAuditReportsBrokenAndDriftedSubjects(t *testing.T) {
	ctx := context.Background()
	base := memory.New()
	writer := newAuditLedger(t, base)
	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	for _, subjectID := range []string{"stu-ok", "stu-bad", "stu-drift"} {
		for i := 0; i < 3; i++ {
			_, err := writer.Append(ctx, protocol.AppendRequest{
				DedupKey:    fmt.Sprintf("%s-%d", subjectID, i),
				SubjectType: protocol.SubjectStudent,
				SubjectID:   subjectID,
				EventType:   protocol.EventLogbookApproved,
				Payload:     json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
				OccurredAt:  start.Add(time.Duration(i) * time.Hour),
				RecordedBy:  "audit-test",
			})
			if err != nil {
				t.Fatalf("Append %s/%d: %v", subjectID, i, err)
			}
		}
	}
	stored, found, err := base.GetProfile(ctx, "stu-drift")
	if err != nil || !found {
		t.Fatalf("GetProfile: found=%v err=%v", found, err)
	}
	stored.CurrentTier = 4
	if _, err := base.SaveProfile(ctx, stored); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	auditor := newAuditLedger(t, payloadTamperStore{Store: base, subjectID: "stu-bad"})
	subjects, err := auditor.ListSubjects(ctx)
	if err != nil {
		t.Fatalf("ListSubjects: %v", err)
	}
	report, err := RunAudit(ctx, auditor, subjects, AuditOptions{Concurrency: 2, Rebuild: true})
	if err != nil {
		t.Fatalf("RunAudit: %v", err)
	}
	if report.Checked != 3 || report.Broken != 1 || report.Drifted != 1 || report.Failed != 0 {
		t.Fatalf("unexpected totals %+v", report)
	}
	byID := make(map[string]SubjectAudit, len(report.Subjects))
	for _, s := range report.Subjects {
		byID[s.SubjectID] = s
	}
	if bad := byID["stu-bad"]; bad.Valid || bad.BrokenAtIndex != 1 || bad.Tier != nil {
		t.Fatalf("unexpected broken subject %+v", bad)
	}
	if drift := byID["stu-drift"]; !drift.CacheDrifted || drift.Tier == nil || *drift.Tier != 0 {
		t.Fatalf("unexpected drifted subject %+v", drift)
	}
	if ok := byID["stu-ok"]; !ok.Valid || ok.CacheDrifted || ok.EventCount != 3 {
		t.Fatalf("unexpected healthy subject %+v", ok)
	}
	if report.Subjects[0].SubjectID != "stu-bad" {
		t.Fatalf("subjects must be sorted, got %s first", report.Subjects[0].SubjectID)
	}
}

func TestRunAuditStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc := newAuditLedger(t, memory.New())
	subjects := []storage.SubjectRef{{SubjectType: protocol.SubjectStudent, SubjectID: "stu-1"}}
	if _, err := RunAudit(ctx, svc, subjects, AuditOptions{}); err == nil {
		t.Fatal("expected cancellation error")
	}
}
