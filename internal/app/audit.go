package app

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/service"
	"github.com/internhub/trustledger/internal/storage"
)

type SubjectAudit struct {
	SubjectType   protocol.SubjectType `json:"subject_type"`
	SubjectID     string               `json:"subject_id"`
	Valid         bool                 `json:"valid"`
	BrokenAtIndex int64                `json:"broken_at_index"`
	Reason        string               `json:"reason,omitempty"`
	EventCount    int64                `json:"event_count"`
	HeadHash      string               `json:"head_hash,omitempty"`
	ChainRoot     string               `json:"chain_root,omitempty"`
	Tier          *int                 `json:"tier,omitempty"`
	CacheDrifted  bool                 `json:"cache_drifted"`
	Error         string               `json:"error,omitempty"`
}

type AuditReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	KeyID       string         `json:"kid"`
	Checked     int            `json:"checked"`
	Broken      int            `json:"broken"`
	Drifted     int            `json:"drifted"`
	Failed      int            `json:"failed"`
	Subjects    []SubjectAudit `json:"subjects"`
}

type AuditOptions struct {
	Concurrency int
	// Rebuild replays each valid chain and rewrites its stored profile,
	// reporting whether the cached one had drifted.
	Rebuild bool
}

// RunAudit verifies each subject chain with bounded parallelism. Per-subject
// failures are recorded in the report; only cancellation aborts the run.
func RunAudit(ctx context.Context, svc *service.LedgerService, subjects []storage.SubjectRef, opts AuditOptions) (AuditReport, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	results := make([]SubjectAudit, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i, subject := range subjects {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := auditSubject(gctx, svc, subject, opts.Rebuild)
			if err != nil && errors.Is(err, context.Canceled) {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{GeneratedAt: time.Now().UTC(), KeyID: svc.KeyID(), Subjects: results}
	for _, res := range results {
		report.Checked++
		switch {
		case res.Error != "":
			report.Failed++
		case !res.Valid:
			report.Broken++
		}
		if res.CacheDrifted {
			report.Drifted++
		}
	}
	sort.Slice(report.Subjects, func(i, j int) bool {
		if report.Subjects[i].SubjectType == report.Subjects[j].SubjectType {
			return report.Subjects[i].SubjectID < report.Subjects[j].SubjectID
		}
		return report.Subjects[i].SubjectType < report.Subjects[j].SubjectType
	})
	return report, nil
}

func auditSubject(ctx context.Context, svc *service.LedgerService, subject storage.SubjectRef, rebuild bool) (SubjectAudit, error) {
	out := SubjectAudit{SubjectType: subject.SubjectType, SubjectID: subject.SubjectID, BrokenAtIndex: -1}
	report, err := svc.VerifyIntegrity(ctx, subject.SubjectType, subject.SubjectID)
	if err != nil {
		out.Error = err.Error()
		return out, err
	}
	out.Valid = report.Valid
	out.BrokenAtIndex = report.BrokenAtIndex
	out.Reason = report.Reason
	out.EventCount = report.EventCount
	out.HeadHash = report.HeadHash
	out.ChainRoot = report.ChainRoot
	if !report.Valid || !rebuild {
		return out, nil
	}
	rebuilt, err := svc.RebuildProfile(ctx, subject.SubjectType, subject.SubjectID)
	if err != nil {
		out.Error = err.Error()
		return out, err
	}
	tierValue := rebuilt.Profile.CurrentTier
	out.Tier = &tierValue
	out.CacheDrifted = rebuilt.CacheDrifted
	return out, nil
}
