package protocol

import "time"

func AppendReceiptPayload(ev LedgerEvent, keyID string) ([]byte, error) {
	type payload struct {
		EventID     string      `json:"event_id"`
		SubjectType SubjectType `json:"subject_type"`
		SubjectID   string      `json:"subject_id"`
		Sequence    int64       `json:"sequence"`
		Hash        string      `json:"hash"`
		PrevHash    string      `json:"prev_hash"`
		RecordedAt  time.Time   `json:"recorded_at"`
		KeyID       string      `json:"kid"`
	}
	return CanonicalJSON(payload{
		EventID:     ev.ID,
		SubjectType: ev.SubjectType,
		SubjectID:   ev.SubjectID,
		Sequence:    ev.Sequence,
		Hash:        ev.Hash,
		PrevHash:    ev.PrevHash,
		RecordedAt:  ev.RecordedAt,
		KeyID:       keyID,
	})
}

func IntegrityReportPayload(report IntegrityReport) ([]byte, error) {
	type payload struct {
		SubjectType   SubjectType `json:"subject_type"`
		SubjectID     string      `json:"subject_id"`
		Valid         bool        `json:"valid"`
		BrokenAtIndex int64       `json:"broken_at_index"`
		Reason        string      `json:"reason"`
		EventCount    int64       `json:"event_count"`
		HeadHash      string      `json:"head_hash"`
		ChainRoot     string      `json:"chain_root"`
		CheckedAt     time.Time   `json:"checked_at"`
		KeyID         string      `json:"kid"`
	}
	return CanonicalJSON(payload{
		SubjectType:   report.SubjectType,
		SubjectID:     report.SubjectID,
		Valid:         report.Valid,
		BrokenAtIndex: report.BrokenAtIndex,
		Reason:        report.Reason,
		EventCount:    report.EventCount,
		HeadHash:      report.HeadHash,
		ChainRoot:     report.ChainRoot,
		CheckedAt:     report.CheckedAt,
		KeyID:         report.KeyID,
	})
}
