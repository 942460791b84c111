package ledgerpostgres

import (
	"context"
	"time"

	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/storage"
)

func (s *Store) EnqueueTierChange(ctx context.Context, change protocol.TierChange) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO tier_change_outbox (event_id, subject_type, subject_id, old_tier, new_tier, sequence, changed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (event_id) DO NOTHING
`, change.EventID, string(change.SubjectType), change.SubjectID, change.OldTier, change.NewTier, change.Sequence, change.ChangedAt.UTC())
	return err
}

func (s *Store) FetchPendingTierChanges(ctx context.Context, limit int) ([]storage.OutboxItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, event_id, subject_type, subject_id, old_tier, new_tier, sequence, changed_at,
       status, attempts, COALESCE(last_error,''), next_attempt_at, created_at
FROM tier_change_outbox
WHERE status = 'pending'
  AND (next_attempt_at IS NULL OR next_attempt_at <= NOW())
ORDER BY created_at ASC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]storage.OutboxItem, 0)
	for rows.Next() {
		var item storage.OutboxItem
		var subjectType string
		var next *time.Time
		if err := rows.Scan(
			&item.ID,
			&item.Change.EventID,
			&subjectType,
			&item.Change.SubjectID,
			&item.Change.OldTier,
			&item.Change.NewTier,
			&item.Change.Sequence,
			&item.Change.ChangedAt,
			&item.Status,
			&item.Attempts,
			&item.LastError,
			&next,
			&item.CreatedAt,
		); err != nil {
			return nil, err
		}
		item.Change.SubjectType = protocol.SubjectType(subjectType)
		item.Change.ChangedAt = item.Change.ChangedAt.UTC()
		if next != nil {
			t := next.UTC()
			item.NextAttemptAt = &t
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) MarkTierChangeSent(ctx context.Context, id int64) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE tier_change_outbox
SET status = 'sent',
    last_error = NULL,
    next_attempt_at = NULL,
    sent_at = NOW(),
    updated_at = NOW()
WHERE id = $1
`, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkTierChangeRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastError string) error {
	cmd, err := s.pool.Exec(ctx, `
UPDATE tier_change_outbox
SET status = 'pending',
    attempts = $2,
    last_error = $3,
    next_attempt_at = $4,
    updated_at = NOW()
WHERE id = $1
`, id, attempts, lastError, nextAttempt.UTC())
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}
