package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/internhub/trustledger/internal/notify"
	"github.com/internhub/trustledger/internal/storage"
)

// NotificationRelay drains the tier-change outbox into a publisher. Rows are
// marked sent only after a successful publish, so delivery is at least once.
type NotificationRelay struct {
	outbox     storage.Outbox
	publisher  notify.Publisher
	batchSize  int
	maxBackoff time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

type RelayParams struct {
	Outbox     storage.Outbox
	Publisher  notify.Publisher
	BatchSize  int
	MaxBackoff time.Duration
	Logger     *slog.Logger
}

func NewNotificationRelay(params RelayParams) *NotificationRelay {
	if params.BatchSize <= 0 {
		params.BatchSize = 50
	}
	if params.MaxBackoff <= 0 {
		params.MaxBackoff = 5 * time.Minute
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &NotificationRelay{
		outbox:     params.Outbox,
		publisher:  params.Publisher,
		batchSize:  params.BatchSize,
		maxBackoff: params.MaxBackoff,
		logger:     params.Logger,
		now:        time.Now,
	}
}

func (r *NotificationRelay) Run(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	if _, err := r.ProcessBatch(ctx); err != nil {
		r.logger.Error("relay batch failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil {
				r.logger.Error("relay batch failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ProcessBatch publishes one batch of due rows and reports how many were sent.
func (r *NotificationRelay) ProcessBatch(ctx context.Context) (int, error) {
	items, err := r.outbox.FetchPendingTierChanges(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, item := range items {
		ok, err := r.processItem(ctx, item)
		if err != nil {
			r.logger.Error("relay item failed",
				slog.Int64("outbox_id", item.ID),
				slog.String("event_id", item.Change.EventID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (r *NotificationRelay) processItem(ctx context.Context, item storage.OutboxItem) (bool, error) {
	if err := r.publisher.Publish(ctx, item.Change); err != nil {
		attempts := item.Attempts + 1
		next := r.now().UTC().Add(computeBackoff(attempts, r.maxBackoff))
		r.logger.Warn("tier change publish failed",
			slog.Int64("outbox_id", item.ID),
			slog.String("subject_id", item.Change.SubjectID),
			slog.Int("attempts", attempts),
			slog.Time("next_attempt_at", next),
			slog.String("error", err.Error()),
		)
		return false, r.outbox.MarkTierChangeRetry(ctx, item.ID, attempts, next, truncate(err.Error(), 1500))
	}
	if err := r.outbox.MarkTierChangeSent(ctx, item.ID); err != nil {
		return false, err
	}
	r.logger.Info("tier change published",
		slog.Int64("outbox_id", item.ID),
		slog.String("subject_id", item.Change.SubjectID),
		slog.Int("new_tier", item.Change.NewTier),
	)
	return true, nil
}

func computeBackoff(attempts int, limit time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	backoff := time.Duration(1<<uint(min(attempts, 10))) * 5 * time.Second
	if backoff > limit {
		return limit
	}
	return backoff
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
