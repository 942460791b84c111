// Package notify publishes tier-change signals drained from the outbox.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/internhub/trustledger/internal/protocol"
)

type Publisher interface {
	Publish(ctx context.Context, change protocol.TierChange) error
	Close() error
}

func encode(change protocol.TierChange) ([]byte, error) {
	b, err := json.Marshal(change)
	if err != nil {
		return nil, fmt.Errorf("marshal tier change: %w", err)
	}
	return b, nil
}

// LogPublisher writes every change to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, change protocol.TierChange) error {
	p.logger.Info("tier_change",
		slog.String("subject_type", string(change.SubjectType)),
		slog.String("subject_id", change.SubjectID),
		slog.Int("old_tier", change.OldTier),
		slog.Int("new_tier", change.NewTier),
		slog.String("event_id", change.EventID),
		slog.Int64("sequence", change.Sequence),
		slog.Time("changed_at", change.ChangedAt),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
