package ledgerpostgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/internhub/trustledger/internal/protocol"
	"github.com/internhub/trustledger/internal/storage"
)

//go:embed migrations/001_init.sql
var migration001 string

type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func Open(ctx context.Context, dsn string, maxConns, minConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns >= 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := &Store{pool: pool}
	if err := store.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) applyMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, migration001)
	if err != nil {
		return fmt.Errorf("apply migration 001: %w", err)
	}
	return nil
}

const eventColumns = `event_id, subject_type, subject_id, sequence, event_type, payload_canonical, occurred_at, prev_hash, event_hash, recorded_by, dedup_key, recorded_at`

func (s *Store) Head(ctx context.Context, subjectID string) (storage.Head, bool, error) {
	return headOf(ctx, s.pool, subjectID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func headOf(ctx context.Context, q queryRower, subjectID string) (storage.Head, bool, error) {
	var out storage.Head
	var subjectType string
	err := q.QueryRow(ctx, `
SELECT subject_type, event_id, sequence, event_hash, occurred_at
FROM ledger_events WHERE subject_id = $1
ORDER BY sequence DESC LIMIT 1
`, subjectID).Scan(&subjectType, &out.EventID, &out.Sequence, &out.Hash, &out.OccurredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Head{}, false, nil
	}
	if err != nil {
		return storage.Head{}, false, err
	}
	out.SubjectType = protocol.SubjectType(subjectType)
	out.OccurredAt = out.OccurredAt.UTC()
	return out, true, nil
}

func (s *Store) FindByDedupKey(ctx context.Context, dedupKey string) (protocol.LedgerEvent, bool, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM ledger_events WHERE dedup_key = $1`, dedupKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.LedgerEvent{}, false, nil
	}
	if err != nil {
		return protocol.LedgerEvent{}, false, err
	}
	return ev, true, nil
}

// subjectLockSQL takes the two-key advisory lock so subject locks live in
// their own class and cannot collide with single-key locks held elsewhere.
const subjectLockSQL = `SELECT pg_advisory_xact_lock(hashtext('trustledger.subject'), hashtext($1))`

// InsertEvent serializes writers of one subject across processes with a
// transaction-scoped advisory lock, then re-checks the head before inserting.
func (s *Store) InsertEvent(ctx context.Context, ev protocol.LedgerEvent) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, subjectLockSQL, ev.SubjectID); err != nil {
		return fmt.Errorf("lock subject %s: %w", ev.SubjectID, err)
	}
	head, exists, err := headOf(ctx, tx, ev.SubjectID)
	if err != nil {
		return err
	}
	wantPrev, wantSeq := protocol.GenesisHash, int64(1)
	if exists {
		wantPrev, wantSeq = head.Hash, head.Sequence+1
	}
	if ev.Sequence != wantSeq || ev.PrevHash != wantPrev {
		return storage.ErrHeadMoved
	}

	_, err = tx.Exec(ctx, `
INSERT INTO ledger_events (`+eventColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`, ev.ID, string(ev.SubjectType), ev.SubjectID, ev.Sequence, string(ev.EventType), string(ev.Payload),
		ev.OccurredAt.UTC(), ev.PrevHash, ev.Hash, ev.RecordedBy, ev.DedupKey, ev.RecordedAt.UTC())
	if err != nil {
		switch {
		case isUniqueViolationFor(err, "dedup_key"):
			return storage.ErrDuplicateDedupKey
		case isUniqueViolationFor(err, "sequence"), isUniqueViolationFor(err, "prev_hash"):
			return storage.ErrHeadMoved
		}
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) ListEvents(ctx context.Context, subjectID string, afterSequence int64, limit int) ([]protocol.LedgerEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+eventColumns+`
FROM ledger_events
WHERE subject_id = $1 AND sequence > $2
ORDER BY sequence ASC
LIMIT $3
`, subjectID, afterSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]protocol.LedgerEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetEvent(ctx context.Context, subjectID string, sequence int64) (protocol.LedgerEvent, bool, error) {
	ev, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM ledger_events WHERE subject_id = $1 AND sequence = $2`, subjectID, sequence))
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.LedgerEvent{}, false, nil
	}
	if err != nil {
		return protocol.LedgerEvent{}, false, err
	}
	return ev, true, nil
}

func (s *Store) ListSubjects(ctx context.Context) ([]storage.SubjectRef, error) {
	rows, err := s.pool.Query(ctx, `
SELECT subject_type, subject_id FROM ledger_events
WHERE sequence = 1
ORDER BY subject_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]storage.SubjectRef, 0)
	for rows.Next() {
		var ref storage.SubjectRef
		var subjectType string
		if err := rows.Scan(&subjectType, &ref.SubjectID); err != nil {
			return nil, err
		}
		ref.SubjectType = protocol.SubjectType(subjectType)
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *Store) GetProfile(ctx context.Context, subjectID string) (protocol.TrustProfile, bool, error) {
	var out protocol.TrustProfile
	var subjectType string
	var progressRaw []byte
	err := s.pool.QueryRow(ctx, `
SELECT subject_type, subject_id, current_tier, progress_json, computed_at, COALESCE(computed_from_event_id,''), computed_from_sequence
FROM trust_profiles WHERE subject_id = $1
`, subjectID).Scan(&subjectType, &out.SubjectID, &out.CurrentTier, &progressRaw, &out.ComputedAt, &out.ComputedFromEventID, &out.ComputedFromSequence)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(progressRaw, &out.RequirementProgress); err != nil {
		return out, false, fmt.Errorf("decode profile progress for %s: %w", subjectID, err)
	}
	out.SubjectType = protocol.SubjectType(subjectType)
	out.ComputedAt = out.ComputedAt.UTC()
	return out, true, nil
}

func (s *Store) SaveProfile(ctx context.Context, p protocol.TrustProfile) (bool, error) {
	progressRaw, err := json.Marshal(p.RequirementProgress)
	if err != nil {
		return false, fmt.Errorf("marshal profile progress: %w", err)
	}
	cmd, err := s.pool.Exec(ctx, `
INSERT INTO trust_profiles (subject_id, subject_type, current_tier, progress_json, computed_at, computed_from_event_id, computed_from_sequence)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
ON CONFLICT (subject_id) DO UPDATE SET
  subject_type = EXCLUDED.subject_type,
  current_tier = EXCLUDED.current_tier,
  progress_json = EXCLUDED.progress_json,
  computed_at = EXCLUDED.computed_at,
  computed_from_event_id = EXCLUDED.computed_from_event_id,
  computed_from_sequence = EXCLUDED.computed_from_sequence
WHERE trust_profiles.computed_from_sequence <= EXCLUDED.computed_from_sequence
`, p.SubjectID, string(p.SubjectType), p.CurrentTier, progressRaw, p.ComputedAt.UTC(), nullableString(p.ComputedFromEventID), p.ComputedFromSequence)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (protocol.LedgerEvent, error) {
	var out protocol.LedgerEvent
	var subjectType, eventType, payload string
	err := row.Scan(
		&out.ID,
		&subjectType,
		&out.SubjectID,
		&out.Sequence,
		&eventType,
		&payload,
		&out.OccurredAt,
		&out.PrevHash,
		&out.Hash,
		&out.RecordedBy,
		&out.DedupKey,
		&out.RecordedAt,
	)
	if err != nil {
		return out, err
	}
	out.SubjectType = protocol.SubjectType(subjectType)
	out.EventType = protocol.EventType(eventType)
	out.Payload = json.RawMessage(payload)
	out.OccurredAt = out.OccurredAt.UTC()
	out.RecordedAt = out.RecordedAt.UTC()
	return out, nil
}

func isUniqueViolationFor(err error, field string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	if pgErr.Code != "23505" {
		return false
	}
	if strings.Contains(pgErr.ConstraintName, field) {
		return true
	}
	detail := strings.ToLower(pgErr.Detail)
	if detail == "" {
		return false
	}
	return strings.Contains(detail, strings.ToLower(field))
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
