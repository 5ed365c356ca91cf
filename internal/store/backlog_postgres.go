package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

func (s *PostgresStore) EnqueueBacklogEntry(entry BacklogEntry) (int64, error) {
	e := prepareEntry(entry, s.now())
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO backlog_entries (origin, content, "timestamp", capability_type, capability_config, retry_count, created_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING') RETURNING id`,
		e.Origin, e.Content, toMillis(e.Timestamp), e.CapabilityType, e.CapabilityConfig, e.RetryCount, toMillis(e.CreatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue backlog entry failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueBacklogEntry", "id", id, "origin", e.Origin, "capability", e.CapabilityType)
	return id, nil
}

func (s *PostgresStore) ListActionable(limit int) ([]BacklogEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+backlogColumns+` FROM backlog_entries
		 WHERE status IN ('PENDING', 'FAILED')
		 ORDER BY created_at ASC, id ASC LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list actionable backlog failed: %w", err)
	}
	return scanBacklogEntries(rows)
}

func (s *PostgresStore) GetBacklogEntry(id int64) (*BacklogEntry, error) {
	e, err := scanBacklogEntry(s.db.QueryRow(`SELECT `+backlogColumns+` FROM backlog_entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backlog entry failed: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) MarkProcessing(id int64) error {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'PROCESSING', last_retry_at = $1
		 WHERE id = $2 AND status IN ('PENDING', 'FAILED')`,
		toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark backlog processing failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *PostgresStore) MarkSuccess(id int64) error {
	result, err := s.db.Exec(`DELETE FROM backlog_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark backlog success failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *PostgresStore) MarkFailed(id int64, retryCount int, errMsg string) error {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'FAILED', retry_count = $1, last_error = $2, last_retry_at = $3 WHERE id = $4`,
		retryCount, nilIfEmpty(errMsg), toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark backlog failed failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *PostgresStore) MarkAbandoned(id int64, retryCount int, reason string) error {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'ABANDONED', retry_count = $1, last_error = $2, last_retry_at = $3 WHERE id = $4`,
		retryCount, nilIfEmpty(reason), toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark backlog abandoned failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *PostgresStore) CountByStatus() (map[BacklogStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM backlog_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count backlog by status failed: %w", err)
	}
	return scanStatusCounts(rows)
}

func (s *PostgresStore) OldestPendingAge(now time.Time) (time.Duration, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MIN(created_at) FROM backlog_entries WHERE status IN ('PENDING', 'PROCESSING', 'FAILED')`,
	).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest pending backlog query failed: %w", err)
	}
	return oldestAge(oldest, now), nil
}

func (s *PostgresStore) DeleteTerminalBefore(before time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM backlog_entries
		 WHERE status IN ('ABANDONED', 'SUCCESS') AND COALESCE(last_retry_at, created_at) < $1`,
		toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal backlog entries failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.DeleteTerminalBefore", "deleted", n)
	}
	return int(n), nil
}

func (s *PostgresStore) RequeueStaleProcessing(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'FAILED'
		 WHERE status = 'PROCESSING' AND COALESCE(last_retry_at, created_at) < $1`,
		toMillis(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale backlog entries failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleProcessing", "requeued", n)
	}
	return int(n), nil
}
