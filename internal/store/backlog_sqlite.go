package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

func (s *SQLiteStore) EnqueueBacklogEntry(entry BacklogEntry) (int64, error) {
	e := prepareEntry(entry, s.now())
	result, err := s.db.Exec(
		`INSERT INTO backlog_entries (origin, content, "timestamp", capability_type, capability_config, retry_count, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING')`,
		e.Origin, e.Content, toMillis(e.Timestamp), e.CapabilityType, e.CapabilityConfig, e.RetryCount, toMillis(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue backlog entry failed: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue backlog entry id failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueBacklogEntry", "id", id, "origin", e.Origin, "capability", e.CapabilityType)
	return id, nil
}

func (s *SQLiteStore) ListActionable(limit int) ([]BacklogEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+backlogColumns+` FROM backlog_entries
		 WHERE status IN ('PENDING', 'FAILED')
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("list actionable backlog failed: %w", err)
	}
	return scanBacklogEntries(rows)
}

func (s *SQLiteStore) GetBacklogEntry(id int64) (*BacklogEntry, error) {
	e, err := scanBacklogEntry(s.db.QueryRow(`SELECT `+backlogColumns+` FROM backlog_entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backlog entry failed: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) MarkProcessing(id int64) error {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'PROCESSING', last_retry_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'FAILED')`,
		toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark backlog processing failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *SQLiteStore) MarkSuccess(id int64) error {
	result, err := s.db.Exec(`DELETE FROM backlog_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark backlog success failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *SQLiteStore) MarkFailed(id int64, retryCount int, errMsg string) error {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'FAILED', retry_count = ?, last_error = ?, last_retry_at = ? WHERE id = ?`,
		retryCount, nilIfEmpty(errMsg), toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark backlog failed failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *SQLiteStore) MarkAbandoned(id int64, retryCount int, reason string) error {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'ABANDONED', retry_count = ?, last_error = ?, last_retry_at = ? WHERE id = ?`,
		retryCount, nilIfEmpty(reason), toMillis(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark backlog abandoned failed: %w", err)
	}
	return requireAffected(result, id)
}

func (s *SQLiteStore) CountByStatus() (map[BacklogStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM backlog_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count backlog by status failed: %w", err)
	}
	return scanStatusCounts(rows)
}

func (s *SQLiteStore) OldestPendingAge(now time.Time) (time.Duration, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MIN(created_at) FROM backlog_entries WHERE status IN ('PENDING', 'PROCESSING', 'FAILED')`,
	).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("oldest pending backlog query failed: %w", err)
	}
	return oldestAge(oldest, now), nil
}

func (s *SQLiteStore) DeleteTerminalBefore(before time.Time) (int, error) {
	result, err := s.db.Exec(
		`DELETE FROM backlog_entries
		 WHERE status IN ('ABANDONED', 'SUCCESS') AND COALESCE(last_retry_at, created_at) < ?`,
		toMillis(before),
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal backlog entries failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.DeleteTerminalBefore", "deleted", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) RequeueStaleProcessing(staleBefore time.Time) (int, error) {
	result, err := s.db.Exec(
		`UPDATE backlog_entries SET status = 'FAILED'
		 WHERE status = 'PROCESSING' AND COALESCE(last_retry_at, created_at) < ?`,
		toMillis(staleBefore),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale backlog entries failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleProcessing", "requeued", n)
	}
	return int(n), nil
}

func requireAffected(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected check failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrEntryNotFound, id)
	}
	return nil
}
