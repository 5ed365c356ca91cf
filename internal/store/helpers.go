package store

import (
	"database/sql"
	"fmt"
	"time"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// toMillis converts a time to epoch milliseconds as stored in the database.
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const backlogColumns = `id, origin, content, "timestamp", capability_type, capability_config, retry_count, created_at, last_retry_at, last_error, status`

// scanBacklogEntry scans one row selected with backlogColumns.
func scanBacklogEntry(row rowScanner) (BacklogEntry, error) {
	var (
		e           BacklogEntry
		timestamp   int64
		createdAt   int64
		lastRetryAt sql.NullInt64
		lastError   sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Origin, &e.Content, &timestamp, &e.CapabilityType, &e.CapabilityConfig,
		&e.RetryCount, &createdAt, &lastRetryAt, &lastError, &e.Status,
	)
	if err != nil {
		return e, err
	}
	e.Timestamp = fromMillis(timestamp)
	e.CreatedAt = fromMillis(createdAt)
	if lastRetryAt.Valid {
		t := fromMillis(lastRetryAt.Int64)
		e.LastRetryAt = &t
	}
	e.LastError = lastError.String
	return e, nil
}

func scanBacklogEntries(rows *sql.Rows) ([]BacklogEntry, error) {
	defer rows.Close()
	var entries []BacklogEntry
	for rows.Next() {
		e, err := scanBacklogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backlog entry failed: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backlog iteration failed: %w", err)
	}
	return entries, nil
}

func scanStatusCounts(rows *sql.Rows) (map[BacklogStatus]int, error) {
	defer rows.Close()
	counts := make(map[BacklogStatus]int)
	for rows.Next() {
		var status BacklogStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count failed: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count iteration failed: %w", err)
	}
	return counts, nil
}

// listLimit maps a non-positive limit to "no limit".
func listLimit(limit int) int {
	if limit <= 0 {
		return 1<<31 - 1
	}
	return limit
}

func oldestAge(oldest sql.NullInt64, now time.Time) time.Duration {
	if !oldest.Valid {
		return 0
	}
	age := now.Sub(fromMillis(oldest.Int64))
	if age < 0 {
		return 0
	}
	return age
}
