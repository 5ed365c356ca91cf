package store

import (
	"errors"
	"time"
	"unicode/utf8"
)

// BacklogStatus is the lifecycle state of a backlog entry.
type BacklogStatus string

const (
	// BacklogStatusPending entries have not been drained yet.
	BacklogStatusPending BacklogStatus = "PENDING"
	// BacklogStatusProcessing entries are being delivered by a drain cycle.
	BacklogStatusProcessing BacklogStatus = "PROCESSING"
	// BacklogStatusFailed entries failed at least once and remain eligible for draining.
	BacklogStatusFailed BacklogStatus = "FAILED"
	// BacklogStatusAbandoned entries will never be drained again.
	BacklogStatusAbandoned BacklogStatus = "ABANDONED"
	// BacklogStatusSuccess is never stored; successful entries are deleted.
	BacklogStatusSuccess BacklogStatus = "SUCCESS"
)

// BacklogStatuses lists every status in lifecycle order.
var BacklogStatuses = []BacklogStatus{
	BacklogStatusPending,
	BacklogStatusProcessing,
	BacklogStatusFailed,
	BacklogStatusAbandoned,
	BacklogStatusSuccess,
}

// IsActionable reports whether entries in this status are selected for draining.
func (s BacklogStatus) IsActionable() bool {
	return s == BacklogStatusPending || s == BacklogStatusFailed
}

// MaxContentLength is the number of runes of content kept in the backlog.
const MaxContentLength = 500

// ErrEntryNotFound is returned when an entry does not exist or is not in a state the
// operation applies to.
var ErrEntryNotFound = errors.New("backlog entry not found")

// BacklogEntry is one message whose delivery has not been confirmed.
type BacklogEntry struct {
	ID               int64         `json:"id"`
	Origin           string        `json:"origin"`
	Content          string        `json:"content"`
	Timestamp        time.Time     `json:"timestamp"`
	CapabilityType   string        `json:"capability_type"`
	CapabilityConfig string        `json:"-"`
	RetryCount       int           `json:"retry_count"`
	Status           BacklogStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	LastRetryAt      *time.Time    `json:"last_retry_at,omitempty"`
	LastError        string        `json:"last_error,omitempty"`
}

// BacklogRepo persists undelivered messages. Each method is a single atomic statement;
// no row locks are held between calls.
type BacklogRepo interface {
	// EnqueueBacklogEntry stores a new PENDING entry and returns its id. Content is
	// truncated to MaxContentLength runes.
	EnqueueBacklogEntry(entry BacklogEntry) (int64, error)

	// ListActionable returns up to limit PENDING or FAILED entries, oldest first.
	// A non-positive limit returns all of them.
	ListActionable(limit int) ([]BacklogEntry, error)

	// GetBacklogEntry returns the entry with the given id, or nil if it does not exist.
	GetBacklogEntry(id int64) (*BacklogEntry, error)

	// MarkProcessing moves an actionable entry to PROCESSING. It returns
	// ErrEntryNotFound if the entry is gone or no longer actionable.
	MarkProcessing(id int64) error

	// MarkSuccess deletes the entry.
	MarkSuccess(id int64) error

	// MarkFailed records a failed attempt and leaves the entry actionable.
	MarkFailed(id int64, retryCount int, errMsg string) error

	// MarkAbandoned moves the entry to the terminal ABANDONED status.
	MarkAbandoned(id int64, retryCount int, reason string) error

	// CountByStatus returns the number of entries per status.
	CountByStatus() (map[BacklogStatus]int, error)

	// OldestPendingAge returns how long the oldest undelivered, non-abandoned entry has
	// been waiting, or zero when there is none.
	OldestPendingAge(now time.Time) (time.Duration, error)

	// DeleteTerminalBefore removes ABANDONED and SUCCESS entries whose last activity is
	// older than before.
	DeleteTerminalBefore(before time.Time) (int, error)

	// RequeueStaleProcessing returns PROCESSING entries last touched before staleBefore
	// to FAILED (crash recovery).
	RequeueStaleProcessing(staleBefore time.Time) (int, error)
}

// BacklogStats summarizes the backlog for operators.
type BacklogStats struct {
	Counts           map[BacklogStatus]int `json:"counts"`
	Total            int                   `json:"total"`
	Actionable       int                   `json:"actionable"`
	OldestPendingAge time.Duration         `json:"oldest_pending_age_ns"`
}

// CollectStats gathers counts and the oldest pending age in one call.
func CollectStats(repo BacklogRepo, now time.Time) (BacklogStats, error) {
	counts, err := repo.CountByStatus()
	if err != nil {
		return BacklogStats{}, err
	}
	age, err := repo.OldestPendingAge(now)
	if err != nil {
		return BacklogStats{}, err
	}
	stats := BacklogStats{Counts: counts, OldestPendingAge: age}
	for status, n := range counts {
		stats.Total += n
		if status.IsActionable() {
			stats.Actionable += n
		}
	}
	return stats, nil
}

// TruncateContent limits s to MaxContentLength runes.
func TruncateContent(s string) string {
	if utf8.RuneCountInString(s) <= MaxContentLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxContentLength])
}

// prepareEntry normalizes an entry for insertion.
func prepareEntry(e BacklogEntry, now time.Time) BacklogEntry {
	e.Content = TruncateContent(e.Content)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = e.CreatedAt
	}
	if e.CapabilityConfig == "" {
		e.CapabilityConfig = "{}"
	}
	e.Status = BacklogStatusPending
	return e
}
