// Package store provides storage backends for ForwardPipe.
//
// The backlog of deliveries that could not complete and the inbound deduplication
// records live here. SQLite and PostgreSQL back production deployments; the
// in-memory store serves tests and runs without a database.
package store

import (
	"fmt"
	"log/slog"
	"strings"
)

// Store is the full persistence surface used by ForwardPipe.
type Store interface {
	BacklogRepo
	DedupRepo
	Close() error
}

// Opts holds configuration options for the store constructors.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for the store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and keyword/value connection
// strings, and "sqlite3" for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=") || strings.Contains(lower, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend selected by the DSN. An empty DSN yields an in-memory store.
func New(dsn string) (Store, error) {
	if dsn == "" {
		slog.Warn("store.New: no database configured, backlog will not survive restarts")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
