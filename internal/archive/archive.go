// Package archive keeps a SQLite record of settled relay exchanges so the
// operator can look back at what was asked and answered.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/withmartian/ares/ares-relay/internal/log"
	"github.com/withmartian/ares/ares-relay/internal/relay"
)

// DefaultLimit is the page size for Recent when none is given.
const DefaultLimit = 20

// Outcomes recorded for an exchange.
const (
	OutcomeReplied  = "replied"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
)

// Exchange is one settled request and its reply, if any.
type Exchange struct {
	ID        string    `json:"id" yaml:"id"`
	Prompt    string    `json:"prompt" yaml:"prompt"`
	Reply     string    `json:"reply" yaml:"reply"`
	Outcome   string    `json:"outcome" yaml:"outcome"`
	Model     string    `json:"model" yaml:"model"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	SettledAt time.Time `json:"settled_at" yaml:"settled_at"`
}

// ExchangeFrom converts a settled request snapshot into an archive row.
func ExchangeFrom(req relay.PendingRequest) Exchange {
	ex := Exchange{
		ID:        req.ID,
		Prompt:    req.Text,
		Model:     req.Model,
		CreatedAt: req.Timestamp,
		SettledAt: req.SettledAt,
	}
	switch {
	case req.State == relay.StateResolved:
		ex.Outcome = OutcomeReplied
		ex.Reply = req.Result.Content()
	case errors.Is(req.Err, relay.ErrTimeout):
		ex.Outcome = OutcomeTimeout
	case errors.Is(req.Err, relay.ErrCanceled):
		ex.Outcome = OutcomeCanceled
	default:
		ex.Outcome = OutcomeFailed
	}
	return ex
}

// Store provides SQLite-backed persistence for exchanges.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the archive at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("archive path is required")
	}

	dsn := "file:" + filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes writers.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores an exchange. Recording the same ID twice keeps the first row.
func (s *Store) Record(ctx context.Context, ex Exchange) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO exchanges (id, prompt, reply, outcome, model, created_at, settled_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.Prompt, ex.Reply, ex.Outcome, ex.Model,
		toMillis(ex.CreatedAt), toMillis(ex.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("record exchange %s: %w", ex.ID, err)
	}
	return nil
}

// OnSettle returns a registry hook that archives every settled request.
// Failures are logged; the relay keeps serving without the archive.
func (s *Store) OnSettle(timeout time.Duration) func(relay.PendingRequest) {
	return func(req relay.PendingRequest) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Record(ctx, ExchangeFrom(req)); err != nil {
			log.ErrorErr(log.CatArchive, "Failed to archive exchange", err, "id", req.ID)
			return
		}
		log.Debug(log.CatArchive, "exchange archived", "id", req.ID)
	}
}

// Recent returns up to limit exchanges, most recently settled first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Exchange, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, prompt, reply, outcome, model, created_at, settled_at
FROM exchanges
ORDER BY settled_at DESC, id
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	exchanges := make([]Exchange, 0, limit)
	for rows.Next() {
		var (
			ex                   Exchange
			createdAt, settledAt int64
		)
		if err := rows.Scan(&ex.ID, &ex.Prompt, &ex.Reply, &ex.Outcome, &ex.Model, &createdAt, &settledAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		ex.CreatedAt = fromMillis(createdAt)
		ex.SettledAt = fromMillis(settledAt)
		exchanges = append(exchanges, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return exchanges, nil
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
