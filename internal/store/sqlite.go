// ABOUTME: SQLite-backed request ledger using modernc.org/sqlite
// ABOUTME: Records finished chat exchanges and aggregates usage stats

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Request statuses recorded in the ledger.
const (
	StatusCompleted = "completed"
	StatusErrored   = "errored"
)

// Request is one finished chat exchange.
type Request struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	Status         string    `json:"status"`
	ToolCalls      int       `json:"tool_calls"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// ModelUsage aggregates the ledger rows for one model.
type ModelUsage struct {
	Requests  int   `json:"requests"`
	Errors    int   `json:"errors"`
	ToolCalls int   `json:"tool_calls"`
	AvgMs     int64 `json:"avg_duration_ms"`
}

// UsageStats is the aggregate view served by the stats endpoint.
type UsageStats struct {
	TotalRequests  int                   `json:"total_requests"`
	TotalErrors    int                   `json:"total_errors"`
	TotalToolCalls int                   `json:"total_tool_calls"`
	ByModel        map[string]ModelUsage `json:"by_model"`
}

// SQLiteStore is the request ledger. Safe for concurrent use; database/sql
// pools connections.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the ledger at path. The schema is
// created on open; parent directories are created if needed.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers unblocked while the ledger writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("request ledger initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			model TEXT NOT NULL,
			status TEXT NOT NULL,
			tool_calls INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_requests_conversation
			ON requests(conversation_id);

		CREATE INDEX IF NOT EXISTS idx_requests_model
			ON requests(model);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveRequest records one finished exchange.
func (s *SQLiteStore) SaveRequest(ctx context.Context, req Request) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (id, conversation_id, model, status, tool_calls, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ConversationID, req.Model, req.Status, req.ToolCalls, req.DurationMs, req.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving request: %w", err)
	}
	return nil
}

// RecentRequests returns up to limit requests, newest first.
func (s *SQLiteStore) RecentRequests(ctx context.Context, limit int) ([]Request, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, model, status, tool_calls, duration_ms, created_at
		FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Model, &r.Status, &r.ToolCalls, &r.DurationMs, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Usage aggregates the ledger into per-model and total counts.
func (s *SQLiteStore) Usage(ctx context.Context) (*UsageStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model,
		       COUNT(*),
		       SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		       SUM(tool_calls),
		       CAST(AVG(duration_ms) AS INTEGER)
		FROM requests GROUP BY model`, StatusErrored)
	if err != nil {
		return nil, fmt.Errorf("querying usage: %w", err)
	}
	defer rows.Close()

	stats := &UsageStats{ByModel: make(map[string]ModelUsage)}
	for rows.Next() {
		var modelName string
		var usage ModelUsage
		if err := rows.Scan(&modelName, &usage.Requests, &usage.Errors, &usage.ToolCalls, &usage.AvgMs); err != nil {
			return nil, fmt.Errorf("scanning usage: %w", err)
		}
		stats.ByModel[modelName] = usage
		stats.TotalRequests += usage.Requests
		stats.TotalErrors += usage.Errors
		stats.TotalToolCalls += usage.ToolCalls
	}
	return stats, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
