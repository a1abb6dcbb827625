// Package usage keeps an append-only ledger of chat turns: when each ran,
// how large the outgoing request was, and whether a reply came back.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Outcomes recorded for a turn.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Record is one dispatched turn.
type Record struct {
	ID             string        `json:"id"`
	Timestamp      time.Time     `json:"timestamp"`
	RequestID      string        `json:"request_id"`
	SessionID      string        `json:"session_id"`
	Outcome        string        `json:"outcome"`
	PromptMessages int           `json:"prompt_messages"`
	PromptChars    int           `json:"prompt_chars"`
	ReplyChars     int           `json:"reply_chars"`
	Retrieval      bool          `json:"retrieval"`
	Duration       time.Duration `json:"duration"`
}

// Summary aggregates records.
type Summary struct {
	Turns         int           `json:"turns"`
	Failed        int           `json:"failed"`
	PromptChars   int64         `json:"prompt_chars"`
	ReplyChars    int64         `json:"reply_chars"`
	TotalDuration time.Duration `json:"total_duration"`
}

// Store is the SQLite-backed ledger. All methods are safe for concurrent
// use.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// NewStore opens (creating if needed) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, ownsDB: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// NewStoreWithDB uses an existing connection. The caller keeps
// ownership of db.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		session_id      TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		prompt_messages INTEGER NOT NULL,
		prompt_chars    INTEGER NOT NULL,
		reply_chars     INTEGER NOT NULL,
		retrieval       INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns
			(id, timestamp, request_id, session_id, outcome,
			 prompt_messages, prompt_chars, reply_chars, retrieval, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.SessionID,
		rec.Outcome,
		rec.PromptMessages,
		rec.PromptChars,
		rec.ReplyChars,
		rec.Retrieval,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary totals the records within [start, end). An empty session
// covers every session.
func (s *Store) Summary(ctx context.Context, session string, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(outcome != 'ok'), 0),
		        COALESCE(SUM(prompt_chars), 0),
		        COALESCE(SUM(reply_chars), 0),
		        COALESCE(SUM(duration_ms), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ? AND (? = '' OR session_id = ?)`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
		session, session,
	)

	var sum Summary
	var ms int64
	if err := row.Scan(&sum.Turns, &sum.Failed, &sum.PromptChars, &sum.ReplyChars, &ms); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	sum.TotalDuration = time.Duration(ms) * time.Millisecond
	return &sum, nil
}

// SummaryBySession returns per-session totals within [start, end).
func (s *Store) SummaryBySession(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COUNT(*),
		        COALESCE(SUM(outcome != 'ok'), 0),
		        COALESCE(SUM(prompt_chars), 0),
		        COALESCE(SUM(reply_chars), 0),
		        COALESCE(SUM(duration_ms), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY session_id`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by session: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var ms int64
		if err := rows.Scan(&key, &sum.Turns, &sum.Failed, &sum.PromptChars, &sum.ReplyChars, &ms); err != nil {
			return nil, fmt.Errorf("scan usage by session: %w", err)
		}
		sum.TotalDuration = time.Duration(ms) * time.Millisecond
		result[key] = &sum
	}
	return result, rows.Err()
}
