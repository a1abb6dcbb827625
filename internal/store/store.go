// Package store persists per-session documents (persona, lorebook,
// preset, author's note, history and the compiled framework) in a
// SQLite table keyed by session and document kind.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Kind names a document type. The set is closed; see [ParseKind].
type Kind string

const (
	KindPersona    Kind = "persona"
	KindLoreBook   Kind = "lorebook"
	KindPreset     Kind = "preset"
	KindAuthorNote Kind = "authorNote"
	KindHistory    Kind = "history"
	KindFramework  Kind = "framework"
)

// Kinds lists every document kind.
var Kinds = []Kind{KindPersona, KindLoreBook, KindPreset, KindAuthorNote, KindHistory, KindFramework}

// ParseKind validates s as a document kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown document kind %q", s)
}

// Store is a session document store backed by SQLite. All methods are
// safe for concurrent use.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// NewStore opens (creating if needed) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, ownsDB: true}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewStoreWithDB uses an existing connection. The caller keeps
// ownership of db.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS session_documents (
		session    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (session, kind)
	);
	`)
	return err
}

// Get returns the raw document for (session, kind). found is false when
// no document is stored.
func (s *Store) Get(ctx context.Context, session string, kind Kind) (data []byte, found bool, err error) {
	var value string
	err = s.db.QueryRowContext(ctx,
		`SELECT data FROM session_documents WHERE session = ? AND kind = ?`,
		session, string(kind),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", session, kind, err)
	}
	return []byte(value), true, nil
}

// Put upserts the raw document for (session, kind).
func (s *Store) Put(ctx context.Context, session string, kind Kind, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_documents (session, kind, data, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session, kind) DO UPDATE
		 SET data = excluded.data, updated_at = excluded.updated_at`,
		session, string(kind), string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", session, kind, err)
	}
	return nil
}

// Delete removes one document. Deleting a missing document is not an
// error.
func (s *Store) Delete(ctx context.Context, session string, kind Kind) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_documents WHERE session = ? AND kind = ?`,
		session, string(kind),
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", session, kind, err)
	}
	return nil
}

// DeleteSession removes every document of a session.
func (s *Store) DeleteSession(ctx context.Context, session string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_documents WHERE session = ?`, session)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", session, err)
	}
	return nil
}

// SessionInfo summarizes one stored session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Documents []Kind    `json:"documents"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Sessions lists stored sessions, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session, kind, updated_at FROM session_documents ORDER BY session, kind`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	index := make(map[string]int)
	for rows.Next() {
		var id, kind, updated string
		if err := rows.Scan(&id, &kind, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		i, ok := index[id]
		if !ok {
			i = len(out)
			index[id] = i
			out = append(out, SessionInfo{ID: id})
		}
		out[i].Documents = append(out[i].Documents, Kind(kind))
		if t, err := time.Parse(time.RFC3339Nano, updated); err == nil && t.After(out[i].UpdatedAt) {
			out[i].UpdatedAt = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}
