// Package recall keeps a per-session memory of completed exchanges and
// searches it by keyword, feeding the [[memory]] section of a
// tool-augmented request.
package recall

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DefaultLimit caps Search results when no limit is given.
const DefaultLimit = 5

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Memory is one remembered exchange.
type Memory struct {
	ID        string    `json:"id"`
	Session   string    `json:"session"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Match is a search hit and how many query terms it contained.
type Match struct {
	Memory
	Score int `json:"score"`
}

// Store is a SQLite-backed memory store.
type Store struct {
	db     *sql.DB
	ownsDB bool

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewStore opens or creates the memory database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewStoreWithDB uses an existing connection, which the caller keeps
// ownership of.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
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
	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		session    TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_session ON memories(session, created_at DESC);
	`)
	return err
}

func (s *Store) newID(t time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String()
}

// Save records content for session.
func (s *Store) Save(ctx context.Context, session, content string) (*Memory, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty memory")
	}
	now := time.Now().UTC()
	m := &Memory{ID: s.newID(now), Session: session, Content: content, CreatedAt: now}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, session, content, created_at) VALUES (?, ?, ?, ?)`,
		m.ID, m.Session, m.Content, now.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("save memory: %w", err)
	}
	return m, nil
}

// Search returns the session's memories containing at least one term of
// query, best first. Score is the number of distinct terms matched;
// ties go to the newer memory.
func (s *Store) Search(ctx context.Context, session, query string, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	where := make([]string, len(terms))
	args := []any{session}
	for i, t := range terms {
		where[i] = "LOWER(content) LIKE ?"
		args = append(args, "%"+t+"%")
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, session, content, created_at FROM memories
		 WHERE session = ? AND (%s)
		 ORDER BY created_at DESC, id DESC`, strings.Join(where, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var created string
		if err := rows.Scan(&m.ID, &m.Session, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt, _ = time.Parse(timeLayout, created)
		lower := strings.ToLower(m.Content)
		for _, t := range terms {
			if strings.Contains(lower, t) {
				m.Score++
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Forget deletes every memory of session.
func (s *Store) Forget(ctx context.Context, session string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE session = ?`, session); err != nil {
		return fmt.Errorf("forget %s: %w", session, err)
	}
	return nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "you": true, "are": true, "was": true,
	"for": true, "that": true, "this": true, "with": true, "what": true,
	"have": true, "your": true, "about": true, "from": true, "but": true,
}

// Terms splits query into distinct lowercase search terms, dropping
// short words and stopwords.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := make(map[string]bool)
	var out []string
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// Format renders matches for the [[memory]] section.
func Format(matches []Match) string {
	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- (%s) %s", m.CreatedAt.Format("2006-01-02"), m.Content)
	}
	return b.String()
}
