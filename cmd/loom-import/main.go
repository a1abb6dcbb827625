// Command loom-import loads exported role-play chat logs into Loom
// sessions.
//
// Usage:
//
//	loom-import [-config path] [-persona file] [-session id] [-remember] [-dry-run] [-force] chat.jsonl...
//
// Each log is a JSONL file: an optional header line naming the character
// and user, then one line per message. Every file becomes the history of
// the session named after it (or -session, for a single file). Sessions
// without a persona get the one from -persona, or a minimal one built
// from the header. Sessions that already have user turns are skipped
// unless -force is given.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/loom/internal/agent"
	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/config"
	"github.com/nugget/loom/internal/dispatch"
	"github.com/nugget/loom/internal/recall"
	"github.com/nugget/loom/internal/store"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath  string
	personaPath string
	session     string
	remember    bool
	dryRun      bool
	force       bool
	verbose     bool
	files       []string
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	var f flags
	fs := flag.NewFlagSet("loom-import", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", "Path to config file (default: auto-discover)")
	fs.StringVar(&f.personaPath, "persona", "", "Persona for sessions that have none")
	fs.StringVar(&f.session, "session", "", "Session id (single file only; default: file name)")
	fs.BoolVar(&f.remember, "remember", false, "Also store each exchange in recall memory")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Parse and report without writing")
	fs.BoolVar(&f.force, "force", false, "Replace histories that already have user turns")
	fs.BoolVar(&f.verbose, "verbose", false, "Verbose output")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	f.files = fs.Args()
	if len(f.files) == 0 {
		return nil, errors.New("usage: loom-import [flags] chat.jsonl...")
	}
	if f.session != "" && len(f.files) > 1 {
		return nil, errors.New("-session needs exactly one file")
	}
	return &f, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	f, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	cfgPath, err := config.FindConfig(f.configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	logger, err := cfg.NewLogger(stderr)
	if err != nil {
		return err
	}

	var logs []chatLog
	for _, path := range f.files {
		l, err := parseLogFile(path, logger)
		if err != nil {
			logger.Warn("failed to parse chat log", "file", filepath.Base(path), "error", err)
			continue
		}
		if f.session != "" {
			l.session = f.session
		}
		logs = append(logs, l)
	}
	logger.Info("parsed chat logs", "files", len(f.files), "parsed", len(logs))

	if f.dryRun {
		fmt.Fprintf(stdout, "\n=== Dry Run Summary ===\n")
		for _, l := range logs {
			fmt.Fprintf(stdout, "  %-24s %-16s %d msgs\n", l.session, l.character, len(l.messages))
		}
		return nil
	}

	var persona []byte
	if f.personaPath != "" {
		var p card.Persona
		if err := card.ParseFile(f.personaPath, &p); err != nil {
			return err
		}
		if persona, err = json.Marshal(&p); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	docStore, err := store.NewStore(cfg.DocumentsDB())
	if err != nil {
		return fmt.Errorf("open document database: %w", err)
	}
	defer docStore.Close()

	engine, err := agent.New(agent.Options{
		Documents:  store.NewDocuments(docStore),
		Dispatcher: noDispatch{},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	imp := &importer{engine: engine, docs: docStore, persona: persona, force: f.force, logger: logger}
	if f.remember {
		mem, err := recall.NewStore(cfg.MemoryDB())
		if err != nil {
			return fmt.Errorf("open recall database: %w", err)
		}
		defer mem.Close()
		imp.memory = mem
	}

	imported, skipped := 0, 0
	for _, l := range logs {
		ok, err := imp.importLog(ctx, l)
		switch {
		case err != nil:
			logger.Error("failed to import chat log", "session", l.session, "error", err)
		case ok:
			imported++
		default:
			skipped++
		}
	}

	logger.Info("import complete",
		"imported", imported,
		"skipped", skipped,
		"failed", len(logs)-imported-skipped,
	)
	fmt.Fprintf(stdout, "Sessions imported: %d / %d (%d skipped)\n", imported, len(logs), skipped)
	return nil
}

// --- Parsing ---

type chatLog struct {
	session   string
	character string
	user      string
	messages  []chat.Message
	speakers  []string // display name per message
}

// logLine covers both the header and the message lines.
type logLine struct {
	UserName      string `json:"user_name,omitempty"`
	CharacterName string `json:"character_name,omitempty"`

	Name     string  `json:"name,omitempty"`
	IsUser   bool    `json:"is_user,omitempty"`
	IsSystem bool    `json:"is_system,omitempty"`
	Mes      *string `json:"mes,omitempty"` // nil on the header line
}

func parseLogFile(path string, logger *slog.Logger) (chatLog, error) {
	f, err := os.Open(path)
	if err != nil {
		return chatLog{}, err
	}
	defer f.Close()

	l, err := parseLog(f, logger)
	if err != nil {
		return l, fmt.Errorf("%s: %w", path, err)
	}
	l.session = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return l, nil
}

// parseLog reads one JSONL chat log. Malformed lines are skipped. A
// character message before the first user message is the opening line.
func parseLog(r io.Reader, logger *slog.Logger) (chatLog, error) {
	var l chatLog
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	lineNum := 0
	sawUser := false
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var entry logLine
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Debug("skipping malformed line", "line", lineNum, "error", err)
			continue
		}

		if entry.Mes == nil {
			if entry.CharacterName != "" {
				l.character = entry.CharacterName
				l.user = entry.UserName
			}
			continue
		}
		text := strings.TrimSpace(*entry.Mes)
		if entry.IsSystem || text == "" {
			continue
		}

		m := chat.Message{Role: chat.RoleModel, Text: text, Kind: chat.KindTurn}
		switch {
		case entry.IsUser:
			m.Role = chat.RoleUser
			sawUser = true
		case !sawUser && len(l.messages) == 0:
			m.Kind = chat.KindOpening
		}
		if !entry.IsUser && l.character == "" {
			l.character = entry.Name
		}
		l.messages = append(l.messages, m)
		l.speakers = append(l.speakers, entry.Name)
	}
	if err := scanner.Err(); err != nil {
		return l, fmt.Errorf("scan error: %w", err)
	}
	if len(l.messages) == 0 {
		return l, errors.New("no messages")
	}
	return l, nil
}

// --- Importing ---

type importer struct {
	engine  *agent.Engine
	docs    *store.Store
	memory  *recall.Store
	persona []byte // JSON; nil builds one from the log
	force   bool
	logger  *slog.Logger
}

// importLog writes one log. It reports false when the session was
// skipped because it already has user turns.
func (imp *importer) importLog(ctx context.Context, l chatLog) (bool, error) {
	existing, err := imp.engine.History(ctx, l.session)
	var me *store.MissingError
	switch {
	case errors.As(err, &me):
		existing = nil
	case err != nil:
		return false, err
	}
	if existing != nil && hasUserTurns(existing.Messages) && !imp.force {
		imp.logger.Debug("skipping session with history", "session", l.session)
		return false, nil
	}

	_, found, err := imp.docs.Get(ctx, l.session, store.KindPersona)
	if err != nil {
		return false, err
	}
	if !found {
		persona := imp.persona
		if persona == nil {
			if persona, err = imp.personaFromLog(l); err != nil {
				return false, err
			}
		}
		if err := imp.engine.Import(ctx, l.session, store.KindPersona, persona, "json"); err != nil {
			return false, err
		}
	}

	data, err := json.Marshal(&chat.History{Identifier: chat.DefaultHistoryID, Messages: l.messages})
	if err != nil {
		return false, err
	}
	if err := imp.engine.Import(ctx, l.session, store.KindHistory, data, "json"); err != nil {
		return false, err
	}

	if imp.memory != nil {
		n, err := imp.remember(ctx, l)
		if err != nil {
			return true, fmt.Errorf("remember: %w", err)
		}
		imp.logger.Debug("exchanges remembered", "session", l.session, "count", n)
	}

	imp.logger.Debug("imported chat log",
		"session", l.session,
		"character", l.character,
		"messages", len(l.messages),
	)
	return true, nil
}

func (imp *importer) personaFromLog(l chatLog) ([]byte, error) {
	if l.character == "" {
		return nil, fmt.Errorf("session %s has no persona and the log names no character; use -persona", l.session)
	}
	p := card.Persona{Name: l.character}
	if first := l.messages[0]; first.Kind == chat.KindOpening {
		p.FirstMessage = first.Text
	}
	return json.Marshal(&p)
}

// remember stores each user message with the reply that follows it.
func (imp *importer) remember(ctx context.Context, l chatLog) (int, error) {
	n := 0
	for i := 0; i+1 < len(l.messages); i++ {
		u, r := l.messages[i], l.messages[i+1]
		if u.Role != chat.RoleUser || r.Role != chat.RoleModel {
			continue
		}
		user := l.speakers[i]
		if user == "" {
			user = l.user
		}
		if user == "" {
			user = "User"
		}
		content := fmt.Sprintf("%s: %s\n%s: %s", user, u.Text, l.speakers[i+1], r.Text)
		if _, err := imp.memory.Save(ctx, l.session, content); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func hasUserTurns(msgs []chat.Message) bool {
	for _, m := range msgs {
		if m.Role == chat.RoleUser && m.IsReal() {
			return true
		}
	}
	return false
}

// noDispatch satisfies the engine; the importer never runs turns.
type noDispatch struct{}

func (noDispatch) SubmitWithTools(context.Context, []chat.Message, *dispatch.RetrievalContext) (string, error) {
	return "", dispatch.ErrNoBackend
}
