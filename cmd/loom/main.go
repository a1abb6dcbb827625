// Loom runs role-play chat sessions against hosted LLM backends.
//
// Each session is a persona plus its lorebook, preset, author's note and
// chat history, stored in SQLite. A turn compiles those documents into a
// prompt, sends it through the API key and model fallback chain, and
// records the reply. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	loom serve                              Start the HTTP API
//	loom init [dir]                         Initialize a working directory
//	loom create <session|-> <persona-file>  Create a session from a persona
//	loom import <session> <kind> <file>     Replace one session document
//	loom chat <session> <text...>           Run one turn and print the reply
//	loom preview <session> <text...>        Print the prompt a turn would send
//	loom reset <session>                    Truncate history to the opening line
//	loom history <session>                  Print the chat history
//	loom sessions                           List sessions
//	loom usage [session]                    Summarize the last day of turns
//	loom version                            Print version information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/loom/internal/agent"
	"github.com/nugget/loom/internal/api"
	"github.com/nugget/loom/internal/buildinfo"
	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/config"
	"github.com/nugget/loom/internal/dispatch"
	"github.com/nugget/loom/internal/llm"
	"github.com/nugget/loom/internal/recall"
	"github.com/nugget/loom/internal/retrieval"
	"github.com/nugget/loom/internal/search"
	"github.com/nugget/loom/internal/store"
	"github.com/nugget/loom/internal/usage"
)

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit and the process globals out of testable code.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // "text" or "json"
}

// run is the real entry point. Arguments are parsed by hand because the
// flag package's globals get in the way of running run concurrently in
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "create":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: loom create <session|-> <persona-file>")
		}
		return runCreate(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1])
	case "import":
		if len(cmdArgs) != 3 {
			return fmt.Errorf("usage: loom import <session> <kind> <file>")
		}
		return runImport(ctx, stdout, stderr, opts, cmdArgs[0], cmdArgs[1], cmdArgs[2])
	case "chat":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: loom chat <session> <text...>")
		}
		return runChat(ctx, stdout, stderr, opts, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "preview":
		if len(cmdArgs) < 2 {
			return fmt.Errorf("usage: loom preview <session> <text...>")
		}
		return runPreview(ctx, stdout, stderr, opts, cmdArgs[0], strings.Join(cmdArgs[1:], " "))
	case "reset":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: loom reset <session>")
		}
		return runReset(ctx, stdout, stderr, opts, cmdArgs[0])
	case "history":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("usage: loom history <session>")
		}
		return runHistory(ctx, stdout, stderr, opts, cmdArgs[0])
	case "sessions":
		return runSessions(ctx, stdout, stderr, opts)
	case "usage":
		session := ""
		if len(cmdArgs) > 0 {
			session = cmdArgs[0]
		}
		return runUsage(ctx, stdout, stderr, opts, session)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Loom - role-play chat sessions over hosted LLMs")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: loom [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                              Start the HTTP API")
	fmt.Fprintln(w, "  init [dir]                         Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  create <session|-> <persona-file>  Create a session; - generates an id")
	fmt.Fprintln(w, "  import <session> <kind> <file>     Replace a document (persona, lorebook, preset, authorNote, history)")
	fmt.Fprintln(w, "  chat <session> <text...>           Run one turn")
	fmt.Fprintln(w, "  preview <session> <text...>        Show the prompt a turn would send")
	fmt.Fprintln(w, "  reset <session>                    Truncate history to the opening line")
	fmt.Fprintln(w, "  history <session>                  Show the chat history")
	fmt.Fprintln(w, "  sessions                           List sessions")
	fmt.Fprintln(w, "  usage [session]                    Summarize the last day of turns")
	fmt.Fprintln(w, "  version                            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe starts the HTTP API and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	rt, err := openRuntime(stdout, opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := api.NewServer(rt.cfg.Listen.Addr(), rt.engine, rt.logger)
	server.SetUsageStore(rt.usage)

	go func() {
		<-ctx.Done()
		rt.logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			rt.logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	rt.logger.Info("Loom stopped")
	return nil
}

// runCreate stores a persona under a new session. A session of "-"
// generates the id.
func runCreate(ctx context.Context, stdout, stderr io.Writer, opts options, session, personaPath string) error {
	var persona card.Persona
	if err := card.ParseFile(personaPath, &persona); err != nil {
		return err
	}
	if session == "-" {
		session = ""
	}

	rt, err := openRuntime(stderr, opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := rt.engine.CreateSession(ctx, session, &persona)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]string{"id": id})
	}
	fmt.Fprintln(stdout, id)
	return nil
}

// runImport replaces one document of an existing or new session.
func runImport(ctx context.Context, stdout, stderr io.Writer, opts options, session, kindName, path string) error {
	kind, err := store.ParseKind(kindName)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	rt, err := openRuntime(stderr, opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.engine.Import(ctx, session, kind, data, filepath.Ext(path)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "imported %s into %s\n", kind, session)
	return nil
}

// runChat runs a single turn. A failed turn is an error; nothing is
// saved in that case.
func runChat(ctx context.Context, stdout, stderr io.Writer, opts options, session, text string) error {
	rt, err := openRuntime(stderr, opts, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.engine.Turn(ctx, agent.TurnRequest{SessionID: session, Text: text})
	if err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, res)
	}
	fmt.Fprintln(stdout, res.Reply)
	return nil
}

func runPreview(ctx context.Context, stdout, stderr io.Writer, opts options, session, text string) error {
	rt, err := openRuntime(stderr, opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	msgs, err := rt.engine.Preview(ctx, session, text)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, msgs)
	}
	printMessages(stdout, msgs)
	return nil
}

func runReset(ctx context.Context, stdout, stderr io.Writer, opts options, session string) error {
	rt, err := openRuntime(stderr, opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	h, err := rt.engine.Reset(ctx, session)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, h)
	}
	printMessages(stdout, h.Messages)
	return nil
}

func runHistory(ctx context.Context, stdout, stderr io.Writer, opts options, session string) error {
	rt, err := openRuntime(stderr, opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	h, err := rt.engine.History(ctx, session)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, h)
	}
	printMessages(stdout, h.Messages)
	return nil
}

func runSessions(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	rt, err := openRuntime(stderr, opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	sessions, err := rt.engine.Sessions(ctx)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		if sessions == nil {
			sessions = []store.SessionInfo{}
		}
		return writeJSON(stdout, sessions)
	}
	for _, s := range sessions {
		kinds := make([]string, len(s.Documents))
		for i, k := range s.Documents {
			kinds[i] = string(k)
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", s.ID, s.UpdatedAt.Local().Format(time.DateTime), strings.Join(kinds, ","))
	}
	return nil
}

func runUsage(ctx context.Context, stdout, stderr io.Writer, opts options, session string) error {
	rt, err := openRuntime(stderr, opts, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	end := time.Now().Add(time.Second)
	start := end.Add(-24 * time.Hour)
	sum, err := rt.usage.Summary(ctx, session, start, end)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, sum)
	}
	fmt.Fprintf(stdout, "turns:        %d\n", sum.Turns)
	fmt.Fprintf(stdout, "failed:       %d\n", sum.Failed)
	fmt.Fprintf(stdout, "prompt chars: %d\n", sum.PromptChars)
	fmt.Fprintf(stdout, "reply chars:  %d\n", sum.ReplyChars)
	fmt.Fprintf(stdout, "time:         %s\n", sum.TotalDuration)
	return nil
}

// printMessages writes one line per message, tagging anything that is
// not an ordinary turn with its kind.
func printMessages(w io.Writer, msgs []chat.Message) {
	for _, m := range msgs {
		tag := m.Role.String()
		if m.Kind != chat.KindTurn {
			tag += "/" + m.Kind.String()
		}
		fmt.Fprintf(w, "[%s] %s\n", tag, m.Text)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// app is the set of components a subcommand works against.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *agent.Engine
	usage   *usage.Store
	closers []io.Closer
}

// Close releases the databases in reverse order of opening.
func (rt *app) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openRuntime loads the config and wires the engine. Subcommands that
// never dispatch pass online=false: the config need not name a backend,
// and turns fail with [dispatch.ErrNoBackend].
func openRuntime(logOut io.Writer, opts options, online bool) (*app, error) {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if online {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config %s: %w", cfgPath, err)
		}
	}

	logger, err := cfg.NewLogger(logOut)
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "path", cfgPath, "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	rt := &app{cfg: cfg, logger: logger}

	docStore, err := store.NewStore(cfg.DocumentsDB())
	if err != nil {
		return nil, fmt.Errorf("open document database %s: %w", cfg.DocumentsDB(), err)
	}
	rt.closers = append(rt.closers, docStore)

	ledger, err := usage.NewStore(cfg.UsageDB())
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("open usage database %s: %w", cfg.UsageDB(), err)
	}
	rt.closers = append(rt.closers, ledger)
	rt.usage = ledger

	engineOpts := agent.Options{
		Documents:  store.NewDocuments(docStore),
		Dispatcher: offline{},
		Usage:      ledger,
		UserName:   cfg.UserName,
		Logger:     logger,
	}

	if online {
		d, err := newDispatcher(cfg, logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		engineOpts.Dispatcher = d

		var memory retrieval.MemorySearcher
		if cfg.Retrieval.Memory.Enabled {
			rs, err := recall.NewStore(cfg.MemoryDB())
			if err != nil {
				rt.Close()
				return nil, fmt.Errorf("open recall database %s: %w", cfg.MemoryDB(), err)
			}
			rt.closers = append(rt.closers, rs)
			memory = rs
			engineOpts.Memory = rs
		}

		var web retrieval.WebSearcher
		if mgr := newSearchManager(cfg.Retrieval.Search, logger); mgr != nil {
			web = mgr
		}

		r := retrieval.New(memory, web, retrieval.Config{
			MemoryLimit: cfg.Retrieval.Memory.Limit,
			WebCount:    cfg.Retrieval.Search.Count,
			Language:    cfg.Retrieval.Search.Language,
			Timeout:     cfg.Retrieval.Timeout,
		}, logger)
		if r.Enabled() {
			engineOpts.Retriever = r
		}

		logger.Info("dispatch configured",
			"provider", cfg.Dispatch.Provider,
			"keys", len(cfg.Dispatch.Keys()),
			"primary_model", cfg.Dispatch.PrimaryModel,
			"relay", cfg.Dispatch.Relay.Configured(),
			"memory", memory != nil,
			"web_search", web != nil,
		)
	}

	engine, err := agent.New(engineOpts)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.engine = engine
	return rt, nil
}

// newDispatcher builds the fallback chain from the dispatch config.
func newDispatcher(cfg *config.Config, logger *slog.Logger) (*dispatch.Dispatcher, error) {
	dc := dispatch.Config{
		Provider:      cfg.Dispatch.Provider,
		Keys:          cfg.Dispatch.Keys(),
		PrimaryModel:  cfg.Dispatch.PrimaryModel,
		BackupModel:   cfg.Dispatch.BackupModel,
		ModelFallback: cfg.Dispatch.ModelFallback,
		FallbackDelay: cfg.Dispatch.FallbackDelay,
	}
	if cfg.Dispatch.Relay.Configured() {
		dc.Relay = llm.NewRelayClient(cfg.Dispatch.Relay.URL, cfg.Dispatch.Relay.Token, logger)
	}

	var registry *llm.Registry
	if len(dc.Keys) > 0 {
		factory, err := llm.NewFactory(dc.Provider, cfg.Dispatch.BaseURL, logger)
		if err != nil {
			return nil, err
		}
		registry = llm.NewRegistry(logger)
		registry.Register(dc.Provider, factory)
	}
	return dispatch.New(dc, registry, logger)
}

// newSearchManager returns nil when web search is not configured.
func newSearchManager(sc config.SearchConfig, logger *slog.Logger) *search.Manager {
	if sc.Provider == "" {
		return nil
	}
	mgr := search.NewManager(sc.Provider)
	switch sc.Provider {
	case "searxng":
		mgr.Register(search.NewSearXNG(sc.SearXNG.URL, logger))
	case "brave":
		mgr.Register(search.NewBrave(sc.Brave.URL, sc.Brave.APIKey, logger))
	}
	if !mgr.Configured() {
		logger.Warn("web search provider not available", "provider", sc.Provider)
		return nil
	}
	return mgr
}

// offline stands in for the dispatcher in subcommands that never send.
type offline struct{}

func (offline) SubmitWithTools(context.Context, []chat.Message, *dispatch.RetrievalContext) (string, error) {
	return "", dispatch.ErrNoBackend
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
