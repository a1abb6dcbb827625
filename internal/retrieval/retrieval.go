// Package retrieval gathers the memory and web context spliced into a
// tool-augmented dispatch.
package retrieval

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/loom/internal/dispatch"
	"github.com/nugget/loom/internal/recall"
	"github.com/nugget/loom/internal/search"
)

// DefaultTimeout bounds each lookup when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// MemorySearcher finds remembered exchanges. *recall.Store satisfies it.
type MemorySearcher interface {
	Search(ctx context.Context, session, query string, limit int) ([]recall.Match, error)
}

// WebSearcher runs web queries. *search.Manager satisfies it.
type WebSearcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Config tunes a Retriever.
type Config struct {
	MemoryLimit int
	WebCount    int
	Language    string
	Timeout     time.Duration
}

// Retriever runs the enabled lookups for a turn concurrently. Either
// source may be nil, which disables it.
type Retriever struct {
	memory MemorySearcher
	web    WebSearcher
	cfg    Config
	logger *slog.Logger
}

// New creates a Retriever.
func New(memory MemorySearcher, web WebSearcher, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Retriever{
		memory: memory,
		web:    web,
		cfg:    cfg,
		logger: logger.With("component", "retrieval"),
	}
}

// Enabled reports whether any source is configured.
func (r *Retriever) Enabled() bool {
	return r != nil && (r.memory != nil || r.web != nil)
}

// Gather looks up query in every enabled source. A failing source is
// logged and left empty; Gather itself never fails. The result is nil
// when nothing was found.
func (r *Retriever) Gather(ctx context.Context, session, query string) *dispatch.RetrievalContext {
	if !r.Enabled() {
		return nil
	}

	var rc dispatch.RetrievalContext
	g, gctx := errgroup.WithContext(ctx)

	if r.memory != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, r.cfg.Timeout)
			defer cancel()
			matches, err := r.memory.Search(ctx, session, query, r.cfg.MemoryLimit)
			if err != nil {
				r.logger.Warn("memory lookup failed", "session", session, "error", err)
				return nil
			}
			rc.Memory = recall.Format(matches)
			return nil
		})
	}

	if r.web != nil {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, r.cfg.Timeout)
			defer cancel()
			results, err := r.web.Search(ctx, query, search.Options{Count: r.cfg.WebCount, Language: r.cfg.Language})
			if err != nil {
				r.logger.Warn("web lookup failed", "session", session, "error", err)
				return nil
			}
			rc.Web = search.FormatResults(results)
			return nil
		})
	}

	_ = g.Wait()

	if rc.Empty() {
		return nil
	}
	r.logger.Debug("retrieval gathered",
		"session", session,
		"memory_bytes", len(rc.Memory),
		"web_bytes", len(rc.Web),
	)
	return &rc
}
