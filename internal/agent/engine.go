// Package agent runs chat turns: it loads a session's documents,
// assembles the outgoing request, dispatches it, and folds the reply
// back into history.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/dispatch"
	"github.com/nugget/loom/internal/framework"
	"github.com/nugget/loom/internal/history"
	"github.com/nugget/loom/internal/lore"
	"github.com/nugget/loom/internal/normalize"
	"github.com/nugget/loom/internal/recall"
	"github.com/nugget/loom/internal/store"
	"github.com/nugget/loom/internal/usage"
)

// ErrEmptyText is returned for a turn without user text.
var ErrEmptyText = errors.New("empty user text")

// ErrSessionExists is returned by CreateSession for a session that
// already has a persona.
var ErrSessionExists = errors.New("session already exists")

// Submitter sends an assembled request. *dispatch.Dispatcher satisfies
// it.
type Submitter interface {
	SubmitWithTools(ctx context.Context, msgs []chat.Message, rc *dispatch.RetrievalContext) (string, error)
}

// Gatherer looks up retrieval context for a turn.
// *retrieval.Retriever satisfies it.
type Gatherer interface {
	Gather(ctx context.Context, session, query string) *dispatch.RetrievalContext
}

// Rememberer records completed exchanges. *recall.Store satisfies it.
type Rememberer interface {
	Save(ctx context.Context, session, content string) (*recall.Memory, error)
}

// Recorder keeps the turn ledger. *usage.Store satisfies it.
type Recorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Options configures an Engine. Retriever, Memory and Usage are
// optional.
type Options struct {
	Documents  *store.Documents
	Dispatcher Submitter
	Retriever  Gatherer
	Memory     Rememberer
	Usage      Recorder
	UserName   string
	Logger     *slog.Logger
}

// Engine runs turns against stored sessions. Turns on the same session
// are serialized; turns on different sessions run in parallel.
type Engine struct {
	docs       *store.Documents
	dispatcher Submitter
	retriever  Gatherer
	memory     Rememberer
	usage      Recorder
	normalizer *normalize.Normalizer
	userName   string
	logger     *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Documents == nil {
		return nil, errors.New("agent: documents store is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("agent: dispatcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		docs:       opts.Documents,
		dispatcher: opts.Dispatcher,
		retriever:  opts.Retriever,
		memory:     opts.Memory,
		usage:      opts.Usage,
		normalizer: normalize.New(logger),
		userName:   opts.UserName,
		logger:     logger.With("component", "agent"),
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

func (e *Engine) lock(session string) func() {
	e.mu.Lock()
	l, ok := e.locks[session]
	if !ok {
		l = &sync.Mutex{}
		e.locks[session] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// TurnRequest is one user message for a session.
type TurnRequest struct {
	SessionID string
	Text      string

	// UserName overrides the engine's display name for {{user}}.
	UserName string

	// RequestID correlates the turn with an outer request. Empty
	// generates one.
	RequestID string
}

// TurnResult describes a completed turn.
type TurnResult struct {
	RequestID string         `json:"request_id"`
	Reply     string         `json:"reply"`
	Sent      []chat.Message `json:"sent"`
	Retrieval bool           `json:"retrieval"`
	Duration  time.Duration  `json:"duration"`
}

// assembly is everything built for a turn before dispatch.
type assembly struct {
	bundle *store.Bundle
	turns  []chat.Message
	msgs   []chat.Message
}

// assemble builds the outgoing request. With cache set, a freshly
// compiled framework is saved for later turns.
func (e *Engine) assemble(ctx context.Context, req TurnRequest, cache bool, log *slog.Logger) (*assembly, error) {
	b, err := e.docs.Load(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	fw := b.Framework
	if fw == nil {
		fw = framework.Compile(b.Preset, b.Persona, b.LoreBook, b.History.ID())
		if names := framework.Unplaced(b.LoreBook); len(names) > 0 {
			log.Warn("keyed lore entries at framework positions are never sent", "entries", names)
		}
		if cache {
			if err := e.docs.Save(ctx, req.SessionID, store.KindFramework, fw); err != nil {
				log.Warn("failed to cache compiled framework", "error", err)
			}
		}
		b.Framework = fw
	}

	candidates := lore.Extract(b.Preset, b.LoreBook, b.AuthorNote)

	turns := chat.Real(b.History.Messages)
	pending := history.Reconcile(turns, req.Text, "")
	if _, found := lore.Anchor(pending, req.Text); !found {
		log.Warn("anchor turn not found, weaving from last message")
	}
	woven := lore.Inject(pending, candidates, req.Text)

	resolved := framework.Resolve(fw, woven, log)

	userName := req.UserName
	if userName == "" {
		userName = e.userName
	}
	msgs := e.normalizer.Normalize(resolved, normalize.Vars{
		Char:        b.Persona.Name,
		User:        userName,
		LastMessage: req.Text,
	}, b.Persona.RegexRules)

	return &assembly{bundle: b, turns: turns, msgs: msgs}, nil
}

// Turn runs one chat turn. History is saved only after a successful
// reply; on any error nothing is persisted.
func (e *Engine) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	start := time.Now()
	reqID := req.RequestID
	if reqID == "" {
		reqID = newTurnID()
	}
	log := e.logger.With("session", req.SessionID, "request_id", reqID)

	unlock := e.lock(req.SessionID)
	defer unlock()

	a, err := e.assemble(ctx, req, true, log)
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", req.SessionID, err)
	}
	log.Debug("request assembled", "messages", len(a.msgs))

	var rc *dispatch.RetrievalContext
	if e.retriever != nil {
		rc = e.retriever.Gather(ctx, req.SessionID, req.Text)
	}

	rec := usage.Record{
		RequestID:      reqID,
		SessionID:      req.SessionID,
		PromptMessages: len(a.msgs),
		PromptChars:    promptChars(a.msgs),
		Retrieval:      !rc.Empty(),
	}

	reply, err := e.dispatcher.SubmitWithTools(ctx, a.msgs, rc)
	if err != nil {
		rec.Outcome = usage.OutcomeFailed
		e.record(ctx, rec, start, log)
		return nil, fmt.Errorf("dispatch %s: %w", req.SessionID, err)
	}
	rec.Outcome = usage.OutcomeOK
	rec.ReplyChars = len(reply)
	e.record(ctx, rec, start, log)

	h := a.bundle.History
	h.Messages = history.Reconcile(a.turns, req.Text, reply)
	if err := e.docs.Save(ctx, req.SessionID, store.KindHistory, h); err != nil {
		return nil, fmt.Errorf("save history %s: %w", req.SessionID, err)
	}

	if e.memory != nil {
		content := fmt.Sprintf("%s: %s\n%s: %s", e.speaker(req), req.Text, a.bundle.Persona.Name, reply)
		if _, err := e.memory.Save(ctx, req.SessionID, content); err != nil {
			log.Warn("failed to remember exchange", "error", err)
		}
	}

	res := &TurnResult{
		RequestID: reqID,
		Reply:     reply,
		Sent:      a.msgs,
		Retrieval: !rc.Empty(),
		Duration:  time.Since(start),
	}
	log.Info("turn complete",
		"history", len(h.Messages),
		"retrieval", res.Retrieval,
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	return res, nil
}

// record writes rec to the ledger. Ledger failures never fail a turn.
func (e *Engine) record(ctx context.Context, rec usage.Record, start time.Time, log *slog.Logger) {
	if e.usage == nil {
		return
	}
	rec.Timestamp = start
	rec.Duration = time.Since(start)
	if err := e.usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record usage", "error", err)
	}
}

func promptChars(msgs []chat.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Text)
	}
	return n
}

func (e *Engine) speaker(req TurnRequest) string {
	switch {
	case req.UserName != "":
		return req.UserName
	case e.userName != "":
		return e.userName
	default:
		return "User"
	}
}

// ContinueChat runs a turn and returns the reply. It returns "", false
// when the turn fails for any reason; the failure is logged and history
// is left untouched.
func (e *Engine) ContinueChat(ctx context.Context, sessionID, userText string) (string, bool) {
	res, err := e.Turn(ctx, TurnRequest{SessionID: sessionID, Text: userText})
	if err != nil {
		e.logger.Error("turn failed", "session", sessionID, "error", err)
		return "", false
	}
	return res.Reply, true
}

// Preview assembles the request a turn with text would send, without
// dispatching it or persisting anything.
func (e *Engine) Preview(ctx context.Context, sessionID, text string) ([]chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	a, err := e.assemble(ctx, TurnRequest{SessionID: sessionID, Text: text}, false, e.logger.With("session", sessionID))
	if err != nil {
		return nil, fmt.Errorf("assemble %s: %w", sessionID, err)
	}
	return a.msgs, nil
}

// CreateSession stores persona under a new session seeded with the
// persona's opening line. An empty id generates one. The id is
// returned.
func (e *Engine) CreateSession(ctx context.Context, id string, persona *card.Persona) (string, error) {
	if err := persona.Validate(); err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
	}

	unlock := e.lock(id)
	defer unlock()

	if _, found, err := e.docs.Store().Get(ctx, id, store.KindPersona); err != nil {
		return "", err
	} else if found {
		return "", fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	if err := e.docs.Save(ctx, id, store.KindPersona, persona); err != nil {
		return "", err
	}
	if err := e.docs.Save(ctx, id, store.KindHistory, history.Seed(persona, "")); err != nil {
		return "", err
	}
	e.logger.Info("session created", "session", id, "persona", persona.Name)
	return id, nil
}

// Reset truncates a session's history to the persona's opening line.
func (e *Engine) Reset(ctx context.Context, sessionID string) (*chat.History, error) {
	unlock := e.lock(sessionID)
	defer unlock()

	h, err := e.docs.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h = history.Truncate(h)
	if err := e.docs.Save(ctx, sessionID, store.KindHistory, h); err != nil {
		return nil, err
	}
	e.logger.Info("session reset", "session", sessionID)
	return h, nil
}

// History returns a session's stored history.
func (e *Engine) History(ctx context.Context, sessionID string) (*chat.History, error) {
	return e.docs.History(ctx, sessionID)
}

// Import decodes data (JSON, JSONC or YAML per format) as a document of
// kind and stores it for the session. Replacing a persona, lorebook or
// preset drops the cached framework so the next turn recompiles it. An
// imported history keeps only its real messages.
func (e *Engine) Import(ctx context.Context, sessionID string, kind store.Kind, data []byte, format string) error {
	var (
		doc        any
		invalidate bool
		err        error
	)
	switch kind {
	case store.KindPersona:
		var p card.Persona
		if err = card.Parse(data, format, &p); err == nil {
			err = p.Validate()
		}
		doc, invalidate = &p, true
	case store.KindLoreBook:
		var b card.LoreBook
		if err = card.Parse(data, format, &b); err == nil {
			err = b.Validate()
		}
		doc, invalidate = &b, true
	case store.KindPreset:
		var p card.Preset
		if err = card.Parse(data, format, &p); err == nil {
			err = p.Validate()
		}
		doc, invalidate = &p, true
	case store.KindAuthorNote:
		var n card.AuthorNote
		if err = card.Parse(data, format, &n); err == nil {
			err = n.Validate()
		}
		doc = &n
	case store.KindHistory:
		var h chat.History
		if err = card.Parse(data, format, &h); err == nil {
			h.Messages = chat.Real(h.Messages)
		}
		doc = &h
	default:
		return fmt.Errorf("documents of kind %q cannot be imported", kind)
	}
	if err != nil {
		return fmt.Errorf("import %s/%s: %w", sessionID, kind, err)
	}

	unlock := e.lock(sessionID)
	defer unlock()

	if err := e.docs.Save(ctx, sessionID, kind, doc); err != nil {
		return err
	}
	if invalidate {
		if err := e.docs.Store().Delete(ctx, sessionID, store.KindFramework); err != nil {
			return err
		}
	}
	e.logger.Info("document imported", "session", sessionID, "kind", kind, "framework_invalidated", invalidate)
	return nil
}

// Sessions lists stored sessions.
func (e *Engine) Sessions(ctx context.Context) ([]store.SessionInfo, error) {
	return e.docs.Store().Sessions(ctx)
}

// newTurnID returns "t_" and twelve hex digits.
func newTurnID() string {
	return "t_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
