package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/nugget/loom/internal/card"
	"github.com/nugget/loom/internal/chat"
	"github.com/nugget/loom/internal/dispatch"
	"github.com/nugget/loom/internal/recall"
	"github.com/nugget/loom/internal/store"
	"github.com/nugget/loom/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSubmitter struct {
	mu    sync.Mutex
	reply func(msgs []chat.Message) (string, error)
	sent  [][]chat.Message
	rcs   []*dispatch.RetrievalContext
}

func (f *fakeSubmitter) SubmitWithTools(_ context.Context, msgs []chat.Message, rc *dispatch.RetrievalContext) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chat.Clone(msgs))
	f.rcs = append(f.rcs, rc)
	if f.reply == nil {
		return "reply", nil
	}
	return f.reply(msgs)
}

type fakeGatherer struct {
	rc *dispatch.RetrievalContext
}

func (f fakeGatherer) Gather(context.Context, string, string) *dispatch.RetrievalContext {
	return f.rc
}

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

type harness struct {
	engine *Engine
	docs   *store.Documents
	sub    *fakeSubmitter
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	s, err := store.NewStoreWithDB(openDB(t))
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{docs: store.NewDocuments(s), sub: &fakeSubmitter{}}
	opts.Documents = h.docs
	if opts.Dispatcher == nil {
		opts.Dispatcher = h.sub
	}
	opts.Logger = discardLogger()
	h.engine, err = New(opts)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func aria() *card.Persona {
	return &card.Persona{Name: "Aria", FirstMessage: "Hi, I'm Aria."}
}

func intp(n int) *int    { return &n }
func boolp(b bool) *bool { return &b }

func (h *harness) create(t *testing.T, id string) {
	t.Helper()
	if _, err := h.engine.CreateSession(context.Background(), id, aria()); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
}

type textKind struct {
	Role chat.Role
	Text string
	Kind chat.Kind
}

func summarize(msgs []chat.Message) []textKind {
	out := make([]textKind, len(msgs))
	for i, m := range msgs {
		out[i] = textKind{m.Role, m.Text, m.Kind}
	}
	return out
}

func TestTurn_EndToEnd(t *testing.T) {
	h := newHarness(t, Options{UserName: "Sam"})
	ctx := context.Background()
	h.create(t, "s1")
	h.docs.Save(ctx, "s1", store.KindLoreBook, &card.LoreBook{Entries: map[string]card.LoreEntry{
		"cheer": {Content: "Aria is cheerful.", Constant: boolp(true), Depth: intp(0)},
	}})
	h.sub.reply = func([]chat.Message) (string, error) { return "I love stargazing.", nil }

	res, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: "Tell me about yourself"})
	if err != nil {
		t.Fatalf("Turn() error: %v", err)
	}
	if res.Reply != "I love stargazing." || !strings.HasPrefix(res.RequestID, "t_") {
		t.Errorf("result = %+v", res)
	}

	sent := h.sub.sent[0]
	if !strings.Contains(sent[0].Text, "Write Aria's next reply") || !strings.Contains(sent[0].Text, "between Aria and Sam") {
		t.Errorf("main prompt not substituted: %q", sent[0].Text)
	}
	tail := summarize(sent[len(sent)-3:])
	want := []textKind{
		{chat.RoleModel, "Hi, I'm Aria.", chat.KindOpening},
		{chat.RoleUser, "Tell me about yourself", chat.KindTurn},
		{chat.RoleUser, "Aria is cheerful.", chat.KindDynamic},
	}
	if diff := cmp.Diff(want, tail); diff != "" {
		t.Errorf("woven tail mismatch (-want +got):\n%s", diff)
	}

	hist, err := h.engine.History(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	wantHist := []textKind{
		{chat.RoleModel, "Hi, I'm Aria.", chat.KindOpening},
		{chat.RoleUser, "Tell me about yourself", chat.KindTurn},
		{chat.RoleModel, "I love stargazing.", chat.KindTurn},
	}
	if diff := cmp.Diff(wantHist, summarize(hist.Messages)); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}

	if fw, _ := h.docs.Framework(ctx, "s1"); fw == nil {
		t.Error("framework was not cached")
	}
}

func TestTurn_DispatchFailurePersistsNothing(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.create(t, "s1")
	boom := errors.New("all backends down")
	h.sub.reply = func([]chat.Message) (string, error) { return "", boom }

	if _, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: "hello"}); !errors.Is(err, boom) {
		t.Fatalf("Turn() error = %v, want wrapped %v", err, boom)
	}
	reply, ok := h.engine.ContinueChat(ctx, "s1", "hello")
	if ok || reply != "" {
		t.Errorf("ContinueChat() = %q, %v; want \"\", false", reply, ok)
	}

	hist, _ := h.engine.History(ctx, "s1")
	if len(hist.Messages) != 1 {
		t.Errorf("history mutated after failed turns: %+v", hist.Messages)
	}
}

func TestTurn_MissingDocuments(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.engine.Turn(context.Background(), TurnRequest{SessionID: "ghost", Text: "hi"})
	var me *store.MissingError
	if !errors.As(err, &me) {
		t.Fatalf("expected *store.MissingError, got %v", err)
	}
	if diff := cmp.Diff([]store.Kind{store.KindPersona, store.KindHistory}, me.Kinds); diff != "" {
		t.Errorf("missing kinds mismatch (-want +got):\n%s", diff)
	}
	if len(h.sub.sent) != 0 {
		t.Error("dispatch called for a session with missing documents")
	}
}

func TestTurn_EmptyText(t *testing.T) {
	h := newHarness(t, Options{})
	if _, err := h.engine.Turn(context.Background(), TurnRequest{SessionID: "s1", Text: "  "}); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Turn() error = %v, want ErrEmptyText", err)
	}
}

func TestTurn_RetrievalAndMemory(t *testing.T) {
	mem, err := recall.NewStoreWithDB(openDB(t))
	if err != nil {
		t.Fatal(err)
	}
	rc := &dispatch.RetrievalContext{Web: "1. Stars <https://stars>"}
	h := newHarness(t, Options{Retriever: fakeGatherer{rc: rc}, Memory: mem, UserName: "Sam"})
	ctx := context.Background()
	h.create(t, "s1")

	res, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: "What about the stars?"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Retrieval || h.sub.rcs[0] != rc {
		t.Errorf("retrieval context not passed through: %+v", h.sub.rcs)
	}

	got, err := mem.Search(ctx, "s1", "stars", 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("memory Search() = %+v, %v", got, err)
	}
	if want := "Sam: What about the stars?\nAria: reply"; got[0].Content != want {
		t.Errorf("remembered %q, want %q", got[0].Content, want)
	}
}

type fakeRecorder struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (f *fakeRecorder) Record(_ context.Context, rec usage.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
	return nil
}

func TestTurn_RecordsUsage(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, Options{Usage: rec})
	ctx := context.Background()
	h.create(t, "s1")

	res, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	h.sub.reply = func([]chat.Message) (string, error) { return "", errors.New("down") }
	if _, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: "again"}); err == nil {
		t.Fatal("expected dispatch failure")
	}

	if len(rec.recs) != 2 {
		t.Fatalf("recorded %d turns, want 2", len(rec.recs))
	}
	ok, failed := rec.recs[0], rec.recs[1]
	if ok.Outcome != usage.OutcomeOK || ok.RequestID != res.RequestID || ok.ReplyChars != len("reply") {
		t.Errorf("successful turn recorded as %+v", ok)
	}
	if ok.PromptMessages != len(res.Sent) || ok.PromptChars == 0 || ok.Timestamp.IsZero() {
		t.Errorf("prompt size not recorded: %+v", ok)
	}
	if failed.Outcome != usage.OutcomeFailed || failed.SessionID != "s1" || failed.ReplyChars != 0 {
		t.Errorf("failed turn recorded as %+v", failed)
	}
}

func TestTurn_RequestID(t *testing.T) {
	rec := &fakeRecorder{}
	h := newHarness(t, Options{Usage: rec})
	ctx := context.Background()
	h.create(t, "s1")
	h.sub.reply = func(msgs []chat.Message) (string, error) {
		return "re: " + msgs[len(msgs)-1].Text, nil
	}

	res, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: "one", RequestID: "req-42"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RequestID != "req-42" || rec.recs[0].RequestID != "req-42" {
		t.Errorf("supplied id not carried: result %q, ledger %q", res.RequestID, rec.recs[0].RequestID)
	}

	seen := map[string]bool{}
	for _, text := range []string{"two", "three", "four"} {
		res, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: text})
		if err != nil {
			t.Fatal(err)
		}
		id := res.RequestID
		if !strings.HasPrefix(id, "t_") || len(id) != 14 {
			t.Errorf("generated id %q, want t_ and 12 hex digits", id)
		}
		for _, c := range id[2:] {
			if !strings.ContainsRune("0123456789abcdef", c) {
				t.Errorf("generated id %q has non-hex %q", id, c)
			}
		}
		if seen[id] {
			t.Errorf("duplicate generated id %q", id)
		}
		seen[id] = true
	}
	if last := rec.recs[len(rec.recs)-1]; !seen[last.RequestID] {
		t.Errorf("ledger id %q does not match any turn result", last.RequestID)
	}
}

func TestTurn_RetriedTextIsNotDuplicated(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.create(t, "s1")

	hist, _ := h.docs.History(ctx, "s1")
	hist.Messages = append(hist.Messages, chat.Message{Role: chat.RoleUser, Text: "again", Kind: chat.KindTurn})
	h.docs.Save(ctx, "s1", store.KindHistory, hist)

	if _, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: "again"}); err != nil {
		t.Fatal(err)
	}
	hist, _ = h.engine.History(ctx, "s1")
	if len(hist.Messages) != 3 {
		t.Errorf("history = %+v, want opening, one user turn, reply", summarize(hist.Messages))
	}
}

func TestTurn_SerializedPerSession(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.create(t, "s1")
	replies := 0
	h.sub.reply = func([]chat.Message) (string, error) {
		replies++
		return fmt.Sprintf("reply %d", replies), nil
	}

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := h.engine.Turn(ctx, TurnRequest{SessionID: "s1", Text: fmt.Sprintf("msg %d", i)}); err != nil {
				t.Errorf("Turn(%d): %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	hist, _ := h.engine.History(ctx, "s1")
	if len(hist.Messages) != 1+n*2 {
		t.Errorf("history has %d messages, want %d", len(hist.Messages), 1+n*2)
	}
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	id, err := h.engine.CreateSession(ctx, "", aria())
	if err != nil || id == "" {
		t.Fatalf("CreateSession() = %q, %v", id, err)
	}
	if _, err := h.engine.CreateSession(ctx, id, aria()); !errors.Is(err, ErrSessionExists) {
		t.Errorf("second CreateSession() error = %v, want ErrSessionExists", err)
	}
	var fe *card.FieldError
	if _, err := h.engine.CreateSession(ctx, "x", &card.Persona{}); !errors.As(err, &fe) {
		t.Errorf("nameless persona error = %v, want FieldError", err)
	}

	hist, err := h.engine.History(ctx, id)
	if err != nil || len(hist.Messages) != 1 || !hist.Messages[0].IsFirstMessage() {
		t.Errorf("seeded history = %+v, %v", hist, err)
	}
}

func TestReset(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.create(t, "s1")
	for _, text := range []string{"one", "two"} {
		if _, ok := h.engine.ContinueChat(ctx, "s1", text); !ok {
			t.Fatalf("ContinueChat(%q) failed", text)
		}
	}

	got, err := h.engine.Reset(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	want := []textKind{{chat.RoleModel, "Hi, I'm Aria.", chat.KindOpening}}
	if diff := cmp.Diff(want, summarize(got.Messages)); diff != "" {
		t.Errorf("reset history mismatch (-want +got):\n%s", diff)
	}
	stored, _ := h.engine.History(ctx, "s1")
	if len(stored.Messages) != 1 {
		t.Errorf("stored history after reset = %+v", stored.Messages)
	}
}

func TestPreview(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.create(t, "s1")

	msgs, err := h.engine.Preview(ctx, "s1", "peek")
	if err != nil {
		t.Fatal(err)
	}
	if last := msgs[len(msgs)-1]; last.Text != "peek" {
		t.Errorf("last previewed message = %+v", last)
	}
	if len(h.sub.sent) != 0 {
		t.Error("Preview dispatched a request")
	}
	hist, _ := h.engine.History(ctx, "s1")
	if len(hist.Messages) != 1 {
		t.Error("Preview persisted history")
	}
	if fw, _ := h.docs.Framework(ctx, "s1"); fw != nil {
		t.Error("Preview cached the compiled framework")
	}
}

func TestImport(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.create(t, "s1")
	if _, ok := h.engine.ContinueChat(ctx, "s1", "hi"); !ok {
		t.Fatal("turn failed")
	}
	if fw, _ := h.docs.Framework(ctx, "s1"); fw == nil {
		t.Fatal("framework not cached")
	}

	yamlPersona := []byte("name: Aria\ndescription: A star guide.\n")
	if err := h.engine.Import(ctx, "s1", store.KindPersona, yamlPersona, "yaml"); err != nil {
		t.Fatalf("Import(persona) error: %v", err)
	}
	if fw, _ := h.docs.Framework(ctx, "s1"); fw != nil {
		t.Error("framework survived persona import")
	}

	note := []byte(`{
		// steering
		"content": "Keep replies short.",
		"depth": 1,
	}`)
	if err := h.engine.Import(ctx, "s1", store.KindAuthorNote, note, "json"); err != nil {
		t.Fatalf("Import(authorNote) error: %v", err)
	}
	if n, _ := h.docs.AuthorNote(ctx, "s1"); n == nil || n.Content != "Keep replies short." {
		t.Errorf("author note = %+v", n)
	}

	hist := []byte(`{"identifier":"chatHistory","messages":[
		{"role":"model","text":"Hi.","kind":"opening"},
		{"role":"user","text":"lore","kind":"dynamic"}]}`)
	if err := h.engine.Import(ctx, "s1", store.KindHistory, hist, "json"); err != nil {
		t.Fatalf("Import(history) error: %v", err)
	}
	got, _ := h.engine.History(ctx, "s1")
	if len(got.Messages) != 1 || got.Messages[0].Text != "Hi." {
		t.Errorf("imported history kept dynamic entries: %+v", got.Messages)
	}

	if err := h.engine.Import(ctx, "s1", store.KindPersona, []byte(`{}`), "json"); err == nil {
		t.Error("expected validation error for nameless persona")
	}
	if err := h.engine.Import(ctx, "s1", store.KindFramework, []byte(`{}`), "json"); err == nil {
		t.Error("expected error importing a framework")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Dispatcher: &fakeSubmitter{}}); err == nil {
		t.Error("expected error without documents")
	}
	s, _ := store.NewStoreWithDB(openDB(t))
	if _, err := New(Options{Documents: store.NewDocuments(s)}); err == nil {
		t.Error("expected error without dispatcher")
	}
}
