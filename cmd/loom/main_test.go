package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nugget/loom/internal/dispatch"
)

// workspace writes a config pointing at a fresh data directory and
// returns its path. extra is appended verbatim.
func workspace(t *testing.T, extra string) (dir, cfgPath string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("data_dir: %s\nlog_level: error\nuser_name: Sam\n%s", filepath.Join(dir, "data"), extra)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "aria.yaml"),
		[]byte("name: Aria\nfirst_message: Hi, I'm Aria.\ndescription: '{{char}} loves stars.'\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir, cfgPath
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out, "Usage: loom") {
			t.Errorf("run(%v) output missing usage: %q", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x", "version"}, "unknown flag"},
		{"bad output", []string{"-o", "xml", "version"}, "unknown output format"},
		{"create usage", []string{"create", "s1"}, "usage: loom create"},
		{"chat usage", []string{"chat", "s1"}, "usage: loom chat"},
		{"import usage", []string{"import", "s1", "persona"}, "usage: loom import"},
		{"missing config", []string{"-config", "/nonexistent/loom.yaml", "sessions"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("text version output = %q", out)
	}

	out, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json version output %q: %v", out, err)
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

func TestRun_OfflineSessionCommands(t *testing.T) {
	dir, cfg := workspace(t, "")

	out, err := runCmd(t, "-config", cfg, "create", "s1", filepath.Join(dir, "aria.yaml"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if strings.TrimSpace(out) != "s1" {
		t.Errorf("create output = %q", out)
	}
	if _, err := runCmd(t, "-config", cfg, "create", "s1", filepath.Join(dir, "aria.yaml")); err == nil {
		t.Error("creating an existing session should fail")
	}

	note := filepath.Join(dir, "note.json")
	os.WriteFile(note, []byte(`{"content": "Keep it short.", /* jsonc */ "depth": 1,}`), 0o644)
	if _, err := runCmd(t, "-config", cfg, "import", "s1", "authorNote", note); err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := runCmd(t, "-config", cfg, "import", "s1", "framework", note); err == nil {
		t.Error("importing a framework should fail")
	}

	out, err = runCmd(t, "-config", cfg, "preview", "s1", "hello", "there")
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	for _, want := range []string{"Aria loves stars.", "Keep it short.", "[user] hello there"} {
		if !strings.Contains(out, want) {
			t.Errorf("preview missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, "-config", cfg, "history", "s1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "Hi, I'm Aria.") {
		t.Errorf("history = %q", out)
	}

	out, err = runCmd(t, "-config", cfg, "-o", "json", "sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	var sessions []map[string]any
	if err := json.Unmarshal([]byte(out), &sessions); err != nil {
		t.Fatalf("sessions output %q: %v", out, err)
	}
	if len(sessions) != 1 || sessions[0]["id"] != "s1" {
		t.Errorf("sessions = %v", sessions)
	}
}

func TestRun_ChatRequiresBackend(t *testing.T) {
	dir, cfg := workspace(t, "")
	if _, err := runCmd(t, "-config", cfg, "create", "s1", filepath.Join(dir, "aria.yaml")); err != nil {
		t.Fatal(err)
	}
	_, err := runCmd(t, "-config", cfg, "chat", "s1", "hi")
	if err == nil || !strings.Contains(err.Error(), dispatch.ErrNoBackend.Error()) {
		t.Errorf("chat = %v, want no backend error", err)
	}
}

func TestRun_ChatThroughRelay(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role string `json:"role"`
				Text string `json:"text"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		for _, m := range req.Messages {
			seen = append(seen, m.Text)
		}
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"reply":"Look, a comet!"}`)
	}))
	defer relay.Close()

	dir, cfg := workspace(t, fmt.Sprintf("dispatch:\n  relay:\n    url: %s\n", relay.URL))
	if _, err := runCmd(t, "-config", cfg, "create", "s1", filepath.Join(dir, "aria.yaml")); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "-config", cfg, "chat", "s1", "what", "is", "that?")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if strings.TrimSpace(out) != "Look, a comet!" {
		t.Errorf("chat output = %q", out)
	}

	mu.Lock()
	joined := strings.Join(seen, "\n")
	mu.Unlock()
	if !strings.Contains(joined, "what is that?") {
		t.Errorf("relay did not receive the user text: %q", joined)
	}

	out, err = runCmd(t, "-config", cfg, "history", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "[model] Look, a comet!") {
		t.Errorf("reply not saved to history:\n%s", out)
	}

	out, err = runCmd(t, "-config", cfg, "-o", "json", "usage", "s1")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	var sum struct {
		Turns  int `json:"turns"`
		Failed int `json:"failed"`
	}
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("usage output %q: %v", out, err)
	}
	if sum.Turns != 1 || sum.Failed != 0 {
		t.Errorf("usage = %+v, want one successful turn", sum)
	}

	out, err = runCmd(t, "-config", cfg, "reset", "s1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(strings.TrimSpace(out), "\n") != 0 {
		t.Errorf("reset should leave only the opening line:\n%s", out)
	}
}
