package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, "data")); err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	tests := []struct {
		name string
		perm os.FileMode
	}{
		{"config.yaml", 0o600},
		{"persona.yaml", 0o644},
	}
	for _, tt := range tests {
		info, err := os.Stat(filepath.Join(dir, tt.name))
		if err != nil {
			t.Errorf("%s not created: %v", tt.name, err)
			continue
		}
		if got := info.Mode().Perm(); got != tt.perm {
			t.Errorf("%s permissions = %o, want %o", tt.name, got, tt.perm)
		}
		if !strings.Contains(buf.String(), tt.name) {
			t.Errorf("output missing %s", tt.name)
		}
	}
}

func TestRunInit_SkipsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	sentinel := []byte("# keep me\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Errorf("output = %q, want skip marker", buf.String())
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml was overwritten: %q", got)
	}
}

func TestWriteIfMissing(t *testing.T) {
	clearUmask(t)
	tests := []struct {
		name       string
		preExist   bool
		mode       os.FileMode
		wantMarker string
	}{
		{"creates new file with 0600", false, 0o600, "✓"},
		{"creates new file with 0644", false, 0o644, "✓"},
		{"skips existing file", true, 0o644, "exists, skipping"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "testfile")
			if tt.preExist {
				if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
					t.Fatal(err)
				}
			}

			var buf bytes.Buffer
			if err := writeIfMissing(&buf, path, []byte("hello"), tt.mode); err != nil {
				t.Fatalf("writeIfMissing: %v", err)
			}
			if !strings.Contains(buf.String(), tt.wantMarker) {
				t.Errorf("output = %q, want marker %q", buf.String(), tt.wantMarker)
			}

			got, _ := os.ReadFile(path)
			if tt.preExist {
				if string(got) != "original" {
					t.Errorf("pre-existing file was overwritten: %q", got)
				}
				return
			}
			if string(got) != "hello" {
				t.Errorf("content = %q", got)
			}
			info, _ := os.Stat(path)
			if info.Mode().Perm() != tt.mode {
				t.Errorf("mode = %o, want %o", info.Mode().Perm(), tt.mode)
			}
		})
	}
}
