package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/loom/internal/defaults"
)

// runInit lays out a Loom working directory: a data directory, an
// example config and an example persona. Existing files are left alone.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Loom workspace in %s\n", dir)

	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	// The config usually carries API keys.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	if err := writeIfMissing(w, filepath.Join(dir, "persona.yaml"), defaults.PersonaYAML, 0o644); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, then create a session:")
	fmt.Fprintln(w, "  loom create my-session persona.yaml")
	return nil
}

// writeIfMissing writes content to path unless the file already exists.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
