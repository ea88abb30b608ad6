package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/engram/internal/defaults"
	"github.com/nugget/engram/internal/memory"
)

// runInit initializes an engram home directory. It creates the layout,
// writes the example config, and seeds an empty memories file. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing engram home in %s\n", dir)

	// Create the base directory and the data subdirectory for the
	// journal database and MQTT instance ID.
	for _, sub := range []string{"", "data"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// Write the config example if no config exists.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	// Seed an empty memories file so the layout is visible.
	memoriesPath := filepath.Join(dir, "memories.md")
	if err := writeIfMissing(memoriesPath, []byte(memory.FileHeader+"\n")); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", memoriesPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your model endpoint, then run:")
	fmt.Fprintf(w, "  ENGRAM_HOME=%s engram serve\n", dir)
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
