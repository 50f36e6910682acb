package connectivity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FlagFile reports offline while a flag file exists and online once it is
// removed. It lets an operator (or a network hook script) force the device
// offline with `touch <data-dir>/offline`.
//
// The parent directory is watched rather than the file itself so that
// creation after startup is observed.
type FlagFile struct {
	Path string
}

// NewFlagFile creates a flag-file source for path.
func NewFlagFile(path string) *FlagFile {
	return &FlagFile{Path: path}
}

// Name implements Source.
func (f *FlagFile) Name() string {
	return "flag"
}

// Present reports whether the flag file currently exists.
func (f *FlagFile) Present() bool {
	_, err := os.Stat(f.Path)
	return err == nil
}

// Run implements Source.
func (f *FlagFile) Run(ctx context.Context, report func(online bool)) error {
	if f.Path == "" {
		return fmt.Errorf("flag path cannot be empty")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create flag directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	absFlag, err := filepath.Abs(f.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve flag path: %w", err)
	}

	report(!f.Present())

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != absFlag {
				continue
			}
			// Ignore chmod and other events
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Re-check the filesystem; a rename event alone doesn't say
			// which side of the rename we are on.
			report(!f.Present())

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watcher error: %w", err)
		}
	}
}
