// Package live watches a spool directory for dropped .ndjson batch files and
// feeds them through the batch ingestion pipeline as they arrive.
package live

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lexfabric/commsledger/internal/ingest"
	"github.com/lexfabric/commsledger/internal/state"
)

// stateSource is the source_state namespace for the spool watcher itself.
const stateSource = "spool"

// Options configures the spool watcher.
type Options struct {
	SpoolDir string
	// Debounce delays ingestion after the last write event so half-written
	// files settle before parsing.
	Debounce time.Duration
	Logf     func(format string, args ...any)
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.Logf == nil {
		o.Logf = func(string, ...any) {}
	}
	return o
}

// Watch ingests every pending .ndjson file in the spool directory, then
// blocks watching for new drops until ctx is done. Processed files are
// renamed with a .done suffix and remembered in source_state.
func Watch(ctx context.Context, database *sql.DB, opts Options) error {
	opts = opts.withDefaults()
	if strings.TrimSpace(opts.SpoolDir) == "" {
		return fmt.Errorf("spool directory is required")
	}
	if err := os.MkdirAll(opts.SpoolDir, 0755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(opts.SpoolDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", opts.SpoolDir, err)
	}

	opts.Logf("Watching spool %s (debounce: %s)", opts.SpoolDir, opts.Debounce)

	sweep := func() {
		if err := SweepOnce(ctx, database, opts); err != nil {
			opts.Logf("spool sweep error: %v", err)
		}
	}

	// Pick up anything dropped while we were not running.
	sweep()

	var debounceTimer *time.Timer
	trigger := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(opts.Debounce, sweep)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.HasSuffix(event.Name, ".ndjson") && event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			opts.Logf("spool watch error: %v", err)
		}
	}
}

// SweepOnce ingests every unprocessed .ndjson file currently in the spool.
func SweepOnce(ctx context.Context, database *sql.DB, opts Options) error {
	opts = opts.withDefaults()
	entries, err := os.ReadDir(opts.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".ndjson") {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		path := filepath.Join(opts.SpoolDir, entry.Name())
		if done, _, err := state.Get(ctx, database, stateSource, "file:"+entry.Name()); err == nil && done == "done" {
			continue
		}

		reports, err := ingest.IngestFile(ctx, database, path)
		if err != nil {
			opts.Logf("spool ingest error (%s): %v", entry.Name(), err)
			continue
		}
		for _, r := range reports {
			opts.Logf("[%s] %s: %d recorded, %d duplicates, %d errors",
				time.Now().Format("15:04:05"), r.Source, r.Processed, r.Duplicates, r.Errors)
		}

		if err := state.Set(ctx, database, stateSource, "file:"+entry.Name(), "done"); err != nil {
			opts.Logf("spool state error (%s): %v", entry.Name(), err)
		}
		if err := os.Rename(path, path+".done"); err != nil {
			opts.Logf("spool rename error (%s): %v", entry.Name(), err)
		}
	}
	return nil
}
