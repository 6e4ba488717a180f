// Package signals implements the inbound completion channel: a worker (or
// anything acting on its behalf) reports success by dropping a file named
// <session-handle>.done into the signals directory. The watcher forwards
// each report to the dispatcher, which treats it as authoritative.
package signals

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Completer receives completion reports. Implemented by the dispatcher.
type Completer interface {
	ReportComplete(handle string)
}

// Watcher watches the signals directory for completion markers.
type Watcher struct {
	dir       string
	watcher   *fsnotify.Watcher
	completer Completer
}

// DefaultDir returns the signals directory under the project's .drover
// directory.
func DefaultDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".drover", "signals")
}

// NewWatcher creates a watcher on dir, creating the directory if needed.
func NewWatcher(dir string, completer Completer) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch signals directory: %w", err)
	}

	return &Watcher{
		dir:       dir,
		watcher:   fw,
		completer: completer,
	}, nil
}

// Run processes completion markers until ctx is canceled. Markers that were
// dropped while the coordinator was down are picked up by an initial scan.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	w.scanExisting()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.handleMarker(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[signals] watcher error: %v", err)
		}
	}
}

// scanExisting reports markers already present at startup.
func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("[signals] scan signals directory: %v", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.handleMarker(filepath.Join(w.dir, e.Name()))
		}
	}
}

// handleMarker extracts the session handle from a marker file, forwards the
// report, and removes the marker.
func (w *Watcher) handleMarker(path string) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".done") {
		return
	}
	handle := strings.TrimSuffix(base, ".done")
	if handle == "" {
		return
	}

	log.Printf("[signals] completion report for session %s", handle)
	w.completer.ReportComplete(handle)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[signals] remove marker %s: %v", path, err)
	}
}
