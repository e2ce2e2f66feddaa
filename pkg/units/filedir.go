package units

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/opsdeck/opsdeck/pkg/observability"
	"gopkg.in/yaml.v3"
)

// FileDirectory serves units from a YAML roster file. The file is parsed once
// at startup and re-parsed whenever it changes on disk; reads are served from
// the in-memory snapshot.
type FileDirectory struct {
	path   string
	logger *observability.Logger

	mu    sync.RWMutex
	units []Unit

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type rosterFile struct {
	Units []Unit `yaml:"units"`
}

// NewFileDirectory loads the roster and starts watching it for changes.
func NewFileDirectory(path string, logger *observability.Logger) (*FileDirectory, error) {
	d := &FileDirectory{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}
	if err := d.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create roster watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch roster directory: %w", err)
	}
	d.watcher = watcher
	go d.watch()

	return d, nil
}

// ListUnits returns the current snapshot.
func (d *FileDirectory) ListUnits(ctx context.Context) ([]Unit, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Unit, len(d.units))
	copy(out, d.units)
	return out, nil
}

// Close stops the file watcher.
func (d *FileDirectory) Close() error {
	close(d.done)
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *FileDirectory) reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read unit roster %s: %w", d.path, err)
	}
	var roster rosterFile
	if err := yaml.Unmarshal(raw, &roster); err != nil {
		return fmt.Errorf("failed to parse unit roster %s: %w", d.path, err)
	}

	d.mu.Lock()
	d.units = roster.Units
	d.mu.Unlock()
	return nil
}

func (d *FileDirectory) watch() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := d.reload(); err != nil {
				// Keep serving the last good snapshot.
				d.logger.WithError(err).Warn("unit roster reload failed")
				continue
			}
			d.logger.Infof("unit roster reloaded from %s", d.path)
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.WithError(err).Warn("unit roster watcher error")
		}
	}
}
