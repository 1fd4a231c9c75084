package sources

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed sources.yaml
var embeddedYAML []byte

// debounceWindow coalesces the burst of write events editors emit when
// saving a file.
const debounceWindow = 100 * time.Millisecond

// Manager serves the active profile set. Reads go through an
// atomic.Value so lookups never contend with reloads.
type Manager struct {
	current atomic.Value // *File

	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewManager loads the compiled-in defaults and, when path names an
// existing file, merges its profiles over them. A missing file is not an
// error; the defaults simply stand.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:   path,
		stopCh: make(chan struct{}),
	}

	base, err := parse(embeddedYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing embedded sources: %w", err)
	}

	merged, err := m.mergeExternal(base)
	if err != nil {
		return nil, err
	}
	m.current.Store(merged)

	log.Info().
		Int("sources", len(merged.Sources)).
		Str("override", path).
		Msg("Source profiles loaded")

	return m, nil
}

// Profile returns the profile for a source and whether it exists.
func (m *Manager) Profile(name string) (Profile, bool) {
	f := m.current.Load().(*File)
	p, ok := f.Sources[name]
	return p, ok
}

// All returns every active profile keyed by source name.
func (m *Manager) All() map[string]Profile {
	f := m.current.Load().(*File)
	out := make(map[string]Profile, len(f.Sources))
	for name, p := range f.Sources {
		out[name] = p
	}
	return out
}

// Reload re-reads the override file and swaps in the merged result. A
// broken override keeps the previous set active.
func (m *Manager) Reload() error {
	base, err := parse(embeddedYAML)
	if err != nil {
		return err
	}
	merged, err := m.mergeExternal(base)
	if err != nil {
		return err
	}
	m.current.Store(merged)
	log.Info().
		Int("sources", len(merged.Sources)).
		Msg("Source profiles reloaded")
	return nil
}

// Watch starts hot-reloading the override file until Stop is called.
// No-op when no override path was given.
func (m *Manager) Watch() error {
	if m.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	m.watcher = w

	// Watch the directory, not the file: editors replace files on save
	// and a watch on the old inode goes stale.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(m.path), err)
	}

	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	var timer *time.Timer
	target := filepath.Clean(m.path)

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				if err := m.Reload(); err != nil {
					log.Error().Err(err).Msg("Failed to reload source profiles, keeping previous set")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Source profile watcher error")

		case <-m.stopCh:
			return
		}
	}
}

// Stop ends the watch loop and closes the watcher. Idempotent enough for
// a deferred call at shutdown.
func (m *Manager) Stop() {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	if m.watcher != nil {
		m.watcher.Close()
	}
}

// mergeExternal overlays the override file's profiles on top of base.
func (m *Manager) mergeExternal(base *File) (*File, error) {
	if m.path == "" {
		return base, nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return nil, fmt.Errorf("reading %s: %w", m.path, err)
	}

	override, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", m.path, err)
	}

	merged := &File{Sources: make(map[string]Profile, len(base.Sources))}
	for name, p := range base.Sources {
		merged.Sources[name] = p
	}
	for name, p := range override.Sources {
		merged.Sources[name] = p
	}
	return merged, nil
}

func parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
