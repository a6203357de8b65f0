package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDelay = 100 * time.Millisecond

// DefaultDocument is written by EnsureExists when no catalog exists yet.
const DefaultDocument = `{
  "servers": {},
  "settings": {
    "default_port": 8888,
    "proxy_port": 1080
  }
}
`

// File is a path-backed catalog with atomic saves and change watching.
type File struct {
	mu          sync.Mutex
	path        string
	current     *Catalog
	lastWritten []byte
	onChange    func(*Catalog)
	watcher     *fsnotify.Watcher
	reloadTimer *time.Timer
	logger      *zap.Logger
	stopChan    chan struct{}
	stopOnce    sync.Once
}

// NewFile creates a store for the catalog at path. Nothing is read until Load.
func NewFile(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{
		path:     path,
		logger:   logger.Named("catalog"),
		stopChan: make(chan struct{}),
	}
}

// Path returns the document location.
func (f *File) Path() string { return f.path }

// Load reads and parses the document.
func (f *File) Load() (*Catalog, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", f.path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}

	for _, s := range c.Skipped() {
		f.logger.Warn("Skipping malformed server entry",
			zap.String("server", s.ID),
			zap.String("reason", s.Reason))
	}

	f.mu.Lock()
	f.current = c
	f.mu.Unlock()
	return c, nil
}

// Current returns the last successfully loaded catalog, or nil.
func (f *File) Current() *Catalog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// EnsureExists writes DefaultDocument when the file is missing. It reports
// whether the file was created.
func (f *File) EnsureExists() (bool, error) {
	if _, err := os.Stat(f.path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("failed to stat catalog: %w", err)
	}

	if err := f.writeAtomic([]byte(DefaultDocument)); err != nil {
		return false, err
	}
	f.logger.Info("Created default server catalog", zap.String("path", f.path))
	return true, nil
}

// Save replaces the servers of the document with endpoints, keeping all
// other top-level keys. The write goes through a temp file and a rename.
func (f *File) Save(endpoints []Endpoint) error {
	prev, err := os.ReadFile(f.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	data, err := Marshal(prev, endpoints)
	if err != nil {
		return err
	}
	if err := f.writeAtomic(data); err != nil {
		return err
	}

	c, err := Parse(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.current = c
	f.mu.Unlock()

	f.logger.Info("Server catalog saved",
		zap.String("path", f.path),
		zap.Int("servers", c.Len()))
	return nil
}

// Update loads the current endpoints, applies fn and saves the result.
func (f *File) Update(fn func([]Endpoint) ([]Endpoint, error)) error {
	c, err := f.Load()
	if err != nil {
		return err
	}
	updated, err := fn(c.Endpoints())
	if err != nil {
		return fmt.Errorf("update function failed: %w", err)
	}
	return f.Save(updated)
}

func (f *File) writeAtomic(data []byte) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Recorded before the rename so the watcher can recognise our own write.
	f.mu.Lock()
	previous := f.lastWritten
	f.lastWritten = data
	f.mu.Unlock()

	if err := os.Rename(tmpPath, f.path); err != nil {
		f.mu.Lock()
		f.lastWritten = previous
		f.mu.Unlock()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename catalog file: %w", err)
	}
	return nil
}

// Watch reloads the catalog when the file is changed by someone else and
// passes the new catalog to onChange. Unparsable edits are logged and the
// previous catalog stays current.
func (f *File) Watch(onChange func(*Catalog)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// The directory is watched because atomic saves replace the file.
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch catalog directory: %w", err)
	}

	f.mu.Lock()
	f.watcher = watcher
	f.onChange = onChange
	f.mu.Unlock()

	go f.watchLoop(watcher)

	f.logger.Info("Started watching server catalog", zap.String("path", f.path))
	return nil
}

func (f *File) watchLoop(watcher *fsnotify.Watcher) {
	target := filepath.Clean(f.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				f.scheduleReload()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("File watcher error", zap.Error(err))

		case <-f.stopChan:
			return
		}
	}
}

// scheduleReload coalesces bursts of events from editors that write in steps.
func (f *File) scheduleReload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reloadTimer != nil {
		f.reloadTimer.Reset(reloadDelay)
		return
	}
	f.reloadTimer = time.AfterFunc(reloadDelay, f.handleFileChange)
}

func (f *File) handleFileChange() {
	select {
	case <-f.stopChan:
		return
	default:
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		f.logger.Debug("Catalog not readable after change", zap.Error(err))
		return
	}

	f.mu.Lock()
	own := f.lastWritten != nil && bytes.Equal(data, f.lastWritten)
	f.mu.Unlock()
	if own {
		f.logger.Debug("Skipping catalog reload (own write)")
		return
	}

	f.logger.Info("Server catalog changed, reloading...")
	c, err := Parse(data)
	if err != nil {
		f.logger.Error("Failed to reload server catalog",
			zap.String("path", f.path),
			zap.Error(err))
		return
	}

	f.mu.Lock()
	f.current = c
	f.lastWritten = data
	onChange := f.onChange
	f.mu.Unlock()

	if onChange != nil {
		onChange(c)
	}
	f.logger.Info("Server catalog reloaded", zap.Int("servers", c.Len()))
}

// Stop ends watching. It is safe to call more than once.
func (f *File) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		close(f.stopChan)

		f.mu.Lock()
		watcher := f.watcher
		if f.reloadTimer != nil {
			f.reloadTimer.Stop()
		}
		f.mu.Unlock()

		if watcher != nil {
			if cerr := watcher.Close(); cerr != nil {
				err = fmt.Errorf("failed to close watcher: %w", cerr)
				return
			}
			f.logger.Info("Stopped watching server catalog")
		}
	})
	return err
}
