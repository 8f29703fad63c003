package clientstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore persists the checkpoint as a JSON file. A filesystem watcher
// reloads the cached checkpoint when another process rewrites the file, so a
// resume attempt always uses the freshest checkpoint on disk.
type FileStore struct {
	path string
	log  *slog.Logger

	mu  sync.Mutex
	cp  Checkpoint
	set bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

var _ StateStore = (*FileStore)(nil)

// NewFileStore opens (or prepares to create) the checkpoint file at path and
// starts watching its directory for external updates. Callers must Close the
// store when done with it.
func NewFileStore(path string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	s := &FileStore{path: abs, log: log, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}

	// Watch the parent directory rather than the file itself: atomic saves
	// replace the file by rename, which would drop a watch on the inode.
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

func (s *FileStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != s.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn("clientstate.reload.failed", slog.String("path", s.path), slog.String("err", err.Error()))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("clientstate.watch.error", slog.String("err", err.Error()))
		}
	}
}

// reload refreshes the cached checkpoint from disk. A missing file clears the
// cache; a corrupt file is an error and leaves the cache untouched.
func (s *FileStore) reload() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.mu.Lock()
		s.cp, s.set = Checkpoint{}, false
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	s.mu.Lock()
	s.cp, s.set = cp, cp.SessionID != ""
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Load(ctx context.Context) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return s.cp, nil
}

func (s *FileStore) Save(ctx context.Context, cp Checkpoint) error {
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	// Write-then-rename keeps a concurrent reader from seeing a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	s.mu.Lock()
	s.cp, s.set = cp, cp.SessionID != ""
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Clear(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	s.mu.Lock()
	s.cp, s.set = Checkpoint{}, false
	s.mu.Unlock()
	return nil
}

// Close stops the filesystem watcher. The store remains usable for Load and
// Save afterwards, but external updates are no longer observed.
func (s *FileStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
