// Package secretfile serves a secret read from a file and reloads it when the
// file is rewritten, renamed into place, or swapped through a symlink.
package secretfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var Error = errs.Class("secretfile")

type Watcher struct {
	path string
	log  *zap.Logger

	mu    sync.RWMutex
	value string
}

// New reads path once. The file must exist and contain a non-blank secret.
func New(path string, log *zap.Logger) (*Watcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w := &Watcher{path: filepath.Clean(path), log: log}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Value returns the current secret.
func (w *Watcher) Value() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.value
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return Error.Wrap(err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return Error.New("%s is empty", w.path)
	}
	w.mu.Lock()
	w.value = value
	w.mu.Unlock()
	return nil
}

// Run watches the secret's directory until ctx is done. A failed reload keeps
// the previous value.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = fsw.Close() }()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return Error.Wrap(err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if err := w.reload(); err != nil {
				w.log.Warn("secret reload failed, keeping previous value", zap.String("path", w.path), zap.Error(err))
				continue
			}
			w.log.Info("secret reloaded", zap.String("path", w.path))
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("secret watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(event.Name)
	if name == w.path {
		return true
	}
	// Kubernetes secret volumes swap a "..data" symlink rather than the file.
	return filepath.Base(name) == "..data"
}
