package staging

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend is a MemoryBackend whose state is rewritten to a JSON file after
// every mutation, so staged batches survive restarts in local deployments.
type FileBackend struct {
	*MemoryBackend
	path string
}

func NewFileBackend(path string) (*FileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &FileBackend{
		MemoryBackend: NewMemoryBackend(),
		path:          path,
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	b.MemoryBackend.persist = b.save
	return b, nil
}

func (b *FileBackend) Path() string {
	return b.path
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	state := newMemoryState()
	if err := json.Unmarshal(data, state); err != nil {
		return Error.New("decode %s: %v", b.path, err)
	}
	state.ensure()
	b.MemoryBackend.mu.Lock()
	b.MemoryBackend.state = state
	b.MemoryBackend.mu.Unlock()
	return nil
}

func (b *FileBackend) save(state *memoryState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}
