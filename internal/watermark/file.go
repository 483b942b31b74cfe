package watermark

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/rindexer-go/rindexer/internal/model"
)

// FileStore persists watermarks as
// <contract>-<network>-<event>.txt under BaseDir, rewrite-then-rename,
// per spec.md §4.6 option 2.
type FileStore struct {
	BaseDir string
	mu      sync.Mutex
}

func (s *FileStore) path(key model.WatermarkKey) string {
	return filepath.Join(s.BaseDir, fmt.Sprintf("%s-%s-%s.txt", key.Contract, key.Network, key.Event))
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, key model.WatermarkKey) (uint64, bool, error) {
	raw, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read watermark file: %w", err)
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse watermark file %s: %w", s.path(key), err)
	}
	return v, v != 0, nil
}

// Advance implements Store with a rewrite-then-rename write, applying
// new > current.
func (s *FileStore) Advance(_ context.Context, key model.WatermarkKey, newBlock uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.Get(context.Background(), key)
	if err != nil {
		return err
	}
	if ok && newBlock <= cur {
		return nil
	}

	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir for watermark file: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(newBlock, 10)), 0o644); err != nil {
		return fmt.Errorf("write watermark tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename watermark file: %w", err)
	}
	return nil
}
