package artifact

import (
	"fmt"
	"os"
	"path/filepath"
)

// Store reads and writes artifacts below a root directory.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

// EnsureDirs creates the artifact subdirectories.
func (s *Store) EnsureDirs() error {
	for _, dir := range []string{StructureDir, DihedralDir, FailLogDir} {
		if err := os.MkdirAll(filepath.Join(s.Root, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s directory: %w", dir, err)
		}
	}
	return nil
}

// Abs resolves a relative artifact path against the root.
func (s *Store) Abs(rel string) string {
	return filepath.Join(s.Root, filepath.FromSlash(filepath.Clean(rel)))
}

// WriteFile writes data to rel, creating parent directories as needed.
func (s *Store) WriteFile(rel string, data []byte) error {
	abs := s.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	return os.WriteFile(abs, data, 0o644)
}

// Exists reports whether rel exists as a regular file.
func (s *Store) Exists(rel string) bool {
	info, err := os.Stat(s.Abs(rel))
	return err == nil && info.Mode().IsRegular()
}

// Open opens rel for reading.
func (s *Store) Open(rel string) (*os.File, error) {
	return os.Open(s.Abs(rel))
}
