package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileTokenPersister keeps the token in a file readable only by the user
type FileTokenPersister struct {
	path string
}

func NewFileTokenPersister(path string) *FileTokenPersister {
	return &FileTokenPersister{path: path}
}

func (p *FileTokenPersister) Load() (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (p *FileTokenPersister) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	if err := os.WriteFile(p.path, []byte(token), 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}

func (p *FileTokenPersister) Remove() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
