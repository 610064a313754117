package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/nkiryanov/mixcore/internal/storage"
)

// File storage keeps all values in one JSON object on disk
// Every write replaces the file with temp file + rename, so readers never see a partial state
type Storage struct {
	path string
	mu   sync.Mutex
}

func New(path string) (*Storage, error) {
	if path == "" {
		return nil, errors.New("storage file path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("error while creating storage dir. Err: %w", err)
	}
	return &Storage{path: path}, nil
}

func (s *Storage) Get(ctx context.Context, key string) (string, error) {
	values, err := s.GetMany(ctx, key)
	if err != nil {
		return "", err
	}
	v, ok := values[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *Storage) GetMany(_ context.Context, keys ...string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (s *Storage) SetMany(_ context.Context, values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	for k, v := range values {
		all[k] = v
	}
	return s.write(all)
}

func (s *Storage) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.read()
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(all, k)
	}
	return s.write(all)
}

// read returns empty map if file not exists
// A file that is not valid JSON is treated as empty: it will be overwritten on next write
func (s *Storage) read() (map[string]string, error) {
	values := make(map[string]string)

	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return values, nil
	case err != nil:
		return nil, fmt.Errorf("error while reading storage file. Err: %w", err)
	}

	if len(b) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(b, &values); err != nil {
		return make(map[string]string), nil
	}
	return values, nil
}

func (s *Storage) write(values map[string]string) error {
	b, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("error while encoding storage. Err: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error while creating temp file. Err: %w", err)
	}
	defer os.Remove(tmp.Name()) // nolint:errcheck

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error while writing temp file. Err: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error while setting file mode. Err: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error while closing temp file. Err: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("error while replacing storage file. Err: %w", err)
	}
	return nil
}
