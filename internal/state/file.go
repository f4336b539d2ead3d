package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	tradesFile    = "active_trades.json"
	highWaterFile = "high_water.json"
)

// FileStore writes JSON files under a state directory. Writes go to a temp
// file that is renamed over the target so readers never see a partial file.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("state dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the state directory.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) LoadTrades(context.Context) (map[string]Trade, error) {
	out := map[string]Trade{}
	if err := s.load(tradesFile, &out); err != nil {
		return map[string]Trade{}, err
	}
	if out == nil {
		out = map[string]Trade{}
	}
	return out, nil
}

func (s *FileStore) SaveTrades(_ context.Context, trades map[string]Trade) error {
	return s.save(tradesFile, trades)
}

func (s *FileStore) LoadHighWater(context.Context) (map[string]float64, error) {
	out := map[string]float64{}
	if err := s.load(highWaterFile, &out); err != nil {
		return map[string]float64{}, err
	}
	if out == nil {
		out = map[string]float64{}
	}
	return out, nil
}

func (s *FileStore) SaveHighWater(_ context.Context, marks map[string]float64) error {
	return s.save(highWaterFile, marks)
}

func (s *FileStore) Close() error { return nil }

// load treats a missing file as empty state.
func (s *FileStore) load(name string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	path := filepath.Join(s.dir, name)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp %s: %w", name, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}
