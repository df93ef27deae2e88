package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Store guards the process-wide mutable configuration. Reads are frequent,
// mutations rare; both go through the one mutex.
type Store struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewStore creates a store holding cfg, persisting to path on Save.
func NewStore(cfg Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the configuration.
func (s *Store) Set(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// Merge overlays the recognized fields of patch onto the current
// configuration and returns the result. Unknown keys are ignored.
func (s *Store) Merge(patch map[string]any) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := json.Marshal(s.cfg)
	if err != nil {
		return Config{}, fmt.Errorf("marshaling current config: %w", err)
	}
	var merged map[string]any
	if err := json.Unmarshal(current, &merged); err != nil {
		return Config{}, fmt.Errorf("unmarshaling current config: %w", err)
	}
	for key, value := range patch {
		merged[key] = value
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("marshaling merged config: %w", err)
	}

	cfg := s.cfg
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("applying config update: %w", err)
	}
	s.cfg = cfg
	return cfg, nil
}

// Save persists the current configuration to the store's file path.
func (s *Store) Save() error {
	s.mu.RLock()
	cfg := s.cfg
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no config file path set")
	}
	return cfg.SaveTo(path)
}

// Path returns the persistence path.
func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
