package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// OrchestratorState is the only record carried across a page reload.
type OrchestratorState struct {
	IsRunning       bool          `yaml:"is_running"`
	TargetTime      *time.Time    `yaml:"target_time,omitempty"`
	ClickDelay      time.Duration `yaml:"click_delay"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	MaxRefreshCount int           `yaml:"max_refresh_count"`
	RefreshCount    int           `yaml:"refresh_count"`
}

// DefaultState is what a missing or unreadable record resolves to.
func DefaultState() OrchestratorState {
	return OrchestratorState{MaxRefreshCount: 1}
}

func (s OrchestratorState) validate() error {
	if s.MaxRefreshCount < 1 {
		return fmt.Errorf("max_refresh_count %d < 1", s.MaxRefreshCount)
	}
	if s.RefreshCount < 0 {
		return fmt.Errorf("refresh_count %d < 0", s.RefreshCount)
	}
	if s.RefreshCount > s.MaxRefreshCount {
		return fmt.Errorf("refresh_count %d exceeds max_refresh_count %d", s.RefreshCount, s.MaxRefreshCount)
	}
	if s.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval %v < 0", s.RefreshInterval)
	}
	return nil
}

// StateStore persists the orchestrator record. Load never fails: a missing or
// corrupt record is reported as DefaultState.
type StateStore interface {
	Load() OrchestratorState
	Save(OrchestratorState) error
	Clear() error
}

// FileStateStore keeps the record in a yaml file, written via temp file + rename.
type FileStateStore struct {
	path   string
	logger *zap.Logger
}

func NewFileStateStore(path string, logger *zap.Logger) *FileStateStore {
	return &FileStateStore{
		path:   path,
		logger: logger.Named("store"),
	}
}

func (s *FileStateStore) Path() string {
	return s.path
}

func (s *FileStateStore) Load() OrchestratorState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("State file unreadable, treating as not running", zap.String("path", s.path), zap.Error(err))
		}
		return DefaultState()
	}

	var state OrchestratorState
	if err := yaml.Unmarshal(data, &state); err != nil {
		s.quarantine(err)
		return DefaultState()
	}
	if err := state.validate(); err != nil {
		s.quarantine(err)
		return DefaultState()
	}
	return state
}

func (s *FileStateStore) Save(state OrchestratorState) error {
	if err := state.validate(); err != nil {
		return fmt.Errorf("refusing to save invalid state: %w", err)
	}

	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

// Clear removes the record. Clearing an absent record is not an error.
func (s *FileStateStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear state: %w", err)
	}
	return nil
}

func (s *FileStateStore) quarantine(cause error) {
	backup := s.path + ".corrupt"
	if err := os.Rename(s.path, backup); err != nil {
		s.logger.Warn("State file corrupted, failed to back up",
			zap.String("path", s.path), zap.Error(cause), zap.NamedError("backup_error", err))
		return
	}
	s.logger.Warn("State file corrupted, backed up and treating as not running",
		zap.String("path", s.path), zap.String("backup", backup), zap.Error(cause))
}
