package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"spotrunner/internal/types"
)

const defaultStateFile = "./state.json"

// FileStore keeps the engine snapshot in a local JSON file
type FileStore struct {
	filePath string
	logger   *slog.Logger
	mu       sync.Mutex
}

// NewFileStore creates a file-backed state store
func NewFileStore(filePath string, logger *slog.Logger) *FileStore {
	if filePath == "" {
		filePath = defaultStateFile
	}

	return &FileStore{
		filePath: filePath,
		logger:   logger,
	}
}

// Load reads the snapshot from disk. A missing file or a snapshot from an
// incompatible version yields nil and no error.
func (p *FileStore) Load(ctx context.Context) (*types.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Info("[PERSISTENCE] No existing state file, starting fresh",
				"path", p.filePath,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var snapshot types.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	// Version check
	if snapshot.Version > stateVersion {
		p.logger.Warn("[PERSISTENCE] State version mismatch, starting fresh",
			"file_version", snapshot.Version,
			"expected_version", stateVersion,
		)
		return nil, nil
	}

	p.logger.Info("[PERSISTENCE] State loaded",
		"path", p.filePath,
		"positions", len(snapshot.Positions),
		"saved_at", snapshot.SavedAt.Format(time.RFC3339),
	)

	return &snapshot, nil
}

// Save writes the snapshot atomically (temp file + rename)
func (p *FileStore) Save(ctx context.Context, snap *types.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Version == 0 {
		snap.Version = stateVersion
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Create directory if needed
	dir := filepath.Dir(p.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Write to temp file first (atomic write)
	tempFile := p.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	// Rename temp to actual (atomic on most filesystems)
	if err := os.Rename(tempFile, p.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	p.logger.Debug("[PERSISTENCE] State saved",
		"path", p.filePath,
		"positions", len(snap.Positions),
	)

	return nil
}
