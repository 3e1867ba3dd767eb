package checkpoints

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// StoreConfig configures where checkpoints are written
type StoreConfig struct {
	Directory    string // Directory to save checkpoints
	Filename     string // Latest checkpoint, rewritten every epoch
	BestFilename string // Copy of the best checkpoint so far
	Format       Format
}

// DefaultStoreConfig returns the file names used by the original training scripts
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Directory:    "./checkpoints",
		Filename:     "checkpoint.pth.tar",
		BestFilename: "model_best.pth.tar",
		Format:       FormatBinary,
	}
}

// Store persists training snapshots. Every write goes to a temporary file in
// the target directory and is renamed into place, so readers only ever see
// complete checkpoints.
type Store struct {
	config StoreConfig
}

// NewStore creates the checkpoint directory if needed
func NewStore(config StoreConfig) (*Store, error) {
	defaults := DefaultStoreConfig()
	if config.Directory == "" {
		config.Directory = defaults.Directory
	}
	if config.Filename == "" {
		config.Filename = defaults.Filename
	}
	if config.BestFilename == "" {
		config.BestFilename = defaults.BestFilename
	}
	if config.Filename == config.BestFilename {
		return nil, fmt.Errorf("checkpoint and best checkpoint must use different file names, both are %q", config.Filename)
	}

	if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Store{config: config}, nil
}

// PrimaryPath is the file rewritten after every epoch
func (s *Store) PrimaryPath() string {
	return filepath.Join(s.config.Directory, s.config.Filename)
}

// BestPath is the file holding the best checkpoint so far
func (s *Store) BestPath() string {
	return filepath.Join(s.config.Directory, s.config.BestFilename)
}

// Format returns the encoding used for new checkpoints
func (s *Store) Format() Format {
	return s.config.Format
}

// Save writes the checkpoint to the primary path and, when isBest is set,
// the identical bytes to the best path.
func (s *Store) Save(c *Checkpoint, isBest bool) error {
	var buf bytes.Buffer
	if err := Encode(&buf, c, s.config.Format); err != nil {
		return err
	}
	data := buf.Bytes()

	if err := writeFileAtomic(s.PrimaryPath(), data); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if isBest {
		if err := writeFileAtomic(s.BestPath(), data); err != nil {
			return fmt.Errorf("failed to save best checkpoint: %w", err)
		}
	}

	return nil
}

// Load reads a checkpoint from any path, not only the store's own files
func (s *Store) Load(path string) (*Checkpoint, error) {
	return ReadFile(path)
}

// writeFileAtomic writes data next to path and renames it into place
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temporary checkpoint file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temporary checkpoint file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary checkpoint file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temporary checkpoint file to %s: %w", path, err)
	}
	committed = true

	// Persist the rename itself. Not every platform allows syncing a directory.
	if d, err := os.Open(dir); err == nil {
		if err := d.Sync(); err != nil {
			log.Printf("Warning: failed to sync checkpoint directory %s: %v", dir, err)
		}
		d.Close()
	}

	return nil
}
