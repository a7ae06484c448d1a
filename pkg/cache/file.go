package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lissto-dev/imagewatch/pkg/logging"
	"go.uber.org/zap"
)

// FileCache is a MemoryCache that is loaded from and saved to a JSON file.
// Used to keep digest lookups across restarts. It is written on Save and Close only.
type FileCache[V any] struct {
	*MemoryCache[V]
	filePath string
}

type fileCacheData[V any] struct {
	Entries map[string]*fileCacheEntry[V] `json:"entries"`
	Version string                        `json:"version"`
}

type fileCacheEntry[V any] struct {
	Value     V         `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	TTL       int64     `json:"ttl_ms"`
}

// NewFileCache creates a new file-backed cache, loading any existing entries
func NewFileCache[V any](filePath string, ttl time.Duration, opts ...Option) (*FileCache[V], error) {
	fc := &FileCache[V]{
		MemoryCache: NewMemoryCache[V](ttl, opts...),
		filePath:    filePath,
	}

	// Ensure directory exists
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	if err := fc.load(); err != nil {
		logging.Logger.Warn("Failed to load cache from file, starting with empty cache",
			zap.String("file", filePath),
			zap.Error(err))
	}

	return fc, nil
}

// load loads the cache from disk
func (fc *FileCache[V]) load() error {
	data, err := os.ReadFile(fc.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // File doesn't exist yet, that's ok
		}
		return err
	}

	var fileData fileCacheData[V]
	if err := json.Unmarshal(data, &fileData); err != nil {
		return fmt.Errorf("failed to unmarshal cache file: %w", err)
	}

	now := fc.clock.Now()
	entries := make(map[string]entry[V], len(fileData.Entries))
	expired := 0
	for key, fe := range fileData.Entries {
		e := entry[V]{
			value:     fe.Value,
			createdAt: fe.CreatedAt,
			ttl:       time.Duration(fe.TTL) * time.Millisecond,
		}
		if e.expired(now) {
			expired++
			continue
		}
		entries[key] = e
	}
	fc.restore(entries)

	logging.Logger.Info("Cache loaded from disk",
		zap.String("file", fc.filePath),
		zap.Int("loaded", len(entries)),
		zap.Int("expired", expired))

	return nil
}

// Save writes the live entries to disk
func (fc *FileCache[V]) Save() error {
	entries := fc.snapshot()

	fileData := fileCacheData[V]{
		Version: "2",
		Entries: make(map[string]*fileCacheEntry[V], len(entries)),
	}
	for key, e := range entries {
		fileData.Entries[key] = &fileCacheEntry[V]{
			Value:     e.value,
			CreatedAt: e.createdAt,
			TTL:       e.ttl.Milliseconds(),
		}
	}

	data, err := json.MarshalIndent(fileData, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first, then rename (atomic operation)
	tempFile := fc.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return err
	}

	if err := os.Rename(tempFile, fc.filePath); err != nil {
		return err
	}

	logging.Logger.Debug("Cache saved to disk",
		zap.String("file", fc.filePath),
		zap.Int("entries", len(entries)))

	return nil
}

// Close saves the cache one final time before shutting down
func (fc *FileCache[V]) Close() error {
	return fc.Save()
}
