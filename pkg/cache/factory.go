package cache

import (
	"path/filepath"
	"time"

	"github.com/lissto-dev/imagewatch/pkg/logging"
	"go.uber.org/zap"
)

// New creates the appropriate cache for a named lookup kind.
// When dir is set the cache is persisted to <dir>/<name>.json, otherwise it lives in memory.
func New[V any](name, dir string, ttl time.Duration, opts ...Option) Cache[V] {
	if dir != "" {
		path := filepath.Join(dir, name+".json")
		fileCache, err := NewFileCache[V](path, ttl, opts...)
		if err != nil {
			logging.Logger.Warn("Failed to create file-based cache, falling back to memory cache",
				zap.String("cache", name),
				zap.String("path", path),
				zap.Error(err))
			return NewMemoryCache[V](ttl, opts...)
		}
		logging.Logger.Info("Initialized file-based cache",
			zap.String("cache", name),
			zap.String("path", path))
		return fileCache
	}

	logging.Logger.Debug("Initialized in-memory cache",
		zap.String("cache", name),
		zap.Duration("ttl", ttl))
	return NewMemoryCache[V](ttl, opts...)
}
