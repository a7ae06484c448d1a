package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/logging"
)

// GetOrCreateInstanceID retrieves or creates a unique instance ID for this process.
// The ID is stored in path to persist across restarts and is used as the
// scheduler's lock owner.
func GetOrCreateInstanceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		instanceID := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(instanceID); perr == nil {
			logging.Logger.Info("Loaded existing instance ID", zap.String("id", instanceID))
			return instanceID, nil
		}
		logging.Logger.Warn("Ignoring malformed instance ID file", zap.String("path", path))
	case !os.IsNotExist(err):
		return "", fmt.Errorf("failed to read instance ID: %w", err)
	}

	// Generate new instance ID
	instanceID := uuid.New().String()
	logging.Logger.Info("Generated new instance ID", zap.String("id", instanceID))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create instance ID directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(instanceID+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to save instance ID: %w", err)
	}

	logging.Logger.Info("Saved instance ID", zap.String("path", path))

	return instanceID, nil
}
