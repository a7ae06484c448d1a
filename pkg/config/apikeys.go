package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// APIKey represents an API key configuration
type APIKey struct {
	Role   string `yaml:"role"`
	APIKey string `yaml:"api_key"`
	Name   string `yaml:"name,omitempty"`
}

// APIKeysConfig represents the configuration file structure
type APIKeysConfig struct {
	APIKeys []APIKey `yaml:"api_keys"`
}

// LoadAPIKeys loads API keys from a YAML file. A missing file yields no keys.
func LoadAPIKeys(filename string) ([]APIKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read API keys file: %w", err)
	}

	var config APIKeysConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse API keys file: %w", err)
	}

	return config.APIKeys, nil
}

// SaveAPIKeys writes keys to a YAML file readable only by the owner
func SaveAPIKeys(filename string, keys []APIKey) error {
	data, err := yaml.Marshal(APIKeysConfig{APIKeys: keys})
	if err != nil {
		return fmt.Errorf("failed to encode API keys: %w", err)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create API keys directory: %w", err)
		}
	}

	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write API keys file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return fmt.Errorf("failed to replace API keys file: %w", err)
	}
	return nil
}

// FindAPIKeyByKey finds an API key by its key value
func FindAPIKeyByKey(apiKeys []APIKey, key string) (*APIKey, bool) {
	for _, ak := range apiKeys {
		if ak.APIKey == key {
			return &ak, true
		}
	}
	return nil, false
}

// GenerateAPIKey returns a random key prefixed with the role, e.g. "admin_3f9c..."
func GenerateAPIKey(role string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return role + "_" + hex.EncodeToString(buf), nil
}

// EnsureAdminKey adds a generated admin key when none exists. The returned
// flag reports whether a key was generated and must be persisted.
func EnsureAdminKey(keys []APIKey) ([]APIKey, bool, error) {
	for _, k := range keys {
		if k.Role == "admin" {
			return keys, false, nil
		}
	}

	value, err := GenerateAPIKey("admin")
	if err != nil {
		return keys, false, err
	}
	return append(keys, APIKey{Role: "admin", APIKey: value, Name: "admin"}), true, nil
}
