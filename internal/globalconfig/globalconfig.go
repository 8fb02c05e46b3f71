// Package globalconfig resolves the per-user locations featsync reads and
// writes by default.
package globalconfig

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	configDir  = ".config/featsync"
	configFile = "config.yml"
	stateDir   = ".local/state/featsync"
)

func GetConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, configDir), nil
}

// DefaultPath is ~/.config/featsync/config.yml.
func DefaultPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFile), nil
}

// StateDir holds snapshot caches and the token cache unless configured
// otherwise.
func StateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, stateDir), nil
}
