package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is ~/.clichat, or ./.clichat when the home directory is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clichat"
	}
	return filepath.Join(home, ".clichat")
}

// DefaultPath is the config file read when --config is not given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// EnsureDirs creates the data, uploads and prompts directories.
func EnsureDirs(c *Config) error {
	for _, dir := range []string{c.Storage.DataDir, c.Storage.UploadsDir, c.Storage.PromptsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}
