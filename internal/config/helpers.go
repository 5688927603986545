package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDirectories ensures all required directories exist
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Node.DataDir,
		c.CommitLog.Dir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

// GetDataPath returns the full path for a data file
func (c *Config) GetDataPath(filename string) string {
	return filepath.Join(c.Node.DataDir, filename)
}

// GetServerAddress returns the admin HTTP listen address
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.HTTPPort)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}
