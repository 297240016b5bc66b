package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	DataDir string
	DBPath  string
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("LEVELUP_DATA_DIR", filepath.Join(homeDir, ".levelup"))

	c := &Config{
		DataDir: dataDir,
		DBPath:  filepath.Join(dataDir, "state.db"),
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.WorktreesDir(), 0755)
}

// WorktreesDir is where per-run worktrees live, one subdirectory per run ID.
func (c *Config) WorktreesDir() string {
	return filepath.Join(c.DataDir, "worktrees")
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
