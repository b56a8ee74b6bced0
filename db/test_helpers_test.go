package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"
)

// TestConfig represents minimal test configuration
type TestConfig struct {
	Database struct {
		Write struct {
			Host     string `toml:"host"`
			Port     string `toml:"port"`
			User     string `toml:"user"`
			Password string `toml:"password"`
			Name     string `toml:"name"`
			TLS      bool   `toml:"tls"`
		} `toml:"write"`
	} `toml:"database"`
}

// setupTestDatabase connects to the local PostgreSQL described by
// config-test.toml. Integration tests are skipped in -short mode.
func setupTestDatabase(t *testing.T) *Database {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	ctx := context.Background()

	configPath, err := findTestConfig()
	require.NoError(t, err, "config-test.toml not found. Please ensure it exists in the project root")

	var cfg TestConfig
	_, err = toml.DecodeFile(configPath, &cfg)
	require.NoError(t, err, "Failed to load test config. Please check config-test.toml syntax")

	host := cfg.Database.Write.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Database.Write.Port
	if port == "" {
		port = "5432"
	}

	database, err := NewDatabase(ctx, host, port, cfg.Database.Write.User,
		cfg.Database.Write.Password, cfg.Database.Write.Name, cfg.Database.Write.TLS)
	require.NoError(t, err, "Failed to connect to test database. Please ensure PostgreSQL is running and %s database exists", cfg.Database.Write.Name)

	t.Cleanup(database.Close)
	return database
}

// findTestConfig walks up from the working directory looking for
// config-test.toml.
func findTestConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(dir, "config-test.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("config-test.toml not found")
		}
		dir = parent
	}
}
