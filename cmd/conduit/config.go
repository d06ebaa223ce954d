// Package main provides the CLI entry point for the conduit personal
// agent runtime.
//
// config.go contains the configuration-resolution helpers shared by
// the commands.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/haasonsaas/conduit/internal/config"
	"github.com/joho/godotenv"
)

// defaultConfigName is the config file looked for in the working
// directory when no path is given.
const defaultConfigName = "conduit.yaml"

// resolveConfigPath determines the configuration file path:
// 1. Explicit path provided by the user
// 2. CONDUIT_CONFIG environment variable
// 3. conduit.yaml in the working directory
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigName {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("CONDUIT_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

// loadConfig loads the configuration at path. A missing default file
// is not an error: the built-in defaults plus environment variables
// are enough to run against Anthropic.
func loadConfig(path string) (*config.Config, error) {
	resolved := resolveConfigPath(path)
	cfg, err := config.Load(resolved)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && resolved == defaultConfigName {
		return config.Default(), nil
	}
	return nil, fmt.Errorf("load config %s: %w", resolved, err)
}

// loadDotenv loads a .env file from the working directory when one
// exists, so API keys do not have to live in the shell profile.
func loadDotenv() error {
	if err := godotenv.Load(".env"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
