// Package config holds the agent configuration, loaded from an optional YAML file and overridden by flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`
	DBFile     string `yaml:"dbFile"`

	// ScriptDir is where template bodies are written before they are run.
	ScriptDir   string `yaml:"scriptDir"`
	Interpreter string `yaml:"interpreter"`
	// GracePeriod is how long a stopped script gets between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"gracePeriod"`
	// WatcherBuffer is the number of pending output messages a watching connection may lag behind
	// before it is disconnected.
	WatcherBuffer int `yaml:"watcherBuffer"`

	AuthUser         string `yaml:"authUser"`
	AuthPasswordHash string `yaml:"authPasswordHash"`

	LogLevel string `yaml:"logLevel"`
	LogFile  string `yaml:"logFile"`
}

func Default() Config {
	return Config{
		ListenAddr:    "0.0.0.0:2123",
		DBFile:        "scriptagent.db",
		ScriptDir:     filepath.Join(os.TempDir(), "scriptagent"),
		Interpreter:   "bash",
		GracePeriod:   3 * time.Second,
		WatcherBuffer: 256,
		LogLevel:      "info",
	}
}

// Load reads the YAML file at path on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.DBFile == "" {
		return errors.New("database file is required")
	}
	if c.Interpreter == "" {
		return errors.New("interpreter is required")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive, got %s", c.GracePeriod)
	}
	if c.WatcherBuffer <= 0 {
		return fmt.Errorf("watcher buffer must be positive, got %d", c.WatcherBuffer)
	}
	if c.AuthUser == "" || c.AuthPasswordHash == "" {
		return errors.New("auth user and password hash are required")
	}
	return nil
}
