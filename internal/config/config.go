// Package config loads safectl.yaml from the data directory.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/safectl/pkg/crypto"
)

// FileName is the name of the configuration file inside the data directory
const FileName = "safectl.yaml"

// Environment overrides
const (
	EnvDataDir  = "SAFECTL_DATA_DIR"
	EnvLogLevel = "SAFECTL_LOG_LEVEL"
)

// Failure policies
const (
	PolicyShortCircuit = "short_circuit"
	PolicyRunAll       = "run_all"
)

// ErrInsecure is returned when the config file has permissions other than 0600
var ErrInsecure = errors.New("config: file has insecure permissions")

// ErrSymlink is returned when the config file is a symlink
var ErrSymlink = errors.New("config: file is a symlink")

// ErrNotOwnedByUser is returned when the config file is not owned by the current user
var ErrNotOwnedByUser = errors.New("config: file not owned by current user")

// Config is the parsed configuration file.
type Config struct {
	Version   int       `yaml:"version"`
	DataDir   string    `yaml:"data_dir"`
	BackupDir string    `yaml:"backup_dir"`
	Log       Log       `yaml:"log"`
	Migration Migration `yaml:"migration"`
	KDF       KDF       `yaml:"kdf"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Migration configures the migration orchestrator.
type Migration struct {
	FailurePolicy string `yaml:"failure_policy"`
}

// KDF holds the Argon2id cost parameters used when deriving a master key.
type KDF struct {
	MemoryKiB  uint32 `yaml:"memory_kib"`
	Iterations uint32 `yaml:"iterations"`
	Threads    uint8  `yaml:"threads"`
}

// Params converts the KDF section into crypto parameters.
func (k KDF) Params() crypto.KDFParams {
	return crypto.KDFParams{Memory: k.MemoryKiB, Iterations: k.Iterations, Threads: k.Threads}
}

// Default returns the configuration used when no file exists.
func Default(dataDir string) *Config {
	return &Config{
		Version:   1,
		DataDir:   dataDir,
		BackupDir: filepath.Join(dataDir, "backups"),
		Log:       Log{Level: "info", Format: "text"},
		Migration: Migration{FailurePolicy: PolicyShortCircuit},
		KDF: KDF{
			MemoryKiB:  crypto.DefaultKDFParams.Memory,
			Iterations: crypto.DefaultKDFParams.Iterations,
			Threads:    crypto.DefaultKDFParams.Threads,
		},
	}
}

// DefaultDataDir returns $SAFECTL_DATA_DIR or ~/.safectl.
func DefaultDataDir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".safectl"), nil
}

// Load reads FileName from dataDir. A missing file yields Default(dataDir).
// Environment overrides are applied last.
func Load(dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	// 1. Open with O_NOFOLLOW to reject symlinks
	f, err := openConfigFile(filepath.Join(dataDir, FileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	// 2. fstat the opened descriptor
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("config: failed to stat file: %w", err)
	}

	// 3. Check permissions (must be 0600)
	if perm := info.Mode().Perm(); perm != 0600 {
		return nil, fmt.Errorf("%w: %o (expected 0600)", ErrInsecure, perm)
	}

	// 4. Check ownership
	if err := checkFileOwnership(info); err != nil {
		return nil, err
	}

	// 5. Read and parse
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse file: %w", err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		cfg.Log.Level = level
	}
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("config: unsupported version: %d", c.Version)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid log level: %s", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: invalid log format: %s (must be 'text' or 'json')", c.Log.Format)
	}
	switch c.Migration.FailurePolicy {
	case PolicyShortCircuit, PolicyRunAll:
	default:
		return fmt.Errorf("config: invalid failure_policy: %s (must be '%s' or '%s')",
			c.Migration.FailurePolicy, PolicyShortCircuit, PolicyRunAll)
	}
	if c.KDF.MemoryKiB == 0 || c.KDF.Iterations == 0 || c.KDF.Threads == 0 {
		return errors.New("config: kdf parameters must be positive")
	}
	return nil
}

// Save writes the configuration to dataDir with 0600 permissions.
func (c *Config) Save(dataDir string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0600); err != nil {
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	return nil
}
