package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pqchat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "PQCHAT_DATA_DIR"

	DefaultSessionTTLSeconds    = 24 * 60 * 60
	DefaultSessionCacheSize     = 1024
	DefaultMaxRetries           = 3
	DefaultRetryBaseDelayMillis = 1000
	DefaultRetentionDays        = 90
	DefaultConflictStrategy     = "prefer-newer"
	DefaultLogLevel             = "info"

	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

var conflictStrategies = map[string]bool{
	"prefer-local":  true,
	"prefer-remote": true,
	"prefer-newer":  true,
	"merge":         true,
	"manual":        true,
}

// EngineConfig contains persistent local settings.
type EngineConfig struct {
	UserID                string `json:"user_id"`
	DisplayName           string `json:"display_name"`
	SigningPrivateKeyPath string `json:"signing_private_key_path"`
	SigningPublicKeyPath  string `json:"signing_public_key_path"`
	DSAPrivateKeyPath     string `json:"dsa_private_key_path"`
	DSAPublicKeyPath      string `json:"dsa_public_key_path"`
	KEMPrivateKeyPath     string `json:"kem_private_key_path"`
	KEMPublicKeyPath      string `json:"kem_public_key_path"`
	StorageKeyPath        string `json:"storage_key_path"`
	PeersDir              string `json:"peers_dir"`
	KeyFingerprint        string `json:"key_fingerprint"`

	SessionTTLSeconds    int    `json:"session_ttl_seconds"`
	SessionCacheSize     int    `json:"session_cache_size"`
	MaxRetries           int    `json:"max_retries"`
	RetryBaseDelayMillis int    `json:"retry_base_delay_ms"`
	DispatchRate         int    `json:"dispatch_rate"`
	DurableOutbox        bool   `json:"durable_outbox"`
	RetentionDays        int    `json:"retention_days"`
	SyncEnabled          bool   `json:"sync_enabled"`
	ConflictStrategy     string `json:"conflict_strategy"`
	LogLevel             string `json:"log_level"`
}

// SessionTTL returns the configured session lifetime.
func (c *EngineConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// RetryBaseDelay returns the first retry delay.
func (c *EngineConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMillis) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PQCHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "peers"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg EngineConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *EngineConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// Validate rejects settings the engine cannot run with.
func (c *EngineConfig) Validate() error {
	if c.UserID == "" {
		return errors.New("config: user_id is required")
	}
	if !conflictStrategies[c.ConflictStrategy] {
		return fmt.Errorf("config: unknown conflict_strategy %q", c.ConflictStrategy)
	}
	if c.DispatchRate < 0 {
		return fmt.Errorf("config: dispatch_rate must not be negative, got %d", c.DispatchRate)
	}
	return nil
}

// LoadOrCreate resolves the data directory and calls LoadOrCreateAt.
func LoadOrCreate() (*EngineConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then
// returns both. Missing fields of an existing config are filled with
// defaults and written back.
func LoadOrCreateAt(dataDir string) (*EngineConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &EngineConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func normalizeDefaults(cfg *EngineConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setPositive := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.UserID, uuid.NewString())
	if cfg.DisplayName == "" {
		name := "pqchat user"
		if host, err := os.Hostname(); err == nil && host != "" {
			name = host
		}
		setString(&cfg.DisplayName, name)
	}
	setString(&cfg.SigningPrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.SigningPublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))
	setString(&cfg.DSAPrivateKeyPath, filepath.Join(keysDir, "mldsa65_private.pem"))
	setString(&cfg.DSAPublicKeyPath, filepath.Join(keysDir, "mldsa65_public.pem"))
	setString(&cfg.KEMPrivateKeyPath, filepath.Join(keysDir, "mlkem768_private.pem"))
	setString(&cfg.KEMPublicKeyPath, filepath.Join(keysDir, "mlkem768_public.pem"))
	setString(&cfg.StorageKeyPath, filepath.Join(keysDir, "storage.key"))
	setString(&cfg.PeersDir, filepath.Join(dataDir, "peers"))

	setPositive(&cfg.SessionTTLSeconds, DefaultSessionTTLSeconds)
	setPositive(&cfg.SessionCacheSize, DefaultSessionCacheSize)
	setPositive(&cfg.MaxRetries, DefaultMaxRetries)
	setPositive(&cfg.RetryBaseDelayMillis, DefaultRetryBaseDelayMillis)
	setPositive(&cfg.RetentionDays, DefaultRetentionDays)
	if cfg.DispatchRate < 0 {
		cfg.DispatchRate = 0
		updated = true
	}

	if !conflictStrategies[cfg.ConflictStrategy] {
		cfg.ConflictStrategy = DefaultConflictStrategy
		updated = true
	}
	setString(&cfg.LogLevel, DefaultLogLevel)

	return updated
}
