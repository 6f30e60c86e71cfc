package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Store backends for the local key-value store holding the session tokens.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config represents the client configuration
type Config struct {
	APIURL             string `json:"api_url"`
	WSURL              string `json:"ws_url"`
	APIPrefix          string `json:"api_prefix"`
	RequestTimeout     int    `json:"request_timeout_seconds"`
	PageLimit          int    `json:"page_limit"`
	FlashTimeoutMS     int    `json:"flash_timeout_ms"`
	LogLevel           string `json:"log_level"` // debug, info, warn, error, none
	LogPath            string `json:"log_path,omitempty"`
	Store              string `json:"store"` // file, sqlite, memory
	StorePath          string `json:"store_path,omitempty"`
	StorePassphraseEnv string `json:"store_passphrase_env,omitempty"`
}

func defaultConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "winichat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Roaming", "winichat")
	default:
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "winichat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "winichat")
	}
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "winichat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "winichat")
	default:
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "winichat")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "winichat")
	}
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		APIURL:             "http://127.0.0.1:6969/api/",
		WSURL:              "ws://localhost:6969/ws/session/",
		APIPrefix:          "/api/",
		RequestTimeout:     5,
		PageLimit:          30,
		FlashTimeoutMS:     3500,
		LogLevel:           "info",
		LogPath:            filepath.Join(stateDir, "winichat.log"),
		Store:              StoreFile,
		StorePath:          filepath.Join(stateDir, "storage.json"),
		StorePassphraseEnv: "WINICHAT_STORE_PASSPHRASE",
	}
}

// Load loads configuration from file. A missing file yields the defaults; fields present
// in the file override the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}

	config.fillDefaults()
	return config, nil
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.APIURL == "" {
		c.APIURL = def.APIURL
	}
	if c.WSURL == "" {
		c.WSURL = def.WSURL
	}
	if c.APIPrefix == "" {
		c.APIPrefix = def.APIPrefix
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.PageLimit <= 0 {
		c.PageLimit = def.PageLimit
	}
	if c.FlashTimeoutMS <= 0 {
		c.FlashTimeoutMS = def.FlashTimeoutMS
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.Store == "" {
		c.Store = def.Store
	}
	if c.StorePath == "" && c.Store != StoreMemory {
		if c.Store == StoreSQLite {
			c.StorePath = filepath.Join(defaultStateDir(), "storage.db")
		} else {
			c.StorePath = def.StorePath
		}
	}
}

// LoadEnv reads the given .env files (missing files are skipped) and applies WINICHAT_*
// variables from the process environment on top of the configuration.
func (c *Config) LoadEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return err
		}
	}

	if v := os.Getenv("WINICHAT_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("WINICHAT_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("WINICHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("WINICHAT_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("WINICHAT_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("WINICHAT_PAGE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.PageLimit = n
		}
	}
	return nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// StorePassphrase returns the passphrase used to encrypt the file store, if any.
func (c *Config) StorePassphrase() string {
	if c.StorePassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.StorePassphraseEnv)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
