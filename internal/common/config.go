package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"

	"github.com/ternarybob/whatsmytoken/internal/models"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Storage   StorageConfig   `toml:"storage"`
	Store     StoreConfig     `toml:"store"`
	Browser   BrowserConfig   `toml:"browser"`
	Capture   CaptureConfig   `toml:"capture"`
	Logging   LoggingConfig   `toml:"logging"`
	WebSocket WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup
	InMemory       bool   `toml:"in_memory"`        // Keep everything in memory (nothing survives restart)
}

// StoreConfig controls the captured-token collection semantics
type StoreConfig struct {
	AppendPolicy       string `toml:"append_policy"`        // "audit" (keep every capture) or "dedupe" (last write wins per domain+token)
	MaxConflictRetries int    `toml:"max_conflict_retries"` // Retries of the read-modify-write transform on transaction conflict; 0 disables retrying
}

// BrowserConfig controls the Chrome instance driven over the DevTools protocol
type BrowserConfig struct {
	Enabled     bool     `toml:"enabled"`       // Launch and observe a browser on serve
	Headless    bool     `toml:"headless"`      // Headless mode (default false: the user drives the browser)
	ExecPath    string   `toml:"exec_path"`     // Chrome binary; empty lets chromedp locate it
	UserDataDir string   `toml:"user_data_dir"` // Profile directory so logins survive restarts
	NoSandbox   bool     `toml:"no_sandbox"`
	StartURLs   []string `toml:"start_urls"` // Opened after launch
	KeepAlive   string   `toml:"keep_alive"` // Cron spec for the browser keep-alive ping
}

// CaptureConfig toggles the interception paths
type CaptureConfig struct {
	Network     bool   `toml:"network"`      // Privileged network-layer hook
	PageContext bool   `toml:"page_context"` // In-page fetch/XHR wrappers
	WorldName   string `toml:"world_name"`   // Isolated world hosting the relay script
	BindingName string `toml:"binding_name"` // Runtime binding the relay calls
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	Dir        string   `toml:"dir"`         // Log and crash file directory; empty means "logs" next to the binary
	MaxSizeMB  int      `toml:"max_size_mb"` // Rotate the log file at this size
	MaxBackups int      `toml:"max_backups"` // Rotated files kept
}

// WebSocketConfig contains configuration for the change feed
type WebSocketConfig struct {
	ThrottleInterval string `toml:"throttle_interval"` // Minimum gap between change notifications, e.g. "250ms"; empty disables
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8765,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Store: StoreConfig{
			AppendPolicy:       string(models.DefaultAppendPolicy),
			MaxConflictRetries: 10,
		},
		Browser: BrowserConfig{
			Enabled:   true,
			Headless:  false,
			StartURLs: []string{"about:blank"},
			KeepAlive: "@every 15s",
		},
		Capture: CaptureConfig{
			Network:     true,
			PageContext: true,
			WorldName:   "whatsmytoken",
			BindingName: "__whatsmytokenRelay",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		WebSocket: WebSocketConfig{
			ThrottleInterval: "250ms",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env.
// Later files override earlier files. CLI flags are applied afterwards with ApplyFlagOverrides.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal merges into the existing values
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Server configuration
	if port := os.Getenv("WHATSMYTOKEN_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("WHATSMYTOKEN_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("WHATSMYTOKEN_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if inMemory := os.Getenv("WHATSMYTOKEN_BADGER_IN_MEMORY"); inMemory != "" {
		if b, err := strconv.ParseBool(inMemory); err == nil {
			config.Storage.Badger.InMemory = b
		}
	}

	// Store configuration
	if policy := os.Getenv("WHATSMYTOKEN_APPEND_POLICY"); policy != "" {
		config.Store.AppendPolicy = policy
	}

	// Browser configuration
	if enabled := os.Getenv("WHATSMYTOKEN_BROWSER_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Browser.Enabled = b
		}
	}
	if headless := os.Getenv("WHATSMYTOKEN_BROWSER_HEADLESS"); headless != "" {
		if b, err := strconv.ParseBool(headless); err == nil {
			config.Browser.Headless = b
		}
	}
	if execPath := os.Getenv("WHATSMYTOKEN_BROWSER_EXEC_PATH"); execPath != "" {
		config.Browser.ExecPath = execPath
	}
	if userDataDir := os.Getenv("WHATSMYTOKEN_BROWSER_USER_DATA_DIR"); userDataDir != "" {
		config.Browser.UserDataDir = userDataDir
	}
	if startURLs := os.Getenv("WHATSMYTOKEN_BROWSER_START_URLS"); startURLs != "" {
		if urls := splitList(startURLs); len(urls) > 0 {
			config.Browser.StartURLs = urls
		}
	}

	// Logging configuration
	if level := os.Getenv("WHATSMYTOKEN_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("WHATSMYTOKEN_LOG_OUTPUT"); output != "" {
		if outputs := splitList(output); len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if dir := os.Getenv("WHATSMYTOKEN_LOG_DIR"); dir != "" {
		config.Logging.Dir = dir
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string, headless bool) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
	if headless {
		config.Browser.Headless = true
	}
}

// Validate checks values that would otherwise fail late at runtime
func (c *Config) Validate() error {
	if _, err := models.ParseAppendPolicy(c.Store.AppendPolicy); err != nil {
		return fmt.Errorf("store.append_policy: %w", err)
	}
	if c.Store.MaxConflictRetries < 0 {
		return fmt.Errorf("store.max_conflict_retries must not be negative, got %d", c.Store.MaxConflictRetries)
	}
	if c.Browser.KeepAlive != "" {
		if _, err := cron.ParseStandard(c.Browser.KeepAlive); err != nil {
			return fmt.Errorf("browser.keep_alive: invalid schedule %q: %w", c.Browser.KeepAlive, err)
		}
	}
	if c.WebSocket.ThrottleInterval != "" {
		if _, err := time.ParseDuration(c.WebSocket.ThrottleInterval); err != nil {
			return fmt.Errorf("websocket.throttle_interval: %w", err)
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if !c.Storage.Badger.InMemory && c.Browser.UserDataDir != "" &&
		pathWithin(c.Browser.UserDataDir, c.Storage.Badger.Path) {
		return fmt.Errorf("browser.user_data_dir %q must not be inside storage.badger.path %q",
			c.Browser.UserDataDir, c.Storage.Badger.Path)
	}
	return nil
}

// pathWithin reports whether path is dir or lies below it
func pathWithin(path, dir string) bool {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// AppendPolicy returns the parsed store policy; call after Validate
func (c *Config) AppendPolicy() models.AppendPolicy {
	policy, err := models.ParseAppendPolicy(c.Store.AppendPolicy)
	if err != nil {
		return models.DefaultAppendPolicy
	}
	return policy
}

// LogDir returns the directory for log and crash files
func (c *Config) LogDir() string {
	if c.Logging.Dir != "" {
		return c.Logging.Dir
	}
	return filepath.Join(ExecutableDir(), "logs")
}

// ServerURL returns the base URL of the local API
func (c *Config) ServerURL() string {
	return fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
}

// splitList splits a comma-separated env value, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
