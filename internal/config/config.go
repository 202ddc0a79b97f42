// Package config provides configuration management for the cxdownload daemon.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/itenfay/cxdownload/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "cxdownload.config.yaml"
)

// Reachability values accepted by the network section
const (
	ReachabilityReachable = "reachable"
	ReachabilityNone      = "not_reachable"
	ReachabilityViaWWAN   = "reachable_via_wwan"
	ReachabilityViaWiFi   = "reachable_via_wifi"
)

const (
	defaultUserAgent     = "cxdownload/1.0"
	defaultChunkSize     = 32 * 1024
	minChunkSize         = 1024
	defaultDebounceMs    = 1000
	defaultSpeedInterval = 1000
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Network  NetworkConfig         `mapstructure:"network" yaml:"network" json:"network"`
	Log      LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Storage  storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Host         string `mapstructure:"host" yaml:"host" json:"host"`
	Port         int    `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`    // seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// DownloadConfig contains download scheduler configuration
type DownloadConfig struct {
	Directory             string `mapstructure:"directory" yaml:"directory" json:"directory"`
	TempDirectory         string `mapstructure:"temp_directory" yaml:"temp_directory" json:"tempDirectory"`
	MaxConcurrent         int    `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"maxConcurrent"`
	AllowsCellularAccess  bool   `mapstructure:"allows_cellular_access" yaml:"allows_cellular_access" json:"allowsCellularAccess"`
	DebounceMillis        int    `mapstructure:"debounce_ms" yaml:"debounce_ms" json:"debounceMs"`
	SpeedIntervalMillis   int    `mapstructure:"speed_interval_ms" yaml:"speed_interval_ms" json:"speedIntervalMs"`
	// Sizes in bytes, timeouts in seconds
	ChunkSize             int    `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunkSize"`
	ConnectTimeout        int    `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connectTimeout"`
	ResponseHeaderTimeout int    `mapstructure:"response_header_timeout" yaml:"response_header_timeout" json:"responseHeaderTimeout"`
	UserAgent             string `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
	CheckDiskSpace        bool   `mapstructure:"check_disk_space" yaml:"check_disk_space" json:"checkDiskSpace"`
}

// Debounce returns the per-task duplicate request window
func (d DownloadConfig) Debounce() time.Duration {
	return time.Duration(d.DebounceMillis) * time.Millisecond
}

// SpeedInterval returns the speed sampling interval
func (d DownloadConfig) SpeedInterval() time.Duration {
	return time.Duration(d.SpeedIntervalMillis) * time.Millisecond
}

// NetworkConfig holds the initial network reachability
type NetworkConfig struct {
	Reachability string `mapstructure:"reachability" yaml:"reachability" json:"reachability"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`                  // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format" json:"format"`               // json, text
	Output     string `mapstructure:"output" yaml:"output" json:"output"`               // stdout, file, both
	Directory  string `mapstructure:"directory" yaml:"directory" json:"directory"`      // log directory
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize"`          // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups"` // number of backup files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge"`             // days
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()
	downloadDir := filepath.Join(cwd, "downloads")
	logDir := filepath.Join(cwd, "logs")

	return &Config{
		Server: ServerConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         9290,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Download: DownloadConfig{
			Directory:             downloadDir,
			TempDirectory:         filepath.Join(downloadDir, ".tmp"),
			MaxConcurrent:         1,
			AllowsCellularAccess:  false,
			DebounceMillis:        defaultDebounceMs,
			SpeedIntervalMillis:   defaultSpeedInterval,
			ChunkSize:             defaultChunkSize,
			ConnectTimeout:        30,
			ResponseHeaderTimeout: 30,
			UserAgent:             defaultUserAgent,
			CheckDiskSpace:        true,
		},
		Network: NetworkConfig{
			Reachability: ReachabilityViaWiFi,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			Directory:  logDir,
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(cwd, "data", "cxdownload.db"),
				EnableWAL: true,
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Download.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Download.TempDirectory == "" {
		return fmt.Errorf("download temp directory cannot be empty")
	}
	if c.Download.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}
	if c.Download.ChunkSize < minChunkSize {
		return fmt.Errorf("chunk size too small (minimum %d bytes)", minChunkSize)
	}
	if c.Download.DebounceMillis < 0 {
		return fmt.Errorf("debounce window cannot be negative")
	}
	if c.Download.SpeedIntervalMillis < 1 {
		return fmt.Errorf("speed interval must be at least 1ms")
	}

	switch c.Network.Reachability {
	case ReachabilityReachable, ReachabilityNone, ReachabilityViaWWAN, ReachabilityViaWiFi:
	case "":
		c.Network.Reachability = ReachabilityViaWiFi
	default:
		return fmt.Errorf("invalid reachability: %s", c.Network.Reachability)
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory:
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a database path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	if dir := os.Getenv("CXDOWNLOAD_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		configPath: filepath.Join(GetConfigDir(), DefaultConfigFile),
	}
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
