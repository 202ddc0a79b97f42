// Package download provides resumable file downloads with admission control.
// It handles concurrent downloads, progress tracking, and pause/resume functionality.
package download

import (
	"path/filepath"
	"time"

	"github.com/itenfay/cxdownload/internal/config"
	"github.com/itenfay/cxdownload/internal/notify"
	"github.com/itenfay/cxdownload/internal/storage"
)

// Reachability is the connectivity reported by the host platform
type Reachability string

const (
	ReachabilityReachable Reachability = config.ReachabilityReachable
	ReachabilityNone      Reachability = config.ReachabilityNone
	ReachabilityViaWWAN   Reachability = config.ReachabilityViaWWAN
	ReachabilityViaWiFi   Reachability = config.ReachabilityViaWiFi
)

// Valid reports whether r is a known reachability value
func (r Reachability) Valid() bool {
	switch r {
	case ReachabilityReachable, ReachabilityNone, ReachabilityViaWWAN, ReachabilityViaWiFi:
		return true
	}
	return false
}

// allowsTransfer applies the network policy
func allowsTransfer(r Reachability, cellular bool) bool {
	return !(r == ReachabilityNone || (r == ReachabilityViaWWAN && !cellular))
}

// Options override the destination of a new task
type Options struct {
	Directory string
	FileName  string
}

// Callbacks receive per-task results on the scheduler's callback goroutine.
// Progress may be skipped under load; success and failure are always delivered.
type Callbacks struct {
	OnProgress func(rec storage.TaskRecord)
	OnSuccess  func(rec storage.TaskRecord)
	OnFailure  func(rec storage.TaskRecord, err error)
}

// Publisher receives task events
type Publisher interface {
	Publish(event *notify.Event)
}

// Config contains configuration for the scheduler
type Config struct {
	Directory             string
	TempDirectory         string
	MaxConcurrent         int
	AllowsCellularAccess  bool
	Reachability          Reachability
	// Debounce is the duplicate request window; zero means one second,
	// a negative value turns it off
	Debounce              time.Duration
	SpeedInterval         time.Duration
	ChunkSize             int
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration
	UserAgent             string
	CheckDiskSpace        bool
}

// ConfigFrom converts the file configuration
func ConfigFrom(cfg *config.Config) Config {
	d := cfg.Download
	debounce := d.Debounce()
	if debounce == 0 {
		// debounce_ms: 0 in the file disables the window
		debounce = -1
	}
	return Config{
		Directory:             d.Directory,
		TempDirectory:         d.TempDirectory,
		MaxConcurrent:         d.MaxConcurrent,
		AllowsCellularAccess:  d.AllowsCellularAccess,
		Reachability:          Reachability(cfg.Network.Reachability),
		Debounce:              debounce,
		SpeedInterval:         d.SpeedInterval(),
		ChunkSize:             d.ChunkSize,
		ConnectTimeout:        time.Duration(d.ConnectTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(d.ResponseHeaderTimeout) * time.Second,
		UserAgent:             d.UserAgent,
		CheckDiskSpace:        d.CheckDiskSpace,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.Debounce == 0 {
		c.Debounce = time.Second
	}
	if c.SpeedInterval <= 0 {
		c.SpeedInterval = time.Second
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 32 * 1024
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ResponseHeaderTimeout <= 0 {
		c.ResponseHeaderTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "cxdownload/1.0"
	}
	if !c.Reachability.Valid() {
		c.Reachability = ReachabilityViaWiFi
	}
	if c.TempDirectory == "" {
		c.TempDirectory = filepath.Join(c.Directory, ".tmp")
	}
}
