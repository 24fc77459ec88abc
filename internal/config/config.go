// Package config holds the client configuration: where the local store
// lives, which server to sync against, and the transfer policy knobs.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".drivesync", "config.json")
	DefaultDataDir    = filepath.Join(home, ".drivesync")
	DefaultServerURL  = "https://drive.openmirror.dev"
)

const (
	DefaultPollInterval    = 30 * time.Second
	DefaultMaxMetadataJobs = 6
	DefaultMaxFileJobs     = 2
	DefaultMinFreeBytes    = 512 << 20 // keep half a gigabyte free
)

type Config struct {
	// DataDir holds the metadata store and the content cache.
	DataDir   string `json:"data_dir"`
	ServerURL string `json:"server_url"`
	APIKey    string `json:"api_key"`

	// PollInterval is how often the change feed is polled.
	PollInterval time.Duration `json:"poll_interval"`

	MaxMetadataJobs int `json:"max_metadata_jobs"`
	MaxFileJobs     int `json:"max_file_jobs"`

	// BackgroundTransfersOnMetered lets background file transfers run on
	// metered connections.
	BackgroundTransfersOnMetered bool `json:"background_transfers_on_metered"`

	// MinFreeBytes is the free-disk floor below which storage-mutating
	// operations are refused.
	MinFreeBytes uint64 `json:"min_free_bytes"`

	Path string `json:"-"`
}

// Validate normalizes paths and fills defaults, erroring on values that
// cannot be defaulted away.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	dataDir, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("data dir %q: %w", c.DataDir, err)
	}
	c.DataDir = dataDir

	if c.Path != "" {
		path, err := filepath.Abs(c.Path)
		if err != nil {
			return fmt.Errorf("config path %q: %w", c.Path, err)
		}
		c.Path = path
	}

	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server url %q: must be http(s)", c.ServerURL)
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxMetadataJobs <= 0 {
		c.MaxMetadataJobs = DefaultMaxMetadataJobs
	}
	if c.MaxFileJobs <= 0 {
		c.MaxFileJobs = DefaultMaxFileJobs
	}
	if c.MaxFileJobs > c.MaxMetadataJobs {
		return fmt.Errorf("max file jobs (%d) must not exceed max metadata jobs (%d)",
			c.MaxFileJobs, c.MaxMetadataJobs)
	}
	if c.MinFreeBytes == 0 {
		c.MinFreeBytes = DefaultMinFreeBytes
	}
	return nil
}

// StorePath is the metadata store database location under DataDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "metadata.db")
}

// CacheDir is the content cache location under DataDir.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache")
}

// Save persists the config to its Path.
func (c *Config) Save() error {
	if c.Path == "" {
		c.Path = DefaultConfigPath
	}
	if err := os.MkdirAll(filepath.Dir(c.Path), 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.Path, data, 0o644)
}

// LoadFromFile reads a config from path.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Path = path
	return &cfg, nil
}
