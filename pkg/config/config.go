package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/collab/pkg/diskplugin"
	"github.com/cuemby/collab/pkg/log"
	"github.com/cuemby/collab/pkg/syncplugin"
	"gopkg.in/yaml.v3"
)

// Config is collabd's full runtime configuration: where it keeps state on
// disk, which workspace and device it identifies as, where to reach a sync
// server, and the tunables the disk and sync plugins expose as Options.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	WorkspaceID string `yaml:"workspace_id"`
	DeviceID    string `yaml:"device_id"`
	ServerURL   string `yaml:"server_url"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Disk DiskConfig `yaml:"disk"`
	Sync SyncConfig `yaml:"sync"`
}

// DiskConfig mirrors diskplugin.Options in YAML-friendly form.
type DiskConfig struct {
	ThresholdUpdates int   `yaml:"threshold_updates"`
	ThresholdBytes   int64 `yaml:"threshold_bytes"`
	QueueDepth       int   `yaml:"queue_depth"`
}

// SyncConfig mirrors syncplugin.Options in YAML-friendly form.
type SyncConfig struct {
	BackoffInitial   time.Duration `yaml:"backoff_initial"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	BackoffJitter    float64       `yaml:"backoff_jitter"`
	QueueDepth       int           `yaml:"queue_depth"`
	RateLimitPerSec  int           `yaml:"rate_limit_per_sec"`
	AwarenessTimeout time.Duration `yaml:"awareness_timeout"`
}

// Default returns a Config populated with the plugins' own defaults, rooted
// at dataDir, except Sync.RateLimitPerSec: collabd caps sends at 50 frames
// per second, where the sync plugin's own default is 0 (no cap). Callers load a file over this, not the other way around, so
// that a sparse config file only needs to name what it overrides.
func Default(dataDir string) Config {
	return Config{
		DataDir:  dataDir,
		LogLevel: "info",
		Disk: DiskConfig{
			ThresholdUpdates: 200,
			ThresholdBytes:   4 * 1024 * 1024,
			QueueDepth:       256,
		},
		Sync: SyncConfig{
			BackoffInitial:   500 * time.Millisecond,
			BackoffMax:       30 * time.Second,
			BackoffJitter:    0.2,
			QueueDepth:       256,
			RateLimitPerSec:  50,
			AwarenessTimeout: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file at path over the defaults for dataDir. A
// missing file is not an error — it just means the defaults stand, matching
// the common "config file is optional, flags win" pattern.
func Load(path, dataDir string) (Config, error) {
	cfg := Default(dataDir)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields collabd cannot run without.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir is required")
	}
	if c.WorkspaceID == "" {
		return fmt.Errorf("config: workspace_id is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("config: device_id is required")
	}
	return nil
}

// LogConfig adapts the loaded log level/format into the log package's Config.
func (c Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.LogLevel),
		JSONOutput: c.LogJSON,
	}
}

// DiskOptions adapts the loaded disk tunables into diskplugin.Options.
func (c Config) DiskOptions() diskplugin.Options {
	return diskplugin.Options{
		ThresholdUpdates: c.Disk.ThresholdUpdates,
		ThresholdBytes:   c.Disk.ThresholdBytes,
		QueueDepth:       c.Disk.QueueDepth,
	}
}

// SyncOptions adapts the loaded sync tunables into syncplugin.Options.
func (c Config) SyncOptions() syncplugin.Options {
	return syncplugin.Options{
		BackoffInitial:   c.Sync.BackoffInitial,
		BackoffMax:       c.Sync.BackoffMax,
		BackoffJitter:    c.Sync.BackoffJitter,
		QueueDepth:       c.Sync.QueueDepth,
		RateLimitPerSec:  c.Sync.RateLimitPerSec,
		AwarenessTimeout: c.Sync.AwarenessTimeout,
	}
}
