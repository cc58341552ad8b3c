// Package config loads mco config from YAML. Env overrides take precedence.
package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zjs81/meshcore-open/internal/radio"
)

// Config holds resolved paths and settings. Paths use XDG defaults when
// not in the file.
type Config struct {
	Device  Device  `yaml:"device"`
	Storage Storage `yaml:"storage"`
	Archive Archive `yaml:"archive"`
	Sync    Sync    `yaml:"sync"`
	Log     Log     `yaml:"log"`
}

// Device selects and tunes the link to the node.
type Device struct {
	Transport  string `yaml:"transport"` // "tcp" or "serial"
	Addr       string `yaml:"addr"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
	AppName    string `yaml:"app_name"`
	TimeSync   bool   `yaml:"time_sync"`
	Chemistry  string `yaml:"battery_chemistry"`
}

type Storage struct {
	DBPath       string `yaml:"db_path"`
	MasterKeyHex string `yaml:"master_key_hex"`
}

type Archive struct {
	Enabled         bool   `yaml:"enabled"`
	Dir             string `yaml:"dir"`
	ZstdLevel       int    `yaml:"zstd_level"`
	SegmentMaxBytes int64  `yaml:"segment_max_bytes"`
	SegmentMaxAgeS  int    `yaml:"segment_max_age_s"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3Prefix        string `yaml:"s3_prefix"`
	S3Region        string `yaml:"s3_region"`
	S3Endpoint      string `yaml:"s3_endpoint"`
	S3PathStyle     bool   `yaml:"s3_path_style"`
	S3AccessKey     string `yaml:"s3_access_key"`
	S3SecretKey     string `yaml:"s3_secret_key"`
}

// Sync tunes the device-state synchronizers. Times are milliseconds.
type Sync struct {
	ChannelTimeoutMS int `yaml:"channel_timeout_ms"`
	ChannelRetries   int `yaml:"channel_retries"`
	QueueTimeoutMS   int `yaml:"queue_timeout_ms"`
	QueueRetries     int `yaml:"queue_retries"`
	DedupWindowMS    int `yaml:"dedup_window_ms"`
}

type Log struct {
	Level string `yaml:"level"`
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(xdgConfigHome(), "meshcore-open", "config.yaml")
}

// Default returns the built-in configuration.
func Default() *Config {
	dataHome := xdgDataHome()
	return &Config{
		Device: Device{
			Transport: "tcp",
			BaudRate:  115200,
			AppName:   "mco",
			TimeSync:  true,
		},
		Storage: Storage{
			DBPath: filepath.Join(dataHome, "meshcore-open", "mco.db"),
		},
		Archive: Archive{
			Dir:             filepath.Join(dataHome, "meshcore-open", "archive"),
			ZstdLevel:       3,
			SegmentMaxBytes: 1 << 20,
			SegmentMaxAgeS:  300,
		},
		Sync: Sync{
			ChannelTimeoutMS: 2000,
			ChannelRetries:   3,
			QueueTimeoutMS:   5000,
			QueueRetries:     3,
			DedupWindowMS:    5000,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the config at path, or DefaultPath when path is empty. A
// missing file yields the defaults. Env overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	c := Default()
	b, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	dataHome := xdgDataHome()
	c.Storage.DBPath = resolvePath(c.Storage.DBPath, dataHome)
	c.Archive.Dir = resolvePath(c.Archive.Dir, dataHome)

	applyEnv(c)
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("MCO_TRANSPORT"); v != "" {
		c.Device.Transport = v
	}
	if v := os.Getenv("MCO_DEVICE_ADDR"); v != "" {
		c.Device.Addr = v
	}
	if v := os.Getenv("MCO_SERIAL_PORT"); v != "" {
		c.Device.SerialPort = v
	}
	if v := os.Getenv("MCO_DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("MCO_MASTER_KEY_HEX"); v != "" {
		c.Storage.MasterKeyHex = v
	}
	if v := os.Getenv("MCO_ARCHIVE_DIR"); v != "" {
		c.Archive.Dir = v
	}
	if v := os.Getenv("MCO_S3_BUCKET"); v != "" {
		c.Archive.S3Bucket = v
	}
	if v := os.Getenv("MCO_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects settings the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Device.Transport {
	case "tcp":
		if c.Device.Addr == "" {
			return fmt.Errorf("device.addr required for tcp transport")
		}
	case "serial":
		if c.Device.SerialPort == "" {
			return fmt.Errorf("device.serial_port required for serial transport")
		}
	default:
		return fmt.Errorf("device.transport %q: want tcp or serial", c.Device.Transport)
	}
	if c.Device.BaudRate <= 0 {
		return fmt.Errorf("device.baud_rate %d: must be positive", c.Device.BaudRate)
	}
	if _, err := radio.ParseChemistry(c.Device.Chemistry); err != nil {
		return fmt.Errorf("device.battery_chemistry: %w", err)
	}
	if c.Storage.MasterKeyHex != "" {
		key, err := hex.DecodeString(c.Storage.MasterKeyHex)
		if err != nil {
			return fmt.Errorf("storage.master_key_hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("storage.master_key_hex: got %d bytes, want 32", len(key))
		}
	}
	if c.Archive.Enabled && c.Archive.Dir == "" {
		return fmt.Errorf("archive.dir required when archive is enabled")
	}
	if c.Archive.ZstdLevel < 0 || c.Archive.ZstdLevel > 19 {
		return fmt.Errorf("archive.zstd_level %d: out of range", c.Archive.ZstdLevel)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// LogLevel maps the configured level name for slog. Validate has already
// rejected unknown names.
func (c *Config) LogLevel() slog.Level {
	lvl, _ := parseLevel(c.Log.Level)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("log.level %q: want debug, info, warn or error", s)
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $HOME in paths from the config file.
func resolvePath(p, dataHome string) string {
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "XDG_CONFIG_HOME" {
			return xdgConfigHome()
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
