package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

type Config struct {
	DataRoot    string            `mapstructure:"data_root" yaml:"data_root"`
	Servers     []ServerConfig    `mapstructure:"servers" yaml:"servers"`
	Download    DownloadConfig    `mapstructure:"download" yaml:"download"`
	PostProcess PostProcessConfig `mapstructure:"postprocess" yaml:"postprocess"`
	Categories  []CategoryRule    `mapstructure:"categories" yaml:"categories"`
	Notify      NotifyConfig      `mapstructure:"notify" yaml:"notify"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	History     HistoryConfig     `mapstructure:"history" yaml:"history"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Indexers    []IndexerConfig   `mapstructure:"indexers" yaml:"indexers"`

	Port string `mapstructure:"port" yaml:"port"`
}

type ServerConfig struct {
	ID            string        `mapstructure:"id" yaml:"id"`
	Host          string        `mapstructure:"host" yaml:"host"`
	Port          int           `mapstructure:"port" yaml:"port"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"password"`
	TLS           bool          `mapstructure:"tls" yaml:"tls"`
	StartTLS      bool          `mapstructure:"starttls" yaml:"starttls"`
	MaxConnection int           `mapstructure:"max_connections" yaml:"max_connections"`
	Priority      int           `mapstructure:"priority" yaml:"priority"`
	FillOnly      bool          `mapstructure:"fill_only" yaml:"fill_only"`
	Enabled       *bool         `mapstructure:"enabled" yaml:"enabled"`
	RequireGroup  bool          `mapstructure:"require_group" yaml:"require_group"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// On reports the enabled flag; servers are enabled unless set otherwise.
func (s ServerConfig) On() bool { return s.Enabled == nil || *s.Enabled }

// Addr is host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// SameCredentials reports whether s and o authenticate identically.
func (s ServerConfig) SameCredentials(o ServerConfig) bool {
	return s.Username == o.Username && s.Password == o.Password
}

type DownloadConfig struct {
	Bandwidth            string        `mapstructure:"bandwidth" yaml:"bandwidth"`
	MinFreeSpace         string        `mapstructure:"min_free_space" yaml:"min_free_space"`
	StrictCRC            bool          `mapstructure:"strict_crc" yaml:"strict_crc"`
	FillInterleave       bool          `mapstructure:"fill_interleave" yaml:"fill_interleave"`
	TierWait             time.Duration `mapstructure:"tier_wait" yaml:"tier_wait"`
	RequiredCompleteness uint8         `mapstructure:"required_completeness" yaml:"required_completeness"`
	SnapshotInterval     time.Duration `mapstructure:"snapshot_interval" yaml:"snapshot_interval"`
	DiskCheckInterval    time.Duration `mapstructure:"disk_check_interval" yaml:"disk_check_interval"`
	Decoders             int           `mapstructure:"decoders" yaml:"decoders"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	// Parsed from the human-readable fields by validate.
	BandwidthBytes    int64 `mapstructure:"-" yaml:"-"`
	MinFreeSpaceBytes int64 `mapstructure:"-" yaml:"-"`
}

type StageTimeouts struct {
	Verify  time.Duration `mapstructure:"verify" yaml:"verify"`
	Extract time.Duration `mapstructure:"extract" yaml:"extract"`
	Rename  time.Duration `mapstructure:"rename" yaml:"rename"`
	Move    time.Duration `mapstructure:"move" yaml:"move"`
	Notify  time.Duration `mapstructure:"notify" yaml:"notify"`
}

type PostProcessConfig struct {
	Workers           int           `mapstructure:"workers" yaml:"workers"`
	Par2Path          string        `mapstructure:"par2_path" yaml:"par2_path"`
	UnrarPath         string        `mapstructure:"unrar_path" yaml:"unrar_path"`
	SevenZipPath      string        `mapstructure:"sevenzip_path" yaml:"sevenzip_path"`
	UnzipPath         string        `mapstructure:"unzip_path" yaml:"unzip_path"`
	Nice              int           `mapstructure:"nice" yaml:"nice"`
	IONiceClass       int           `mapstructure:"ionice_class" yaml:"ionice_class"`
	RecursiveExtract  bool          `mapstructure:"recursive_extract" yaml:"recursive_extract"`
	CleanupExtensions []string      `mapstructure:"cleanup_extensions" yaml:"cleanup_extensions"`
	DeobfuscateMin    string        `mapstructure:"deobfuscate_min_size" yaml:"deobfuscate_min_size"`
	Timeouts          StageTimeouts `mapstructure:"timeouts" yaml:"timeouts"`

	DeobfuscateMinBytes int64 `mapstructure:"-" yaml:"-"`
}

type CategoryRule struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Dir      string `mapstructure:"dir" yaml:"dir"`
	PP       *int   `mapstructure:"pp" yaml:"pp"`
	Script   string `mapstructure:"script" yaml:"script"`
	Priority string `mapstructure:"priority" yaml:"priority"`
	Newznab  []int  `mapstructure:"newznab" yaml:"newznab"`
}

type NotifyConfig struct {
	Script     string        `mapstructure:"script" yaml:"script"`
	WebhookURL string        `mapstructure:"webhook_url" yaml:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

type HistoryConfig struct {
	Driver     string `mapstructure:"driver" yaml:"driver"`
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	DSN        string `mapstructure:"dsn" yaml:"dsn"`
}

type APIKey struct {
	Name         string   `mapstructure:"name" yaml:"name"`
	Key          string   `mapstructure:"key" yaml:"key"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
}

// IndexerConfig is a Newznab indexer that NZBs can be fetched from by id.
type IndexerConfig struct {
	Name    string        `mapstructure:"name" yaml:"name"`
	URL     string        `mapstructure:"url" yaml:"url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type APIConfig struct {
	Keys []APIKey `mapstructure:"keys" yaml:"keys"`
}

// IncompleteDir is the spool root for in-flight jobs.
func (c *Config) IncompleteDir() string { return filepath.Join(c.DataRoot, "incomplete") }

// CompleteDir is the root that finished jobs are promoted into.
func (c *Config) CompleteDir() string { return filepath.Join(c.DataRoot, "complete") }

// NZBCacheDir holds NZB documents fetched from indexers.
func (c *Config) NZBCacheDir() string { return filepath.Join(c.DataRoot, "nzb") }

// SnapshotPath is the queue snapshot file.
func (c *Config) SnapshotPath() string { return filepath.Join(c.DataRoot, "queue.snapshot") }

// Server returns the server with the given id.
func (c *Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("data_root", "./data")
	v.SetDefault("download.min_free_space", "1GB")
	v.SetDefault("download.bandwidth", "0")
	v.SetDefault("download.strict_crc", true)
	v.SetDefault("download.tier_wait", "5m")
	v.SetDefault("download.required_completeness", 100)
	v.SetDefault("download.snapshot_interval", "30s")
	v.SetDefault("download.disk_check_interval", "10s")
	v.SetDefault("download.shutdown_timeout", "30s")
	v.SetDefault("postprocess.workers", 1)
	v.SetDefault("postprocess.ionice_class", 0)
	v.SetDefault("postprocess.cleanup_extensions", []string{"nzb", "par2", "sfv", "nfo"}) // sane default for completed cleanup
	v.SetDefault("postprocess.deobfuscate_min_size", "100MB")
	v.SetDefault("postprocess.timeouts.verify", "2h")
	v.SetDefault("postprocess.timeouts.extract", "2h")
	v.SetDefault("postprocess.timeouts.rename", "1m")
	v.SetDefault("postprocess.timeouts.move", "1h")
	v.SetDefault("postprocess.timeouts.notify", "5m")
	v.SetDefault("notify.timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("history.driver", "sqlite")
}

// ResolvePath applies the docker-style fallbacks used when no flag is given.
func ResolvePath(path string) (string, error) {
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		// FALLBACK: If we are in Docker (or similar) and didn't provide a flag, check /config/config.yaml
		if path == "config.yaml" {
			if _, errEx := os.Stat("/config/config.yaml"); errEx == nil {
				return "/config/config.yaml", nil
			} else if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				return "", fmt.Errorf("configuration file 'config.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp config.yaml.example config.yaml\n" +
					"Then edit it with your Usenet credentials.")
			}
		}
		return "", fmt.Errorf("config file not found: %s", path)
	}
	return path, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Support Environment Variables
	v.SetEnvPrefix("USENETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads, decodes and validates the file at path.
func Load(path string) (*Config, error) {
	path, err := ResolvePath(path)
	if err != nil {
		return nil, err
	}
	return decode(newViper(path))
}

func decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", v.ConfigFileUsed(), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate normalises defaults in place and rejects unusable values.
func (c *Config) Validate() error { return c.validate() }

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server[%d] requires a unique ID", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("server %s: duplicate ID", s.ID)
		}
		seen[s.ID] = true

		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.ID)
		}

		if s.Port == 0 {
			return fmt.Errorf("server %s: port is required", s.ID)
		}

		if s.TLS && s.StartTLS {
			return fmt.Errorf("server %s: tls and starttls are mutually exclusive", s.ID)
		}

		if s.MaxConnection <= 0 {
			// Default to a sane value
			c.Servers[i].MaxConnection = 10
		}

		if s.Priority < 0 {
			return fmt.Errorf("server %s: priority must not be negative", s.ID)
		}

		if s.Timeout <= 0 {
			c.Servers[i].Timeout = 60 * time.Second
		}

		if s.IdleTimeout <= 0 {
			c.Servers[i].IdleTimeout = 30 * time.Second
		}
	}

	if c.DataRoot == "" {
		c.DataRoot = "./data"
	}
	if c.Log.Path == "" {
		c.Log.Path = filepath.Join(c.DataRoot, "logs")
	}
	if c.History.SQLitePath == "" {
		c.History.SQLitePath = filepath.Join(c.DataRoot, "history.db")
	}

	switch c.History.Driver {
	case "", "sqlite":
		c.History.Driver = "sqlite"
	case "postgres":
		if c.History.DSN == "" {
			return errors.New("history: postgres driver requires dsn")
		}
	default:
		return fmt.Errorf("history: unknown driver %q", c.History.Driver)
	}

	var err error
	if c.Download.BandwidthBytes, err = parseSize(c.Download.Bandwidth); err != nil {
		return fmt.Errorf("download.bandwidth: %w", err)
	}
	if c.Download.MinFreeSpaceBytes, err = parseSize(c.Download.MinFreeSpace); err != nil {
		return fmt.Errorf("download.min_free_space: %w", err)
	}
	if c.PostProcess.DeobfuscateMinBytes, err = parseSize(c.PostProcess.DeobfuscateMin); err != nil {
		return fmt.Errorf("postprocess.deobfuscate_min_size: %w", err)
	}

	if c.Download.RequiredCompleteness == 0 || c.Download.RequiredCompleteness > 100 {
		c.Download.RequiredCompleteness = 100
	}
	if c.Download.TierWait <= 0 {
		c.Download.TierWait = 5 * time.Minute
	}
	if c.Download.SnapshotInterval <= 0 {
		c.Download.SnapshotInterval = 30 * time.Second
	}
	if c.Download.DiskCheckInterval <= 0 {
		c.Download.DiskCheckInterval = 10 * time.Second
	}
	if c.Download.ShutdownTimeout <= 0 {
		c.Download.ShutdownTimeout = 30 * time.Second
	}
	if c.PostProcess.Workers <= 0 {
		c.PostProcess.Workers = 1
	}

	for _, r := range c.Categories {
		if r.Name == "" {
			return errors.New("category rule requires a name")
		}
		if r.PP != nil && (*r.PP < 0 || *r.PP > 3) {
			return fmt.Errorf("category %s: pp must be 0-3", r.Name)
		}
	}

	for _, k := range c.API.Keys {
		if k.Key == "" {
			return fmt.Errorf("api key %q is empty", k.Name)
		}
		for _, c := range k.Capabilities {
			switch strings.ToLower(strings.TrimSpace(c)) {
			case "read", "add", "control", "admin":
			default:
				return fmt.Errorf("api key %q: unknown capability %q", k.Name, c)
			}
		}
	}

	names := make(map[string]bool, len(c.Indexers))
	for i := range c.Indexers {
		idx := &c.Indexers[i]
		if idx.Name == "" || idx.URL == "" {
			return fmt.Errorf("indexer[%d] requires a name and url", i)
		}
		if names[idx.Name] {
			return fmt.Errorf("indexer %s: duplicate name", idx.Name)
		}
		names[idx.Name] = true
		if idx.Timeout <= 0 {
			idx.Timeout = time.Minute
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	return nil
}

// parseSize accepts "0", plain byte counts and humanize sizes such as "10MB".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// ParseLevel checks that name is a known log level.
func ParseLevel(name string) (string, error) {
	switch strings.ToLower(name) {
	case "debug", "info", "warn", "error", "":
		return strings.ToLower(name), nil
	}
	return "", fmt.Errorf("log.level: unknown level %q", name)
}
