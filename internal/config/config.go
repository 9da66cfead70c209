// Package config loads the zcm-spy configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"zcm/internal/core/channel"
	"zcm/internal/core/datagram"
	"zcm/internal/core/fragment"
)

// DefaultURL is the transport used when none is configured.
const DefaultURL = "udpm://239.255.76.67:7667?ttl=0"

type Config struct {
	// URL selects the medium, see network.RegisterBuiltins.
	URL        string           `mapstructure:"url"`
	Log        LogConfig        `mapstructure:"log"`
	Reassembly ReassemblyConfig `mapstructure:"reassembly"`
	Transport  TransportConfig  `mapstructure:"transport"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Spy        SpyConfig        `mapstructure:"spy"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// ReassemblyConfig bounds the memory spent on fragmented messages.
type ReassemblyConfig struct {
	MaxMessageSize int           `mapstructure:"max_message_size"`
	MaxTotalBytes  int           `mapstructure:"max_total_bytes"`
	MaxBuffers     int           `mapstructure:"max_buffers"`
	BufferTTL      time.Duration `mapstructure:"buffer_ttl"`
}

func (r ReassemblyConfig) Fragment() fragment.Config {
	return fragment.Config{
		MaxMessageSize: r.MaxMessageSize,
		MaxTotalBytes:  r.MaxTotalBytes,
		MaxBuffers:     r.MaxBuffers,
		BufferTTL:      r.BufferTTL,
	}
}

type TransportConfig struct {
	FilterByInterest bool          `mapstructure:"filter_by_interest"`
	SendQueue        int           `mapstructure:"send_queue"`
	RecvQueue        int           `mapstructure:"recv_queue"`
	ReportInterval   time.Duration `mapstructure:"report_interval"`
}

type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

type SpyConfig struct {
	// Pattern selects the channels to track.
	Pattern string `mapstructure:"pattern"`
	// Window is the span over which rates are computed.
	Window time.Duration `mapstructure:"window"`
}

func Default() *Config {
	return &Config{
		URL: DefaultURL,
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Reassembly: ReassemblyConfig{
			MaxMessageSize: fragment.DefaultMaxMessageSize,
			MaxTotalBytes:  fragment.DefaultMaxTotalBytes,
			MaxBuffers:     fragment.DefaultMaxBuffers,
		},
		Transport: TransportConfig{
			SendQueue:      128,
			RecvQueue:      128,
			ReportInterval: datagram.DefaultReportInterval,
		},
		HTTP: HTTPConfig{Listen: ":8080"},
		Spy:  SpyConfig{Pattern: ".*", Window: 5 * time.Second},
	}
}

// Load reads configuration from path, or from zcm.yaml in the usual places
// when path is empty. Environment variables use the prefix ZCM with dots
// replaced by underscores, e.g. ZCM_LOG_LEVEL=debug. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ZCM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("url", cfg.URL)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("reassembly.max_message_size", cfg.Reassembly.MaxMessageSize)
	v.SetDefault("reassembly.max_total_bytes", cfg.Reassembly.MaxTotalBytes)
	v.SetDefault("reassembly.max_buffers", cfg.Reassembly.MaxBuffers)
	v.SetDefault("reassembly.buffer_ttl", cfg.Reassembly.BufferTTL)
	v.SetDefault("transport.filter_by_interest", cfg.Transport.FilterByInterest)
	v.SetDefault("transport.send_queue", cfg.Transport.SendQueue)
	v.SetDefault("transport.recv_queue", cfg.Transport.RecvQueue)
	v.SetDefault("transport.report_interval", cfg.Transport.ReportInterval)
	v.SetDefault("http.listen", cfg.HTTP.Listen)
	v.SetDefault("spy.pattern", cfg.Spy.Pattern)
	v.SetDefault("spy.window", cfg.Spy.Window)

	if path == "" {
		path = os.Getenv("ZCM_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("zcm")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".zcm"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks c and fills empty log settings.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required")
	}
	if _, err := channel.Parse(c.Spy.Pattern); err != nil {
		return fmt.Errorf("invalid spy.pattern: %w", err)
	}
	if c.Spy.Window <= 0 {
		return fmt.Errorf("invalid spy.window: %s", c.Spy.Window)
	}
	r := c.Reassembly
	if r.MaxMessageSize < 0 || r.MaxTotalBytes < 0 || r.MaxBuffers < 0 || r.BufferTTL < 0 {
		return errors.New("reassembly limits must not be negative")
	}
	if r.MaxTotalBytes > 0 && r.MaxMessageSize > r.MaxTotalBytes {
		return fmt.Errorf("reassembly.max_message_size %d exceeds max_total_bytes %d", r.MaxMessageSize, r.MaxTotalBytes)
	}
	return nil
}
