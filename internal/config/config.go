package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel string `yaml:"log-level" validate:"oneof=debug info warn error"`
	LogFile  string `yaml:"log-file"`
	DataDir  string `yaml:"data-dir" validate:"required"`

	Forward  ListenerConfig `yaml:"forward"`
	MITM     MITMConfig     `yaml:"mitm"`
	API      APIConfig      `yaml:"api"`
	Browser  BrowserConfig  `yaml:"browser"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Upstream UpstreamConfig `yaml:"upstream"`

	Plugins []string `yaml:"plugins" validate:"dive,oneof=passive-headers not-found"`
}

type ListenerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BindAddress string `yaml:"bind-address" validate:"ip"`
	Port        int    `yaml:"port" validate:"min=1,max=65535"`
}

type MITMConfig struct {
	ListenerConfig `yaml:",inline"`

	// CADir holds ca.pem and ca-key.pem. Empty means <data-dir>/mitm-ca.
	CADir string `yaml:"ca-dir"`
	// CAP12 is an optional base64 PKCS#12 bundle used instead of CADir.
	CAP12        string `yaml:"ca-p12"`
	CAPassphrase string `yaml:"ca-passphrase"`

	Hostnames          string `yaml:"hostnames"`
	CertCacheSize      int    `yaml:"cert-cache-size" validate:"min=1"`
	InsecureSkipVerify bool   `yaml:"insecure-skip-verify"`
}

type APIConfig struct {
	ListenerConfig `yaml:",inline"`

	Secret string `yaml:"secret"`
	Pprof  bool   `yaml:"pprof"`
}

type BrowserConfig struct {
	DevToolsURL string `yaml:"devtools-url" validate:"omitempty,url"`
	Target      string `yaml:"target"`
}

type LedgerConfig struct {
	// Database is the SQLite file. Empty means <data-dir>/seclab.db; ":memory:" keeps
	// flows in process memory only.
	Database     string `yaml:"database"`
	PreviewLimit int    `yaml:"preview-limit" validate:"min=2048,max=4096"`
}

type UpstreamConfig struct {
	Timeout time.Duration `yaml:"timeout" validate:"min=0"`
}

var validate = validator.New()

// BuildConfigFromViper decodes the merged viper state (defaults, config file, env and
// flags) into a validated Config.
func BuildConfigFromViper() (*Config, error) {
	var cfg Config
	err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.Squash = true
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.MITM.CADir == "" {
		c.MITM.CADir = filepath.Join(c.DataDir, "mitm-ca")
	}
	if c.Ledger.Database == "" {
		c.Ledger.Database = filepath.Join(c.DataDir, "seclab.db")
	}
	if c.MITM.Hostnames == "" {
		c.MITM.Hostnames = "*:0"
	}
	for i, p := range c.Plugins {
		c.Plugins[i] = strings.ToLower(strings.TrimSpace(p))
	}
}

func (l ListenerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.BindAddress, l.Port)
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("Log Level", c.LogLevel),
		slog.String("Data Dir", c.DataDir),
		slog.Bool("Forward Proxy", c.Forward.Enabled),
		slog.String("Forward Address", c.Forward.Addr()),
		slog.Bool("MITM Proxy", c.MITM.Enabled),
		slog.String("MITM Address", c.MITM.Addr()),
		slog.String("MITM Hostnames", c.MITM.Hostnames),
		slog.Bool("API", c.API.Enabled),
		slog.String("API Address", c.API.Addr()),
		slog.String("DevTools URL", c.Browser.DevToolsURL),
		slog.String("Database", c.Ledger.Database),
		slog.Int("Preview Limit", c.Ledger.PreviewLimit),
		slog.Any("Plugins", c.Plugins),
	)
}
