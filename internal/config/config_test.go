package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"
)

// resetViper resets viper global state and sets the required defaults
// to mirror what initConfig() in cmd/root.go does.
func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	viper.SetDefault("log-level", "info")
	viper.SetDefault("data-dir", "data")
	viper.SetDefault("forward.enabled", true)
	viper.SetDefault("forward.bind-address", "127.0.0.1")
	viper.SetDefault("forward.port", 8080)
	viper.SetDefault("mitm.enabled", true)
	viper.SetDefault("mitm.bind-address", "127.0.0.1")
	viper.SetDefault("mitm.port", 8081)
	viper.SetDefault("mitm.cert-cache-size", 1024)
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.bind-address", "127.0.0.1")
	viper.SetDefault("api.port", 3001)
	viper.SetDefault("ledger.preview-limit", 4096)
	viper.SetDefault("upstream.timeout", "30s")
	viper.SetDefault("plugins", []string{"passive-headers", "not-found"})
}

// writeConfigFile writes YAML content to a temp file and configures viper to read it.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

// loadConfigFile merges a YAML config file into viper.
func loadConfigFile(t *testing.T, path string) {
	t.Helper()
	viper.SetConfigFile(path)
	if err := viper.MergeInConfig(); err != nil {
		t.Fatalf("failed to merge config file: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	resetViper(t)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"LogLevel", cfg.LogLevel, "info"},
		{"DataDir", cfg.DataDir, "data"},
		{"Forward.Enabled", cfg.Forward.Enabled, true},
		{"Forward.Addr", cfg.Forward.Addr(), "127.0.0.1:8080"},
		{"MITM.Enabled", cfg.MITM.Enabled, true},
		{"MITM.Addr", cfg.MITM.Addr(), "127.0.0.1:8081"},
		{"MITM.CADir", cfg.MITM.CADir, filepath.Join("data", "mitm-ca")},
		{"MITM.Hostnames", cfg.MITM.Hostnames, "*:0"},
		{"MITM.CertCacheSize", cfg.MITM.CertCacheSize, 1024},
		{"API.Addr", cfg.API.Addr(), "127.0.0.1:3001"},
		{"API.Secret", cfg.API.Secret, ""},
		{"Browser.DevToolsURL", cfg.Browser.DevToolsURL, ""},
		{"Ledger.Database", cfg.Ledger.Database, filepath.Join("data", "seclab.db")},
		{"Ledger.PreviewLimit", cfg.Ledger.PreviewLimit, 4096},
		{"Upstream.Timeout", cfg.Upstream.Timeout, 30 * time.Second},
		{"Plugins", len(cfg.Plugins), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestConfigFromFile(t *testing.T) {
	resetViper(t)

	yaml := `
log-level: debug
data-dir: /var/lib/seclab
forward:
  enabled: false
  bind-address: 0.0.0.0
  port: 18080
mitm:
  port: 18081
  hostnames: "*.example.com:443,api.test"
  insecure-skip-verify: true
api:
  port: 13001
  secret: s3cret
browser:
  devtools-url: http://127.0.0.1:9222
  target: ABCDEF
ledger:
  database: ":memory:"
  preview-limit: 2048
upstream:
  timeout: 5s
plugins:
  - passive-headers
`
	path := writeConfigFile(t, yaml)
	loadConfigFile(t, path)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.Forward.Enabled {
		t.Error("Forward.Enabled should be false")
	}
	if cfg.Forward.Addr() != "0.0.0.0:18080" {
		t.Errorf("Forward.Addr = %v, want 0.0.0.0:18080", cfg.Forward.Addr())
	}
	if cfg.MITM.Port != 18081 {
		t.Errorf("MITM.Port = %v, want 18081", cfg.MITM.Port)
	}
	if cfg.MITM.BindAddress != "127.0.0.1" {
		t.Errorf("MITM.BindAddress = %v, want 127.0.0.1 (default)", cfg.MITM.BindAddress)
	}
	if cfg.MITM.CADir != filepath.Join("/var/lib/seclab", "mitm-ca") {
		t.Errorf("MITM.CADir = %v", cfg.MITM.CADir)
	}
	if cfg.MITM.Hostnames != "*.example.com:443,api.test" {
		t.Errorf("MITM.Hostnames = %v", cfg.MITM.Hostnames)
	}
	if !cfg.MITM.InsecureSkipVerify {
		t.Error("MITM.InsecureSkipVerify should be true")
	}
	if cfg.API.Secret != "s3cret" {
		t.Errorf("API.Secret = %v, want s3cret", cfg.API.Secret)
	}
	if cfg.Browser.DevToolsURL != "http://127.0.0.1:9222" || cfg.Browser.Target != "ABCDEF" {
		t.Errorf("Browser = %+v", cfg.Browser)
	}
	if cfg.Ledger.Database != ":memory:" {
		t.Errorf("Ledger.Database = %v, want :memory:", cfg.Ledger.Database)
	}
	if cfg.Ledger.PreviewLimit != 2048 {
		t.Errorf("Ledger.PreviewLimit = %v, want 2048", cfg.Ledger.PreviewLimit)
	}
	if cfg.Upstream.Timeout != 5*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 5s", cfg.Upstream.Timeout)
	}
	if len(cfg.Plugins) != 1 || cfg.Plugins[0] != "passive-headers" {
		t.Errorf("Plugins = %v", cfg.Plugins)
	}
}

func TestCaseNormalization(t *testing.T) {
	resetViper(t)

	viper.Set("log-level", "DEBUG")
	viper.Set("plugins", []string{"Passive-Headers"})

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
	if cfg.Plugins[0] != "passive-headers" {
		t.Errorf("Plugins[0] = %v, want passive-headers", cfg.Plugins[0])
	}
}

func TestValidation_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		key  string
		port int
	}{
		{"forward_zero", "forward.port", 0},
		{"forward_negative", "forward.port", -1},
		{"mitm_too_large", "mitm.port", 70000},
		{"api_too_large", "api.port", 65536},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			viper.Set(tt.key, tt.port)

			_, err := BuildConfigFromViper()
			if err == nil {
				t.Fatalf("expected validation error for %s=%d, got nil", tt.key, tt.port)
			}
		})
	}
}

func TestValidation_InvalidLogLevel(t *testing.T) {
	resetViper(t)
	viper.Set("log-level", "TRACE")

	_, err := BuildConfigFromViper()
	if err == nil {
		t.Fatal("expected validation error for invalid log-level, got nil")
	}
}

func TestValidation_InvalidBindAddress(t *testing.T) {
	resetViper(t)
	viper.Set("forward.bind-address", "not-an-ip")

	_, err := BuildConfigFromViper()
	if err == nil {
		t.Fatal("expected validation error for invalid bind-address, got nil")
	}
}

func TestValidation_PreviewLimitBounds(t *testing.T) {
	tests := []struct {
		limit   int
		wantErr bool
	}{
		{2047, true},
		{2048, false},
		{3000, false},
		{4096, false},
		{4097, true},
	}
	for _, tt := range tests {
		resetViper(t)
		viper.Set("ledger.preview-limit", tt.limit)

		_, err := BuildConfigFromViper()
		if (err != nil) != tt.wantErr {
			t.Errorf("preview-limit %d: err = %v, wantErr %v", tt.limit, err, tt.wantErr)
		}
	}
}

func TestValidation_UnknownPlugin(t *testing.T) {
	resetViper(t)
	viper.Set("plugins", []string{"passive-headers", "sqlmap"})

	_, err := BuildConfigFromViper()
	if err == nil {
		t.Fatal("expected validation error for unknown plugin, got nil")
	}
}

func TestValidation_InvalidDevToolsURL(t *testing.T) {
	resetViper(t)
	viper.Set("browser.devtools-url", "not a url")

	_, err := BuildConfigFromViper()
	if err == nil {
		t.Fatal("expected validation error for invalid devtools-url, got nil")
	}
}

func TestViperSetOverridesConfigFile(t *testing.T) {
	resetViper(t)

	yaml := `
forward:
  port: 9090
api:
  secret: file
`
	path := writeConfigFile(t, yaml)
	loadConfigFile(t, path)

	// Simulate CLI flag override via viper.Set (highest priority)
	viper.Set("forward.port", 7070)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Forward.Port != 7070 {
		t.Errorf("Forward.Port = %d, want 7070 (CLI override)", cfg.Forward.Port)
	}
	if cfg.API.Secret != "file" {
		t.Errorf("API.Secret = %v, want file (from file)", cfg.API.Secret)
	}
}

func TestEnvVarOverridesDefault(t *testing.T) {
	resetViper(t)

	_ = viper.BindEnv("forward.port", "SECLAB_FORWARD_PORT", "PROXY_PORT")
	_ = viper.BindEnv("api.secret", "SECLAB_API_SECRET", "ADMIN_TOKEN")

	t.Setenv("PROXY_PORT", "3333")
	t.Setenv("ADMIN_TOKEN", "env-token")

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Forward.Port != 3333 {
		t.Errorf("Forward.Port = %d, want 3333 (from env)", cfg.Forward.Port)
	}
	if cfg.API.Secret != "env-token" {
		t.Errorf("API.Secret = %v, want env-token (from env)", cfg.API.Secret)
	}
}

func TestLogValue(t *testing.T) {
	resetViper(t)

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	val := cfg.LogValue()
	if val.Kind() != slog.KindGroup {
		t.Errorf("LogValue().Kind() = %v, want Group", val.Kind())
	}
}

func TestUnmarshalDirectly(t *testing.T) {
	// Struct tags must match the keys viper produces.
	resetViper(t)

	viper.Set("mitm.bind-address", "192.168.1.1")
	viper.Set("mitm.port", 2222)
	viper.Set("api.secret", "abc")

	var cfg Config
	err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
		dc.Squash = true
	})
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if cfg.MITM.BindAddress != "192.168.1.1" {
		t.Errorf("MITM.BindAddress = %v, want 192.168.1.1", cfg.MITM.BindAddress)
	}
	if cfg.MITM.Port != 2222 {
		t.Errorf("MITM.Port = %d, want 2222", cfg.MITM.Port)
	}
	if cfg.API.Secret != "abc" {
		t.Errorf("API.Secret = %v, want abc", cfg.API.Secret)
	}
}

func TestTemplateConfigRoundTrip(t *testing.T) {
	tmpl, err := GenerateTemplateConfig(false)
	if err != nil {
		t.Fatalf("GenerateTemplateConfig: %v", err)
	}
	data, err := yaml.Marshal(&tmpl)
	if err != nil {
		t.Fatalf("yaml.Marshal: %v", err)
	}

	resetViper(t)
	loadConfigFile(t, writeConfigFile(t, string(data)))

	cfg, err := BuildConfigFromViper()
	if err != nil {
		t.Fatalf("template config failed to validate: %v", err)
	}
	if cfg.MITM.Addr() != "127.0.0.1:8081" {
		t.Errorf("MITM.Addr = %v, want 127.0.0.1:8081", cfg.MITM.Addr())
	}
	if cfg.Upstream.Timeout != 30*time.Second {
		t.Errorf("Upstream.Timeout = %v, want 30s", cfg.Upstream.Timeout)
	}
}
