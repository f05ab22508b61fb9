package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v3"
)

func GenerateTemplateConfig(writeToFile bool) (Config, error) {
	cfg := Config{
		LogLevel: "info",
		DataDir:  "data",

		Forward: ListenerConfig{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8080,
		},
		MITM: MITMConfig{
			ListenerConfig: ListenerConfig{
				Enabled:     true,
				BindAddress: "127.0.0.1",
				Port:        8081,
			},
			Hostnames:     "*:0",
			CertCacheSize: 1024,
		},
		API: APIConfig{
			ListenerConfig: ListenerConfig{
				Enabled:     true,
				BindAddress: "127.0.0.1",
				Port:        3001,
			},
		},
		Ledger: LedgerConfig{
			PreviewLimit: 4096,
		},
		Upstream: UpstreamConfig{
			Timeout: 30 * time.Second,
		},
		Plugins: []string{"passive-headers", "not-found"},
	}

	if writeToFile {
		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return Config{}, fmt.Errorf("failed to marshal template config to YAML: %w", err)
		}
		if err := os.WriteFile("config.yaml", data, 0644); err != nil {
			return Config{}, fmt.Errorf("failed to write template config to file: %w", err)
		}
	}
	return cfg, nil
}
