package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	yaml := `
server:
  listen: ":9000"
  allowed_origins:
    - https://app.example.com
upstream:
  url: wss://api.mainnet-beta.solana.com
subscriptions:
  grace_period: 10s
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Listen != ":9000" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, ":9000")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("Server.AllowedOrigins = %v, want [https://app.example.com]", cfg.Server.AllowedOrigins)
	}
	if cfg.Upstream.URL != "wss://api.mainnet-beta.solana.com" {
		t.Errorf("Upstream.URL = %q, want %q", cfg.Upstream.URL, "wss://api.mainnet-beta.solana.com")
	}
	if cfg.Subscriptions.GracePeriod != 10*time.Second {
		t.Errorf("Subscriptions.GracePeriod = %v, want 10s", cfg.Subscriptions.GracePeriod)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_URL", "wss://rpc.example.com")

	yaml := `
upstream:
  url: ${TEST_UPSTREAM_URL}
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Upstream.URL != "wss://rpc.example.com" {
		t.Errorf("Upstream.URL = %q, want %q", cfg.Upstream.URL, "wss://rpc.example.com")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	yaml := `
upstream:
  url: wss://rpc.example.com
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	// Check defaults were applied
	if cfg.Server.Listen != DefaultListen {
		t.Errorf("Server.Listen = %q, want default %q", cfg.Server.Listen, DefaultListen)
	}
	if cfg.Upstream.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("Upstream.RequestTimeout = %v, want default %v", cfg.Upstream.RequestTimeout, DefaultRequestTimeout)
	}
	if cfg.Upstream.ReconnectBaseDelay != DefaultReconnectBaseDelay {
		t.Errorf("Upstream.ReconnectBaseDelay = %v, want default %v", cfg.Upstream.ReconnectBaseDelay, DefaultReconnectBaseDelay)
	}
	if cfg.Subscriptions.GracePeriod != DefaultGracePeriod {
		t.Errorf("Subscriptions.GracePeriod = %v, want default %v", cfg.Subscriptions.GracePeriod, DefaultGracePeriod)
	}
	if cfg.Metrics.Port != DefaultMetricsPort {
		t.Errorf("Metrics.Port = %d, want default %d", cfg.Metrics.Port, DefaultMetricsPort)
	}
}

func TestValidate(t *testing.T) {
	valid := func() ProxyConfig {
		cfg := ProxyConfig{}
		cfg.Upstream.URL = "wss://rpc.example.com"
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*ProxyConfig)
		wantErr string
	}{
		{
			name:    "missing upstream url",
			mutate:  func(c *ProxyConfig) { c.Upstream.URL = "" },
			wantErr: "upstream.url is required",
		},
		{
			name:    "non-websocket upstream url",
			mutate:  func(c *ProxyConfig) { c.Upstream.URL = "https://rpc.example.com" },
			wantErr: `upstream.url must use ws:// or wss://, got "https://rpc.example.com"`,
		},
		{
			name: "max delay below base delay",
			mutate: func(c *ProxyConfig) {
				c.Upstream.ReconnectBaseDelay = 10 * time.Second
				c.Upstream.ReconnectMaxDelay = time.Second
			},
			wantErr: "upstream.reconnect_max_delay (1s) cannot be less than reconnect_base_delay (10s)",
		},
		{
			name:    "zero grace period",
			mutate:  func(c *ProxyConfig) { c.Subscriptions.GracePeriod = 0 },
			wantErr: "subscriptions.grace_period must be positive",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *ProxyConfig) { c.Metrics.Port = 70000 },
			wantErr: "metrics.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "valid config",
			mutate:  func(c *ProxyConfig) {},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			} else {
				if err == nil {
					t.Errorf("Validate() expected error %q, got nil", tt.wantErr)
				} else if err.Error() != tt.wantErr {
					t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
				}
			}
		})
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
