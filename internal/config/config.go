// Package config loads and validates the proxy configuration from a
// YAML file with ${VAR} environment expansion.
package config

import "time"

// ProxyConfig is the root configuration.
type ProxyConfig struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig configures the client-facing websocket endpoint.
type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// UpstreamConfig configures the provider connection.
type UpstreamConfig struct {
	URL                string        `yaml:"url"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	PingInterval       time.Duration `yaml:"ping_interval"`
	PingTimeout        time.Duration `yaml:"ping_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	MessageBuffer      int           `yaml:"message_buffer"`
}

// SubscriptionsConfig configures registry behavior.
type SubscriptionsConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// MetricsConfig configures the health and metrics endpoint.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
