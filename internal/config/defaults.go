package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultListen             = ":8900"
	DefaultRequestTimeout     = 30 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultPingInterval       = 15 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultMessageBuffer      = 1000
	DefaultGracePeriod        = 30 * time.Second
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
)

func (c *ProxyConfig) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Upstream.RequestTimeout == 0 {
		c.Upstream.RequestTimeout = DefaultRequestTimeout
	}
	if c.Upstream.ReconnectBaseDelay == 0 {
		c.Upstream.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Upstream.ReconnectMaxDelay == 0 {
		c.Upstream.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Upstream.PingInterval == 0 {
		c.Upstream.PingInterval = DefaultPingInterval
	}
	if c.Upstream.PingTimeout == 0 {
		c.Upstream.PingTimeout = DefaultPingTimeout
	}
	if c.Upstream.WriteTimeout == 0 {
		c.Upstream.WriteTimeout = DefaultWriteTimeout
	}
	if c.Upstream.MessageBuffer == 0 {
		c.Upstream.MessageBuffer = DefaultMessageBuffer
	}

	if c.Subscriptions.GracePeriod == 0 {
		c.Subscriptions.GracePeriod = DefaultGracePeriod
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
