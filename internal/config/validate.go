package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *ProxyConfig) Validate() error {
	if c.Upstream.URL == "" {
		return errors.New("upstream.url is required")
	}
	if !strings.HasPrefix(c.Upstream.URL, "ws://") && !strings.HasPrefix(c.Upstream.URL, "wss://") {
		return fmt.Errorf("upstream.url must use ws:// or wss://, got %q", c.Upstream.URL)
	}

	if c.Upstream.RequestTimeout <= 0 {
		return errors.New("upstream.request_timeout must be positive")
	}
	if c.Upstream.ReconnectBaseDelay <= 0 {
		return errors.New("upstream.reconnect_base_delay must be positive")
	}
	if c.Upstream.ReconnectMaxDelay < c.Upstream.ReconnectBaseDelay {
		return fmt.Errorf("upstream.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			c.Upstream.ReconnectMaxDelay, c.Upstream.ReconnectBaseDelay)
	}
	if c.Upstream.MessageBuffer < 1 {
		return errors.New("upstream.message_buffer must be >= 1")
	}

	if c.Subscriptions.GracePeriod <= 0 {
		return errors.New("subscriptions.grace_period must be positive")
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}
