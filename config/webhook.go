package config

import (
	"time"
)

// WebhookConfig describes one webhook subscriber.
type WebhookConfig struct {
	ID          string   `toml:"id"` // Sent as the hook ID header (defaults to the 1-based position in the list)
	URL         string   `toml:"url"`
	Events      []string `toml:"events"`       // allow, report, reset, addbl, delbl, expirebl, addwl, delwl, expirewl
	Secret      string   `toml:"secret"`       // HMAC-SHA256 signing secret
	BasicAuth   string   `toml:"basic_auth"`   // "user:password"
	ContentType string   `toml:"content_type"` // default: "application/json"
	AllowFilter []string `toml:"allow_filter"` // For allow events: "reject", "allow" (empty sends all)
	Rate        float64  `toml:"rate"`         // Deliveries per second (0 = unlimited)
	Workers     int      `toml:"workers"`      // Concurrent deliveries (default: 2)
	QueueSize   int      `toml:"queue_size"`   // Pending deliveries before dropping (default: 1000)
	Timeout     string   `toml:"timeout"`      // HTTP timeout (default: "5s")

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening circuit (default: 5)
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"` // Max requests in half-open state (default: 3)
}

// Subscribes reports whether the hook wants the named event.
func (w *WebhookConfig) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

func (w *WebhookConfig) GetTimeout() (time.Duration, error) {
	return parseDurationWithDefault(w.Timeout, 5*time.Second)
}

func (w *WebhookConfig) GetWorkers() int {
	if w.Workers > 0 {
		return w.Workers
	}
	return 2
}

func (w *WebhookConfig) GetQueueSize() int {
	if w.QueueSize > 0 {
		return w.QueueSize
	}
	return 1000
}

func (w *WebhookConfig) GetContentType() string {
	if w.ContentType != "" {
		return w.ContentType
	}
	return "application/json"
}

// GetCircuitBreakerThreshold returns the circuit breaker failure threshold with default
func (w *WebhookConfig) GetCircuitBreakerThreshold() int {
	if w.CircuitBreakerThreshold <= 0 {
		return 5
	}
	return w.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (w *WebhookConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	return parseDurationWithDefault(w.CircuitBreakerTimeout, 30*time.Second)
}

// GetCircuitBreakerMaxRequests returns the max requests in half-open state with default
func (w *WebhookConfig) GetCircuitBreakerMaxRequests() int {
	if w.CircuitBreakerMaxRequests <= 0 {
		return 3
	}
	return w.CircuitBreakerMaxRequests
}
