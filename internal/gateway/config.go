package gateway

import "time"

// Config configures the demo hosting server, generalized from
// apiservice.Config's port/timeout/CORS knobs.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableCORS     bool
	AllowedOrigins []string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RequestTimeout    time.Duration

	// MetricsNamespace prefixes the gateway's own HTTP metrics,
	// distinct from tunnelmetrics/qvlmetrics.
	MetricsNamespace string
	// ControlRateLimitPerMinute caps control-channel upgrade attempts
	// per remote IP per minute. Zero disables the limiter.
	ControlRateLimitPerMinute int
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Port <= 0 {
		out.Port = 8443
	}
	if out.Host == "" {
		out.Host = "0.0.0.0"
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 30 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 30 * time.Second
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = 60 * time.Second
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 30 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 60 * time.Second
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.MetricsNamespace == "" {
		out.MetricsNamespace = "ratunnel"
	}
	return &out
}
