// Package config loads the demo gateway's YAML configuration file,
// grounded on internal/common/config's LoadConfig/SaveConfig pattern
// (yaml.v2 plus environment-variable overrides) adapted to this
// module's domain: a gateway listener, tunnel handshake timing, a
// reconnect policy section, and QVL verification inputs.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/r3e-network/ra-tunnel/internal/common/retry"
)

// Config is the top-level application configuration.
type Config struct {
	Environment string       `yaml:"environment"`
	LogLevel    string       `yaml:"logLevel"`
	Gateway     GatewayConfig `yaml:"gateway"`
	Tunnel      TunnelConfig `yaml:"tunnel"`
	Retry       RetryConfig  `yaml:"retry"`
	Verify      VerifyConfig `yaml:"verify"`
}

// VerifyConfig is the YAML-loadable form of a QVL verify.Config, for
// deployments where this server also verifies inbound quotes.
// PinnedRootDigests are hex-encoded 32-byte root digests.
// CRLFiles/ExtraCertFile are deliberately file paths rather than inline
// PEM/DER: refresh.Scheduler reloads them from disk on RefreshSchedule
// without restarting the process.
type VerifyConfig struct {
	PinnedRootDigests []string `yaml:"pinnedRootDigests"`
	CRLFiles          []string `yaml:"crlFiles"`
	ExtraCertFile     string   `yaml:"extraCertFile"`
	TCBRule           string   `yaml:"tcbRule"`
	RefreshSchedule   string   `yaml:"refreshSchedule"`
}

// GatewayConfig mirrors internal/gateway.Config's YAML-loadable fields.
type GatewayConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	EnableCORS     bool     `yaml:"enableCORS"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
}

// TunnelConfig mirrors internal/tunnel/control.Config's YAML-loadable
// knobs.
type TunnelConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeatTimeout"`
	RequestTimeout    time.Duration `yaml:"requestTimeout"`
}

// RetryConfig holds a reconnect backoff policy. No command reads it:
// cmd/cli's demo-client takes its retry settings from its own flags.
type RetryConfig struct {
	Policy   retry.Policy  `yaml:"policy"`
	Attempts int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"baseDelay"`
}

// DefaultConfig returns a configuration matching internal/gateway and
// internal/tunnel/control's own defaults.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		LogLevel:    "info",
		Gateway: GatewayConfig{
			Host:         "0.0.0.0",
			Port:         8443,
			EnableCORS:   false,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Tunnel: TunnelConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
		Retry: RetryConfig{
			Policy:    retry.PolicyExponential,
			Attempts:  5,
			BaseDelay: time.Second,
		},
		Verify: VerifyConfig{},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// DefaultConfig for any field the file omits, then applies
// RA_TUNNEL_*-prefixed environment variable overrides.
func LoadConfig(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config: file not found: %s", path)
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse file: %w", err)
	}

	applyEnvironmentVariables(cfg)
	return cfg, nil
}

func applyEnvironmentVariables(cfg *Config) {
	if env := os.Getenv("RA_TUNNEL_ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	if logLevel := os.Getenv("RA_TUNNEL_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if host := os.Getenv("RA_TUNNEL_GATEWAY_HOST"); host != "" {
		cfg.Gateway.Host = host
	}
	if port := os.Getenv("RA_TUNNEL_GATEWAY_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &cfg.Gateway.Port)
	}
}

// SaveConfig writes cfg to path as YAML, creating parent directories
// as needed.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to marshal config: %w", err)
	}

	if err := ioutil.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: failed to write file: %w", err)
	}
	return nil
}
