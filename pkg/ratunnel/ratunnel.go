// Package ratunnel is the small public surface for embedding QVL
// verification and the attested tunnel in another program, re-exporting
// the internal packages' entry points without re-implementing them.
package ratunnel

import (
	"time"

	"github.com/r3e-network/ra-tunnel/internal/gateway"
	"github.com/r3e-network/ra-tunnel/internal/qvl/qvlcache"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/kxcrypto"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/tunnelclient"
)

// VerifyConfig mirrors verify.Config for callers that only need the
// QVL surface.
type VerifyConfig = verify.Config

// VerifyResult mirrors verify.Result.
type VerifyResult = verify.Result

// MeasurementPin mirrors verify.MeasurementPin.
type MeasurementPin = verify.MeasurementPin

// VerifyTDX verifies a TDX (v4/v5) DCAP quote.
func VerifyTDX(quote []byte, cfg VerifyConfig) (*VerifyResult, error) {
	return verify.VerifyTDX(quote, cfg)
}

// VerifySGX verifies an SGX (v3) DCAP quote.
func VerifySGX(quote []byte, cfg VerifyConfig) (*VerifyResult, error) {
	return verify.VerifySGX(quote, cfg)
}

// CachedVerifier mirrors qvlcache.CachedVerifier: VerifyTDX/VerifySGX
// with a result cache and rate limiter in front, for embedders that
// re-verify the same quote bytes repeatedly (e.g. across reconnects).
type CachedVerifier = qvlcache.CachedVerifier

// VerificationLimiter mirrors qvlcache.Limiter, the token-bucket guard
// a CachedVerifier can be built with.
type VerificationLimiter = qvlcache.Limiter

// NewVerificationLimiter builds a VerificationLimiter allowing
// ratePerSecond calls per second with the given burst size.
func NewVerificationLimiter(ratePerSecond float64, burst int) *VerificationLimiter {
	return qvlcache.NewLimiter(ratePerSecond, burst)
}

// NewCachedVerifier builds a CachedVerifier holding up to maxSize
// verdicts for ttl. limiter may be nil to disable rate limiting.
func NewCachedVerifier(maxSize int, ttl time.Duration, limiter *VerificationLimiter) (*CachedVerifier, error) {
	return qvlcache.NewCachedVerifier(maxSize, ttl, limiter)
}

// KeyPair mirrors kxcrypto.KeyPair, the handshake identity type servers
// and clients generate once at startup.
type KeyPair = kxcrypto.KeyPair

// GenerateKeyPair creates a fresh X25519 key pair for tunnel handshakes.
func GenerateKeyPair() (*KeyPair, error) {
	return kxcrypto.GenerateKeyPair()
}

// ServerConfig mirrors gateway.Config.
type ServerConfig = gateway.Config

// ServerDependencies mirrors gateway.Dependencies.
type ServerDependencies = gateway.Dependencies

// Server mirrors gateway.Server.
type Server = gateway.Server

// NewServer builds a demo hosting server wired with the tunnel control
// channel and the encrypted_only gate.
func NewServer(cfg *ServerConfig, deps *ServerDependencies) (*Server, error) {
	return gateway.NewServer(cfg, deps)
}

// ClientConfig mirrors tunnelclient.Config.
type ClientConfig = tunnelclient.Config

// Client mirrors tunnelclient.Client: the reconnecting client side of
// a control channel, exposing Fetch and OpenStream.
type Client = tunnelclient.Client

// Stream mirrors tunnelclient.Stream, the client-side logical
// WebSocket endpoint.
type Stream = tunnelclient.Stream

// NewClient builds a reconnecting tunnel client from cfg.
func NewClient(cfg ClientConfig) *Client {
	return tunnelclient.New(cfg)
}

// DefaultHeartbeatInterval and friends mirror control's defaults for
// callers assembling a ServerConfig without importing internal/tunnel.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultReconnectDelay    = 1 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
)
