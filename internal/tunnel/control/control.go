// Package control implements the tunnel control-channel state machine:
// handshake sequencing, the post-handshake invariants (no plaintext,
// single key latch, key-required gating) and heartbeat.
package control

import (
	"context"
	"crypto/sha512"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/r3e-network/ra-tunnel/internal/common/errors"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/kxcrypto"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/tunnelmetrics"
)

// State is the control channel's lifecycle stage.
type State int

const (
	StateAwaitingConfirm State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfirm:
		return "awaiting_confirm"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default handshake and heartbeat timing knobs.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultReconnectDelay    = 1 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
)

// OuterConn is the minimal outer-WebSocket surface the control channel
// needs; internal/gateway/outerws provides a concrete implementation
// over gorilla/websocket.
type OuterConn interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Config configures one side of a control channel.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectDelay    time.Duration
	HandshakeLimiter  *rate.Limiter // bounds client_kx retry storms per socket
	Logger            *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval == 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = DefaultReconnectDelay
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// ServerChannel is the server side of one outer control socket: it
// owns the ephemeral handshake key pair, latches the client's
// symmetric key exactly once, and gates outbound encrypted traffic.
type ServerChannel struct {
	conn   OuterConn
	cfg    Config
	keys   *kxcrypto.KeyPair
	quote  []byte

	mu           sync.Mutex
	state        State
	symmetricKey *[kxcrypto.KeySize]byte
	lastActivity time.Time
}

// NewServerChannel creates a server-side control channel bound to
// conn, and immediately sends server_kx over it.
func NewServerChannel(conn OuterConn, keys *kxcrypto.KeyPair, quote []byte, cfg Config) (*ServerChannel, error) {
	sc := &ServerChannel{
		conn:         conn,
		cfg:          cfg.withDefaults(),
		keys:         keys,
		quote:        quote,
		state:        StateAwaitingConfirm,
		lastActivity: time.Now(),
	}
	if err := sc.sendServerKX(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *ServerChannel) sendServerKX() error {
	frame := envelope.ServerKX{
		Type:            envelope.TypeServerKX,
		X25519PublicKey: sc.keys.Public[:],
		Quote:           sc.quote,
	}
	data, err := envelope.Marshal(frame)
	if err != nil {
		return fmt.Errorf("control: marshal server_kx: %w", err)
	}
	if err := sc.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("control: write server_kx: %w", err)
	}
	tunnelmetrics.ObserveFrame("outbound", envelope.TypeServerKX)
	return nil
}

// HandleFrame processes one inbound CBOR frame from the outer socket.
// Non-enc frames are dropped with a warning once established; the
// first client_kx latches the symmetric key, and any later one is
// dropped with a warning.
func (sc *ServerChannel) HandleFrame(raw []byte) {
	sc.mu.Lock()
	sc.lastActivity = time.Now()
	state := sc.state
	sc.mu.Unlock()

	if state == StateClosed {
		return
	}

	frameType, err := envelope.PeekType(raw)
	if err != nil {
		sc.cfg.Logger.Warn("control: malformed frame", zap.Error(err))
		return
	}

	switch frameType {
	case envelope.TypeClientKX:
		sc.handleClientKX(raw)
	case envelope.TypeEnc:
		tunnelmetrics.ObserveFrame("inbound", envelope.TypeEnc)
		// Decryption and inner-frame dispatch happen one layer up
		// (httpdispatch/wsmux), once a symmetric key is latched.
	default:
		sc.cfg.Logger.Warn("control: dropping non-enc frame before handshake completion",
			zap.String("type", frameType))
	}
}

func (sc *ServerChannel) handleClientKX(raw []byte) {
	if sc.cfg.HandshakeLimiter != nil && !sc.cfg.HandshakeLimiter.Allow() {
		sc.cfg.Logger.Warn("control: client_kx rate limited")
		return
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.state != StateAwaitingConfirm {
		sc.cfg.Logger.Warn("control: dropping duplicate client_kx confirm")
		return
	}

	var frame envelope.ClientKX
	if err := envelope.Unmarshal(raw, &frame); err != nil {
		sc.cfg.Logger.Warn("control: malformed client_kx", zap.Error(err))
		return
	}

	plaintext, err := kxcrypto.Unseal(frame.SealedSymmetricKey, sc.keys)
	if err != nil || len(plaintext) != kxcrypto.KeySize {
		sc.cfg.Logger.Warn("control: failed to unseal client symmetric key", zap.Error(err))
		tunnelmetrics.ObserveHandshake("failed")
		return
	}

	var key [kxcrypto.KeySize]byte
	copy(key[:], plaintext)
	sc.symmetricKey = &key
	sc.state = StateEstablished
	tunnelmetrics.ObserveHandshake("established")
}

// SymmetricKey returns the latched key, or false if the handshake
// hasn't completed.
func (sc *ServerChannel) SymmetricKey() (*[kxcrypto.KeySize]byte, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.symmetricKey, sc.state == StateEstablished
}

// State returns the channel's current lifecycle stage.
func (sc *ServerChannel) State() State {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// SendEncrypted encrypts plaintext and writes it as an enc frame. It
// fails with SymmetricKeyMissing if no key has been latched yet:
// outbound frames from server-initiated operations require the key
// to exist.
func (sc *ServerChannel) SendEncrypted(plaintext []byte) error {
	key, ok := sc.SymmetricKey()
	if !ok {
		return errors.New(errors.SymmetricKeyMissing, "missing symmetric key")
	}
	nonce, ciphertext, err := kxcrypto.EncryptEnvelope(plaintext, key)
	if err != nil {
		return errors.Wrap(err, errors.Internal, "failed to encrypt envelope")
	}
	frame := envelope.Enc{Type: envelope.TypeEnc, Nonce: nonce[:], Ciphertext: ciphertext}
	data, err := envelope.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, errors.Internal, "failed to marshal enc frame")
	}
	if err := sc.conn.WriteMessage(data); err != nil {
		return errors.Wrap(err, errors.TunnelDisconnected, "failed to write enc frame")
	}
	tunnelmetrics.ObserveFrame("outbound", envelope.TypeEnc)
	return nil
}

// DecryptInner decrypts an inbound enc frame's ciphertext.
func (sc *ServerChannel) DecryptInner(frame envelope.Enc) ([]byte, error) {
	key, ok := sc.SymmetricKey()
	if !ok {
		return nil, errors.New(errors.SymmetricKeyMissing, "missing symmetric key")
	}
	var nonce [kxcrypto.SecretboxNonceSize]byte
	if len(frame.Nonce) != len(nonce) {
		return nil, errors.New(errors.MalformedFrame, "invalid nonce length")
	}
	copy(nonce[:], frame.Nonce)
	plaintext, err := kxcrypto.DecryptEnvelope(nonce, frame.Ciphertext, key)
	if err != nil {
		return nil, errors.Wrap(err, errors.MalformedFrame, "failed to decrypt envelope")
	}
	return plaintext, nil
}

// Heartbeat runs until ctx is cancelled or the socket is declared dead
// from inactivity, pinging on HeartbeatInterval and closing the
// channel if no activity is observed within HeartbeatTimeout.
func (sc *ServerChannel) Heartbeat(ctx context.Context, ping func() error) {
	ticker := time.NewTicker(sc.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.mu.Lock()
			idle := time.Since(sc.lastActivity)
			sc.mu.Unlock()

			if idle > sc.cfg.HeartbeatTimeout {
				sc.cfg.Logger.Warn("control: heartbeat timeout, closing socket")
				sc.Close()
				return
			}
			if ping != nil {
				if err := ping(); err != nil {
					sc.cfg.Logger.Warn("control: ping failed", zap.Error(err))
				}
			}
		}
	}
}

// Close tears the channel down: code 1006, "tunnel closed", and erases
// the symmetric key.
func (sc *ServerChannel) Close() {
	sc.mu.Lock()
	sc.state = StateClosed
	sc.symmetricKey = nil
	sc.mu.Unlock()

	_ = sc.conn.Close(1006, "tunnel closed")
}

// VerifyQuoteBinding validates the SHA-512 binding hash over
// verifier_data, if present, against report_data on the client side
//: val ‖ iat ‖ x25519_public_key.
func VerifyQuoteBinding(val, iat string, x25519Public []byte, reportData []byte) bool {
	h := sha512.Sum512(append(append([]byte(val), []byte(iat)...), x25519Public...))
	if len(reportData) < len(h) {
		return false
	}
	for i := range h {
		if h[i] != reportData[i] {
			return false
		}
	}
	return true
}

// VerifyServerQuote runs the QVL against a received server_kx's quote
// as the client-side handshake step.
func VerifyServerQuote(quote []byte, tee string, cfg verify.Config) (*verify.Result, error) {
	switch tee {
	case "tdx":
		return verify.VerifyTDX(quote, cfg)
	case "sgx":
		return verify.VerifySGX(quote, cfg)
	default:
		return nil, errors.New(errors.HandshakeFailed, "unknown tee type requested for verification")
	}
}
