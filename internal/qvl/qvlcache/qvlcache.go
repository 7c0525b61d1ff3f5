// Package qvlcache adds a bounded TTL cache of verification results and
// a token-bucket rate limiter in front of repeated quote verification
// calls, grounded on internal/common/security/tee/cache.go's
// cache-in-front-of-a-verifier pattern, which backs its cache with
// hashicorp/golang-lru/v2 — the same library CachedVerifier's result
// store uses here. Neither the cache nor the limiter changes a
// verdict; the cache only skips recomputation for byte-identical
// quotes, and the limiter only bounds call volume.
package qvlcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/r3e-network/ra-tunnel/internal/qvl/qvlmetrics"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
)

// ErrRateLimited is returned by Limiter.Allow when the call budget is
// exhausted. It is never substituted for one of the verifier's own
// named errors.
var ErrRateLimited = errors.New("qvlcache: verification rate limit exceeded")

// KeyForQuote derives the cache key for a raw quote.
func KeyForQuote(quoteBytes []byte) string {
	digest := sha256.Sum256(quoteBytes)
	return hex.EncodeToString(digest[:])
}

// Limiter is a token-bucket guard against verification call storms,
// mirroring the QuoteVerificationRateLimit/Burst pair.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter builds a Limiter allowing ratePerSecond calls per second
// with the given burst size.
func NewLimiter(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

// Allow returns ErrRateLimited if the call budget is currently
// exhausted.
func (l *Limiter) Allow() error {
	if !l.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// resultEntry holds a full cached verification outcome, keeping the
// decoded *verify.Result around so a cache hit genuinely skips the
// chain-build and signature-check work rather than merely remembering
// a boolean verdict.
type resultEntry struct {
	result     *verify.Result
	err        error
	expiration time.Time
}

// CachedVerifier wraps verify.VerifyTDX/VerifySGX with a TTL result
// cache (an hashicorp/golang-lru/v2 cache, evicting least-recently-used
// entries once maxSize is reached), the call-rate limiter, and
// qvlmetrics observation, so callers that repeatedly re-verify the same
// quote bytes (e.g. a tunnel client re-checking a server's quote across
// reconnect attempts) skip the chain-build and signature-check work.
type CachedVerifier struct {
	cache   *lru.Cache[string, resultEntry]
	ttl     time.Duration
	limiter *Limiter
}

// NewCachedVerifier builds a CachedVerifier holding up to maxSize
// entries for ttl. limiter may be nil to disable rate limiting.
func NewCachedVerifier(maxSize int, ttl time.Duration, limiter *Limiter) (*CachedVerifier, error) {
	cache, err := lru.New[string, resultEntry](maxSize)
	if err != nil {
		return nil, err
	}
	return &CachedVerifier{cache: cache, ttl: ttl, limiter: limiter}, nil
}

// VerifyTDX verifies a TDX quote, consulting the cache first and the
// rate limiter before any cache miss falls through to verify.VerifyTDX.
func (v *CachedVerifier) VerifyTDX(data []byte, cfg verify.Config) (*verify.Result, error) {
	return v.verify("tdx", data, cfg, func() (*verify.Result, error) {
		return verify.VerifyTDX(data, cfg)
	})
}

// VerifySGX verifies an SGX quote; see VerifyTDX.
func (v *CachedVerifier) VerifySGX(data []byte, cfg verify.Config) (*verify.Result, error) {
	return v.verify("sgx", data, cfg, func() (*verify.Result, error) {
		return verify.VerifySGX(data, cfg)
	})
}

func (v *CachedVerifier) verify(teeType string, data []byte, cfg verify.Config, run func() (*verify.Result, error)) (*verify.Result, error) {
	key := KeyForQuote(data)

	if entry, ok := v.get(key); ok {
		qvlmetrics.ObserveCacheHit(true)
		return entry.result, entry.err
	}
	qvlmetrics.ObserveCacheHit(false)

	if v.limiter != nil {
		if err := v.limiter.Allow(); err != nil {
			qvlmetrics.ObserveRateLimited()
			return nil, err
		}
	}

	start := time.Now()
	result, err := run()
	qvlmetrics.ObserveVerification(teeType, verificationOutcome(err), time.Since(start).Seconds())

	v.put(key, result, err)
	return result, err
}

func (v *CachedVerifier) get(key string) (resultEntry, bool) {
	entry, ok := v.cache.Get(key)
	if !ok {
		return resultEntry{}, false
	}
	if time.Now().After(entry.expiration) {
		v.cache.Remove(key)
		return resultEntry{}, false
	}
	return entry, true
}

func (v *CachedVerifier) put(key string, result *verify.Result, err error) {
	v.cache.Add(key, resultEntry{result: result, err: err, expiration: time.Now().Add(v.ttl)})
}

func verificationOutcome(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}
