package main

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/r3e-network/ra-tunnel/internal/common/errors"
	"github.com/r3e-network/ra-tunnel/internal/common/retry"
	"github.com/r3e-network/ra-tunnel/internal/qvl/qvlcache"
	"github.com/r3e-network/ra-tunnel/internal/qvl/tcbpolicy"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/kxcrypto"
)

var demoClientCmdFlags struct {
	url           string
	teeType       string
	skipQuote     bool
	retryPolicy   string
	retryAttempts int
	retryBaseMs   int
	tcbRule       string
	rateLimit     float64
	rateBurst     int
}

// verifier is shared across reconnect attempts so a flapping
// connection that keeps presenting the same quote bytes doesn't
// re-run chain verification on every retry.
var verifier *qvlcache.CachedVerifier

var demoClientCmd = &cobra.Command{
	Use:   "demo-client",
	Short: "Connect to a demo attested tunnel server and perform the handshake",
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := retry.Policy(demoClientCmdFlags.retryPolicy)
		base := time.Duration(demoClientCmdFlags.retryBaseMs) * time.Millisecond

		var verifyTCB func(verify.TCBInput) bool
		if demoClientCmdFlags.tcbRule != "" {
			logger, _ := zap.NewProduction()
			policy, err := tcbpolicy.Compile(demoClientCmdFlags.tcbRule, logger)
			if err != nil {
				return fmt.Errorf("demo-client: compile tcb rule: %w", err)
			}
			verifyTCB = policy.Hook()
		}

		limiter := qvlcache.NewLimiter(demoClientCmdFlags.rateLimit, demoClientCmdFlags.rateBurst)
		var err error
		verifier, err = qvlcache.NewCachedVerifier(16, 5*time.Minute, limiter)
		if err != nil {
			return fmt.Errorf("demo-client: build quote verifier cache: %w", err)
		}

		var lastErr error
		for attempt := 1; attempt <= demoClientCmdFlags.retryAttempts; attempt++ {
			lastErr = runHandshake(verifyTCB)
			if lastErr == nil {
				return nil
			}
			if policy == retry.PolicyNone {
				break
			}
			fmt.Printf("demo-client: attempt %d failed: %s\n", attempt, lastErr)
			time.Sleep(retry.Backoff(policy, attempt, base))
		}
		return lastErr
	},
}

func runHandshake(verifyTCB func(verify.TCBInput) bool) error {
	conn, _, err := websocket.DefaultDialer.Dial(demoClientCmdFlags.url, nil)
	if err != nil {
		return fmt.Errorf("demo-client: dial: %w", err)
	}
	defer conn.Close()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("demo-client: read server_kx: %w", err)
	}

	var serverKX envelope.ServerKX
	if err := envelope.Unmarshal(raw, &serverKX); err != nil {
		return fmt.Errorf("demo-client: decode server_kx: %w", err)
	}
	if serverKX.Type != envelope.TypeServerKX {
		return errors.New(errors.HandshakeFailed, "expected server_kx as first frame")
	}

	if !demoClientCmdFlags.skipQuote {
		cfg := verify.Config{VerifyTCB: verifyTCB}
		var verr error
		switch demoClientCmdFlags.teeType {
		case "tdx":
			_, verr = verifier.VerifyTDX(serverKX.Quote, cfg)
		case "sgx":
			_, verr = verifier.VerifySGX(serverKX.Quote, cfg)
		}
		if verr != nil {
			return fmt.Errorf("demo-client: quote rejected: %w", verr)
		}
	}

	symmetricKey, err := kxcrypto.GenerateSymmetricKey()
	if err != nil {
		return fmt.Errorf("demo-client: generate symmetric key: %w", err)
	}

	var serverPublic [kxcrypto.KeySize]byte
	copy(serverPublic[:], serverKX.X25519PublicKey)
	sealed, err := kxcrypto.Seal(symmetricKey[:], &serverPublic)
	if err != nil {
		return fmt.Errorf("demo-client: seal symmetric key: %w", err)
	}

	clientKX := envelope.ClientKX{Type: envelope.TypeClientKX, SealedSymmetricKey: sealed}
	data, err := envelope.Marshal(clientKX)
	if err != nil {
		return fmt.Errorf("demo-client: marshal client_kx: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("demo-client: write client_kx: %w", err)
	}

	fmt.Println("demo-client: handshake complete")
	return nil
}

func init() {
	demoClientCmd.Flags().StringVar(&demoClientCmdFlags.url, "url", "ws://localhost:8443/__ra__", "control channel URL")
	demoClientCmd.Flags().StringVar(&demoClientCmdFlags.teeType, "tee", "tdx", "tee type to verify: tdx or sgx")
	demoClientCmd.Flags().BoolVar(&demoClientCmdFlags.skipQuote, "skip-quote-verification", false, "skip verifying the server's quote (insecure, testing only)")
	demoClientCmd.Flags().StringVar(&demoClientCmdFlags.retryPolicy, "retry-policy", string(retry.PolicyExponential), fmt.Sprintf("reconnect backoff policy: %v", retry.ValidPolicies()))
	demoClientCmd.Flags().IntVar(&demoClientCmdFlags.retryAttempts, "retry-attempts", 1, "number of handshake attempts before giving up")
	demoClientCmd.Flags().IntVar(&demoClientCmdFlags.retryBaseMs, "retry-base-ms", 1000, "base reconnect delay in milliseconds")
	demoClientCmd.Flags().StringVar(&demoClientCmdFlags.tcbRule, "tcb-rule", "", "expr-lang rule evaluated against the server quote's TCB fields, e.g. `pceSvn >= 10`")
	demoClientCmd.Flags().Float64Var(&demoClientCmdFlags.rateLimit, "verify-rate-limit", 5, "max quote verifications per second")
	demoClientCmd.Flags().IntVar(&demoClientCmdFlags.rateBurst, "verify-rate-burst", 5, "quote verification rate limiter burst size")
}
