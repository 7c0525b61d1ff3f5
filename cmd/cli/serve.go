package main

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/r3e-network/ra-tunnel/internal/common/config"
	"github.com/r3e-network/ra-tunnel/internal/gateway"
	"github.com/r3e-network/ra-tunnel/internal/qvl/refresh"
	"github.com/r3e-network/ra-tunnel/internal/qvl/tcbpolicy"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/kxcrypto"
)

var serveCmdFlags struct {
	configFile string
	port       int
	quoteFile  string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the demo attested tunnel server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if serveCmdFlags.configFile != "" {
			loaded, err := config.LoadConfig(serveCmdFlags.configFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "serve: warning: failed to read config: %s\n", err)
			} else {
				cfg = loaded
			}
		}
		if cmd.Flags().Changed("port") {
			cfg.Gateway.Port = serveCmdFlags.port
		}

		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("serve: build logger: %w", err)
		}
		defer logger.Sync()

		keys, err := kxcrypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("serve: generate key pair: %w", err)
		}

		verifyCfg, err := loadVerifyConfig(cfg.Verify, logger)
		if err != nil {
			return err
		}

		var scheduler *refresh.Scheduler
		if cfg.Verify.RefreshSchedule != "" {
			scheduler, err = refresh.New(verifyCfg, cfg.Verify.RefreshSchedule, func() (verify.Config, error) {
				return loadVerifyConfig(cfg.Verify, logger)
			}, logger)
			if err != nil {
				return fmt.Errorf("serve: build refresh scheduler: %w", err)
			}
			scheduler.Start()
			defer scheduler.Stop()
			verifyCfg = scheduler.Current()
		}

		// This module never generates quotes itself (quotesource.Source is
		// the external collaborator for that); the demo server reads one
		// from disk if given, otherwise runs quote-less, which only works
		// against a client configured to skip verification.
		var quoteBytes []byte
		if serveCmdFlags.quoteFile != "" {
			quoteBytes, err = os.ReadFile(serveCmdFlags.quoteFile)
			if err != nil {
				return fmt.Errorf("serve: read quote file: %w", err)
			}
		}

		srv, err := gateway.NewServer(&gateway.Config{
			Host:              cfg.Gateway.Host,
			Port:              cfg.Gateway.Port,
			ReadTimeout:       cfg.Gateway.ReadTimeout,
			WriteTimeout:      cfg.Gateway.WriteTimeout,
			IdleTimeout:       cfg.Gateway.IdleTimeout,
			EnableCORS:        cfg.Gateway.EnableCORS,
			AllowedOrigins:    cfg.Gateway.AllowedOrigins,
			HeartbeatInterval: cfg.Tunnel.HeartbeatInterval,
			HeartbeatTimeout:  cfg.Tunnel.HeartbeatTimeout,
			RequestTimeout:    cfg.Tunnel.RequestTimeout,
		}, &gateway.Dependencies{
			KeyPair:    keys,
			Quote:      quoteBytes,
			VerifyCfg:  verifyCfg,
			AppHandler: http.NotFoundHandler(),
		})
		if err != nil {
			return fmt.Errorf("serve: build server: %w", err)
		}

		return srv.Start()
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveCmdFlags.configFile, "config", "", "path to a YAML config file")
	serveCmd.Flags().IntVar(&serveCmdFlags.port, "port", 8443, "listen port")
	serveCmd.Flags().StringVar(&serveCmdFlags.quoteFile, "quote-file", "", "path to a pre-generated attestation quote to send in server_kx")
}

// loadVerifyConfig turns the YAML-loadable verify section into a
// verify.Config, compiling its tcbRule (if any) into a VerifyTCB hook.
// It is also the RefreshFunc refresh.Scheduler re-runs on
// cfg.Verify.RefreshSchedule, so CRL and extra-cert files can be
// rotated on disk without restarting the server; the pinned-root
// digests stay those of the config loaded at startup.
func loadVerifyConfig(vc config.VerifyConfig, logger *zap.Logger) (verify.Config, error) {
	var out verify.Config

	for _, digestHex := range vc.PinnedRootDigests {
		digest, err := hex.DecodeString(digestHex)
		if err != nil || len(digest) != 32 {
			return verify.Config{}, fmt.Errorf("serve: invalid pinned root digest %q", digestHex)
		}
		var arr [32]byte
		copy(arr[:], digest)
		out.PinnedRoots = append(out.PinnedRoots, arr)
	}

	for _, path := range vc.CRLFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return verify.Config{}, fmt.Errorf("serve: read crl file %s: %w", path, err)
		}
		out.CRLs = append(out.CRLs, data)
	}

	if vc.ExtraCertFile != "" {
		data, err := os.ReadFile(vc.ExtraCertFile)
		if err != nil {
			return verify.Config{}, fmt.Errorf("serve: read extra cert file: %w", err)
		}
		out.ExtraCertData = data
	}

	if vc.TCBRule != "" {
		policy, err := tcbpolicy.Compile(vc.TCBRule, logger)
		if err != nil {
			return verify.Config{}, fmt.Errorf("serve: compile tcb rule: %w", err)
		}
		out.VerifyTCB = policy.Hook()
	}

	return out, nil
}
