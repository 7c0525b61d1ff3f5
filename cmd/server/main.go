// Command server runs the demo attested tunnel hosting server standalone,
// without the rest of the CLI's subcommands — the deployment shape the
// teacher's cmd/server/main.go used for the API service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/r3e-network/ra-tunnel/internal/gateway"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/kxcrypto"
)

func main() {
	port := flag.Int("port", 8443, "listen port")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	keys, err := kxcrypto.GenerateKeyPair()
	if err != nil {
		logger.Fatal("failed to generate key pair", zap.Error(err))
	}

	srv, err := gateway.NewServer(&gateway.Config{Port: *port}, &gateway.Dependencies{
		KeyPair:    keys,
		VerifyCfg:  verify.Config{},
		AppHandler: http.NotFoundHandler(),
	})
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server exited", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
