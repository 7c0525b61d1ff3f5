package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/r3e-network/ra-tunnel/internal/qvl/tcbpolicy"
	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
)

var rootCmd = &cobra.Command{
	Use:   "ra-tunnel",
	Short: "QVL + attested tunnel CLI",
	Long:  `Command line interface for verifying DCAP attestation quotes and running the attested tunnel demo.`,
}

func main() {
	rootCmd.AddCommand(verifyQuoteCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoClientCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var verifyQuoteCmdFlags struct {
	quoteFile string
	teeType   string
	tcbRule   string
}

var verifyQuoteCmd = &cobra.Command{
	Use:   "verify-quote",
	Short: "Verify a DCAP attestation quote file",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		data, err := os.ReadFile(verifyQuoteCmdFlags.quoteFile)
		if err != nil {
			return fmt.Errorf("verify-quote: read quote file: %w", err)
		}

		cfg := verify.Config{}
		if verifyQuoteCmdFlags.tcbRule != "" {
			policy, err := tcbpolicy.Compile(verifyQuoteCmdFlags.tcbRule, logger)
			if err != nil {
				return fmt.Errorf("verify-quote: compile tcb rule: %w", err)
			}
			cfg.VerifyTCB = policy.Hook()
		}
		var result *verify.Result
		switch verifyQuoteCmdFlags.teeType {
		case "tdx":
			result, err = verify.VerifyTDX(data, cfg)
		case "sgx":
			result, err = verify.VerifySGX(data, cfg)
		default:
			return fmt.Errorf("verify-quote: --tee must be \"tdx\" or \"sgx\"")
		}
		if err != nil {
			fmt.Printf("verification failed: %s\n", err.Error())
			os.Exit(1)
		}

		fmt.Printf("verification succeeded (tee_type=%s)\n", verifyQuoteCmdFlags.teeType)
		_ = result
		return nil
	},
}

func init() {
	verifyQuoteCmd.Flags().StringVar(&verifyQuoteCmdFlags.quoteFile, "quote", "", "path to a binary DCAP quote")
	verifyQuoteCmd.Flags().StringVar(&verifyQuoteCmdFlags.teeType, "tee", "tdx", "tee type: tdx or sgx")
	verifyQuoteCmd.Flags().StringVar(&verifyQuoteCmdFlags.tcbRule, "tcb-rule", "", "expr-lang rule evaluated against the quote's TCB fields, e.g. `pceSvn >= 10`")
	verifyQuoteCmd.MarkFlagRequired("quote")
}
