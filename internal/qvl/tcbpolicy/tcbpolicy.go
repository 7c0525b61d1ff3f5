// Package tcbpolicy provides an optional expression-based
// implementation of the verify.Config.VerifyTCB hook, grounded on
// pkg/trigger/evaluator.go's expr-lang usage. Operators can supply a
// rule like
// `pceSvn >= 10 && fmspc != ""` instead of compiling Go
// code against verify.TCBInput directly.
package tcbpolicy

import (
	"encoding/hex"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/r3e-network/ra-tunnel/internal/qvl/verify"
)

// Policy compiles an expr-lang rule once and evaluates it against each
// TCBInput presented to the hook.
type Policy struct {
	program *vm.Program
	logger  *zap.Logger
}

// Compile parses rule into a reusable program. The expression sees an
// environment with fmspc (hex string), cpuSvn (hex string), pceSvn
// (int), and mrEnclave/mrSigner/mrTd (hex strings, empty when not
// applicable to the quote's TEE type) and must evaluate to a bool.
func Compile(rule string, logger *zap.Logger) (*Policy, error) {
	env := policyEnv{}
	program, err := expr.Compile(rule, expr.Env(env), expr.AsBool())
	if err != nil {
		return nil, pkgerrors.Wrap(err, "tcbpolicy: failed to compile rule")
	}
	return &Policy{program: program, logger: logger}, nil
}

type policyEnv struct {
	FMSPC     string `expr:"fmspc"`
	CPUSvn    string `expr:"cpuSvn"`
	PceSvn    int    `expr:"pceSvn"`
	MrEnclave string `expr:"mrEnclave"`
	MrSigner  string `expr:"mrSigner"`
	MrTd      string `expr:"mrTd"`
}

// Hook returns a verify.Config.VerifyTCB-compatible function bound to
// this policy.
func (p *Policy) Hook() func(verify.TCBInput) bool {
	return func(in verify.TCBInput) bool {
		env := policyEnv{
			FMSPC:  hex.EncodeToString(in.FMSPC),
			CPUSvn: hex.EncodeToString(in.CPUSvn),
			PceSvn: int(in.PceSvn),
		}
		if in.Quote != nil {
			if in.Quote.SGXBody != nil {
				env.MrEnclave = hex.EncodeToString(in.Quote.SGXBody.MrEnclave[:])
				env.MrSigner = hex.EncodeToString(in.Quote.SGXBody.MrSigner[:])
			}
			if in.Quote.TDXBody != nil {
				env.MrTd = hex.EncodeToString(in.Quote.TDXBody.MrTd[:])
			}
		}

		result, err := expr.Run(p.program, env)
		if err != nil {
			if p.logger != nil {
				p.logger.Warn("tcb policy evaluation failed", zap.Error(err))
			}
			return false
		}
		ok, _ := result.(bool)
		return ok
	}
}
