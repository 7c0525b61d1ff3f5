// Package quotesource declares the interface for obtaining a fresh
// attestation quote and associated runtime/verifier data for this
// process's own enclave/TD. QVL and the tunnel never generate quotes
// themselves; they only parse and verify ones handed to them.
package quotesource

import "context"

// RuntimeData is optional caller-supplied runtime data bound into a
// quote by the underlying attestation SDK (server_kx's "runtime_data").
type RuntimeData []byte

// VerifierData is optional CBOR-encoded metadata accompanying a quote
// (server_kx's "verifier_data"), e.g. the val/iat pair the tunnel's
// binding-hash check consumes.
type VerifierData []byte

// Quote is a freshly generated attestation quote plus its companion
// data.
type Quote struct {
	Bytes        []byte
	RuntimeData  RuntimeData
	VerifierData VerifierData
}

// Source produces attestation quotes for this process. A real
// implementation calls into the platform's DCAP quote-generation
// library; it is never implemented by this module.
type Source interface {
	GenerateQuote(ctx context.Context, reportData [64]byte) (Quote, error)
}
