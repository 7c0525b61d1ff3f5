// Package verify orchestrates the end-to-end SGX/TDX quote verification
// algorithm: parse, PCK chain build, pinned-root membership, header
// invariants, QE report signature and binding, quote signature, and
// the pluggable TCB-freshness hook.
package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"time"

	"github.com/r3e-network/ra-tunnel/internal/common/errors"
	"github.com/r3e-network/ra-tunnel/internal/qvl/binaryformat"
	"github.com/r3e-network/ra-tunnel/internal/qvl/chain"
	"github.com/r3e-network/ra-tunnel/internal/qvl/x509util"
)

// pckFMSPCOID is Intel's SGX extension OID carrying the FMSPC; it sits
// inside the PCK cert's Intel extension SEQUENCE as a nested {oid,
// value} pair, under the top-level extension OID 1.2.840.113741.1.13.1.
var pckFMSPCOID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 4}
var pckExtensionOID = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1}

// MeasurementPin is one allowlisted measurement combination: when
// VerifyConfig.AllowedMeasurements is non-empty, a quote's decoded
// registers must match at least one pin after all cryptographic checks
// pass, or verification fails with TcbRejected.
type MeasurementPin struct {
	MrEnclave []byte // SGX only
	MrSigner  []byte // SGX only
	MrTd      []byte // TDX only
}

// TCBInput is passed to the VerifyTCB hook.
type TCBInput struct {
	FMSPC  []byte
	CPUSvn []byte
	PceSvn uint16
	Quote  *binaryformat.ParsedQuote
}

// Config is the verifier's configuration: pinned roots, a verification
// date, optional CRLs, a fallback cert chain, and the pluggable TCB
// hook.
type Config struct {
	PinnedRoots         [][32]byte // SHA-256 digests of acceptable root DER
	Date                *time.Time // nil means "now"; caller fixes for reproducible tests
	CRLs                [][]byte   // DER-encoded CertificateLists
	ExtraCertData       []byte     // fallback PEM chain if the quote carries none
	VerifyTCB           func(TCBInput) bool
	AllowedMeasurements []MeasurementPin
}

// Result is returned on a successful verification.
type Result struct {
	Quote *binaryformat.ParsedQuote
	Chain chain.Result
}

// VerifyTDX runs the full verification algorithm for a TDX (v4 or v5)
// quote.
func VerifyTDX(data []byte, cfg Config) (*Result, error) {
	return verifyQuote(data, cfg, binaryformat.TeeTypeTDX)
}

// VerifySGX runs the full verification algorithm for an SGX (v3) quote.
func VerifySGX(data []byte, cfg Config) (*Result, error) {
	return verifyQuote(data, cfg, binaryformat.TeeTypeSGX)
}

func verifyQuote(data []byte, cfg Config, expectedTee binaryformat.TeeType) (*Result, error) {
	q, err := binaryformat.Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.MalformedQuote, "failed to parse quote")
	}

	if q.Header.TeeType != uint32(expectedTee) {
		return nil, errors.New(errors.UnsupportedTeeType, "unexpected tee type")
	}
	if q.Header.AttestationKeyType != uint16(binaryformat.AttestationKeyECDSAP256) {
		return nil, errors.New(errors.UnsupportedAttKeyType, "unsupported attestation key type")
	}
	if q.Signature.CertDataType != binaryformat.CertDataTypePCKCertChain {
		return nil, errors.New(errors.UnsupportedCertDataType, "unsupported cert data type")
	}

	pemChain := q.Signature.CertData
	if len(pemChain) == 0 {
		pemChain = cfg.ExtraCertData
	}
	if len(pemChain) == 0 {
		return nil, errors.New(errors.MissingCertData, "quote carries no PCK certificate data")
	}

	verifyTime := cfg.Date
	if verifyTime == nil {
		now := time.Now()
		verifyTime = &now
	}

	chainResult, err := chain.Build(pemChain, verifyTime, cfg.CRLs)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidCertChain, "failed to build cert chain")
	}
	switch chainResult.Status {
	case chain.StatusExpired:
		return nil, errors.New(errors.ExpiredCertChain, "expired cert chain, or not yet valid")
	case chain.StatusRevoked:
		return nil, errors.New(errors.RevokedCertInChain, "revoked certificate in cert chain")
	case chain.StatusInvalid:
		return nil, errors.New(errors.InvalidCertChain, "invalid cert chain")
	}

	rootDigest := chainResult.RootSHA256()
	if !rootPinned(rootDigest, cfg.PinnedRoots) {
		return nil, errors.New(errors.InvalidRoot, "invalid root")
	}

	leaf := chainResult.OrderedChain[0]
	leafPub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New(errors.InvalidCertChain, "pck leaf key is not ECDSA")
	}

	if !verifyQEReportSignature(q, leafPub) {
		return nil, errors.New(errors.InvalidQeReportSig, "invalid qe report signature")
	}

	if !verifyQEBinding(q) {
		return nil, errors.New(errors.InvalidQeReportBinding, "invalid qe report binding")
	}

	if !verifyQuoteSignature(q) {
		return nil, errors.New(errors.InvalidQuoteSignature, "invalid signature over quote")
	}

	if cfg.VerifyTCB != nil {
		ok := cfg.VerifyTCB(TCBInput{
			FMSPC:  extractFMSPC(leaf),
			CPUSvn: cpuSvn(q),
			PceSvn: q.Header.PceSvn,
			Quote:  q,
		})
		if !ok {
			return nil, errors.New(errors.TcbRejected, "tcb verification rejected the quote")
		}
	}

	if len(cfg.AllowedMeasurements) > 0 && !measurementAllowed(q, cfg.AllowedMeasurements) {
		return nil, errors.New(errors.TcbRejected, "measurement not allowlisted")
	}

	return &Result{Quote: q, Chain: chainResult}, nil
}

func rootPinned(digest [32]byte, pinned [][32]byte) bool {
	for _, p := range pinned {
		if p == digest {
			return true
		}
	}
	return false
}

// verifyQEReportSignature checks signature.qe_report_signature over
// the re-encoded 384-byte QE report under the PCK leaf's public key,
// ECDSA/SHA-256.
func verifyQEReportSignature(q *binaryformat.ParsedQuote, leafPub *ecdsa.PublicKey) bool {
	reportBytes := q.Signature.QeReportBytes()
	digest := sha256.Sum256(reportBytes)
	return x509util.VerifyECDSAFlexible(leafPub, digest[:], q.Signature.QeReportSignature[:])
}

// verifyQEBinding checks that the first 32 bytes of the QE report's
// report_data equal SHA-256(attestation_public_key ‖ qe_auth_data) or
// SHA-256(0x04 ‖ attestation_public_key ‖ qe_auth_data).
func verifyQEBinding(q *binaryformat.ParsedQuote) bool {
	h1 := sha256.Sum256(append(append([]byte{}, q.Signature.AttestationPublicKey[:]...), q.Signature.QeAuthData...))

	prefixed := make([]byte, 0, 1+len(q.Signature.AttestationPublicKey)+len(q.Signature.QeAuthData))
	prefixed = append(prefixed, 0x04)
	prefixed = append(prefixed, q.Signature.AttestationPublicKey[:]...)
	prefixed = append(prefixed, q.Signature.QeAuthData...)
	h2 := sha256.Sum256(prefixed)

	reportData := q.Signature.QeReport.ReportData[:32]
	return eq32(reportData, h1[:]) || eq32(reportData, h2[:])
}

func eq32(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// verifyQuoteSignature reconstructs the attestation public key from
// its 64-byte uncompressed affine coordinates and verifies the raw r‖s
// ECDSA signature over the quote's signed region.
func verifyQuoteSignature(q *binaryformat.ParsedQuote) bool {
	curve := elliptic.P256()
	x := new(big.Int).SetBytes(q.Signature.AttestationPublicKey[:32])
	y := new(big.Int).SetBytes(q.Signature.AttestationPublicKey[32:])
	if !curve.IsOnCurve(x, y) {
		return false
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	digest := sha256.Sum256(q.SignedRegion)
	return x509util.VerifyECDSAFlexible(pub, digest[:], q.Signature.EcdsaSignature[:])
}

func cpuSvn(q *binaryformat.ParsedQuote) []byte {
	if q.SGXBody != nil {
		return q.SGXBody.CPUSvn[:]
	}
	if q.TDXBody != nil {
		return q.TDXBody.TeeTcbSvn[:]
	}
	return nil
}

func measurementAllowed(q *binaryformat.ParsedQuote, pins []MeasurementPin) bool {
	for _, pin := range pins {
		if q.SGXBody != nil {
			if matches(pin.MrEnclave, q.SGXBody.MrEnclave[:]) && matches(pin.MrSigner, q.SGXBody.MrSigner[:]) {
				return true
			}
		}
		if q.TDXBody != nil {
			if matches(pin.MrTd, q.TDXBody.MrTd[:]) {
				return true
			}
		}
	}
	return false
}

func matches(pin, actual []byte) bool {
	if len(pin) == 0 {
		return true
	}
	if len(pin) != len(actual) {
		return false
	}
	for i := range pin {
		if pin[i] != actual[i] {
			return false
		}
	}
	return true
}

// pckExtensionValue holds the Intel SGX extension SEQUENCE{OID, value} pairs
// nested under pckExtensionOID, one of which (pckFMSPCOID) is the FMSPC.
type pckExtensionValue struct {
	ID    asn1.ObjectIdentifier
	Value asn1.RawValue
}

// extractFMSPC reads the 6-byte FMSPC from the PCK leaf's Intel SGX
// extension when present; returns nil if the extension or inner FMSPC
// value is absent or malformed (the TCB hook treats a nil FMSPC as
// "unknown platform" rather than failing the parse).
func extractFMSPC(leaf *x509.Certificate) []byte {
	for _, ext := range leaf.Extensions {
		if !ext.Id.Equal(pckExtensionOID) {
			continue
		}
		var values []pckExtensionValue
		if _, err := asn1.Unmarshal(ext.Value, &values); err != nil {
			return nil
		}
		for _, v := range values {
			if v.ID.Equal(pckFMSPCOID) {
				return v.Value.Bytes
			}
		}
	}
	return nil
}
