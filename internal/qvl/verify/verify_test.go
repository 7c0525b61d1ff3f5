package verify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u16le(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// sgxBodyBytes builds a 384-byte SGX REPORT body with mrEnclave/mrSigner
// set at their documented offsets and reportData fully controllable.
func sgxBodyBytes(mrEnclave, mrSigner byte, reportData []byte) []byte {
	out := make([]byte, 0, 384)
	out = append(out, make([]byte, 16)...)          // cpu_svn
	out = append(out, u32le(0)...)                  // misc_select
	out = append(out, make([]byte, 28)...)          // reserved1
	out = append(out, make([]byte, 16)...)          // attributes
	mr := make([]byte, 32)
	mr[0] = mrEnclave
	out = append(out, mr...) // mr_enclave
	out = append(out, make([]byte, 32)...) // reserved2
	ms := make([]byte, 32)
	ms[0] = mrSigner
	out = append(out, ms...)               // mr_signer
	out = append(out, make([]byte, 96)...) // reserved3
	out = append(out, u16le(7)...)         // isv_prod_id
	out = append(out, u16le(3)...)         // isv_svn
	out = append(out, make([]byte, 60)...) // reserved4
	rd := make([]byte, 64)
	copy(rd, reportData)
	out = append(out, rd...) // report_data
	return out
}

func rawECDSASign(t *testing.T, priv *ecdsa.PrivateKey, digest []byte) []byte {
	t.Helper()
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	require.NoError(t, err)
	n := 32
	out := make([]byte, 2*n)
	rb, sb := r.Bytes(), s.Bytes()
	copy(out[n-len(rb):n], rb)
	copy(out[2*n-len(sb):], sb)
	return out
}

func rawPublicKey(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 64)
	xb, yb := pub.X.Bytes(), pub.Y.Bytes()
	copy(out[32-len(xb):32], xb)
	copy(out[64-len(yb):], yb)
	return out
}

func issueCert(t *testing.T, commonName string, isCA bool, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}

	signerCert, signerKey := template, priv
	if parent != nil {
		signerCert, signerKey = parent, parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &priv.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, priv, der
}

func pemEncode(ders ...[]byte) []byte {
	var out []byte
	for _, der := range ders {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}

// buildValidSGXQuote assembles a fully self-consistent SGX (v3) quote:
// a root/leaf PCK chain, a QE report signed by the leaf key, and a
// quote signature over the signed region from an ephemeral attestation
// key whose binding hash matches the QE report's report_data.
func buildValidSGXQuote(t *testing.T) ([]byte, [32]byte) {
	t.Helper()

	root, rootKey, rootDER := issueCert(t, "root", true, nil, nil)
	leaf, leafKey, leafDER := issueCert(t, "leaf", false, root, rootKey)

	attKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	attPub := rawPublicKey(&attKey.PublicKey)

	authData := []byte{0xAB, 0xCD}
	bindingHash := sha256.Sum256(append(append([]byte{}, attPub...), authData...))

	qeReport := sgxBodyBytes(0x11, 0x22, bindingHash[:])
	qeReportSig := rawECDSASign(t, leafKey, hashBytes(qeReport))

	header := make([]byte, 0, 48)
	header = append(header, u16le(3)...)   // version
	header = append(header, u16le(2)...)   // attestation_key_type
	header = append(header, u32le(0)...)   // tee_type (SGX)
	header = append(header, u16le(1)...)   // qe_svn
	header = append(header, u16le(1)...)   // pce_svn
	header = append(header, make([]byte, 16)...) // qe_vendor_id
	header = append(header, make([]byte, 20)...) // user_data

	body := sgxBodyBytes(0xAA, 0xBB, nil)

	signedRegion := append(append([]byte{}, header...), body...)
	quoteSig := rawECDSASign(t, attKey, hashBytes(signedRegion))

	certData := pemEncode(leafDER, rootDER)

	sigSection := make([]byte, 0, 1024)
	sigSection = append(sigSection, quoteSig...)
	sigSection = append(sigSection, attPub...)
	sigSection = append(sigSection, qeReport...)
	sigSection = append(sigSection, qeReportSig...)
	sigSection = append(sigSection, u16le(uint16(len(authData)))...)
	sigSection = append(sigSection, authData...)
	sigSection = append(sigSection, u16le(5)...) // cert_data_type = PCK chain
	sigSection = append(sigSection, u32le(uint32(len(certData)))...)
	sigSection = append(sigSection, certData...)

	quote := make([]byte, 0, len(signedRegion)+4+len(sigSection))
	quote = append(quote, signedRegion...)
	quote = append(quote, u32le(uint32(len(sigSection)))...)
	quote = append(quote, sigSection...)

	rootDigest := sha256.Sum256(rootDER)
	return quote, rootDigest
}

func hashBytes(b []byte) []byte {
	h := sha256.Sum256(b)
	return h[:]
}

func TestVerifySGXAcceptsValidQuote(t *testing.T) {
	quote, rootDigest := buildValidSGXQuote(t)

	result, err := VerifySGX(quote, Config{PinnedRoots: [][32]byte{rootDigest}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, byte(0xAA), result.Quote.SGXBody.MrEnclave[0])
}

func TestVerifySGXRejectsUnpinnedRoot(t *testing.T) {
	quote, _ := buildValidSGXQuote(t)

	_, err := VerifySGX(quote, Config{PinnedRoots: [][32]byte{{0xFF}}})
	assert.Error(t, err)
}

func TestVerifySGXRejectsWrongTeeType(t *testing.T) {
	quote, rootDigest := buildValidSGXQuote(t)

	_, err := VerifyTDX(quote, Config{PinnedRoots: [][32]byte{rootDigest}})
	assert.Error(t, err)
}

func TestVerifySGXHonorsVerifyTCBHook(t *testing.T) {
	quote, rootDigest := buildValidSGXQuote(t)

	_, err := VerifySGX(quote, Config{
		PinnedRoots: [][32]byte{rootDigest},
		VerifyTCB:   func(TCBInput) bool { return false },
	})
	require.Error(t, err)
}

func TestVerifySGXHonorsMeasurementAllowlist(t *testing.T) {
	quote, rootDigest := buildValidSGXQuote(t)

	_, err := VerifySGX(quote, Config{
		PinnedRoots:         [][32]byte{rootDigest},
		AllowedMeasurements: []MeasurementPin{{MrEnclave: []byte{0x99}}},
	})
	assert.Error(t, err)
}

func TestVerifySGXRejectsTamperedSignedRegion(t *testing.T) {
	quote, rootDigest := buildValidSGXQuote(t)
	tampered := append([]byte{}, quote...)
	tampered[10] ^= 0xFF // corrupt a header byte inside the signed region

	_, err := VerifySGX(tampered, Config{PinnedRoots: [][32]byte{rootDigest}})
	assert.Error(t, err)
}
