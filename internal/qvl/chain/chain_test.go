package chain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type issuedCert struct {
	cert *x509.Certificate
	priv *ecdsa.PrivateKey
	der  []byte
}

func makeCert(t *testing.T, commonName string, isCA bool, parent *issuedCert, serial int64) *issuedCert {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}

	signerCert := template
	signerKey := priv
	if parent != nil {
		signerCert = parent.cert
		signerKey = parent.priv
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &priv.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &issuedCert{cert: cert, priv: priv, der: der}
}

func toPEM(certs ...*issuedCert) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.der})...)
	}
	return out
}

func TestBuildValidChain(t *testing.T) {
	root := makeCert(t, "root", true, nil, 1)
	leaf := makeCert(t, "leaf", false, root, 2)

	result, err := Build(toPEM(leaf, root), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, result.Status)
	require.Len(t, result.OrderedChain, 2)
	assert.Equal(t, "leaf", result.OrderedChain[0].Subject.CommonName)
	assert.Equal(t, "root", result.OrderedChain[1].Subject.CommonName)
}

func TestBuildRejectsEmptyInput(t *testing.T) {
	result, err := Build([]byte("garbage"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, result.Status)
}

func TestBuildDetectsExpiredWindow(t *testing.T) {
	root := makeCert(t, "root", true, nil, 1)
	leaf := makeCert(t, "leaf", false, root, 2)

	future := time.Now().Add(24 * time.Hour)
	result, err := Build(toPEM(leaf, root), &future, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, result.Status)
}

func TestBuildDetectsRevokedLeaf(t *testing.T) {
	root := makeCert(t, "root", true, nil, 1)
	leaf := makeCert(t, "leaf", false, root, 2)

	crl := buildCRL(t, root, leaf.cert.SerialNumber)
	result, err := Build(toPEM(leaf, root), nil, [][]byte{crl})
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, result.Status)
}

func TestBuildRejectsNonCAIntermediate(t *testing.T) {
	root := makeCert(t, "root", true, nil, 1)
	notCA := makeCert(t, "mid", false, root, 2)
	leaf := makeCert(t, "leaf", false, notCA, 3)

	result, err := Build(toPEM(leaf, notCA, root), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, result.Status)
}

// TestBuildTerminatesOnCrossIssuedCycle guards against a crafted,
// attacker-controlled cert set where two non-self-issued certs each
// claim to be issued by the other (A.issuer == B.subject, B.issuer ==
// A.subject). Without a visited-set in order(), this walks leaf→parent
// forever. The test must return promptly with an invalid chain rather
// than hang.
func TestBuildTerminatesOnCrossIssuedCycle(t *testing.T) {
	issuerA := makeCert(t, "A", true, nil, 1)
	issuerB := makeCert(t, "B", true, nil, 2)
	certA := makeCert(t, "A", false, issuerB, 3) // subject "A", issuer "B"
	certB := makeCert(t, "B", false, issuerA, 4) // subject "B", issuer "A"

	done := make(chan struct{})
	var result Result
	var err error
	go func() {
		result, err = Build(toPEM(certA, certB), nil, nil)
		close(done)
	}()

	select {
	case <-done:
		require.NoError(t, err)
		assert.Equal(t, StatusInvalid, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Build did not terminate on a cross-issued cert cycle")
	}
}

func TestRootSHA256Deterministic(t *testing.T) {
	root := makeCert(t, "root", true, nil, 1)
	leaf := makeCert(t, "leaf", false, root, 2)

	result, err := Build(toPEM(leaf, root), nil, nil)
	require.NoError(t, err)
	require.Equal(t, StatusValid, result.Status)

	digest1 := result.RootSHA256()
	digest2 := result.RootSHA256()
	assert.Equal(t, digest1, digest2)
}

func buildCRL(t *testing.T, issuer *issuedCert, revokedSerial *big.Int) []byte {
	t.Helper()
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().Add(time.Hour),
		RevokedCertificateEntries: []x509.RevocationListEntry{
			{SerialNumber: revokedSerial, RevocationTime: time.Now().Add(-time.Minute)},
		},
	}
	der, err := x509.CreateRevocationList(rand.Reader, template, issuer.cert, issuer.priv)
	require.NoError(t, err)
	return der
}
