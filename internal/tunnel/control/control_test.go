package control

import (
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/ra-tunnel/internal/common/errors"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/kxcrypto"
)

func sha512Sum(val, iat string, x25519Public []byte) []byte {
	h := sha512.Sum512(append(append([]byte(val), []byte(iat)...), x25519Public...))
	return h[:]
}

type fakeConn struct {
	written [][]byte
	closed  bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.closed = true
	return nil
}

func establishedChannel(t *testing.T) (*ServerChannel, *fakeConn, *kxcrypto.KeyPair) {
	t.Helper()
	serverKeys, err := kxcrypto.GenerateKeyPair()
	require.NoError(t, err)
	conn := &fakeConn{}
	sc, err := NewServerChannel(conn, serverKeys, []byte("quote-bytes"), Config{})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingConfirm, sc.State())

	symmetricKey, err := kxcrypto.GenerateSymmetricKey()
	require.NoError(t, err)
	sealed, err := kxcrypto.Seal(symmetricKey[:], &serverKeys.Public)
	require.NoError(t, err)

	data, err := envelope.Marshal(envelope.ClientKX{Type: envelope.TypeClientKX, SealedSymmetricKey: sealed})
	require.NoError(t, err)
	sc.HandleFrame(data)

	return sc, conn, serverKeys
}

func TestNewServerChannelSendsServerKX(t *testing.T) {
	serverKeys, err := kxcrypto.GenerateKeyPair()
	require.NoError(t, err)
	conn := &fakeConn{}
	sc, err := NewServerChannel(conn, serverKeys, []byte("quote"), Config{})
	require.NoError(t, err)
	require.Len(t, conn.written, 1)

	frameType, err := envelope.PeekType(conn.written[0])
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeServerKX, frameType)
	assert.Equal(t, StateAwaitingConfirm, sc.State())
}

func TestClientKXEstablishesChannel(t *testing.T) {
	sc, _, _ := establishedChannel(t)
	assert.Equal(t, StateEstablished, sc.State())

	key, ok := sc.SymmetricKey()
	require.True(t, ok)
	assert.NotNil(t, key)
}

func TestDuplicateClientKXIsDropped(t *testing.T) {
	sc, _, serverKeys := establishedChannel(t)
	firstKey, _ := sc.SymmetricKey()

	otherKey, err := kxcrypto.GenerateSymmetricKey()
	require.NoError(t, err)
	sealed, err := kxcrypto.Seal(otherKey[:], &serverKeys.Public)
	require.NoError(t, err)
	data, err := envelope.Marshal(envelope.ClientKX{Type: envelope.TypeClientKX, SealedSymmetricKey: sealed})
	require.NoError(t, err)

	sc.HandleFrame(data)

	secondKey, _ := sc.SymmetricKey()
	assert.Equal(t, *firstKey, *secondKey)
}

func TestSendEncryptedFailsWithoutSymmetricKey(t *testing.T) {
	serverKeys, err := kxcrypto.GenerateKeyPair()
	require.NoError(t, err)
	sc, err := NewServerChannel(&fakeConn{}, serverKeys, []byte("quote"), Config{})
	require.NoError(t, err)

	err = sc.SendEncrypted([]byte("hello"))
	require.Error(t, err)
	svcErr, ok := err.(*errors.ServiceError)
	require.True(t, ok)
	assert.Equal(t, errors.SymmetricKeyMissing, svcErr.Type)
}

func TestSendEncryptedAndDecryptInnerRoundTrip(t *testing.T) {
	sc, conn, _ := establishedChannel(t)

	plaintext := []byte("inner frame bytes")
	require.NoError(t, sc.SendEncrypted(plaintext))

	require.Len(t, conn.written, 2) // server_kx + enc
	var frame envelope.Enc
	require.NoError(t, envelope.Unmarshal(conn.written[1], &frame))

	decrypted, err := sc.DecryptInner(frame)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestCloseErasesKeyAndClosesConn(t *testing.T) {
	sc, conn, _ := establishedChannel(t)
	sc.Close()

	assert.Equal(t, StateClosed, sc.State())
	assert.True(t, conn.closed)

	_, ok := sc.SymmetricKey()
	assert.False(t, ok)
}

func TestVerifyQuoteBindingMatches(t *testing.T) {
	x25519Public := []byte{1, 2, 3, 4}
	val, iat := "challenge", "1700000000"

	h := sha512Sum(val, iat, x25519Public)
	assert.True(t, VerifyQuoteBinding(val, iat, x25519Public, h))
	assert.False(t, VerifyQuoteBinding(val, iat, x25519Public, append([]byte{0xFF}, h[1:]...)))
}
