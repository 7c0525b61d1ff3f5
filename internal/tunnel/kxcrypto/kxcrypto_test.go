package kxcrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealUnsealRoundTrip(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	message := []byte("a 32-byte symmetric key goes...")
	sealed, err := Seal(message, &recipient.Public)
	require.NoError(t, err)

	opened, err := Unseal(sealed, recipient)
	require.NoError(t, err)
	assert.Equal(t, message, opened)
}

func TestUnsealRejectsWrongRecipient(t *testing.T) {
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	sealed, err := Seal([]byte("secret"), &recipient.Public)
	require.NoError(t, err)

	_, err = Unseal(sealed, other)
	assert.Error(t, err)
}

func TestEncryptDecryptEnvelopeRoundTrip(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)

	plaintext := []byte("hello tunnel")
	nonce, ciphertext, err := EncryptEnvelope(plaintext, &key)
	require.NoError(t, err)

	decrypted, err := DecryptEnvelope(nonce, ciphertext, &key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptEnvelopeRejectsWrongKey(t *testing.T) {
	key, err := GenerateSymmetricKey()
	require.NoError(t, err)
	wrongKey, err := GenerateSymmetricKey()
	require.NoError(t, err)

	nonce, ciphertext, err := EncryptEnvelope([]byte("hello"), &key)
	require.NoError(t, err)

	_, err = DecryptEnvelope(nonce, ciphertext, &wrongKey)
	assert.Error(t, err)
}
