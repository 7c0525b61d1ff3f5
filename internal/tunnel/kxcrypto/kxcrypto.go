// Package kxcrypto implements the tunnel's key-exchange and envelope
// cryptography: X25519 sealed-box key exchange and
// XSalsa20-Poly1305 (secretbox) envelope encryption.
package kxcrypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the byte length of an X25519 public/private key and of
	// a symmetric secretbox key.
	KeySize = 32
	// SealedNonceSize is the derived nonce length used by Seal/Unseal.
	SealedNonceSize = 24
	// SecretboxNonceSize is the random per-message nonce length used by
	// EncryptEnvelope/DecryptEnvelope.
	SecretboxNonceSize = 24
)

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a fresh X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("kxcrypto: generate key pair: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// GenerateSymmetricKey creates a fresh random secretbox key.
func GenerateSymmetricKey() ([KeySize]byte, error) {
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("kxcrypto: generate symmetric key: %w", err)
	}
	return key, nil
}

// sealedNonce derives the deterministic nonce the sealed-box
// construction uses: blake2b-256(ephemeralPublic ‖ recipientPublic)
// truncated to 24 bytes.
func sealedNonce(ephemeralPublic, recipientPublic *[KeySize]byte) [SealedNonceSize]byte {
	h := blake2b.Sum256(append(append([]byte{}, ephemeralPublic[:]...), recipientPublic[:]...))
	var nonce [SealedNonceSize]byte
	copy(nonce[:], h[:SealedNonceSize])
	return nonce
}

// Seal encrypts message to recipientPublic using an ephemeral sender
// key pair, returning ephemeralPublic ‖ box(message). The nonce is
// derived from the two public keys rather than chosen at random, so
// the sender never transmits it explicitly; Unseal re-derives it.
func Seal(message []byte, recipientPublic *[KeySize]byte) ([]byte, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	nonce := sealedNonce(&eph.Public, recipientPublic)
	sealed := box.Seal(nil, message, &nonce, recipientPublic, &eph.Private)

	out := make([]byte, 0, KeySize+len(sealed))
	out = append(out, eph.Public[:]...)
	out = append(out, sealed...)
	return out, nil
}

// Unseal reverses Seal given the recipient's key pair.
func Unseal(sealed []byte, recipient *KeyPair) ([]byte, error) {
	if len(sealed) < KeySize {
		return nil, fmt.Errorf("kxcrypto: sealed payload too short")
	}
	var ephPublic [KeySize]byte
	copy(ephPublic[:], sealed[:KeySize])
	ciphertext := sealed[KeySize:]

	nonce := sealedNonce(&ephPublic, &recipient.Public)
	opened, ok := box.Open(nil, ciphertext, &nonce, &ephPublic, &recipient.Private)
	if !ok {
		return nil, fmt.Errorf("kxcrypto: failed to open sealed box")
	}
	return opened, nil
}

// EncryptEnvelope encrypts plaintext under key with a fresh random
// 24-byte nonce, returning (nonce, ciphertext) as the `enc` frame
// carries them.
func EncryptEnvelope(plaintext []byte, key *[KeySize]byte) (nonce [SecretboxNonceSize]byte, ciphertext []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("kxcrypto: generate nonce: %w", err)
	}
	ciphertext = secretbox.Seal(nil, plaintext, &nonce, key)
	return nonce, ciphertext, nil
}

// DecryptEnvelope reverses EncryptEnvelope.
func DecryptEnvelope(nonce [SecretboxNonceSize]byte, ciphertext []byte, key *[KeySize]byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, key)
	if !ok {
		return nil, fmt.Errorf("kxcrypto: failed to open secretbox")
	}
	return plaintext, nil
}
