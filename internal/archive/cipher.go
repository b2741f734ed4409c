package archive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher names as recorded in archive headers.
const (
	CipherAESGCM   = "aes-gcm"
	CipherChaCha20 = "chacha20-poly1305"
)

const (
	// MinPassphraseLength is the minimum accepted passphrase length.
	MinPassphraseLength = 8

	saltLength = 16

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32
)

// ErrPassphraseTooWeak rejects passphrases under MinPassphraseLength.
var ErrPassphraseTooWeak = errors.New("archive: passphrase too weak (minimum 8 characters)")

// defaultCipher picks the AEAD for this machine. amd64 and arm64 carry
// hardware AES; everything else does ChaCha20 faster in software.
func defaultCipher() string {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return CipherAESGCM
	default:
		return CipherChaCha20
	}
}

// newAEAD constructs the named AEAD over a 32-byte key.
func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case CipherAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("archive: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case CipherChaCha20:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("archive: unsupported cipher %q", name)
	}
}

// deriveKey derives a 32-byte key from a passphrase with Argon2id. A nil
// salt generates a fresh one; the salt used is always returned so the
// caller can persist it in the header.
func deriveKey(passphrase, salt []byte) (key, usedSalt []byte, err error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, nil, ErrPassphraseTooWeak
	}
	if salt == nil {
		salt = make([]byte, saltLength)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, fmt.Errorf("archive: generate salt: %w", err)
		}
	}
	key = argon2.IDKey(passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return key, salt, nil
}

// seal encrypts plaintext, prepending the nonce.
func seal(aead cipher.AEAD, plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("archive: generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// open decrypts a nonce-prefixed ciphertext.
func open(aead cipher.AEAD, ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("archive: ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, sealed, additionalData)
}

// zeroKey wipes key material after use.
func zeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}
