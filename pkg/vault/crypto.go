package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/openmesh/dws/pkg/errdefs"
)

// keyDomainLabel binds derived keys to this vault; changing it
// invalidates every stored ciphertext.
const keyDomainLabel = "credential-vault-v1"

// nonceSize is the AES-GCM IV length in bytes
const nonceSize = 12

// deriveOwnerKey derives the 32-byte AES-256 key for an owner from the
// master key via HKDF-SHA256. The owner address is lowercased so the
// same key comes out regardless of the caller's address casing.
func deriveOwnerKey(masterKey []byte, owner string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, errdefs.Encryption.New("master key not set")
	}

	info := []byte(strings.ToLower(owner) + keyDomainLabel)
	r := hkdf.New(sha256.New, masterKey, nil, info)

	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errdefs.Encryption.Wrap(err)
	}
	return key, nil
}

// encryptField encrypts plaintext with AES-256-GCM and returns
// base64(iv || ct || tag). Every call draws a fresh random IV.
func encryptField(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errdefs.Encryption.Wrap(err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", errdefs.Encryption.Wrap(err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errdefs.Encryption.Wrap(err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decryptField reverses encryptField. A ciphertext shorter than the IV
// plus one byte indicates stored-data corruption and is an Integrity
// error, not a decryption failure.
func decryptField(key []byte, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errdefs.Encryption.Wrap(err)
	}
	if len(raw) < nonceSize+1 {
		return "", errdefs.Integrity.New("ciphertext truncated: %d bytes", len(raw))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errdefs.Encryption.Wrap(err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", errdefs.Encryption.Wrap(err)
	}

	nonce, ct := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errdefs.Encryption.Wrap(err)
	}
	return string(plaintext), nil
}
