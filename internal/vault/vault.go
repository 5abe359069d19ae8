// Package vault encrypts and decrypts per-user Jules API keys.
//
// The AES-256-GCM key and nonce are derived from the user id alone so that
// ciphertexts written by the browser client stay decryptable. Anyone who knows
// a user id can therefore derive that user's key; the scheme only protects
// against casual disclosure of the stored value, not against an attacker with
// read access to storage. A server-held secret (for example KMS envelope
// encryption) would be required for real confidentiality.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
)

const (
	keySize   = 32
	nonceSize = 12
)

// DecryptionError reports that a stored key could not be decrypted.
// It never carries key material.
type DecryptionError struct {
	UserID string
	reason string
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("failed to decrypt Jules API key: %s", e.reason)
}

// Vault derives per-user ciphers. The zero value is ready to use.
type Vault struct{}

// New returns a Vault
func New() *Vault {
	return &Vault{}
}

// Encrypt seals plaintext for userID and returns base64 ciphertext
func (v *Vault) Encrypt(plaintext, userID string) (string, error) {
	aead, nonce, err := derive(userID)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens base64 ciphertext previously sealed for userID
func (v *Vault) Decrypt(ciphertextBase64, userID string) (string, error) {
	if userID == "" {
		return "", &DecryptionError{reason: "missing user id"}
	}

	sealed, err := base64.StdEncoding.DecodeString(ciphertextBase64)
	if err != nil {
		return "", &DecryptionError{UserID: userID, reason: "malformed ciphertext"}
	}

	aead, nonce, err := derive(userID)
	if err != nil {
		return "", &DecryptionError{UserID: userID, reason: "cipher setup failed"}
	}

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &DecryptionError{UserID: userID, reason: "authentication failed"}
	}
	return string(plain), nil
}

// derive builds the AES-GCM cipher and nonce for a user.
// key: userID bytes, NUL padded/truncated to 32.
// nonce: userID bytes truncated to 12, padded with ASCII '0'.
func derive(userID string) (cipher.AEAD, []byte, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("missing user id")
	}

	key := make([]byte, keySize)
	copy(key, userID)

	nonce := make([]byte, nonceSize)
	for i := range nonce {
		nonce[i] = '0'
	}
	copy(nonce, userID)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	return aead, nonce, nil
}
