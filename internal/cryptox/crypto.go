// Package cryptox holds the credential hashing used by the accounts service
// and the AES-GCM sealing of stored storage configurations.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/json"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"golang.org/x/crypto/argon2"
)

// SaltSize is the length of salts made by NewSalt.
const SaltSize = 16

// NewSalt returns a random salt for HashCredential.
func NewSalt() []byte {
	return common.GenerateRandByteArray(SaltSize)
}

// HashCredential derives a 32-byte argon2id hash of password.
func HashCredential(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, 32)
}

// CheckCredential reports whether password hashes to hash under salt. The
// comparison runs in constant time.
func CheckCredential(hash, salt, password []byte) bool {
	if len(hash) == 0 {
		return false
	}
	candidate := HashCredential(password, salt)
	defer common.WipeByteArray(candidate)
	return subtle.ConstantTimeCompare(hash, candidate) == 1
}

// Seal serializes v to JSON and encrypts it with AES-GCM under key, which
// must be 16, 24 or 32 bytes. A fresh nonce is returned with the ciphertext.
func Seal(v any, key []byte) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(plaintext)

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = common.GenerateRandByteArray(aesgcm.NonceSize())
	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a Seal result into v.
func Open(ciphertext, nonce, key []byte, v any) error {
	aesgcm, err := newGCM(key)
	if err != nil {
		return err
	}
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)
	return json.Unmarshal(plaintext, v)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
