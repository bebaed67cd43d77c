// Package envelope implements the content crypto for shield links:
// 256-bit key generation, authenticated encryption, and the portable
// key-object encoding carried in the link fragment. All operations are
// pure (no I/O beyond the system RNG) and safe for concurrent use.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	KeyLen   = 32
	NonceLen = 12
	// AAD binds ciphertexts to this protocol version.
	AAD = "shield/envelope/v1"

	Algorithm = "A256GCM"
	KeyType   = "oct"
)

// Errors returned by envelope operations. Decryption failures are
// deliberately uniform: wrong key and tampered ciphertext are
// indistinguishable to the caller.
var (
	ErrEncryptionFailure = errors.New("encryption failure")
	ErrDecryptionFailure = errors.New("decryption failed")
	ErrKeyLength         = errors.New("key must be 32 bytes")
	ErrKeyFormat         = errors.New("invalid key object")
	ErrAlgorithmMismatch = errors.New("key object algorithm mismatch")
)

// KeyObject is the fixed tagged structure carried in the link
// fragment: algorithm tag, extractability flag, base64url key
// material, permitted operations, key type. Unknown fields are
// rejected on decode rather than ignored.
type KeyObject struct {
	Alg    string   `json:"alg"`
	Ext    bool     `json:"ext"`
	K      string   `json:"k"`
	KeyOps []string `json:"key_ops"`
	Kty    string   `json:"kty"`
}

var defaultKeyOps = []string{"encrypt", "decrypt"}

// GenerateKey returns a fresh 256-bit key from the system CSPRNG.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailure, err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under a fresh random nonce.
// The nonce is prepended to the ciphertext so decryption is
// self-contained given the key.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrKeyLength
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailure, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(AAD)), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Malformed input and
// authentication failure both return ErrDecryptionFailure.
func Decrypt(ciphertext, key []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrKeyLength
	}
	if len(ciphertext) < NonceLen {
		return nil, ErrDecryptionFailure
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce, sealed := ciphertext[:NonceLen], ciphertext[NonceLen:]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(AAD))
	if err != nil {
		return nil, ErrDecryptionFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailure, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionFailure, err)
	}
	return gcm, nil
}

// EncodeKey wraps raw key material in a KeyObject.
func EncodeKey(key []byte) (KeyObject, error) {
	if len(key) != KeyLen {
		return KeyObject{}, ErrKeyLength
	}
	return KeyObject{
		Alg:    Algorithm,
		Ext:    true,
		K:      base64.RawURLEncoding.EncodeToString(key),
		KeyOps: append([]string(nil), defaultKeyOps...),
		Kty:    KeyType,
	}, nil
}

// DecodeKey validates a KeyObject and returns the raw key. A key
// object declaring a different algorithm than the decryption routine
// expects fails with ErrAlgorithmMismatch.
func DecodeKey(obj KeyObject) ([]byte, error) {
	if obj.Alg != Algorithm {
		return nil, ErrAlgorithmMismatch
	}
	if obj.Kty != KeyType {
		return nil, fmt.Errorf("%w: key type %q", ErrKeyFormat, obj.Kty)
	}
	if len(obj.KeyOps) == 0 {
		return nil, fmt.Errorf("%w: key_ops required", ErrKeyFormat)
	}
	for _, op := range obj.KeyOps {
		if op != "encrypt" && op != "decrypt" {
			return nil, fmt.Errorf("%w: unknown key op %q", ErrKeyFormat, op)
		}
	}
	key, err := base64.RawURLEncoding.DecodeString(obj.K)
	if err != nil {
		return nil, fmt.Errorf("%w: key material not base64url", ErrKeyFormat)
	}
	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key material must be %d bytes", ErrKeyFormat, KeyLen)
	}
	return key, nil
}

// ParseKeyObject parses key-object JSON strictly: unknown or missing
// fields are rejected, not ignored.
func ParseKeyObject(data []byte) (KeyObject, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var obj KeyObject
	if err := dec.Decode(&obj); err != nil {
		return KeyObject{}, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	if dec.More() {
		return KeyObject{}, fmt.Errorf("%w: trailing data", ErrKeyFormat)
	}
	if obj.Alg == "" || obj.Kty == "" || obj.K == "" {
		return KeyObject{}, fmt.Errorf("%w: missing required fields", ErrKeyFormat)
	}
	return obj, nil
}
