// Package crypto decrypts exchange credentials stored encrypted at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// DefaultKeyPath is the Docker secret holding the hex encryption key
const DefaultKeyPath = "/run/secrets/encryption_key"

// ivSize is the nonce length used by EncryptSecret
const ivSize = 16

// DecryptSecret decrypts a value stored as iv:tag:ciphertext, all hex
// encoded, with AES-256-GCM. The nonce length is taken from the stored IV.
func DecryptSecret(storedValue string, encryptionKey string) (string, error) {
	parts := strings.Split(strings.TrimSpace(storedValue), ":")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid encrypted secret format: expected iv:tag:ciphertext")
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("failed to decode IV: %w", err)
	}
	if len(iv) == 0 {
		return "", fmt.Errorf("failed to decode IV: empty")
	}

	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("failed to decode tag: %w", err)
	}

	encrypted, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("failed to decode encrypted data: %w", err)
	}

	gcm, err := newGCM(encryptionKey, len(iv))
	if err != nil {
		return "", err
	}
	if len(tag) != gcm.Overhead() {
		return "", fmt.Errorf("invalid tag length %d, expected %d", len(tag), gcm.Overhead())
	}

	// GCM expects the tag appended to the ciphertext
	sealed := make([]byte, 0, len(encrypted)+len(tag))
	sealed = append(sealed, encrypted...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

// EncryptSecret produces the iv:tag:ciphertext form read by DecryptSecret
func EncryptSecret(plaintext string, encryptionKey string) (string, error) {
	gcm, err := newGCM(encryptionKey, ivSize)
	if err != nil {
		return "", err
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - gcm.Overhead()

	return hex.EncodeToString(iv) + ":" +
		hex.EncodeToString(sealed[split:]) + ":" +
		hex.EncodeToString(sealed[:split]), nil
}

func newGCM(encryptionKey string, nonceSize int) (cipher.AEAD, error) {
	// 64 hex chars = 32 bytes
	key, err := hex.DecodeString(strings.TrimSpace(encryptionKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// LoadEncryptionKey reads the key from secretPath (DefaultKeyPath when
// empty), falling back to ENCRYPTION_KEY
func LoadEncryptionKey(secretPath string) (string, error) {
	if secretPath == "" {
		secretPath = DefaultKeyPath
	}
	if data, err := os.ReadFile(secretPath); err == nil {
		if key := strings.TrimSpace(string(data)); key != "" {
			return key, nil
		}
	}

	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		return key, nil
	}

	return "", fmt.Errorf("encryption key not found: check %s or ENCRYPTION_KEY env var", secretPath)
}
