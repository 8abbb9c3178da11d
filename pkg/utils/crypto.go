package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/veridocs/btcpay/internal/logging"
	"go.uber.org/zap"
)

const keySize = 32 // AES-256

// EncryptString encrypts plaintext with AES-GCM and returns it hex-encoded.
// Used to keep extended public keys encrypted at rest.
func EncryptString(plaintext string, encryptionKey string) (string, error) {
	if plaintext == "" {
		return "", errors.New("plaintext cannot be empty")
	}
	if len(encryptionKey) < keySize {
		err := fmt.Errorf("encryption key must be at least %d bytes long", keySize)
		logging.Error("Encryption failed: encryption key too short", zap.Error(err))
		return "", err
	}

	key := []byte(encryptionKey)[:keySize]

	block, err := aes.NewCipher(key)
	if err != nil {
		logging.Error("Error creating AES cipher for encryption", zap.Error(err))
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		logging.Error("Error creating GCM for encryption", zap.Error(err))
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		logging.Error("Error reading random nonce for encryption", zap.Error(err))
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// DecryptString reverses EncryptString.
func DecryptString(encrypted string, encryptionKey string) (string, error) {
	if encrypted == "" {
		return "", errors.New("encrypted value cannot be empty")
	}
	if len(encryptionKey) < keySize {
		err := fmt.Errorf("encryption key must be at least %d bytes long", keySize)
		logging.Error("Decryption failed: encryption key too short", zap.Error(err))
		return "", err
	}

	key := []byte(encryptionKey)[:keySize]
	ciphertext, err := hex.DecodeString(encrypted)
	if err != nil {
		logging.Error("Error decoding encrypted value", zap.Error(err))
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		logging.Error("Error creating AES cipher for decryption", zap.Error(err))
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		logging.Error("Error creating GCM for decryption", zap.Error(err))
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		err := errors.New("ciphertext too short")
		logging.Error("Decryption failed: ciphertext too short", zap.Error(err))
		return "", err
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		logging.Error("Error decrypting value", zap.Error(err))
		return "", err
	}

	return string(plaintext), nil
}
