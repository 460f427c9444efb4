package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"mailpulse/config"
)

// Mailbox credentials are encrypted at rest with AES-CFB keyed by
// ENCRYPTION_KEY. The IV is prepended to the ciphertext and the whole blob
// is base64 URL-encoded for storage in a text column.

func cipherBlock() (cipher.Block, error) {
	block, err := aes.NewCipher([]byte(config.AppConfig.EncryptionKey))
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return block, nil
}

// Encrypt protects a mailbox credential before it is persisted. Empty
// credentials (senders without IMAP configured) pass through unchanged.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	block, err := cipherBlock()
	if err != nil {
		return "", err
	}

	blob := make([]byte, aes.BlockSize+len(plaintext))
	iv := blob[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(blob[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(blob), nil
}

// Decrypt recovers a credential stored with Encrypt.
func Decrypt(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}

	block, err := cipherBlock()
	if err != nil {
		return "", err
	}

	blob, err := base64.URLEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode credential: %w", err)
	}
	if len(blob) < aes.BlockSize {
		return "", fmt.Errorf("credential blob truncated")
	}

	iv, body := blob[:aes.BlockSize], blob[aes.BlockSize:]
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(body, body)

	return string(body), nil
}
