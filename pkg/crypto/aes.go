// Package crypto encrypts account credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrInvalidKeySize 密钥长度无效
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes (256 bits)")
	// ErrInvalidCiphertext 密文格式无效
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short or malformed")
	// ErrDecryptionFailed 解密失败（密钥错误或密文被篡改）
	ErrDecryptionFailed = errors.New("decryption failed: authentication failed")
)

// sealedPrefix marks values written by Encrypt, so rows stored before
// encryption was enabled can still be read.
const sealedPrefix = "enc:v1:"

// AESCrypto AES-256-GCM 加密服务，GCM 实例可并发复用
type AESCrypto struct {
	aead cipher.AEAD
}

// NewAESCrypto 创建 AES 加密服务，key 必须为 32 字节
func NewAESCrypto(key []byte) (*AESCrypto, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESCrypto{aead: aead}, nil
}

// NewAESCryptoFromSecret 使用任意长度的口令派生 32 字节密钥（SHA-256）
// 32 字节的口令按原样使用
func NewAESCryptoFromSecret(secret string) (*AESCrypto, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrInvalidKeySize)
	}
	if len(secret) == 32 {
		return NewAESCrypto([]byte(secret))
	}
	sum := sha256.Sum256([]byte(secret))
	return NewAESCrypto(sum[:])
}

// Encrypt 返回 "enc:v1:" + Base64(nonce + ciphertext + tag)
func (a *AESCrypto) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密 Encrypt 的输出；没有前缀的值视为明文原样返回
func (a *AESCrypto) Decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(value, sealedPrefix)
	if !ok {
		return value, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := a.aead.NonceSize()
	if len(decoded) < nonceSize+a.aead.Overhead() {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := a.aead.Open(nil, decoded[:nonceSize], decoded[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value was produced by Encrypt.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, sealedPrefix)
}
