// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/better-wallet/wallet-core/internal/keyexec"
)

// KMSProvider wraps sealed credentials with a random AES-GCM key
type KMSProvider struct {
	mu           sync.Mutex
	masterKey    []byte
	encryptCalls int
	decryptCalls int
	shouldFail   bool
}

var _ keyexec.KMSProvider = (*KMSProvider)(nil)

// NewKMSProvider creates a KMS provider with a fresh master key
func NewKMSProvider() *KMSProvider {
	key := make([]byte, 32)
	_, _ = rand.Read(key)
	return &KMSProvider{masterKey: key}
}

func (m *KMSProvider) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt implements keyexec.KMSProvider
func (m *KMSProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.encryptCalls++
	if m.shouldFail {
		return nil, fmt.Errorf("mock KMS encrypt failure")
	}

	gcm, err := m.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt implements keyexec.KMSProvider
func (m *KMSProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decryptCalls++
	if m.shouldFail {
		return nil, fmt.Errorf("mock KMS decrypt failure")
	}

	gcm, err := m.gcm()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// Provider implements keyexec.KMSProvider
func (m *KMSProvider) Provider() string { return "mock" }

// SetShouldFail makes every call fail
func (m *KMSProvider) SetShouldFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFail = fail
}

// Calls returns the encrypt and decrypt call counts
func (m *KMSProvider) Calls() (encrypt, decrypt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encryptCalls, m.decryptCalls
}
