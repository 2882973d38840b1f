package keyexec

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	vault "github.com/hashicorp/vault/api"
)

// KMSProvider wraps sealed wallet secrets in an outer envelope before they
// are persisted. The inner layer is always the password seal, so a leaked
// store is useless without both the password and the KMS key.
type KMSProvider interface {
	Encrypt(ctx context.Context, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error)

	// Provider returns the provider name (e.g., "local", "aws-kms", "vault")
	Provider() string
}

// KMSProviderType represents supported KMS providers
type KMSProviderType string

const (
	// KMSProviderNone stores password-sealed secrets without an outer envelope
	KMSProviderNone KMSProviderType = "none"

	// KMSProviderLocal uses a local master key with AES-GCM
	KMSProviderLocal KMSProviderType = "local"

	// KMSProviderAWSKMS uses AWS KMS
	KMSProviderAWSKMS KMSProviderType = "aws-kms"

	// KMSProviderVault uses the HashiCorp Vault Transit engine
	KMSProviderVault KMSProviderType = "vault"
)

// KMSConfig contains configuration for KMS providers
type KMSConfig struct {
	Provider string

	// Local provider config: 32-byte key, hex encoded
	LocalMasterKeyHex string

	// AWS KMS config
	AWSKMSKeyID  string
	AWSKMSRegion string

	// Vault config
	VaultAddress    string
	VaultToken      string
	VaultTransitKey string
}

// NoneKMSProvider passes data through unchanged
type NoneKMSProvider struct{}

// Encrypt returns a copy of data
func (NoneKMSProvider) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	return append([]byte(nil), data...), nil
}

// Decrypt returns a copy of encryptedData
func (NoneKMSProvider) Decrypt(_ context.Context, encryptedData []byte) ([]byte, error) {
	return append([]byte(nil), encryptedData...), nil
}

// Provider returns the provider name
func (NoneKMSProvider) Provider() string {
	return string(KMSProviderNone)
}

// LocalKMSProvider implements KMSProvider using a local master key with AES-GCM
type LocalKMSProvider struct {
	aead cipher.AEAD
}

// NewLocalKMSProvider creates a new local KMS provider
func NewLocalKMSProvider(masterKeyHex string) (*LocalKMSProvider, error) {
	if masterKeyHex == "" {
		return nil, fmt.Errorf("master key is required for local KMS provider")
	}

	masterKey, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key must be hex encoded: %w", err)
	}
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	aead, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	return &LocalKMSProvider{aead: aead}, nil
}

// Encrypt encrypts data using AES-GCM with the local master key
func (p *LocalKMSProvider) Encrypt(_ context.Context, data []byte) ([]byte, error) {
	return sealGCM(p.aead, data)
}

// Decrypt decrypts data using AES-GCM with the local master key
func (p *LocalKMSProvider) Decrypt(_ context.Context, encryptedData []byte) ([]byte, error) {
	return openGCM(p.aead, encryptedData)
}

// Provider returns the provider name
func (p *LocalKMSProvider) Provider() string {
	return string(KMSProviderLocal)
}

// AWSKMSProvider implements KMSProvider using AWS KMS
type AWSKMSProvider struct {
	keyID  string
	client *kms.Client
}

// NewAWSKMSProvider creates a new AWS KMS provider
func NewAWSKMSProvider(keyID, region string) (*AWSKMSProvider, error) {
	if keyID == "" {
		return nil, fmt.Errorf("AWS KMS key ID is required")
	}
	if region == "" {
		return nil, fmt.Errorf("AWS region is required")
	}

	// Uses default credential chain: env vars, shared config, IAM role
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSKMSProvider{
		keyID:  keyID,
		client: kms.NewFromConfig(cfg),
	}, nil
}

// envelopePurpose binds every envelope to wallet secrets. AWS records it
// as encryption context and the local AEAD as additional data, so a
// ciphertext lifted from another system using the same key will not open.
const envelopePurpose = "wallet-core/sealed-secret"

func (p *AWSKMSProvider) encryptionContext() map[string]string {
	return map[string]string{"purpose": envelopePurpose}
}

// Encrypt encrypts data using AWS KMS
func (p *AWSKMSProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	output, err := p.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(p.keyID),
		Plaintext:         data,
		EncryptionContext: p.encryptionContext(),
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS encrypt failed: %w", err)
	}
	return output.CiphertextBlob, nil
}

// Decrypt decrypts data using AWS KMS
func (p *AWSKMSProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	output, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(p.keyID),
		CiphertextBlob:    encryptedData,
		EncryptionContext: p.encryptionContext(),
	})
	if err != nil {
		return nil, fmt.Errorf("AWS KMS decrypt failed: %w", err)
	}
	return output.Plaintext, nil
}

// Provider returns the provider name
func (p *AWSKMSProvider) Provider() string {
	return string(KMSProviderAWSKMS)
}

// VaultProvider implements KMSProvider using the Vault Transit engine. The
// transit key never leaves Vault; only the sealed secret crosses the wire.
type VaultProvider struct {
	transitKey string
	client     *vault.Client
}

// NewVaultProvider creates a new Vault provider
func NewVaultProvider(address, token, transitKey string) (*VaultProvider, error) {
	switch {
	case address == "":
		return nil, fmt.Errorf("vault address is required")
	case token == "":
		return nil, fmt.Errorf("vault token is required")
	case transitKey == "":
		return nil, fmt.Errorf("vault transit key name is required")
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = address
	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)
	return &VaultProvider{transitKey: transitKey, client: client}, nil
}

// transit calls transit/<op>/<key> with one input field and returns the
// named output field
func (p *VaultProvider) transit(ctx context.Context, op, in, value, out string) (string, error) {
	secret, err := p.client.Logical().WriteWithContext(ctx, "transit/"+op+"/"+p.transitKey, map[string]any{in: value})
	if err != nil {
		return "", fmt.Errorf("vault transit %s failed: %w", op, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault transit %s returned empty response", op)
	}
	v, ok := secret.Data[out].(string)
	if !ok {
		return "", fmt.Errorf("vault transit %s: %s not found in response", op, out)
	}
	return v, nil
}

// Encrypt returns the vault:v<N>:... ciphertext of data
func (p *VaultProvider) Encrypt(ctx context.Context, data []byte) ([]byte, error) {
	ciphertext, err := p.transit(ctx, "encrypt", "plaintext", base64.StdEncoding.EncodeToString(data), "ciphertext")
	if err != nil {
		return nil, err
	}
	return []byte(ciphertext), nil
}

// Decrypt opens a ciphertext produced by Encrypt under any key version
func (p *VaultProvider) Decrypt(ctx context.Context, encryptedData []byte) ([]byte, error) {
	if !bytes.HasPrefix(encryptedData, []byte("vault:")) {
		return nil, fmt.Errorf("not a vault transit ciphertext")
	}
	encoded, err := p.transit(ctx, "decrypt", "ciphertext", string(encryptedData), "plaintext")
	if err != nil {
		return nil, err
	}
	plaintext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault transit decrypt: failed to decode plaintext: %w", err)
	}
	return plaintext, nil
}

// Provider returns the provider name
func (p *VaultProvider) Provider() string {
	return string(KMSProviderVault)
}

// NewKMSProvider creates a KMSProvider based on the configuration
func NewKMSProvider(cfg *KMSConfig) (KMSProvider, error) {
	provider := KMSProviderType(cfg.Provider)

	switch provider {
	case KMSProviderNone, "":
		return NoneKMSProvider{}, nil

	case KMSProviderLocal:
		return NewLocalKMSProvider(cfg.LocalMasterKeyHex)

	case KMSProviderAWSKMS:
		return NewAWSKMSProvider(cfg.AWSKMSKeyID, cfg.AWSKMSRegion)

	case KMSProviderVault:
		return NewVaultProvider(cfg.VaultAddress, cfg.VaultToken, cfg.VaultTransitKey)

	default:
		return nil, fmt.Errorf("unsupported KMS provider: %s (supported: %s, %s, %s, %s)",
			provider, KMSProviderNone, KMSProviderLocal, KMSProviderAWSKMS, KMSProviderVault)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// sealGCM returns nonce || ciphertext
func sealGCM(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(envelopePurpose)), nil
}

func openGCM(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	nonceSize := aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(envelopePurpose))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// Ensure providers implement KMSProvider
var (
	_ KMSProvider = NoneKMSProvider{}
	_ KMSProvider = (*LocalKMSProvider)(nil)
	_ KMSProvider = (*AWSKMSProvider)(nil)
	_ KMSProvider = (*VaultProvider)(nil)
)
