package keyexec

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewLocalKMSProvider(t *testing.T) {
	t.Run("creates provider with valid key", func(t *testing.T) {
		provider, err := NewLocalKMSProvider(testMasterKey)
		require.NoError(t, err)
		require.NotNil(t, provider)
		assert.Equal(t, "local", provider.Provider())
	})

	t.Run("returns error with empty key", func(t *testing.T) {
		provider, err := NewLocalKMSProvider("")
		assert.Error(t, err)
		assert.Nil(t, provider)
		assert.Contains(t, err.Error(), "master key is required")
	})

	t.Run("returns error with non-hex key", func(t *testing.T) {
		_, err := NewLocalKMSProvider("test-master-key-32-bytes-long!!")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "hex encoded")
	})

	t.Run("returns error with short key", func(t *testing.T) {
		_, err := NewLocalKMSProvider("0011")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must be 32 bytes")
	})
}

func TestLocalKMSProvider_EncryptDecrypt(t *testing.T) {
	provider, err := NewLocalKMSProvider(testMasterKey)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("encrypts and decrypts data", func(t *testing.T) {
		plaintext := []byte("sealed mnemonic blob")

		ciphertext, err := provider.Encrypt(ctx, plaintext)
		require.NoError(t, err)
		assert.NotEqual(t, plaintext, ciphertext)

		decrypted, err := provider.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("encrypts and decrypts large data", func(t *testing.T) {
		plaintext := make([]byte, 64*1024)
		_, err := rand.Read(plaintext)
		require.NoError(t, err)

		ciphertext, err := provider.Encrypt(ctx, plaintext)
		require.NoError(t, err)

		decrypted, err := provider.Decrypt(ctx, ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("different encryptions produce different ciphertexts", func(t *testing.T) {
		c1, err := provider.Encrypt(ctx, []byte("same"))
		require.NoError(t, err)
		c2, err := provider.Encrypt(ctx, []byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, c1, c2)
	})
}

func TestLocalKMSProvider_DecryptErrors(t *testing.T) {
	provider, err := NewLocalKMSProvider(testMasterKey)
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("returns error for ciphertext too short", func(t *testing.T) {
		_, err := provider.Decrypt(ctx, []byte("short"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ciphertext too short")
	})

	t.Run("returns error for corrupted ciphertext", func(t *testing.T) {
		ciphertext, err := provider.Encrypt(ctx, []byte("Test data"))
		require.NoError(t, err)
		ciphertext[len(ciphertext)-1] ^= 0xFF

		_, err = provider.Decrypt(ctx, ciphertext)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decrypt")
	})

	t.Run("returns error for wrong key decryption", func(t *testing.T) {
		other, err := NewLocalKMSProvider(strings.Repeat("ff", 32))
		require.NoError(t, err)

		ciphertext, err := provider.Encrypt(ctx, []byte("Test data"))
		require.NoError(t, err)

		_, err = other.Decrypt(ctx, ciphertext)
		assert.Error(t, err)
	})
}

func TestNoneKMSProvider(t *testing.T) {
	ctx := context.Background()
	p := NoneKMSProvider{}

	in := []byte("data")
	out, err := p.Encrypt(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out[0] = 'x'
	assert.Equal(t, []byte("data"), in, "returned slice must not alias the input")

	back, err := p.Decrypt(ctx, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), back)
	assert.Equal(t, "none", p.Provider())
}

func TestNewAWSKMSProvider(t *testing.T) {
	t.Run("returns error with empty key ID", func(t *testing.T) {
		provider, err := NewAWSKMSProvider("", "us-east-1")
		assert.Error(t, err)
		assert.Nil(t, provider)
		assert.Contains(t, err.Error(), "AWS KMS key ID is required")
	})

	t.Run("returns error with empty region", func(t *testing.T) {
		provider, err := NewAWSKMSProvider("alias/my-key", "")
		assert.Error(t, err)
		assert.Nil(t, provider)
		assert.Contains(t, err.Error(), "AWS region is required")
	})
}

func TestNewVaultProvider(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		token      string
		transitKey string
		errMsg     string
	}{
		{"empty address", "", "token", "key", "vault address is required"},
		{"empty token", "http://localhost:8200", "", "key", "vault token is required"},
		{"empty transit key", "http://localhost:8200", "token", "", "vault transit key name is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewVaultProvider(tt.address, tt.token, tt.transitKey)
			require.Error(t, err)
			assert.Nil(t, provider)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

type vaultTransitRequest struct {
	Plaintext  string `json:"plaintext"`
	Ciphertext string `json:"ciphertext"`
}

func newVaultTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req vaultTransitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var data map[string]interface{}
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/transit/encrypt/"):
			data = map[string]interface{}{"ciphertext": "vault:v1:" + req.Plaintext}
		case strings.HasPrefix(r.URL.Path, "/v1/transit/decrypt/"):
			data = map[string]interface{}{"plaintext": strings.TrimPrefix(req.Ciphertext, "vault:v1:")}
		default:
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"request_id": "req", "data": data})
	}))
}

func TestVaultProvider_RoundTrip(t *testing.T) {
	server := newVaultTestServer(t)
	defer server.Close()

	provider, err := NewVaultProvider(server.URL, "token", "wallet")
	require.NoError(t, err)

	ctx := context.Background()
	ciphertext, err := provider.Encrypt(ctx, []byte("vault-secret"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(ciphertext), "vault:v1:"))

	decrypted, err := provider.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("vault-secret"), decrypted)
}

func TestVaultProvider_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"errors":["boom"]}`))
	}))
	defer server.Close()

	provider, err := NewVaultProvider(server.URL, "token", "wallet")
	require.NoError(t, err)

	_, err = provider.Encrypt(context.Background(), []byte("data"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault transit encrypt failed")

	_, err = provider.Decrypt(context.Background(), []byte("vault:v1:abcd"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault transit decrypt failed")

	_, err = provider.Decrypt(context.Background(), []byte("plain-bytes"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a vault transit ciphertext")
}

func TestNewKMSProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      KMSConfig
		provider string
		errMsg   string
	}{
		{name: "none by default", cfg: KMSConfig{}, provider: "none"},
		{name: "explicit none", cfg: KMSConfig{Provider: "none"}, provider: "none"},
		{name: "local", cfg: KMSConfig{Provider: "local", LocalMasterKeyHex: testMasterKey}, provider: "local"},
		{name: "aws without key", cfg: KMSConfig{Provider: "aws-kms", AWSKMSRegion: "us-east-1"}, errMsg: "AWS KMS key ID is required"},
		{name: "vault without address", cfg: KMSConfig{Provider: "vault", VaultToken: "t", VaultTransitKey: "k"}, errMsg: "vault address is required"},
		{name: "unsupported", cfg: KMSConfig{Provider: "gcp"}, errMsg: "unsupported KMS provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewKMSProvider(&tt.cfg)
			if tt.errMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.provider, p.Provider())
		})
	}
}
