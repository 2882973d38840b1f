package keyexec

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/scrypt"
)

// KDFParams are the scrypt parameters used to stretch the wallet password
// into the session credential. They are persisted next to the verifier.
type KDFParams struct {
	Salt []byte `json:"salt"`
	N    int    `json:"n"`
	R    int    `json:"r"`
	P    int    `json:"p"`
}

// CredentialSize is the length of the derived session credential
const CredentialSize = 32

// NewKDFParams returns parameters with a fresh random salt. n must be a
// power of two; zero selects 2^15.
func NewKDFParams(n int) (KDFParams, error) {
	if n == 0 {
		n = 1 << 15
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return KDFParams{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	return KDFParams{Salt: salt, N: n, R: 8, P: 1}, nil
}

// Derive stretches password into a CredentialSize key
func (p KDFParams) Derive(password []byte) ([]byte, error) {
	key, err := scrypt.Key(password, p.Salt, p.N, p.R, p.P, CredentialSize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive credential: %w", err)
	}
	return key, nil
}

// HashPassword creates the bcrypt verifier stored for unlock checks
func HashPassword(password []byte) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// VerifyPassword reports whether password matches the verifier
func VerifyPassword(verifier, password []byte) bool {
	return bcrypt.CompareHashAndPassword(verifier, password) == nil
}

// Sealer encrypts account secrets under the session credential and wraps
// the result with the configured KMS provider.
type Sealer struct {
	kms KMSProvider
}

// NewSealer creates a Sealer. A nil provider means no outer envelope.
func NewSealer(kms KMSProvider) *Sealer {
	if kms == nil {
		kms = NoneKMSProvider{}
	}
	return &Sealer{kms: kms}
}

// Provider returns the name of the outer envelope provider
func (s *Sealer) Provider() string {
	return s.kms.Provider()
}

// Seal encrypts plaintext with credential, then with the KMS provider
func (s *Sealer) Seal(ctx context.Context, credential, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(credential)
	if err != nil {
		return nil, err
	}
	inner, err := sealGCM(aead, plaintext)
	if err != nil {
		return nil, err
	}
	outer, err := s.kms.Encrypt(ctx, inner)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap sealed secret: %w", err)
	}
	return outer, nil
}

// Open reverses Seal. The caller owns the returned slice and must Zero it.
func (s *Sealer) Open(ctx context.Context, credential, sealed []byte) ([]byte, error) {
	inner, err := s.kms.Decrypt(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap sealed secret: %w", err)
	}
	aead, err := newGCM(credential)
	if err != nil {
		return nil, err
	}
	return openGCM(aead, inner)
}

// Reseal re-encrypts a sealed secret under a new credential
func (s *Sealer) Reseal(ctx context.Context, oldCredential, newCredential, sealed []byte) ([]byte, error) {
	plaintext, err := s.Open(ctx, oldCredential, sealed)
	if err != nil {
		return nil, err
	}
	defer Zero(plaintext)
	return s.Seal(ctx, newCredential, plaintext)
}

// Wrap applies only the KMS envelope. Used for material that must survive
// a restart without the password, such as a resumable session credential.
func (s *Sealer) Wrap(ctx context.Context, data []byte) ([]byte, error) {
	return s.kms.Encrypt(ctx, data)
}

// Unwrap reverses Wrap
func (s *Sealer) Unwrap(ctx context.Context, data []byte) ([]byte, error) {
	return s.kms.Decrypt(ctx, data)
}

// Zero overwrites b in place
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
