package keyexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams(t *testing.T) KDFParams {
	t.Helper()
	p, err := NewKDFParams(1 << 10)
	require.NoError(t, err)
	return p
}

func TestKDFParams_Derive(t *testing.T) {
	p := testParams(t)

	a, err := p.Derive([]byte("hunter2"))
	require.NoError(t, err)
	b, err := p.Derive([]byte("hunter2"))
	require.NoError(t, err)
	c, err := p.Derive([]byte("hunter3"))
	require.NoError(t, err)

	assert.Len(t, a, CredentialSize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)

	other := testParams(t)
	d, err := other.Derive([]byte("hunter2"))
	require.NoError(t, err)
	assert.NotEqual(t, a, d, "fresh salt gives a different credential")

	_, err = KDFParams{Salt: p.Salt, N: 3, R: 8, P: 1}.Derive([]byte("x"))
	assert.Error(t, err)
}

func TestPasswordVerifier(t *testing.T) {
	v, err := HashPassword([]byte("correct horse"))
	require.NoError(t, err)

	assert.True(t, VerifyPassword(v, []byte("correct horse")))
	assert.False(t, VerifyPassword(v, []byte("wrong")))
}

func TestSealer(t *testing.T) {
	ctx := context.Background()
	p := testParams(t)
	cred, err := p.Derive([]byte("pw"))
	require.NoError(t, err)

	local, err := NewLocalKMSProvider(testMasterKey)
	require.NoError(t, err)

	for _, s := range []*Sealer{NewSealer(nil), NewSealer(local)} {
		t.Run(s.Provider(), func(t *testing.T) {
			sealed, err := s.Seal(ctx, cred, []byte(testMnemonic))
			require.NoError(t, err)
			assert.NotContains(t, string(sealed), "abandon")

			opened, err := s.Open(ctx, cred, sealed)
			require.NoError(t, err)
			assert.Equal(t, testMnemonic, string(opened))

			wrong, err := p.Derive([]byte("other"))
			require.NoError(t, err)
			_, err = s.Open(ctx, wrong, sealed)
			assert.Error(t, err)

			resealed, err := s.Reseal(ctx, cred, wrong, sealed)
			require.NoError(t, err)
			opened, err = s.Open(ctx, wrong, resealed)
			require.NoError(t, err)
			assert.Equal(t, testMnemonic, string(opened))

			_, err = s.Open(ctx, cred, resealed)
			assert.Error(t, err)
		})
	}
}

func TestSealer_WrapUnwrap(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalKMSProvider(testMasterKey)
	require.NoError(t, err)
	s := NewSealer(local)

	wrapped, err := s.Wrap(ctx, []byte("credential"))
	require.NoError(t, err)
	assert.NotEqual(t, []byte("credential"), wrapped)

	back, err := s.Unwrap(ctx, wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("credential"), back)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
	assert.NotPanics(t, func() { Zero(nil) })
}
