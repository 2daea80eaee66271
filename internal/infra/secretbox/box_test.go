package secretbox

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lumenpay/bridge/pkg/flowerrors"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box := New()
	sealed, err := box.Seal([]byte("SCZ7...wallet seed"), "1A2B")
	require.NoError(t, err)

	secret, err := box.Open(sealed, "1A2B")
	require.NoError(t, err)
	require.Equal(t, []byte("SCZ7...wallet seed"), secret)
}

func TestOpenWrongCredential(t *testing.T) {
	box := New()
	sealed, err := box.Seal([]byte("seed"), "1A2B")
	require.NoError(t, err)

	_, err = box.Open(sealed, "FFFF")
	require.True(t, flowerrors.Is(err, flowerrors.CodeBadCredential))
}

func TestOpenCorruptCiphertext(t *testing.T) {
	box := New()
	sealed, err := box.Seal([]byte("seed"), "1A2B")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = box.Open(sealed, "1A2B")
	// 密文损坏与凭证错误对外不可区分。
	require.True(t, flowerrors.Is(err, flowerrors.CodeBadCredential))
}

func TestOpenTruncatedCiphertext(t *testing.T) {
	box := New()
	_, err := box.Open([]byte("short"), "1A2B")
	require.True(t, flowerrors.Is(err, flowerrors.CodeBadCredential))
}

func TestEmptyCredentialRoundTrip(t *testing.T) {
	box := New()
	sealed, err := box.Seal([]byte("seed"), "")
	require.NoError(t, err)

	secret, err := box.Open(sealed, "")
	require.NoError(t, err)
	require.Equal(t, []byte("seed"), secret)
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3}
	Zero(b)
	require.Equal(t, []byte{0, 0, 0}, b)
}
