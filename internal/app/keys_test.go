package app

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeKeyHex(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")
	decoded, err := DecodeKey(hex.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestDecodeKeyBase64(t *testing.T) {
	raw := []byte("another-32-byte-encryption-key!!")

	decoded, err := DecodeKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)

	decoded, err = DecodeKey(base64.RawStdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestDecodeKeyRawFallback(t *testing.T) {
	// Not valid hex or base64, so the literal bytes are used.
	decoded, err := DecodeKey("!!not-an-encoding!!")
	require.NoError(t, err)
	require.Equal(t, []byte("!!not-an-encoding!!"), decoded)
}

func TestDecodeKeyEmpty(t *testing.T) {
	_, err := DecodeKey("")
	require.Error(t, err)

	_, err = DecodeKey("   ")
	require.Error(t, err)
}

func TestKeyByteLength(t *testing.T) {
	length, err := KeyByteLength("")
	require.NoError(t, err)
	require.Zero(t, length)

	length, err = KeyByteLength(hex.EncodeToString(make([]byte, 32)))
	require.NoError(t, err)
	require.Equal(t, 32, length)
}

func TestGenerateRuntimeSecret(t *testing.T) {
	secret, err := GenerateRuntimeSecret(32)
	require.NoError(t, err)
	require.Len(t, secret, 64)

	// The generated secret round-trips through key decoding at full length.
	length, err := KeyByteLength(secret)
	require.NoError(t, err)
	require.Equal(t, 32, length)

	other, err := GenerateRuntimeSecret(32)
	require.NoError(t, err)
	require.NotEqual(t, secret, other)

	defaulted, err := GenerateRuntimeSecret(0)
	require.NoError(t, err)
	require.Len(t, defaulted, 64)
}
