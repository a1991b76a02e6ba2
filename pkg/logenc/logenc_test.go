package logenc

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeBelowThresholdIsIdentity(t *testing.T) {
	raw := []byte("hi\n")
	payload := Encode(raw)
	require.Equal(t, raw, payload)

	decoded, err := Decode(payload, len(raw))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestEncodeCompressesLargeLogs(t *testing.T) {
	raw := bytes.Repeat([]byte{'x'}, 4096)
	payload := Encode(raw)
	require.Less(t, len(payload), len(raw))

	decoded, err := Decode(payload, len(raw))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestEncodeIncompressibleFallsBackToRaw(t *testing.T) {
	raw := make([]byte, 2048)
	_, err := rand.Read(raw)
	require.NoError(t, err)

	payload := Encode(raw)
	// Random bytes do not deflate, so the raw bytes are stored as they are.
	require.Equal(t, raw, payload)
	decoded, err := Decode(payload, len(raw))
	require.NoError(t, err)
	require.Equal(t, raw, decoded)
}

func TestRoundTripAroundThreshold(t *testing.T) {
	for _, n := range []int{0, 1, CompressMinSize - 1, CompressMinSize, CompressMinSize + 1, 64 * 1024} {
		raw := bytes.Repeat([]byte("log line\n"), n/9+1)[:n]
		decoded, err := Decode(Encode(raw), len(raw))
		require.NoError(t, err, "size %d", n)
		require.Equal(t, raw, decoded, "size %d", n)
	}
}

func TestDecodeGarbageFails(t *testing.T) {
	_, err := Decode([]byte("definitely not zlib"), 4096)
	require.Error(t, err)
}
