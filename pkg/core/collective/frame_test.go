package collective

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("four score and seven bytes ago")
	require.NoError(t, writeFrame(&buf, opBroadcast, 7, payload))

	got, err := readFrame(&buf, opBroadcast, 7)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Zero(t, buf.Len(), "frame should consume the whole buffer")
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, opReduce, 1, nil))
	got, err := readFrame(&buf, opReduce, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrameDetectsDesync(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, opBroadcast, 3, []byte{1, 2, 3}))
	_, err := readFrame(&buf, opReduce, 3)
	require.ErrorContains(t, err, "out of sync")

	buf.Reset()
	require.NoError(t, writeFrame(&buf, opBroadcast, 3, []byte{1, 2, 3}))
	_, err = readFrame(&buf, opBroadcast, 4)
	require.ErrorContains(t, err, "out of sync")
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, opResult, 2, []byte{1, 2, 3, 4}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])
	_, err := readFrame(truncated, opResult, 2)
	require.Error(t, err)
}

func TestPayloadFloat32RoundTrip(t *testing.T) {
	data := []float32{0, 1, -1.5, 3.1415926, -0.0078125, 1e30, -1e-30}
	payload := encodePayload(data, CompressionNone)
	assert.Len(t, payload, 4*len(data))

	decoded := make([]float32, len(data))
	require.NoError(t, decodePayload(decoded, payload, CompressionNone))
	assert.Equal(t, data, decoded, "float32 payloads must round-trip bit-for-bit")
}

func TestPayloadFloat16(t *testing.T) {
	data := []float32{0, 1, -1.5, 3.1415926, 100.25}
	payload := encodePayload(data, CompressionFloat16)
	assert.Len(t, payload, 2*len(data))

	decoded := make([]float32, len(data))
	require.NoError(t, decodePayload(decoded, payload, CompressionFloat16))
	for i := range data {
		assert.InDelta(t, data[i], decoded[i], float64(0.01*(1+absF32(data[i]))))
	}

	// Values exactly representable in half precision survive unchanged.
	exact := []float32{0, 1, -1.5, 0.25, 2048}
	decoded = make([]float32, len(exact))
	require.NoError(t, decodePayload(decoded, encodePayload(exact, CompressionFloat16), CompressionFloat16))
	assert.Equal(t, exact, decoded)
}

func TestPayloadLengthMismatch(t *testing.T) {
	payload := encodePayload([]float32{1, 2, 3}, CompressionNone)
	err := decodePayload(make([]float32, 2), payload, CompressionNone)
	require.ErrorContains(t, err, "want")

	payload = encodePayload([]float32{1, 2, 3}, CompressionFloat16)
	err = decodePayload(make([]float32, 4), payload, CompressionFloat16)
	require.Error(t, err)
}

func TestCompressionFromString(t *testing.T) {
	for name, want := range map[string]Compression{
		"":        CompressionNone,
		"none":    CompressionNone,
		"float16": CompressionFloat16,
		"fp16":    CompressionFloat16,
	} {
		got, ok := CompressionFromString(name)
		assert.True(t, ok, "name %q", name)
		assert.Equal(t, want, got, "name %q", name)
	}
	_, ok := CompressionFromString("gzip")
	assert.False(t, ok)
}

func absF32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
