package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulawRoundTrip(t *testing.T) {
	original := []int16{0, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000}

	decoded := MulawToPCM(PCMToMulaw(original))
	require.Len(t, decoded, len(original))

	// Mulaw is logarithmic: quantization error grows with amplitude. Allow
	// roughly 3% of the sample value plus a small floor.
	for i, want := range original {
		tolerance := math.Abs(float64(want))*0.03 + 40
		assert.InDelta(t, float64(want), float64(decoded[i]), tolerance, "sample %d", i)
	}
}

func TestAlawRoundTrip(t *testing.T) {
	original := []int16{0, 200, -200, 5000, -5000, 20000, -20000}

	decoded := AlawToPCM(PCMToAlaw(original))
	require.Len(t, decoded, len(original))

	for i, want := range original {
		tolerance := math.Abs(float64(want))*0.04 + 40
		assert.InDelta(t, float64(want), float64(decoded[i]), tolerance, "sample %d", i)
	}
}

func TestG711KnownCodes(t *testing.T) {
	// Reference points from the G.711 tables: silence encodes to the
	// all-ones mulaw byte and to 0xD5 in alaw, and both decode back near zero.
	assert.Equal(t, []byte{0xFF}, PCMToMulaw([]int16{0}))
	assert.Equal(t, []int16{0}, MulawToPCM([]byte{0xFF}))

	assert.Equal(t, []byte{0xD5}, PCMToAlaw([]int16{0}))
	assert.Equal(t, []int16{8}, AlawToPCM([]byte{0xD5}))

	// Sign must survive: a positive sample never decodes negative.
	assert.Equal(t, []int16{7932}, MulawToPCM(PCMToMulaw([]int16{8000})))
	assert.Equal(t, []int16{19968}, AlawToPCM(PCMToAlaw([]int16{20000})))
	assert.Equal(t, []int16{-19968}, AlawToPCM(PCMToAlaw([]int16{-20000})))
}

func TestBytesToPCMRejectsOddLength(t *testing.T) {
	_, err := BytesToPCM([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestPCMBytesRoundTrip(t *testing.T) {
	original := []int16{0, 1, -1, 32767, -32768, 12345, -12345}

	data := PCMToBytes(original)
	decoded, err := BytesToPCM(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestResampleLength(t *testing.T) {
	input := make([]int16, 160) // 20 ms at 8 kHz

	upsampled := Resample(input, 8000, 16000)
	assert.Len(t, upsampled, 320)

	downsampled := Resample(input, 8000, 4000)
	assert.Len(t, downsampled, 80)
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	input := []int16{1, 2, 3, 4}

	output := Resample(input, 8000, 8000)
	assert.Equal(t, input, output)
}

func TestResamplePreservesConstantSignal(t *testing.T) {
	input := make([]int16, 100)
	for i := range input {
		input[i] = 1000
	}

	output := Resample(input, 8000, 16000)
	for i, sample := range output[:len(output)-2] {
		assert.InDelta(t, 1000, float64(sample), 1, "sample %d", i)
	}
}

func TestNormalizeCodecAliases(t *testing.T) {
	assert.Equal(t, "mulaw", NormalizeCodec("mulaw"))
	assert.Equal(t, "mulaw", NormalizeCodec("ulaw"))
	assert.Equal(t, "mulaw", NormalizeCodec("PCMU"))
	assert.Equal(t, "alaw", NormalizeCodec("alaw"))
	assert.Equal(t, "alaw", NormalizeCodec("PCMA"))
	assert.Equal(t, "linear16", NormalizeCodec(""))
	assert.Equal(t, "linear16", NormalizeCodec("pcm"))
	assert.Equal(t, "opus", NormalizeCodec("opus"))
}

func TestDecodeToPCMUnsupportedCodec(t *testing.T) {
	_, err := DecodeToPCM([]byte{1, 2}, "opus")
	assert.Error(t, err)

	_, err = EncodeFromPCM([]int16{1, 2}, "opus")
	assert.Error(t, err)
}

func TestDecodeToPCMLinear(t *testing.T) {
	pcm := []int16{100, -100, 5000}

	decoded, err := DecodeToPCM(PCMToBytes(pcm), "linear16")
	require.NoError(t, err)
	assert.Equal(t, pcm, decoded)
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS([]int16{0, 0, 0}))

	// Full-scale square wave has RMS of ~1.0.
	fullScale := []int16{32767, -32767, 32767, -32767}
	assert.InDelta(t, 1.0, RMS(fullScale), 0.001)

	// Half-scale square wave has RMS of ~0.5.
	halfScale := []int16{16384, -16384, 16384, -16384}
	assert.InDelta(t, 0.5, RMS(halfScale), 0.001)
}
