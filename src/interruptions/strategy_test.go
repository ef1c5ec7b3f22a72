package interruptions

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcmChunk builds a 20 ms chunk of a sine wave as little-endian PCM bytes.
func pcmChunk(freq float64, amplitude int16) []byte {
	const samples = 160 // 20 ms at 8 kHz
	data := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/8000))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

func TestVolumeStrategyTriggersOnSustainedLoudness(t *testing.T) {
	s := NewVolumeInterruptionStrategy(nil)

	loud := pcmChunk(400, 8000)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAudio(loud, 8000))
	}

	interrupt, err := s.ShouldInterrupt()
	require.NoError(t, err)
	assert.True(t, interrupt)
}

func TestVolumeStrategyIgnoresQuietAudio(t *testing.T) {
	s := NewVolumeInterruptionStrategy(nil)

	quiet := pcmChunk(400, 100)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendAudio(quiet, 8000))
	}

	interrupt, err := s.ShouldInterrupt()
	require.NoError(t, err)
	assert.False(t, interrupt)
}

func TestVolumeStrategyIgnoresSingleBurst(t *testing.T) {
	s := NewVolumeInterruptionStrategy(nil)

	require.NoError(t, s.AppendAudio(pcmChunk(400, 8000), 8000))
	require.NoError(t, s.AppendAudio(pcmChunk(400, 100), 8000))
	require.NoError(t, s.AppendAudio(pcmChunk(400, 100), 8000))

	interrupt, err := s.ShouldInterrupt()
	require.NoError(t, err)
	assert.False(t, interrupt, "one loud chunk in the window is a cough, not speech")
}

func TestVolumeStrategyReset(t *testing.T) {
	s := NewVolumeInterruptionStrategy(nil)

	loud := pcmChunk(400, 8000)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAudio(loud, 8000))
	}
	require.NoError(t, s.Reset())

	interrupt, err := s.ShouldInterrupt()
	require.NoError(t, err)
	assert.False(t, interrupt)
}

func TestVADStrategyTriggersOnSustainedVoice(t *testing.T) {
	s := NewVADBasedInterruptionStrategy(&VADBasedInterruptionStrategyParams{
		MinDuration:     time.Millisecond,
		EnergyThreshold: 0.02,
		ZeroCrossRate:   0.1,
	})

	// 800 Hz at 8 kHz crosses zero 0.2 times per sample, inside speech range.
	voice := pcmChunk(800, 8000)
	require.NoError(t, s.AppendAudio(voice, 8000))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.AppendAudio(voice, 8000))

	interrupt, err := s.ShouldInterrupt()
	require.NoError(t, err)
	assert.True(t, interrupt)
}

func TestVADStrategyIgnoresLowZCRHum(t *testing.T) {
	s := NewVADBasedInterruptionStrategy(&VADBasedInterruptionStrategyParams{
		MinDuration:     time.Millisecond,
		EnergyThreshold: 0.02,
		ZeroCrossRate:   0.1,
	})

	// 100 Hz hum is loud but crosses zero far too rarely for speech.
	hum := pcmChunk(100, 8000)
	require.NoError(t, s.AppendAudio(hum, 8000))
	time.Sleep(5 * time.Millisecond)

	interrupt, err := s.ShouldInterrupt()
	require.NoError(t, err)
	assert.False(t, interrupt)
}

func TestVADStrategyResetsOnSilence(t *testing.T) {
	s := NewVADBasedInterruptionStrategy(&VADBasedInterruptionStrategyParams{
		MinDuration:     time.Millisecond,
		EnergyThreshold: 0.02,
		ZeroCrossRate:   0.1,
	})

	require.NoError(t, s.AppendAudio(pcmChunk(800, 8000), 8000))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.AppendAudio(make([]byte, 320), 8000))

	interrupt, err := s.ShouldInterrupt()
	require.NoError(t, err)
	assert.False(t, interrupt, "silence ends the speech run")
}

func TestBaseStrategyDefaultsAreNoOps(t *testing.T) {
	var b BaseInterruptionStrategy

	assert.NoError(t, b.AppendAudio([]byte{1, 2}, 8000))
	assert.NoError(t, b.AppendText("hi"))
	assert.NoError(t, b.Reset())
}
