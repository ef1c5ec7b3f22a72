package interruptions

import (
	"encoding/binary"
	"math"
	"sync"
)

// VolumeInterruptionStrategy interrupts based on sustained loudness. It keeps
// a rolling window of per-chunk RMS volumes and triggers when enough chunks
// exceed the threshold, which filters out coughs and line noise.
type VolumeInterruptionStrategy struct {
	BaseInterruptionStrategy

	threshold  float64 // RMS threshold, 0.0-1.0
	windowSize int     // chunks kept in the rolling window
	minFrames  int     // chunks above threshold needed to trigger

	volumes     []float64
	framesAbove int
	mu          sync.Mutex
}

// VolumeInterruptionStrategyParams configures the volume strategy.
type VolumeInterruptionStrategyParams struct {
	Threshold  float64 // default 0.02
	WindowSize int     // default 10 (~200ms of 20ms chunks)
	MinFrames  int     // default 3
}

func NewVolumeInterruptionStrategy(params *VolumeInterruptionStrategyParams) *VolumeInterruptionStrategy {
	if params == nil {
		params = &VolumeInterruptionStrategyParams{
			Threshold:  0.02,
			WindowSize: 10,
			MinFrames:  3,
		}
	}

	return &VolumeInterruptionStrategy{
		threshold:  params.Threshold,
		windowSize: params.WindowSize,
		minFrames:  params.MinFrames,
		volumes:    make([]float64, 0, params.WindowSize),
	}
}

func (v *VolumeInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.volumes = append(v.volumes, calculateRMS(audio))
	if len(v.volumes) > v.windowSize {
		v.volumes = v.volumes[1:]
	}

	v.framesAbove = 0
	for _, vol := range v.volumes {
		if vol > v.threshold {
			v.framesAbove++
		}
	}

	return nil
}

func (v *VolumeInterruptionStrategy) ShouldInterrupt() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.volumes) < v.minFrames {
		return false, nil
	}
	return v.framesAbove >= v.minFrames, nil
}

func (v *VolumeInterruptionStrategy) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.volumes = v.volumes[:0]
	v.framesAbove = 0
	return nil
}

// calculateRMS computes the root-mean-square volume of 16-bit little-endian
// PCM, normalized to 0.0-1.0.
func calculateRMS(audio []byte) float64 {
	if len(audio) < 2 {
		return 0.0
	}

	var sumSquares float64
	numSamples := 0

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(audio[i : i+2]))
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
		numSamples++
	}

	if numSamples == 0 {
		return 0.0
	}
	return math.Sqrt(sumSquares / float64(numSamples))
}
