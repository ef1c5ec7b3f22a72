package vad

import (
	"fmt"

	"github.com/square-key-labs/twilio-voice-agent/src/audio"
)

// EnergyVADAnalyzer scores voice activity from signal energy and
// zero-crossing rate. Voiced speech has high energy with a moderate crossing
// rate; line noise is low-energy and fricative-free silence crosses rarely.
// No model download or native runtime needed, which keeps the binary
// deployable anywhere.
type EnergyVADAnalyzer struct {
	*BaseVADAnalyzer

	// energyFloor is the RMS level mapped to confidence 0; energyCeiling
	// maps to confidence 1.
	energyFloor   float64
	energyCeiling float64
}

// EnergyVADConfig configures the energy analyzer.
type EnergyVADConfig struct {
	SampleRate    int
	Params        VADParams
	EnergyFloor   float64 // default 0.01
	EnergyCeiling float64 // default 0.25
}

// NewEnergyVADAnalyzer creates an energy-based analyzer.
func NewEnergyVADAnalyzer(config EnergyVADConfig) *EnergyVADAnalyzer {
	floor := config.EnergyFloor
	if floor == 0 {
		floor = 0.01
	}
	ceiling := config.EnergyCeiling
	if ceiling == 0 {
		ceiling = 0.25
	}

	return &EnergyVADAnalyzer{
		BaseVADAnalyzer: NewBaseVADAnalyzer(config.SampleRate, config.Params),
		energyFloor:     floor,
		energyCeiling:   ceiling,
	}
}

// NumFramesRequired returns one 20 ms chunk of samples.
func (a *EnergyVADAnalyzer) NumFramesRequired() int {
	return a.GetSampleRate() / 50
}

// VoiceConfidence scores the chunk. Energy is scaled linearly between the
// floor and ceiling, then discounted when the zero-crossing rate falls
// outside the range typical for speech.
func (a *EnergyVADAnalyzer) VoiceConfidence(buffer []byte) float32 {
	pcm, err := audio.BytesToPCM(buffer)
	if err != nil || len(pcm) == 0 {
		return 0
	}

	rms := audio.RMS(pcm)
	if rms <= a.energyFloor {
		return 0
	}

	energyScore := (rms - a.energyFloor) / (a.energyCeiling - a.energyFloor)
	if energyScore > 1 {
		energyScore = 1
	}

	zcr := zeroCrossingRate(pcm)
	// Speech sits roughly between 0.02 and 0.35 crossings per sample.
	if zcr < 0.02 || zcr > 0.35 {
		energyScore *= 0.5
	}

	return float32(energyScore)
}

// AnalyzeAudio scores the chunk and advances the shared state machine.
func (a *EnergyVADAnalyzer) AnalyzeAudio(buffer []byte) (VADState, error) {
	required := a.NumFramesRequired() * 2
	if len(buffer) < required {
		return a.GetState(), fmt.Errorf("buffer too small: %d bytes, need %d", len(buffer), required)
	}

	confidence := a.VoiceConfidence(buffer)
	return a.ProcessAudio(buffer, confidence, a.NumFramesRequired())
}

func zeroCrossingRate(pcm []int16) float64 {
	if len(pcm) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(pcm); i++ {
		if (pcm[i] >= 0) != (pcm[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(pcm)-1)
}
