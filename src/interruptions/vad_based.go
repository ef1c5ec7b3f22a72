package interruptions

import (
	"sync"
	"time"
)

// VADBasedInterruptionStrategy interrupts on sustained voice activity. It
// combines short-term energy with zero-crossing rate so that breath noise and
// hum, which have energy but not speech-like ZCR, do not trigger.
type VADBasedInterruptionStrategy struct {
	BaseInterruptionStrategy

	minDuration     time.Duration
	energyThreshold float64
	zeroCrossRate   float64

	speechStartTime time.Time
	isSpeaking      bool
	mu              sync.Mutex
}

// VADBasedInterruptionStrategyParams configures the VAD strategy.
type VADBasedInterruptionStrategyParams struct {
	MinDuration     time.Duration // default 300ms
	EnergyThreshold float64       // default 0.02
	ZeroCrossRate   float64       // default 0.1
}

func NewVADBasedInterruptionStrategy(params *VADBasedInterruptionStrategyParams) *VADBasedInterruptionStrategy {
	if params == nil {
		params = &VADBasedInterruptionStrategyParams{
			MinDuration:     300 * time.Millisecond,
			EnergyThreshold: 0.02,
			ZeroCrossRate:   0.1,
		}
	}

	return &VADBasedInterruptionStrategy{
		minDuration:     params.MinDuration,
		energyThreshold: params.EnergyThreshold,
		zeroCrossRate:   params.ZeroCrossRate,
	}
}

func (v *VADBasedInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	energy := calculateRMS(audio)
	zcr := calculateZeroCrossingRate(audio)
	hasVoice := energy > v.energyThreshold && zcr > v.zeroCrossRate

	if hasVoice {
		if !v.isSpeaking {
			v.isSpeaking = true
			v.speechStartTime = time.Now()
		}
	} else {
		v.isSpeaking = false
	}

	return nil
}

func (v *VADBasedInterruptionStrategy) ShouldInterrupt() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.isSpeaking {
		return false, nil
	}
	return time.Since(v.speechStartTime) >= v.minDuration, nil
}

func (v *VADBasedInterruptionStrategy) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.isSpeaking = false
	v.speechStartTime = time.Time{}
	return nil
}

// calculateZeroCrossingRate measures how often the 16-bit PCM signal changes
// sign, per sample.
func calculateZeroCrossingRate(audio []byte) float64 {
	if len(audio) < 4 {
		return 0.0
	}

	zeroCrossings := 0
	prevSign := false

	for i := 0; i+1 < len(audio); i += 2 {
		sample := int16(uint16(audio[i]) | uint16(audio[i+1])<<8)
		currentSign := sample >= 0
		if i > 0 && currentSign != prevSign {
			zeroCrossings++
		}
		prevSign = currentSign
	}

	numSamples := len(audio) / 2
	if numSamples == 0 {
		return 0.0
	}
	return float64(zeroCrossings) / float64(numSamples)
}
