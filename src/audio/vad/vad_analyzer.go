package vad

import (
	"sync"

	"github.com/square-key-labs/twilio-voice-agent/src/audio"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
)

// VADState is the state of the voice activity detector.
type VADState int

const (
	VADStateQuiet VADState = iota + 1
	VADStateStarting
	VADStateSpeaking
	VADStateStopping
)

func (s VADState) String() string {
	switch s {
	case VADStateQuiet:
		return "quiet"
	case VADStateStarting:
		return "starting"
	case VADStateSpeaking:
		return "speaking"
	case VADStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// VADParams holds detection thresholds.
type VADParams struct {
	// Confidence above which a chunk counts as voice (0.0 to 1.0).
	Confidence float32

	// StartSecs of sustained voice before QUIET transitions to SPEAKING.
	StartSecs float32

	// StopSecs of sustained silence before SPEAKING transitions to QUIET.
	StopSecs float32

	// MinVolume below which audio is treated as silence regardless of
	// confidence (0.0 to 1.0).
	MinVolume float32
}

// DefaultVADParams returns thresholds tuned for telephony speech.
func DefaultVADParams() VADParams {
	return VADParams{
		Confidence: 0.7,
		StartSecs:  0.2,
		StopSecs:   0.8,
		MinVolume:  0.6,
	}
}

// VADAnalyzer detects voice activity in linear PCM audio.
type VADAnalyzer interface {
	SetSampleRate(sampleRate int) error

	// NumFramesRequired returns the number of PCM samples per analysis chunk.
	NumFramesRequired() int

	// VoiceConfidence scores a chunk between 0.0 (silence) and 1.0 (voice).
	VoiceConfidence(buffer []byte) float32

	// AnalyzeAudio scores a chunk and advances the state machine.
	AnalyzeAudio(buffer []byte) (VADState, error)

	Restart()
}

// BaseVADAnalyzer implements the debouncing state machine shared by analyzer
// implementations: voice must be sustained for StartSecs before SPEAKING is
// entered, and silence for StopSecs before it is left.
type BaseVADAnalyzer struct {
	params     VADParams
	sampleRate int

	state           VADState
	startFrames     int
	stopFrames      int
	startThreshold  int
	stopThreshold   int
	prevSampleCount int

	smoothedVolume float32

	mu  sync.RWMutex
	log *logger.Logger
}

// NewBaseVADAnalyzer creates a base analyzer.
func NewBaseVADAnalyzer(sampleRate int, params VADParams) *BaseVADAnalyzer {
	return &BaseVADAnalyzer{
		params:     params,
		sampleRate: sampleRate,
		state:      VADStateQuiet,
		log:        logger.WithPrefix("vad"),
	}
}

func (v *BaseVADAnalyzer) SetSampleRate(sampleRate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sampleRate = sampleRate
	return nil
}

func (v *BaseVADAnalyzer) GetSampleRate() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.sampleRate
}

func (v *BaseVADAnalyzer) GetParams() VADParams {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.params
}

func (v *BaseVADAnalyzer) GetState() VADState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

func (v *BaseVADAnalyzer) Restart() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = VADStateQuiet
	v.startFrames = 0
	v.stopFrames = 0
	v.smoothedVolume = 0
}

// ProcessAudio advances the state machine with the given confidence score.
// Called by analyzer implementations from AnalyzeAudio.
func (v *BaseVADAnalyzer) ProcessAudio(buffer []byte, voiceConfidence float32, numFramesRequired int) (VADState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	volume := calculateVolume(buffer)

	// Exponential smoothing keeps single loud chunks from flipping state.
	const smoothingFactor = 0.2
	v.smoothedVolume = smoothingFactor*volume + (1.0-smoothingFactor)*v.smoothedVolume

	sampleCount := len(buffer) / 2
	if sampleCount != v.prevSampleCount {
		v.prevSampleCount = sampleCount
		chunkTime := float32(numFramesRequired) / float32(v.sampleRate)
		v.startThreshold = int(v.params.StartSecs / chunkTime)
		v.stopThreshold = int(v.params.StopSecs / chunkTime)
	}

	if v.smoothedVolume < v.params.MinVolume {
		voiceConfidence = 0
	}

	oldState := v.state

	switch v.state {
	case VADStateQuiet:
		if voiceConfidence >= v.params.Confidence {
			v.startFrames++
			if v.startFrames >= v.startThreshold {
				v.state = VADStateSpeaking
				v.startFrames = 0
			} else {
				v.state = VADStateStarting
			}
		}

	case VADStateStarting:
		if voiceConfidence >= v.params.Confidence {
			v.startFrames++
			if v.startFrames >= v.startThreshold {
				v.state = VADStateSpeaking
				v.startFrames = 0
			}
		} else {
			v.state = VADStateQuiet
			v.startFrames = 0
		}

	case VADStateSpeaking:
		if voiceConfidence < v.params.Confidence {
			v.stopFrames++
			if v.stopFrames >= v.stopThreshold {
				v.state = VADStateQuiet
				v.stopFrames = 0
			} else {
				v.state = VADStateStopping
			}
		} else {
			v.stopFrames = 0
		}

	case VADStateStopping:
		if voiceConfidence < v.params.Confidence {
			v.stopFrames++
			if v.stopFrames >= v.stopThreshold {
				v.state = VADStateQuiet
				v.stopFrames = 0
			}
		} else {
			v.state = VADStateSpeaking
			v.stopFrames = 0
		}
	}

	if oldState != v.state {
		v.log.Debug("state %s -> %s (confidence=%.3f volume=%.3f)",
			oldState, v.state, voiceConfidence, v.smoothedVolume)
	}

	return v.state, nil
}

// calculateVolume computes normalized RMS volume from little-endian PCM bytes.
func calculateVolume(buffer []byte) float32 {
	pcm, err := audio.BytesToPCM(buffer)
	if err != nil || len(pcm) == 0 {
		return 0
	}
	return float32(audio.RMS(pcm))
}
