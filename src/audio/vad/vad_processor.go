package vad

import (
	"context"
	"sync"

	"github.com/square-key-labs/twilio-voice-agent/src/audio"
	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

// VADInputProcessor accumulates inbound audio, runs it through a VADAnalyzer
// and emits UserStarted/StoppedSpeakingFrames on state transitions. Audio is
// always passed through untouched; only a decoded copy feeds the analyzer.
type VADInputProcessor struct {
	*processors.BaseProcessor
	analyzer VADAnalyzer

	codec       string
	audioBuffer []byte
	bufferMu    sync.Mutex

	currentState  VADState
	previousState VADState
	stateMu       sync.RWMutex

	log *logger.Logger
}

// NewVADInputProcessor creates a VAD input processor.
func NewVADInputProcessor(analyzer VADAnalyzer) *VADInputProcessor {
	p := &VADInputProcessor{
		analyzer:      analyzer,
		codec:         "linear16",
		currentState:  VADStateQuiet,
		previousState: VADStateQuiet,
		log:           logger.WithPrefix("vad-input"),
	}
	p.BaseProcessor = processors.NewBaseProcessor("VADInput", p)
	return p
}

func (p *VADInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.AudioFrame:
		return p.handleAudioFrame(f, direction)

	case *frames.StartFrame:
		p.handleStartFrame(f)

	case *frames.EndFrame:
		p.analyzer.Restart()
	}

	return p.PushFrame(frame, direction)
}

// handleStartFrame picks up the transport's sample rate and codec.
func (p *VADInputProcessor) handleStartFrame(startFrame *frames.StartFrame) {
	meta := startFrame.Metadata()
	if meta == nil {
		return
	}

	if sampleRate, ok := meta["sampleRate"].(int); ok {
		if err := p.analyzer.SetSampleRate(sampleRate); err != nil {
			p.log.Error("failed to set sample rate: %v", err)
		}
	}
	if codec, ok := meta["codec"].(string); ok {
		p.codec = audio.NormalizeCodec(codec)
	}
}

func (p *VADInputProcessor) handleAudioFrame(audioFrame *frames.AudioFrame, direction frames.FrameDirection) error {
	pcmBytes, err := p.decodeToPCMBytes(audioFrame.Data)
	if err != nil {
		p.log.Warn("decode error, skipping analysis: %v", err)
		return p.PushFrame(audioFrame, direction)
	}

	p.bufferMu.Lock()
	p.audioBuffer = append(p.audioBuffer, pcmBytes...)

	requiredBytes := p.analyzer.NumFramesRequired() * 2

	for len(p.audioBuffer) >= requiredBytes {
		chunk := p.audioBuffer[:requiredBytes]

		newState, err := p.analyzer.AnalyzeAudio(chunk)
		if err != nil {
			p.log.Error("analysis error: %v", err)
			break
		}

		p.stateMu.Lock()
		p.previousState = p.currentState
		p.currentState = newState
		transitioned := p.previousState != p.currentState
		p.stateMu.Unlock()

		if transitioned {
			p.emitTransitionFrames()
		}

		p.audioBuffer = p.audioBuffer[requiredBytes:]
	}
	p.bufferMu.Unlock()

	return p.PushFrame(audioFrame, direction)
}

// decodeToPCMBytes converts the transport codec to the little-endian PCM the
// analyzer expects.
func (p *VADInputProcessor) decodeToPCMBytes(data []byte) ([]byte, error) {
	if p.codec == "linear16" {
		return data, nil
	}
	pcm, err := audio.DecodeToPCM(data, p.codec)
	if err != nil {
		return nil, err
	}
	return audio.PCMToBytes(pcm), nil
}

func (p *VADInputProcessor) emitTransitionFrames() {
	p.stateMu.RLock()
	prev := p.previousState
	current := p.currentState
	p.stateMu.RUnlock()

	if (prev == VADStateQuiet || prev == VADStateStarting) && current == VADStateSpeaking {
		p.log.Debug("user started speaking")
		if err := p.PushFrame(frames.NewUserStartedSpeakingFrame(), frames.Downstream); err != nil {
			p.log.Error("failed to push speaking frame: %v", err)
		}
	}

	if (prev == VADStateSpeaking || prev == VADStateStopping) && current == VADStateQuiet {
		p.log.Debug("user stopped speaking")
		if err := p.PushFrame(frames.NewUserStoppedSpeakingFrame(), frames.Downstream); err != nil {
			p.log.Error("failed to push stopped frame: %v", err)
		}
	}
}

// GetCurrentState returns the detector state.
func (p *VADInputProcessor) GetCurrentState() VADState {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.currentState
}
