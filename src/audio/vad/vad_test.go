package vad

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/twilio-voice-agent/src/audio"
	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

// sineChunk builds one analysis chunk of a sine wave as little-endian PCM bytes.
func sineChunk(freq float64, amplitude int16, samples, sampleRate int) []byte {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(float64(amplitude) * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return audio.PCMToBytes(pcm)
}

func silenceChunk(samples int) []byte {
	return audio.PCMToBytes(make([]int16, samples))
}

func testAnalyzer(params VADParams) *EnergyVADAnalyzer {
	return NewEnergyVADAnalyzer(EnergyVADConfig{
		SampleRate: 8000,
		Params:     params,
	})
}

func TestNumFramesRequiredIs20ms(t *testing.T) {
	a := testAnalyzer(DefaultVADParams())
	assert.Equal(t, 160, a.NumFramesRequired())

	require.NoError(t, a.SetSampleRate(16000))
	assert.Equal(t, 320, a.NumFramesRequired())
}

func TestVoiceConfidenceSilence(t *testing.T) {
	a := testAnalyzer(DefaultVADParams())

	confidence := a.VoiceConfidence(silenceChunk(160))
	assert.Zero(t, confidence)
}

func TestVoiceConfidenceLoudTone(t *testing.T) {
	a := testAnalyzer(DefaultVADParams())

	// 400 Hz at half scale: RMS well above the energy ceiling, zero-crossing
	// rate of 0.1 sits inside the speech range.
	confidence := a.VoiceConfidence(sineChunk(400, 16000, 160, 8000))
	assert.InDelta(t, 1.0, float64(confidence), 0.01)
}

func TestVoiceConfidenceDiscountsHighFrequencyNoise(t *testing.T) {
	a := testAnalyzer(DefaultVADParams())

	// Alternating-sign samples cross zero every sample, far above the speech
	// range, so the energy score gets halved.
	pcm := make([]int16, 160)
	for i := range pcm {
		if i%2 == 0 {
			pcm[i] = 16000
		} else {
			pcm[i] = -16000
		}
	}

	confidence := a.VoiceConfidence(audio.PCMToBytes(pcm))
	assert.InDelta(t, 0.5, float64(confidence), 0.01)
}

func TestVoiceConfidenceScalesWithEnergy(t *testing.T) {
	a := testAnalyzer(DefaultVADParams())

	quiet := a.VoiceConfidence(sineChunk(400, 1000, 160, 8000))
	loud := a.VoiceConfidence(sineChunk(400, 8000, 160, 8000))

	assert.Greater(t, loud, quiet)
	assert.Greater(t, quiet, float32(0))
}

func TestAnalyzeAudioRejectsShortBuffer(t *testing.T) {
	a := testAnalyzer(DefaultVADParams())

	_, err := a.AnalyzeAudio(silenceChunk(10))
	assert.Error(t, err)
}

func TestStateMachineTransitions(t *testing.T) {
	// Two 20 ms chunks of sustained voice to start, two of silence to stop.
	a := testAnalyzer(VADParams{
		Confidence: 0.5,
		StartSecs:  0.04,
		StopSecs:   0.04,
		MinVolume:  0.01,
	})

	samples := a.NumFramesRequired()
	voice := sineChunk(400, 16000, samples, 8000)
	silence := silenceChunk(samples)

	state, err := a.AnalyzeAudio(voice)
	require.NoError(t, err)
	assert.Equal(t, VADStateStarting, state)

	state, err = a.AnalyzeAudio(voice)
	require.NoError(t, err)
	assert.Equal(t, VADStateSpeaking, state)

	// Voice continues: stays speaking.
	state, err = a.AnalyzeAudio(voice)
	require.NoError(t, err)
	assert.Equal(t, VADStateSpeaking, state)

	state, err = a.AnalyzeAudio(silence)
	require.NoError(t, err)
	assert.Equal(t, VADStateStopping, state)

	state, err = a.AnalyzeAudio(silence)
	require.NoError(t, err)
	assert.Equal(t, VADStateQuiet, state)
}

func TestStateMachineDebouncesBlips(t *testing.T) {
	a := testAnalyzer(VADParams{
		Confidence: 0.5,
		StartSecs:  0.04,
		StopSecs:   0.04,
		MinVolume:  0.01,
	})

	samples := a.NumFramesRequired()
	voice := sineChunk(400, 16000, samples, 8000)
	silence := silenceChunk(samples)

	// A single voiced chunk followed by silence never reaches SPEAKING.
	state, err := a.AnalyzeAudio(voice)
	require.NoError(t, err)
	assert.Equal(t, VADStateStarting, state)

	state, err = a.AnalyzeAudio(silence)
	require.NoError(t, err)
	assert.Equal(t, VADStateQuiet, state)
}

func TestMinVolumeGatesConfidence(t *testing.T) {
	a := testAnalyzer(VADParams{
		Confidence: 0.5,
		StartSecs:  0.04,
		StopSecs:   0.04,
		MinVolume:  0.99,
	})

	samples := a.NumFramesRequired()
	voice := sineChunk(400, 16000, samples, 8000)

	for i := 0; i < 5; i++ {
		state, err := a.AnalyzeAudio(voice)
		require.NoError(t, err)
		assert.Equal(t, VADStateQuiet, state)
	}
}

// frameRecorder captures frames pushed downstream by the processor under test.
type frameRecorder struct {
	mu    sync.Mutex
	names []string
}

func (r *frameRecorder) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, frame.Name())
	return nil
}

func (r *frameRecorder) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	return nil
}
func (r *frameRecorder) PushFrame(frame frames.Frame, direction frames.FrameDirection) error {
	return nil
}
func (r *frameRecorder) Link(next processors.FrameProcessor)    {}
func (r *frameRecorder) SetPrev(prev processors.FrameProcessor) {}
func (r *frameRecorder) Start(ctx context.Context) error        { return nil }
func (r *frameRecorder) Stop() error                            { return nil }
func (r *frameRecorder) Name() string                           { return "recorder" }

func (r *frameRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.names {
		if got == name {
			n++
		}
	}
	return n
}

func TestVADInputProcessorEmitsSpeakingFrames(t *testing.T) {
	analyzer := testAnalyzer(VADParams{
		Confidence: 0.5,
		StartSecs:  0.04,
		StopSecs:   0.04,
		MinVolume:  0.01,
	})
	proc := NewVADInputProcessor(analyzer)
	recorder := &frameRecorder{}
	proc.Link(recorder)

	ctx := context.Background()
	start := frames.NewStartFrame()
	start.SetMetadata("sampleRate", 8000)
	start.SetMetadata("codec", "mulaw")
	require.NoError(t, proc.HandleFrame(ctx, start, frames.Downstream))

	samples := analyzer.NumFramesRequired()
	voicePCM := make([]int16, samples)
	for i := range voicePCM {
		voicePCM[i] = int16(16000 * math.Sin(2*math.Pi*400*float64(i)/8000))
	}
	voice := audio.PCMToMulaw(voicePCM)
	silence := audio.PCMToMulaw(make([]int16, samples))

	push := func(data []byte) {
		frame := frames.NewAudioFrame(data, 8000, 1)
		frame.SetMetadata("codec", "mulaw")
		require.NoError(t, proc.HandleFrame(ctx, frame, frames.Downstream))
	}

	// Two voiced chunks reach SPEAKING, two silent ones return to QUIET.
	push(voice)
	push(voice)
	assert.Equal(t, VADStateSpeaking, proc.GetCurrentState())
	assert.Equal(t, 1, recorder.count("UserStartedSpeakingFrame"))

	push(silence)
	push(silence)
	assert.Equal(t, VADStateQuiet, proc.GetCurrentState())
	assert.Equal(t, 1, recorder.count("UserStoppedSpeakingFrame"))

	// Audio always continues downstream untouched.
	assert.Equal(t, 4, recorder.count("AudioFrame"))
}

func TestRestartResetsState(t *testing.T) {
	a := testAnalyzer(VADParams{
		Confidence: 0.5,
		StartSecs:  0.04,
		StopSecs:   0.04,
		MinVolume:  0.01,
	})

	samples := a.NumFramesRequired()
	voice := sineChunk(400, 16000, samples, 8000)

	_, err := a.AnalyzeAudio(voice)
	require.NoError(t, err)
	_, err = a.AnalyzeAudio(voice)
	require.NoError(t, err)
	require.Equal(t, VADStateSpeaking, a.GetState())

	a.Restart()
	assert.Equal(t, VADStateQuiet, a.GetState())
}
