package aggregators

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/interruptions"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
	"github.com/square-key-labs/twilio-voice-agent/src/services"
)

// captureProcessor records every frame queued to it. It implements
// FrameProcessor directly so recording is synchronous; the tests drive the
// aggregator through HandleFrame without starting the queue goroutines.
type captureProcessor struct {
	mu     sync.Mutex
	queued []frames.Frame
}

func (c *captureProcessor) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queued = append(c.queued, frame)
	return nil
}

func (c *captureProcessor) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	return nil
}
func (c *captureProcessor) PushFrame(frame frames.Frame, direction frames.FrameDirection) error {
	return nil
}
func (c *captureProcessor) Link(next processors.FrameProcessor)    {}
func (c *captureProcessor) SetPrev(prev processors.FrameProcessor) {}
func (c *captureProcessor) Start(ctx context.Context) error        { return nil }
func (c *captureProcessor) Stop() error                            { return nil }
func (c *captureProcessor) Name() string                           { return "capture" }

func (c *captureProcessor) recorded() []frames.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frames.Frame, len(c.queued))
	copy(out, c.queued)
	return out
}

func (c *captureProcessor) contextFrames() []*frames.LLMContextFrame {
	var out []*frames.LLMContextFrame
	for _, f := range c.recorded() {
		if cf, ok := f.(*frames.LLMContextFrame); ok {
			out = append(out, cf)
		}
	}
	return out
}

type userAggFixture struct {
	agg        *LLMUserAggregator
	llmContext *services.LLMContext
	downstream *captureProcessor
	upstream   *captureProcessor
}

func newUserAggFixture(t *testing.T, start *frames.StartFrame) *userAggFixture {
	t.Helper()

	llmContext := services.NewLLMContext("Be brief.")
	agg := NewLLMUserAggregator(llmContext, nil)

	downstream := &captureProcessor{}
	upstream := &captureProcessor{}
	agg.Link(downstream)
	agg.SetPrev(upstream)

	require.NoError(t, agg.HandleFrame(context.Background(), start, frames.Downstream))
	t.Cleanup(func() {
		_ = agg.HandleFrame(context.Background(), frames.NewEndFrame(), frames.Downstream)
	})

	return &userAggFixture{
		agg:        agg,
		llmContext: llmContext,
		downstream: downstream,
		upstream:   upstream,
	}
}

func (f *userAggFixture) handle(t *testing.T, frame frames.Frame) {
	t.Helper()
	require.NoError(t, f.agg.HandleFrame(context.Background(), frame, frames.Downstream))
}

func TestUserAggregatorCommitsTurn(t *testing.T) {
	f := newUserAggFixture(t, frames.NewStartFrame())

	f.handle(t, frames.NewTranscriptionFrame("hello there", true))

	contexts := f.downstream.contextFrames()
	require.Len(t, contexts, 1)
	assert.Same(t, f.llmContext, contexts[0].Context)

	require.Len(t, f.llmContext.Messages, 1)
	assert.Equal(t, "user", f.llmContext.Messages[0].Role)
	assert.Equal(t, "hello there", f.llmContext.Messages[0].Content)
}

func TestUserAggregatorWaitsForTurnEnd(t *testing.T) {
	f := newUserAggFixture(t, frames.NewStartFrame())

	f.handle(t, frames.NewUserStartedSpeakingFrame())
	f.handle(t, frames.NewTranscriptionFrame("what is", true))
	f.handle(t, frames.NewTranscriptionFrame("the weather like", true))

	// Still speaking: nothing committed yet.
	assert.Empty(t, f.downstream.contextFrames())

	f.handle(t, frames.NewUserStoppedSpeakingFrame())

	contexts := f.downstream.contextFrames()
	require.Len(t, contexts, 1)
	require.Len(t, f.llmContext.Messages, 1)
	assert.Equal(t, "what is the weather like", f.llmContext.Messages[0].Content)
}

func TestUserAggregatorIgnoresInterimResults(t *testing.T) {
	f := newUserAggFixture(t, frames.NewStartFrame())

	f.handle(t, frames.NewTranscriptionFrame("hel", false))
	f.handle(t, frames.NewTranscriptionFrame("hello wor", false))
	assert.Empty(t, f.downstream.contextFrames())

	f.handle(t, frames.NewTranscriptionFrame("hello world", true))

	require.Len(t, f.llmContext.Messages, 1)
	assert.Equal(t, "hello world", f.llmContext.Messages[0].Content)
}

func TestUserAggregatorInterruptsBotSpeech(t *testing.T) {
	start := frames.NewStartFrameWithConfig(true, []interruptions.InterruptionStrategy{
		interruptions.NewMinWordsInterruptionStrategy(3),
	})
	f := newUserAggFixture(t, start)

	f.handle(t, frames.NewTTSStartedFrame())
	f.handle(t, frames.NewUserStartedSpeakingFrame())
	f.handle(t, frames.NewTranscriptionFrame("wait stop for a second", true))
	f.handle(t, frames.NewUserStoppedSpeakingFrame())

	var interrupted bool
	for _, frame := range f.upstream.recorded() {
		if _, ok := frame.(*frames.InterruptionTaskFrame); ok {
			interrupted = true
		}
	}
	assert.True(t, interrupted, "expected an InterruptionTaskFrame upstream")

	// The interrupting turn still reaches the LLM.
	require.Len(t, f.downstream.contextFrames(), 1)
	require.Len(t, f.llmContext.Messages, 1)
	assert.Equal(t, "wait stop for a second", f.llmContext.Messages[0].Content)
}

func TestUserAggregatorDiscardsShortBargeIn(t *testing.T) {
	start := frames.NewStartFrameWithConfig(true, []interruptions.InterruptionStrategy{
		interruptions.NewMinWordsInterruptionStrategy(3),
	})
	f := newUserAggFixture(t, start)

	f.handle(t, frames.NewTTSStartedFrame())
	f.handle(t, frames.NewUserStartedSpeakingFrame())
	f.handle(t, frames.NewTranscriptionFrame("mm", true))
	f.handle(t, frames.NewUserStoppedSpeakingFrame())

	for _, frame := range f.upstream.recorded() {
		_, ok := frame.(*frames.InterruptionTaskFrame)
		assert.False(t, ok, "backchannel noise must not interrupt")
	}
	assert.Empty(t, f.downstream.contextFrames())
	assert.Empty(t, f.llmContext.Messages)
}

func TestUserAggregatorFeedsAudioStrategies(t *testing.T) {
	start := frames.NewStartFrameWithConfig(true, []interruptions.InterruptionStrategy{
		interruptions.NewVolumeInterruptionStrategy(nil),
	})
	f := newUserAggFixture(t, start)

	f.handle(t, frames.NewTTSStartedFrame())
	f.handle(t, frames.NewUserStartedSpeakingFrame())

	// Sustained loud PCM while the bot is talking.
	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		loud[i+1] = 0x20 // ~0.25 full scale, little-endian high byte
	}
	for i := 0; i < 5; i++ {
		audioFrame := frames.NewAudioFrame(loud, 8000, 1)
		audioFrame.SetMetadata("codec", "linear16")
		f.handle(t, audioFrame)
	}

	f.handle(t, frames.NewTranscriptionFrame("hey", true))
	f.handle(t, frames.NewUserStoppedSpeakingFrame())

	var interrupted bool
	for _, frame := range f.upstream.recorded() {
		if _, ok := frame.(*frames.InterruptionTaskFrame); ok {
			interrupted = true
		}
	}
	assert.True(t, interrupted, "sustained loud audio should satisfy the volume strategy")
}

func TestUserAggregatorCommitsAfterBotStops(t *testing.T) {
	start := frames.NewStartFrameWithConfig(true, []interruptions.InterruptionStrategy{
		interruptions.NewMinWordsInterruptionStrategy(3),
	})
	f := newUserAggFixture(t, start)

	f.handle(t, frames.NewTTSStartedFrame())
	f.handle(t, frames.NewTTSStoppedFrame())
	f.handle(t, frames.NewTranscriptionFrame("mm", true))

	// Bot already stopped: no arbitration, short turns commit normally.
	require.Len(t, f.downstream.contextFrames(), 1)
	require.Len(t, f.llmContext.Messages, 1)
}

func TestUserAggregatorForwardsLifecycleFrames(t *testing.T) {
	f := newUserAggFixture(t, frames.NewStartFrame())

	f.handle(t, frames.NewUserStartedSpeakingFrame())
	f.handle(t, frames.NewUserStoppedSpeakingFrame())

	names := make([]string, 0)
	for _, frame := range f.downstream.recorded() {
		names = append(names, frame.Name())
	}
	assert.Contains(t, names, "StartFrame")
	assert.Contains(t, names, "UserStartedSpeakingFrame")
	assert.Contains(t, names, "UserStoppedSpeakingFrame")
}

func TestUserAggregatorKeepsConfigAcrossReplayedStart(t *testing.T) {
	start := frames.NewStartFrameWithConfig(true, []interruptions.InterruptionStrategy{
		interruptions.NewMinWordsInterruptionStrategy(3),
	})
	f := newUserAggFixture(t, start)

	require.True(t, f.agg.InterruptionsAllowed())
	firstCtx := f.agg.aggregationCtx

	// Transports replay the protocol start event as a metadata-only
	// StartFrame; it must neither wipe the interruption config nor spawn a
	// second flush loop.
	replayed := frames.NewStartFrame()
	replayed.SetMetadata("streamSid", "MS123")
	replayed.SetMetadata("codec", "mulaw")
	f.handle(t, replayed)

	assert.True(t, f.agg.InterruptionsAllowed())
	assert.Len(t, f.agg.InterruptionStrategies(), 1)
	assert.True(t, firstCtx == f.agg.aggregationCtx, "flush loop must not be restarted")

	// Barge-in still works after the replay.
	f.handle(t, frames.NewTTSStartedFrame())
	f.handle(t, frames.NewUserStartedSpeakingFrame())
	f.handle(t, frames.NewTranscriptionFrame("wait stop for a second", true))
	f.handle(t, frames.NewUserStoppedSpeakingFrame())

	var interrupted bool
	for _, frame := range f.upstream.recorded() {
		if _, ok := frame.(*frames.InterruptionTaskFrame); ok {
			interrupted = true
		}
	}
	assert.True(t, interrupted, "expected an InterruptionTaskFrame upstream")
}

func TestUserAggregatorConcurrentTurnState(t *testing.T) {
	f := newUserAggFixture(t, frames.NewStartFrame())

	// Speaking flags arrive on the system queue while transcriptions arrive
	// on the data queue; both paths must be safe to run concurrently.
	ctx := context.Background()
	errs := make(chan error, 300)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			errs <- f.agg.HandleFrame(ctx, frames.NewUserStartedSpeakingFrame(), frames.Downstream)
			errs <- f.agg.HandleFrame(ctx, frames.NewTTSStartedFrame(), frames.Downstream)
			errs <- f.agg.HandleFrame(ctx, frames.NewTTSStoppedFrame(), frames.Downstream)
			errs <- f.agg.HandleFrame(ctx, frames.NewUserStoppedSpeakingFrame(), frames.Downstream)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			errs <- f.agg.HandleFrame(ctx, frames.NewTranscriptionFrame("uh", false), frames.Downstream)
			errs <- f.agg.HandleFrame(ctx, frames.NewTranscriptionFrame("uh huh", true), frames.Downstream)
		}
	}()
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestUserAggregatorAppendMessages(t *testing.T) {
	f := newUserAggFixture(t, frames.NewStartFrame())

	appended := []services.LLMMessage{{Role: "user", Content: "hi"}}
	f.handle(t, frames.NewLLMMessagesAppendFrame(appended, true))

	require.Len(t, f.llmContext.Messages, 1)
	assert.Equal(t, "hi", f.llmContext.Messages[0].Content)
	assert.Len(t, f.downstream.contextFrames(), 1)
}
