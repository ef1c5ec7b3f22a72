package transports

import (
	"context"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
	"github.com/square-key-labs/twilio-voice-agent/src/serializers"
)

// sinkProcessor records frames queued to it. It implements FrameProcessor
// directly so recording is synchronous.
type sinkProcessor struct {
	mu     sync.Mutex
	queued []frames.Frame
}

func (s *sinkProcessor) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, frame)
	return nil
}

func (s *sinkProcessor) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	return nil
}
func (s *sinkProcessor) PushFrame(frame frames.Frame, direction frames.FrameDirection) error {
	return nil
}
func (s *sinkProcessor) Link(next processors.FrameProcessor)    {}
func (s *sinkProcessor) SetPrev(prev processors.FrameProcessor) {}
func (s *sinkProcessor) Start(ctx context.Context) error        { return nil }
func (s *sinkProcessor) Stop() error                            { return nil }
func (s *sinkProcessor) Name() string                           { return "sink" }

func (s *sinkProcessor) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.queued))
	for _, f := range s.queued {
		out = append(out, f.Name())
	}
	return out
}

// newTestOutput builds an output processor whose connection is never written
// to: the frames driven through it have no Twilio wire form.
func newTestOutput(t *testing.T) (*WebSocketOutputProcessor, *sinkProcessor) {
	t.Helper()

	transport, err := NewWebSocketTransport(WebSocketConfig{
		Conn:       &websocket.Conn{},
		Serializer: serializers.NewTwilioFrameSerializer("MS123", "CA123"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.outputProc.Cleanup() })

	sink := &sinkProcessor{}
	transport.outputProc.Link(sink)
	return transport.outputProc, sink
}

func TestOutputForwardsFramesWithoutWireForm(t *testing.T) {
	out, sink := newTestOutput(t)
	ctx := context.Background()

	// An LLM response streams through the output stage on its way to the
	// assistant aggregator behind it.
	require.NoError(t, out.HandleFrame(ctx, frames.NewLLMFullResponseStartFrame(), frames.Downstream))
	require.NoError(t, out.HandleFrame(ctx, frames.NewTextFrame("hello"), frames.Downstream))
	require.NoError(t, out.HandleFrame(ctx, frames.NewTextFrame("there"), frames.Downstream))
	require.NoError(t, out.HandleFrame(ctx, frames.NewLLMFullResponseEndFrame(), frames.Downstream))

	assert.Equal(t, []string{
		"LLMFullResponseStartFrame",
		"TextFrame",
		"TextFrame",
		"LLMFullResponseEndFrame",
	}, sink.names())
}

func TestOutputForwardsTTSStarted(t *testing.T) {
	out, sink := newTestOutput(t)

	require.NoError(t, out.HandleFrame(context.Background(), frames.NewTTSStartedFrame(), frames.Downstream))
	assert.Equal(t, []string{"TTSStartedFrame"}, sink.names())
}

func TestOutputSwallowsUserAudio(t *testing.T) {
	out, sink := newTestOutput(t)

	frame := frames.NewAudioFrame([]byte{0xFF, 0xFF}, 8000, 1)
	require.NoError(t, out.HandleFrame(context.Background(), frame, frames.Downstream))
	assert.Empty(t, sink.names())
}
