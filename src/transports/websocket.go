package transports

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
	"github.com/square-key-labs/twilio-voice-agent/src/serializers"
)

// WebSocketTransport drives a pipeline over an already-upgraded WebSocket
// connection. The HTTP server owns the upgrade (and has usually consumed the
// protocol's start event while routing the call); the transport owns the
// connection afterwards: it reads and deserializes inbound messages into the
// pipeline and serializes outbound frames back onto the wire.
type WebSocketTransport struct {
	conn       *websocket.Conn
	serializer serializers.FrameSerializer
	inputProc  *WebSocketInputProcessor
	outputProc *WebSocketOutputProcessor
	log        *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// WebSocketConfig configures a connection-bound transport.
type WebSocketConfig struct {
	// Conn is the upgraded connection, owned by the transport from now on.
	Conn *websocket.Conn

	// Serializer translates between frames and the provider's wire format.
	Serializer serializers.FrameSerializer
}

// NewWebSocketTransport creates a transport over an established connection.
func NewWebSocketTransport(config WebSocketConfig) (*WebSocketTransport, error) {
	if config.Conn == nil {
		return nil, fmt.Errorf("websocket transport requires a connection")
	}
	if config.Serializer == nil {
		return nil, fmt.Errorf("websocket transport requires a serializer")
	}

	t := &WebSocketTransport{
		conn:       config.Conn,
		serializer: config.Serializer,
		log:        logger.WithPrefix("ws-transport"),
	}
	t.inputProc = newWebSocketInputProcessor(t)
	t.outputProc = newWebSocketOutputProcessor(t)
	return t, nil
}

// Input returns the processor that feeds inbound frames into the pipeline.
func (t *WebSocketTransport) Input() processors.FrameProcessor {
	return t.inputProc
}

// Output returns the processor that writes outbound frames to the connection.
func (t *WebSocketTransport) Output() processors.FrameProcessor {
	return t.outputProc
}

// HandleMessage deserializes one raw wire message and injects the resulting
// frame into the pipeline. The server uses it to replay the start event it
// consumed while routing the connection.
func (t *WebSocketTransport) HandleMessage(data interface{}) error {
	frame, err := t.serializer.Deserialize(data)
	if err != nil {
		return fmt.Errorf("deserialization error: %w", err)
	}
	if frame == nil {
		return nil
	}
	return t.inputProc.pushFrame(frame)
}

// ReadLoop reads from the connection until it closes or ctx is cancelled,
// pushing deserialized frames into the pipeline. A read failure or remote
// close delivers an EndFrame so the pipeline shuts down cleanly.
func (t *WebSocketTransport) ReadLoop(ctx context.Context) {
	defer t.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgType, msgBytes, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.log.Warn("read error: %v", err)
			}
			if pushErr := t.inputProc.pushFrame(frames.NewEndFrame()); pushErr != nil {
				t.log.Error("error pushing end frame: %v", pushErr)
			}
			return
		}

		var data interface{}
		if msgType == websocket.BinaryMessage {
			data = msgBytes
		} else {
			data = string(msgBytes)
		}

		frame, err := t.serializer.Deserialize(data)
		if err != nil {
			t.log.Warn("deserialization error: %v", err)
			continue
		}
		if frame == nil {
			continue
		}

		if err := t.inputProc.pushFrame(frame); err != nil {
			t.log.Error("error pushing %s: %v", frame.Name(), err)
		}

		if _, ok := frame.(*frames.EndFrame); ok {
			return
		}
	}
}

// Close shuts the connection down once.
func (t *WebSocketTransport) Close() {
	t.closeOnce.Do(func() {
		_ = t.outputProc.Cleanup()
		_ = t.conn.Close()
		t.log.Debug("connection closed")
	})
}

// sendMessage writes one serialized message to the connection. Writes are
// mutex-guarded because the chunk sender and control frames share the socket.
func (t *WebSocketTransport) sendMessage(data interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	switch v := data.(type) {
	case []byte:
		return t.conn.WriteMessage(websocket.BinaryMessage, v)
	case string:
		return t.conn.WriteMessage(websocket.TextMessage, []byte(v))
	default:
		return fmt.Errorf("unsupported message data type %T", data)
	}
}

// WebSocketInputProcessor is the pipeline entry point for inbound frames.
type WebSocketInputProcessor struct {
	*processors.BaseProcessor
	transport *WebSocketTransport
}

func newWebSocketInputProcessor(transport *WebSocketTransport) *WebSocketInputProcessor {
	p := &WebSocketInputProcessor{transport: transport}
	p.BaseProcessor = processors.NewBaseProcessor("WebSocketInput", p)
	return p
}

func (p *WebSocketInputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if startFrame, ok := frame.(*frames.StartFrame); ok {
		p.HandleStartFrame(startFrame)
		if err := p.transport.serializer.Setup(startFrame); err != nil {
			p.Logger().Error("serializer setup error: %v", err)
		}
	}
	return p.PushFrame(frame, direction)
}

func (p *WebSocketInputProcessor) pushFrame(frame frames.Frame) error {
	return p.BaseProcessor.PushFrame(frame, frames.Downstream)
}

// audioChunk is a pre-serialized outbound audio chunk with its pacing interval.
type audioChunk struct {
	data         interface{}
	chunkSize    int
	sendInterval time.Duration
}

// botSpeechStopTimeout is how long the output waits with no audio before
// deciding the bot finished speaking and emitting TTSStoppedFrame.
const botSpeechStopTimeout = 350 * time.Millisecond

// WebSocketOutputProcessor writes bot output to the connection. Synthesized
// audio is chunked and paced to real time so the provider's jitter buffer is
// never flooded; interruptions drop everything queued and tell the provider
// to clear its playback buffer.
type WebSocketOutputProcessor struct {
	*processors.BaseProcessor
	transport *WebSocketTransport

	audioBuffer []byte
	mu          sync.Mutex
	cleanupDone bool

	chunkQueue   chan *audioChunk
	senderCtx    context.Context
	senderCancel context.CancelFunc
	senderWg     sync.WaitGroup
	cleanupOnce  sync.Once

	llmResponseEnded bool
	llmMu            sync.Mutex

	interrupted    bool
	interruptionMu sync.Mutex
}

func newWebSocketOutputProcessor(transport *WebSocketTransport) *WebSocketOutputProcessor {
	p := &WebSocketOutputProcessor{
		transport:   transport,
		audioBuffer: make([]byte, 0),
		chunkQueue:  make(chan *audioChunk, 1000),
	}
	p.BaseProcessor = processors.NewBaseProcessor("WebSocketOutput", p)

	p.senderCtx, p.senderCancel = context.WithCancel(context.Background())
	p.senderWg.Add(1)
	go p.chunkSender()

	return p
}

// calculateSendInterval derives the real-time pacing interval for a chunk:
// 160 mulaw bytes at 8kHz is 20ms of audio, so one chunk every 20ms.
func calculateSendInterval(chunkSize, sampleRate int) time.Duration {
	if sampleRate == 0 {
		sampleRate = 8000
	}
	bytesPerSample := 1
	if sampleRate > 8000 {
		bytesPerSample = 2
	}

	interval := time.Duration(float64(chunkSize) / float64(sampleRate*bytesPerSample) * float64(time.Second))
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

// chunkSender paces queued audio to real time and detects the end of bot
// speech: if no chunk arrives for botSpeechStopTimeout after the LLM response
// ended, it emits TTSStoppedFrame upstream.
func (p *WebSocketOutputProcessor) chunkSender() {
	defer p.senderWg.Done()

	var nextSendTime time.Time
	firstChunk := true
	botSpeaking := false

	stopTimer := time.NewTimer(botSpeechStopTimeout)
	stopTimer.Stop()
	defer stopTimer.Stop()

	for {
		select {
		case <-p.senderCtx.Done():
			return

		case chunk := <-p.chunkQueue:
			now := time.Now()
			if firstChunk {
				nextSendTime = now
				firstChunk = false
			}

			if sleep := nextSendTime.Sub(now); sleep > 0 {
				time.Sleep(sleep)
				nextSendTime = nextSendTime.Add(chunk.sendInterval)
			} else {
				// Behind schedule; resync to now.
				nextSendTime = time.Now().Add(chunk.sendInterval)
			}

			if err := p.transport.sendMessage(chunk.data); err != nil {
				p.Logger().Error("error sending chunk: %v", err)
				if isConnClosedErr(err) {
					return
				}
			}

			if !stopTimer.Stop() {
				select {
				case <-stopTimer.C:
				default:
				}
			}
			stopTimer.Reset(botSpeechStopTimeout)
			botSpeaking = true

		case <-stopTimer.C:
			if !botSpeaking {
				continue
			}

			p.llmMu.Lock()
			llmEnded := p.llmResponseEnded
			p.llmMu.Unlock()

			if llmEnded {
				stop := frames.NewTTSStoppedFrame()
				// Tell the provider playback is complete (Twilio: a mark
				// message) before notifying the pipeline.
				if data, err := p.transport.serializer.Serialize(stop); err == nil && data != nil {
					if err := p.transport.sendMessage(data); err != nil {
						p.Logger().Error("error sending playback marker: %v", err)
					}
				}
				p.PushFrame(stop, frames.Upstream)
				botSpeaking = false
			} else {
				// TTS is still synthesizing the rest of the response.
				stopTimer.Reset(botSpeechStopTimeout)
			}
		}
	}
}

func isConnClosedErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "closed network connection") ||
		strings.Contains(msg, "use of closed")
}

// Cleanup stops the sender goroutine. Safe to call multiple times.
func (p *WebSocketOutputProcessor) Cleanup() error {
	p.cleanupOnce.Do(func() {
		p.mu.Lock()
		p.cleanupDone = true
		p.mu.Unlock()

		if p.senderCancel != nil {
			p.senderCancel()
		}
		p.senderWg.Wait()
	})
	return nil
}

func (p *WebSocketOutputProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		p.HandleStartFrame(f)
		return p.PushFrame(frame, direction)

	case *frames.EndFrame:
		if err := p.Cleanup(); err != nil {
			p.Logger().Error("cleanup error: %v", err)
		}
		return p.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		p.llmMu.Lock()
		p.llmResponseEnded = true
		p.llmMu.Unlock()
		return p.PushFrame(frame, direction)

	case *frames.TTSStartedFrame:
		p.llmMu.Lock()
		p.llmResponseEnded = false
		p.llmMu.Unlock()

		// New speech clears any previous interruption.
		p.interruptionMu.Lock()
		p.interrupted = false
		p.interruptionMu.Unlock()
		return p.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		return p.handleInterruption(f)

	case *frames.TTSAudioFrame:
		return p.handleAudioFrame(f)

	case *frames.AudioFrame:
		// User audio flows through the pipeline for analysis; never echo
		// it back to the caller.
		return nil
	}

	data, err := p.transport.serializer.Serialize(frame)
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}
	if data != nil {
		if err := p.transport.sendMessage(data); err != nil {
			return fmt.Errorf("send error: %w", err)
		}
	}

	// Frames without a wire form still continue downstream; the assistant
	// aggregator behind the transport needs the text and response markers.
	return p.PushFrame(frame, direction)
}

// handleInterruption drops buffered and queued audio, then asks the provider
// to clear its playback buffer.
func (p *WebSocketOutputProcessor) handleInterruption(frame *frames.InterruptionFrame) error {
	if !p.InterruptionsAllowed() {
		return nil
	}

	p.interruptionMu.Lock()
	p.interrupted = true
	p.interruptionMu.Unlock()

	p.mu.Lock()
	dropped := len(p.audioBuffer)
	p.audioBuffer = p.audioBuffer[:0]
	p.mu.Unlock()

	drained := 0
drainLoop:
	for {
		select {
		case <-p.chunkQueue:
			drained++
		default:
			break drainLoop
		}
	}
	p.Logger().Debug("interruption: dropped %d buffered bytes, %d queued chunks", dropped, drained)

	data, err := p.transport.serializer.Serialize(frame)
	if err != nil {
		return fmt.Errorf("serialization error: %w", err)
	}
	if data != nil {
		if err := p.transport.sendMessage(data); err != nil {
			return fmt.Errorf("send error: %w", err)
		}
	}
	return p.PushFrame(frame, frames.Downstream)
}

// handleAudioFrame splits synthesized audio into codec-sized chunks and queues
// them for the paced sender. Each inbound frame is flushed immediately; only a
// sub-chunk remainder is carried over.
func (p *WebSocketOutputProcessor) handleAudioFrame(audioFrame *frames.TTSAudioFrame) error {
	p.mu.Lock()
	if p.cleanupDone {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	p.interruptionMu.Lock()
	interrupted := p.interrupted
	p.interruptionMu.Unlock()
	if interrupted {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	codec := "linear16"
	if c, ok := audioFrame.Metadata()["codec"].(string); ok {
		codec = c
	}

	// 160 bytes = 20ms of 8kHz telephony audio; 320 bytes = 10ms of 16kHz PCM.
	chunkSize := 320
	if codec == "mulaw" || codec == "alaw" {
		chunkSize = 160
	}
	sendInterval := calculateSendInterval(chunkSize, audioFrame.SampleRate)

	currentData := append(p.audioBuffer, audioFrame.Data...)
	p.audioBuffer = nil

	for len(currentData) >= chunkSize {
		chunk := currentData[:chunkSize]
		currentData = currentData[chunkSize:]

		chunkFrame := frames.NewTTSAudioFrame(chunk, audioFrame.SampleRate, audioFrame.Channels)
		for k, v := range audioFrame.Metadata() {
			chunkFrame.SetMetadata(k, v)
		}

		data, err := p.transport.serializer.Serialize(chunkFrame)
		if err != nil {
			p.Logger().Error("serialization error: %v", err)
			continue
		}
		if data == nil {
			continue
		}

		select {
		case p.chunkQueue <- &audioChunk{data: data, chunkSize: chunkSize, sendInterval: sendInterval}:
		case <-p.senderCtx.Done():
			return nil
		}
	}

	p.audioBuffer = currentData
	return nil
}
