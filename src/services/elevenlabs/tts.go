package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

const (
	streamEndpoint = "wss://api.elevenlabs.io/v1/text-to-speech/%s/multi-stream-input?model_id=%s&output_format=%s"
	httpEndpoint   = "https://api.elevenlabs.io/v1/text-to-speech/%s?output_format=%s"

	// Idle multi-stream connections are dropped after ~20s without input.
	keepaliveInterval = 10 * time.Second
)

// TTSService streams LLM text to ElevenLabs. In streaming mode it uses the
// multi-stream-input WebSocket with per-response context IDs; otherwise each
// text chunk is synthesized over plain HTTP. Alternative to the Cartesia
// service, selected via configuration.
type TTSService struct {
	*processors.BaseProcessor
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	useStreaming bool

	conn    *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	codecDetected bool

	contextID  string
	isSpeaking bool
	mu         sync.Mutex // guards contextID, isSpeaking

	log *logger.Logger
}

// TTSConfig configures the ElevenLabs TTS service.
type TTSConfig struct {
	APIKey       string
	VoiceID      string // e.g. "21m00Tcm4TlvDq8ikWAM"
	Model        string // e.g. "eleven_turbo_v2"
	OutputFormat string // "ulaw_8000", "alaw_8000", "pcm_16000" ... (empty = auto-detect)
	UseStreaming bool
}

// NewTTSService creates an ElevenLabs TTS service.
func NewTTSService(config TTSConfig) *TTSService {
	outputFormat := config.OutputFormat
	codecDetected := outputFormat != ""
	if outputFormat == "" {
		outputFormat = "pcm_24000"
	}

	s := &TTSService{
		apiKey:        config.APIKey,
		voiceID:       config.VoiceID,
		model:         config.Model,
		outputFormat:  outputFormat,
		useStreaming:  config.UseStreaming,
		codecDetected: codecDetected,
		log:           logger.WithPrefix("elevenlabs"),
	}
	s.BaseProcessor = processors.NewBaseProcessor("ElevenLabsTTS", s)
	return s
}

func (s *TTSService) SetVoice(voiceID string) {
	s.voiceID = voiceID
}

func (s *TTSService) SetModel(model string) {
	s.model = model
}

func (s *TTSService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if !s.useStreaming {
		s.log.Info("initialized (http mode, format=%s)", s.outputFormat)
		return nil
	}

	wsURL := fmt.Sprintf(streamEndpoint, s.voiceID, s.model, s.outputFormat)
	header := http.Header{}
	header.Set("xi-api-key", s.apiKey)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return fmt.Errorf("failed to connect to ElevenLabs: %w", err)
	}
	s.conn = conn

	go s.receiveAudio()
	go s.keepaliveLoop()

	s.log.Info("connected (streaming, format=%s)", s.outputFormat)
	return nil
}

func (s *TTSService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.writeJSON(map[string]interface{}{"close_socket": true})
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *TTSService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		s.detectOutputFormat(f)
		return s.PushFrame(frame, direction)

	case *frames.EndFrame:
		if err := s.Cleanup(); err != nil {
			s.log.Error("cleanup error: %v", err)
		}
		return s.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		s.handleInterruption()
		return s.PushFrame(frame, direction)

	case *frames.TextFrame:
		// Text continues downstream after synthesis so the assistant
		// aggregator can commit the spoken turn.
		if err := s.handleText(ctx, f.Text); err != nil {
			return err
		}
		return s.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		if err := s.handleText(ctx, f.Text); err != nil {
			return err
		}
		return s.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		s.flushResponse()
		return s.PushFrame(frame, direction)
	}

	return s.PushFrame(frame, direction)
}

func (s *TTSService) detectOutputFormat(startFrame *frames.StartFrame) {
	if s.codecDetected {
		return
	}
	meta := startFrame.Metadata()
	if meta == nil {
		return
	}
	codec, ok := meta["codec"].(string)
	if !ok {
		return
	}

	switch codec {
	case "mulaw":
		s.outputFormat = "ulaw_8000"
	case "alaw":
		s.outputFormat = "alaw_8000"
	case "linear16":
		s.outputFormat = "pcm_16000"
	default:
		return
	}
	s.codecDetected = true
	s.log.Info("output format pinned to %s", s.outputFormat)
}

func (s *TTSService) handleText(ctx context.Context, text string) error {
	if s.ctx == nil {
		if err := s.Initialize(ctx); err != nil {
			s.log.Error("failed to initialize: %v", err)
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
	}
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.contextID == "" {
		s.contextID = uuid.New().String()
	}
	contextID := s.contextID
	firstChunk := !s.isSpeaking
	s.isSpeaking = true
	s.mu.Unlock()

	if firstChunk {
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Upstream)
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Downstream)
	}

	if s.useStreaming && s.conn != nil {
		return s.writeJSON(map[string]interface{}{
			"text":                   text,
			"context_id":             contextID,
			"try_trigger_generation": true,
		})
	}
	return s.synthesizeHTTP(text)
}

// handleInterruption closes the active context so buffered synthesis is
// dropped, and resets local state.
func (s *TTSService) handleInterruption() {
	s.mu.Lock()
	wasSpeaking := s.isSpeaking
	oldContextID := s.contextID
	s.isSpeaking = false
	s.contextID = ""
	s.mu.Unlock()

	if s.useStreaming && s.conn != nil && oldContextID != "" {
		s.log.Debug("closing context %s (was_speaking=%v)", oldContextID, wasSpeaking)
		if err := s.writeJSON(map[string]interface{}{
			"context_id":    oldContextID,
			"close_context": true,
		}); err != nil {
			s.log.Error("error closing context: %v", err)
		}
	}

	if wasSpeaking {
		s.PushFrame(frames.NewTTSStoppedFrame(), frames.Upstream)
	}
}

// flushResponse forces generation of whatever audio remains for the current
// context when the LLM response ends.
func (s *TTSService) flushResponse() {
	s.mu.Lock()
	contextID := s.contextID
	s.contextID = ""
	s.isSpeaking = false
	s.mu.Unlock()

	if !s.useStreaming || s.conn == nil || contextID == "" {
		return
	}
	if err := s.writeJSON(map[string]interface{}{
		"text":       "",
		"context_id": contextID,
		"flush":      true,
	}); err != nil {
		s.log.Error("error sending flush: %v", err)
	}
}

func (s *TTSService) writeJSON(msg map[string]interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *TTSService) synthesizeHTTP(text string) error {
	url := fmt.Sprintf(httpEndpoint, s.voiceID, s.outputFormat)

	body, err := json.Marshal(map[string]interface{}{
		"text":     text,
		"model_id": s.model,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elevenlabs API error: %s", string(errBody))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return s.pushAudio(audioData)
}

func (s *TTSService) pushAudio(audioData []byte) error {
	sampleRate, codec := s.parseOutputFormat()
	audioFrame := frames.NewTTSAudioFrame(audioData, sampleRate, 1)
	audioFrame.SetMetadata("codec", codec)
	return s.PushFrame(audioFrame, frames.Downstream)
}

func (s *TTSService) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			contextID := s.contextID
			s.mu.Unlock()
			if s.conn == nil || contextID == "" {
				continue
			}
			if err := s.writeJSON(map[string]interface{}{
				"text":       "",
				"context_id": contextID,
			}); err != nil {
				s.log.Error("keepalive error: %v", err)
				return
			}
		}
	}
}

func (s *TTSService) receiveAudio() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Error("read error: %v", err)
			s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			return
		}

		if messageType == websocket.BinaryMessage {
			s.pushAudio(message)
			continue
		}

		var response map[string]interface{}
		if err := json.Unmarshal(message, &response); err != nil {
			s.log.Warn("error parsing response: %v", err)
			continue
		}

		// isFinal marks the end of a context, no audio attached.
		if isFinal, ok := response["isFinal"].(bool); ok && isFinal {
			s.mu.Lock()
			s.isSpeaking = false
			s.mu.Unlock()
			continue
		}

		// Audio for a closed context belongs to an interrupted reply.
		if receivedCtxID, ok := response["contextId"].(string); ok {
			s.mu.Lock()
			current := s.contextID
			s.mu.Unlock()
			if receivedCtxID != current {
				continue
			}
		}

		if audioB64, ok := response["audio"].(string); ok && audioB64 != "" {
			audioData, err := base64.StdEncoding.DecodeString(audioB64)
			if err != nil {
				s.log.Warn("error decoding audio payload: %v", err)
				continue
			}
			s.pushAudio(audioData)
		}
	}
}

// parseOutputFormat maps the ElevenLabs format string onto a sample rate and
// internal codec name.
func (s *TTSService) parseOutputFormat() (int, string) {
	switch s.outputFormat {
	case "ulaw_8000":
		return 8000, "mulaw"
	case "alaw_8000":
		return 8000, "alaw"
	case "pcm_16000":
		return 16000, "linear16"
	case "pcm_22050":
		return 22050, "linear16"
	case "pcm_44100":
		return 44100, "linear16"
	default:
		return 24000, "linear16"
	}
}
