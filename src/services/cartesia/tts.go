package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

const wsEndpoint = "wss://api.cartesia.ai/tts/websocket"

// GenerationConfig holds Cartesia generation parameters.
type GenerationConfig struct {
	Volume  float64 `json:"volume,omitempty"`  // [0.5, 2.0], default 1.0
	Speed   float64 `json:"speed,omitempty"`   // [0.6, 1.5], default 1.0
	Emotion string  `json:"emotion,omitempty"` // e.g. "neutral", "excited"
}

// TTSService streams LLM text to Cartesia over WebSocket and pushes
// TTSAudioFrames downstream.
//
// Context lifecycle: each synthesized response runs under a Cartesia
// context ID. The context is flushed with continue=false when the LLM
// response ends, and cancelled outright on interruption. Audio arriving
// for a cancelled context is discarded so an interrupted reply can never
// leak into the next turn.
type TTSService struct {
	*processors.BaseProcessor
	apiKey             string
	voiceID            string
	model              string
	apiVersion         string
	language           string
	sampleRate         int
	encoding           string
	container          string
	generationConfig   *GenerationConfig
	aggregateSentences bool

	conn    *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc

	// codecDetected is false until the output format has been pinned, either
	// by explicit config or from the transport's StartFrame metadata.
	codecDetected bool

	contextID    string
	liveContexts map[string]bool
	mu           sync.Mutex // guards contextID, liveContexts, isSpeaking

	textBuffer strings.Builder
	isSpeaking bool

	log *logger.Logger
}

// TTSConfig configures the Cartesia TTS service.
type TTSConfig struct {
	APIKey             string
	VoiceID            string
	Model              string // e.g. "sonic-2"
	APIVersion         string // e.g. "2025-04-16"
	Language           string // e.g. "en"
	SampleRate         int    // 0 = auto-detect from the transport codec
	Encoding           string // "pcm_s16le", "pcm_mulaw" or "pcm_alaw"
	Container          string // e.g. "raw"
	GenerationConfig   *GenerationConfig
	AggregateSentences bool // buffer LLM tokens into sentences before synthesis
}

// NewTTSService creates a Cartesia TTS service.
func NewTTSService(config TTSConfig) *TTSService {
	model := config.Model
	if model == "" {
		model = "sonic-2"
	}
	apiVersion := config.APIVersion
	if apiVersion == "" {
		apiVersion = "2025-04-16"
	}
	language := config.Language
	if language == "" {
		language = "en"
	}

	sampleRate := config.SampleRate
	codecDetected := sampleRate != 0
	if sampleRate == 0 {
		sampleRate = 24000
	}
	encoding := config.Encoding
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	container := config.Container
	if container == "" {
		container = "raw"
	}

	s := &TTSService{
		apiKey:             config.APIKey,
		voiceID:            config.VoiceID,
		model:              model,
		apiVersion:         apiVersion,
		language:           language,
		sampleRate:         sampleRate,
		encoding:           encoding,
		container:          container,
		generationConfig:   config.GenerationConfig,
		aggregateSentences: config.AggregateSentences,
		codecDetected:      codecDetected,
		liveContexts:       make(map[string]bool),
		log:                logger.WithPrefix("cartesia"),
	}
	s.BaseProcessor = processors.NewBaseProcessor("CartesiaTTS", s)
	return s
}

func (s *TTSService) SetVoice(voiceID string) {
	s.voiceID = voiceID
}

func (s *TTSService) SetModel(model string) {
	s.model = model
}

func (s *TTSService) SetLanguage(language string) {
	s.language = language
}

// Initialize dials the synthesis endpoint and starts the receive goroutine.
func (s *TTSService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	conn, _, err := websocket.DefaultDialer.Dial(s.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Cartesia: %w", err)
	}
	s.conn = conn

	go s.receiveAudio()

	s.log.Info("connected (model=%s encoding=%s rate=%d)", s.model, s.encoding, s.sampleRate)
	return nil
}

func (s *TTSService) dialURL() string {
	return fmt.Sprintf("%s?api_key=%s&cartesia_version=%s", wsEndpoint, s.apiKey, s.apiVersion)
}

func (s *TTSService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}

	// Let the receive goroutine observe cancellation before yanking the socket.
	time.Sleep(50 * time.Millisecond)

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	s.mu.Lock()
	s.liveContexts = make(map[string]bool)
	s.mu.Unlock()
	return nil
}

func (s *TTSService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		s.detectOutputFormat(f)
		// Connect eagerly so the first token streams with zero dial latency.
		if s.ctx == nil {
			if err := s.Initialize(ctx); err != nil {
				s.log.Error("failed to initialize: %v", err)
				return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			}
		}
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

// detectOutputFormat pins the output encoding to the transport's codec when
// the sample rate was not configured explicitly.
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
		s.sampleRate = 8000
		s.encoding = "pcm_mulaw"
	case "alaw":
		s.sampleRate = 8000
		s.encoding = "pcm_alaw"
	case "linear16":
		s.sampleRate = 16000
		s.encoding = "pcm_s16le"
	default:
		return
	}
	s.codecDetected = true
	s.log.Info("output format pinned to %s @ %dHz", s.encoding, s.sampleRate)
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
	if !s.aggregateSentences {
		return s.synthesize(text)
	}

	s.textBuffer.WriteString(text)
	sentences, remainder := extractSentences(s.textBuffer.String())
	s.textBuffer.Reset()
	s.textBuffer.WriteString(remainder)

	for _, sentence := range sentences {
		sentence = strings.TrimSpace(sentence)
		if sentence == "" {
			continue
		}
		s.log.Debug("synthesizing: %q", sentence)
		if err := s.synthesize(sentence); err != nil {
			return err
		}
	}
	return nil
}

// handleInterruption cancels the current Cartesia context so buffered
// synthesis is dropped server-side, and resets local speaking state. The
// context is cancelled even when nothing is playing: a flush may still be
// generating audio we no longer want.
func (s *TTSService) handleInterruption() {
	s.mu.Lock()
	wasSpeaking := s.isSpeaking
	oldContextID := s.contextID
	s.isSpeaking = false
	s.contextID = ""
	delete(s.liveContexts, oldContextID)
	s.mu.Unlock()

	s.textBuffer.Reset()

	if s.conn != nil && oldContextID != "" {
		s.log.Debug("cancelling context %s (was_speaking=%v)", oldContextID, wasSpeaking)
		if err := s.writeJSON(map[string]interface{}{
			"context_id": oldContextID,
			"cancel":     true,
		}); err != nil {
			s.log.Error("error cancelling context: %v", err)
		}
	}

	if wasSpeaking {
		s.PushFrame(frames.NewTTSStoppedFrame(), frames.Upstream)
	}
}

// flushResponse sends any buffered partial sentence and closes the Cartesia
// context with continue=false so remaining audio is generated.
func (s *TTSService) flushResponse() {
	if s.textBuffer.Len() > 0 {
		remaining := s.textBuffer.String()
		s.textBuffer.Reset()
		if err := s.synthesize(remaining); err != nil {
			s.log.Error("error synthesizing buffered text: %v", err)
		}
	}

	s.mu.Lock()
	contextID := s.contextID
	s.contextID = ""
	s.isSpeaking = false
	s.mu.Unlock()

	if s.conn == nil || contextID == "" {
		return
	}
	if err := s.writeJSON(s.buildMessage("", contextID, false)); err != nil {
		s.log.Error("error sending flush: %v", err)
	}
}

func (s *TTSService) synthesize(text string) error {
	if text == "" {
		return nil
	}
	if s.conn == nil {
		return fmt.Errorf("websocket connection not established")
	}

	s.mu.Lock()
	if s.contextID == "" {
		s.contextID = uuid.New().String()
		s.liveContexts[s.contextID] = true
	}
	contextID := s.contextID
	firstChunk := !s.isSpeaking
	s.isSpeaking = true
	s.mu.Unlock()

	if firstChunk {
		// Upstream for the user aggregator's bot-speaking state, downstream
		// for the output transport's playback tracking.
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Upstream)
		s.PushFrame(frames.NewTTSStartedFrame(), frames.Downstream)
	}

	return s.writeJSON(s.buildMessage(text, contextID, true))
}

func (s *TTSService) buildMessage(text, contextID string, continueTranscript bool) map[string]interface{} {
	msg := map[string]interface{}{
		"transcript": text,
		"continue":   continueTranscript,
		"context_id": contextID,
		"model_id":   s.model,
		"voice": map[string]interface{}{
			"mode": "id",
			"id":   s.voiceID,
		},
		"output_format": map[string]interface{}{
			"container":   s.container,
			"encoding":    s.encoding,
			"sample_rate": s.sampleRate,
		},
		"language": s.language,
	}

	if s.generationConfig != nil {
		genConfig := map[string]interface{}{}
		if s.generationConfig.Volume != 0 {
			genConfig["volume"] = s.generationConfig.Volume
		}
		if s.generationConfig.Speed != 0 {
			genConfig["speed"] = s.generationConfig.Speed
		}
		if s.generationConfig.Emotion != "" {
			genConfig["emotion"] = s.generationConfig.Emotion
		}
		if len(genConfig) > 0 {
			msg["generation_config"] = genConfig
		}
	}

	return msg
}

func (s *TTSService) writeJSON(msg map[string]interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *TTSService) contextLive(contextID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveContexts[contextID]
}

func (s *TTSService) receiveAudio() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if s.conn == nil {
			if err := s.reconnect(); err != nil {
				s.log.Error("reconnection failed: %v", err)
				time.Sleep(time.Second)
				continue
			}
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			// Cartesia drops idle connections after ~5 minutes.
			s.log.Warn("connection error, reconnecting: %v", err)
			if reconnectErr := s.reconnect(); reconnectErr != nil {
				s.log.Error("reconnection failed: %v", reconnectErr)
				s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
				return
			}
			continue
		}

		var response map[string]interface{}
		if err := json.Unmarshal(message, &response); err != nil {
			s.log.Warn("error parsing response: %v", err)
			continue
		}

		msgType, _ := response["type"].(string)
		receivedCtxID, _ := response["context_id"].(string)

		// Audio from a cancelled context belongs to an interrupted reply.
		if receivedCtxID != "" && !s.contextLive(receivedCtxID) {
			continue
		}

		switch msgType {
		case "chunk":
			s.handleChunk(response, receivedCtxID)

		case "done":
			s.mu.Lock()
			delete(s.liveContexts, receivedCtxID)
			s.isSpeaking = false
			s.mu.Unlock()
			s.log.Debug("context %s done", receivedCtxID)

		case "error":
			errorMsg, _ := response["error"].(string)
			s.log.Error("error from Cartesia: %s", errorMsg)
			s.PushFrame(frames.NewErrorFrame(fmt.Errorf("cartesia error: %s", errorMsg)), frames.Upstream)
		}
	}
}

func (s *TTSService) handleChunk(response map[string]interface{}, contextID string) {
	audioB64, ok := response["data"].(string)
	if !ok || audioB64 == "" {
		return
	}
	audioData, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		s.log.Warn("error decoding audio payload: %v", err)
		return
	}

	audioFrame := frames.NewTTSAudioFrame(audioData, s.sampleRate, 1)
	audioFrame.SetMetadata("codec", s.encodingToCodec())
	audioFrame.SetMetadata("context_id", contextID)
	s.PushFrame(audioFrame, frames.Downstream)
}

func (s *TTSService) reconnect() error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	conn, _, err := websocket.DefaultDialer.Dial(s.dialURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to reconnect to Cartesia: %w", err)
	}
	s.conn = conn
	s.log.Info("reconnected")
	return nil
}

// encodingToCodec maps Cartesia encodings onto internal codec names.
func (s *TTSService) encodingToCodec() string {
	switch s.encoding {
	case "pcm_mulaw":
		return "mulaw"
	case "pcm_alaw":
		return "alaw"
	default:
		return "linear16"
	}
}

// extractSentences splits buffered text into complete sentences plus the
// trailing incomplete remainder. A terminator only ends a sentence when it is
// followed by whitespace or ends the text, which keeps most abbreviations
// intact.
func extractSentences(text string) ([]string, string) {
	var sentences []string
	var current strings.Builder

	isEnder := func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == ';'
	}

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if !isEnder(r) {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			sentences = append(sentences, current.String())
			current.Reset()
		}
	}

	return sentences, current.String()
}
