package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

const (
	listenURL = "wss://api.deepgram.com/v1/listen"

	// Deepgram drops the stream after ~10s without traffic; ping at half that.
	keepaliveInterval = 5 * time.Second
)

// STTService streams audio to Deepgram's live transcription API and pushes
// TranscriptionFrames (interim and final) downstream. The connection is
// opened lazily on the first audio frame so idle pipelines cost nothing.
type STTService struct {
	*processors.BaseProcessor
	apiKey     string
	language   string
	model      string
	encoding   string
	sampleRate int

	conn   *websocket.Conn
	connMu sync.Mutex // guards writes; gorilla allows one concurrent writer
	ctx    context.Context
	cancel context.CancelFunc
	log    *logger.Logger
}

// STTConfig configures the Deepgram service.
type STTConfig struct {
	APIKey     string
	Language   string // e.g. "en-US"
	Model      string // e.g. "nova-2-phonecall"
	Encoding   string // "mulaw", "alaw" or "linear16" (default "linear16")
	SampleRate int    // defaults to 8000 for telephony codecs, 16000 otherwise
}

// NewSTTService creates a Deepgram STT service.
func NewSTTService(config STTConfig) *STTService {
	encoding := normalizeEncoding(config.Encoding)

	sampleRate := config.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
		if encoding == "mulaw" || encoding == "alaw" {
			sampleRate = 8000
		}
	}

	s := &STTService{
		apiKey:     config.APIKey,
		language:   config.Language,
		model:      config.Model,
		encoding:   encoding,
		sampleRate: sampleRate,
		log:        logger.WithPrefix("deepgram"),
	}
	s.BaseProcessor = processors.NewBaseProcessor("DeepgramSTT", s)
	return s
}

// normalizeEncoding maps codec aliases onto Deepgram's parameter values.
func normalizeEncoding(encoding string) string {
	switch encoding {
	case "", "pcm", "PCM":
		return "linear16"
	case "ulaw", "PCMU":
		return "mulaw"
	case "PCMA":
		return "alaw"
	default:
		return encoding
	}
}

func (s *STTService) SetLanguage(lang string) {
	s.language = lang
}

func (s *STTService) SetModel(model string) {
	s.model = model
}

// Initialize dials the live transcription endpoint and starts the receive and
// keepalive goroutines.
func (s *STTService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	params := url.Values{}
	params.Set("language", s.language)
	params.Set("model", s.model)
	params.Set("encoding", s.encoding)
	params.Set("sample_rate", strconv.Itoa(s.sampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")

	header := map[string][]string{
		"Authorization": {fmt.Sprintf("Token %s", s.apiKey)},
	}

	conn, _, err := websocket.DefaultDialer.Dial(listenURL+"?"+params.Encode(), header)
	if err != nil {
		return fmt.Errorf("failed to connect to Deepgram: %w", err)
	}
	s.conn = conn

	go s.receiveTranscriptions()
	go s.keepaliveLoop()

	s.log.Info("connected (model=%s encoding=%s rate=%d)", s.model, s.encoding, s.sampleRate)
	return nil
}

func (s *STTService) Cleanup() error {
	if s.cancel != nil {
		s.cancel()
	}

	// Let the receive goroutine observe cancellation before yanking the socket.
	time.Sleep(50 * time.Millisecond)

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func (s *STTService) reconnect(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	return s.Initialize(ctx)
}

func (s *STTService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.EndFrame:
		if err := s.Cleanup(); err != nil {
			s.log.Error("cleanup error: %v", err)
		}
		return s.PushFrame(frame, direction)

	case *frames.InterruptionFrame:
		// Finalize flushes Deepgram's current utterance so stale fragments
		// of the interrupted turn never arrive later.
		s.sendFinalize()
		return s.PushFrame(frame, direction)

	case *frames.AudioFrame:
		return s.handleAudio(ctx, f, direction)
	}

	return s.PushFrame(frame, direction)
}

func (s *STTService) handleAudio(ctx context.Context, audioFrame *frames.AudioFrame, direction frames.FrameDirection) error {
	if s.conn == nil {
		s.log.Debug("lazy connect on first audio frame")
		if err := s.Initialize(ctx); err != nil {
			s.log.Error("failed to initialize: %v", err)
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
	}

	if err := s.writeAudio(audioFrame.Data); err != nil {
		s.log.Warn("send failed, reconnecting: %v", err)
		if reconnectErr := s.reconnect(ctx); reconnectErr != nil {
			s.log.Error("reconnection failed: %v", reconnectErr)
			return s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		if retryErr := s.writeAudio(audioFrame.Data); retryErr != nil {
			return s.PushFrame(frames.NewErrorFrame(retryErr), frames.Upstream)
		}
	}

	// Audio continues downstream; VAD and interruption analysis need it too.
	return s.PushFrame(audioFrame, direction)
}

func (s *STTService) writeAudio(data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *STTService) sendFinalize() {
	if s.conn == nil {
		return
	}
	s.connMu.Lock()
	err := s.conn.WriteJSON(map[string]interface{}{"type": "Finalize"})
	s.connMu.Unlock()
	if err != nil {
		s.log.Error("error sending finalize: %v", err)
	}
}

func (s *STTService) receiveTranscriptions() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			s.log.Error("read error: %v", err)
			s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
			return
		}

		var response struct {
			IsFinal bool `json:"is_final"`
			Channel struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channel"`
		}
		if err := json.Unmarshal(message, &response); err != nil {
			s.log.Warn("error parsing response: %v", err)
			continue
		}

		if len(response.Channel.Alternatives) == 0 {
			continue
		}
		transcript := response.Channel.Alternatives[0].Transcript
		if transcript == "" {
			continue
		}

		s.log.Debug("transcription final=%v text=%q", response.IsFinal, transcript)
		s.PushFrame(frames.NewTranscriptionFrame(transcript, response.IsFinal), frames.Downstream)
	}
}

func (s *STTService) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.conn == nil {
				continue
			}
			s.connMu.Lock()
			err := s.conn.WriteJSON(map[string]string{"type": "KeepAlive"})
			s.connMu.Unlock()
			if err != nil {
				s.log.Error("keepalive error: %v", err)
				return
			}
		}
	}
}
