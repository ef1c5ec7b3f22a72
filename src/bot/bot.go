package bot

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/twilio-voice-agent/src/audio/vad"
	"github.com/square-key-labs/twilio-voice-agent/src/config"
	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/interruptions"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/pipeline"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
	"github.com/square-key-labs/twilio-voice-agent/src/processors/aggregators"
	"github.com/square-key-labs/twilio-voice-agent/src/serializers"
	"github.com/square-key-labs/twilio-voice-agent/src/services"
	"github.com/square-key-labs/twilio-voice-agent/src/services/cartesia"
	"github.com/square-key-labs/twilio-voice-agent/src/services/deepgram"
	"github.com/square-key-labs/twilio-voice-agent/src/services/elevenlabs"
	"github.com/square-key-labs/twilio-voice-agent/src/services/gemini"
	"github.com/square-key-labs/twilio-voice-agent/src/services/openai"
	"github.com/square-key-labs/twilio-voice-agent/src/transports"
)

// llmProcessor is the slice of the LLM services the session needs beyond
// FrameProcessor: access to the conversation context for aggregator wiring.
type llmProcessor interface {
	processors.FrameProcessor
	GetContext() *services.LLMContext
}

// Session runs the voice agent over one Twilio Media Streams connection.
type Session struct {
	conn             *websocket.Conn
	cfg              *config.Config
	callSid          string
	streamSid        string
	startEvent       string
	customParameters map[string]string

	log *logger.Logger
}

// SessionConfig carries everything the server learned while accepting the
// stream: the upgraded connection, the raw start event it consumed, and the
// identifiers and TwiML parameters extracted from it.
type SessionConfig struct {
	Conn             *websocket.Conn
	Config           *config.Config
	CallSid          string
	StreamSid        string
	StartEvent       string
	CustomParameters map[string]string
}

// NewSession creates a session for an accepted media stream.
func NewSession(sc SessionConfig) *Session {
	return &Session{
		conn:             sc.Conn,
		cfg:              sc.Config,
		callSid:          sc.CallSid,
		streamSid:        sc.StreamSid,
		startEvent:       sc.StartEvent,
		customParameters: sc.CustomParameters,
		log:              logger.WithPrefix("bot"),
	}
}

// Run builds the pipeline and drives it until the call ends. Blocks for the
// lifetime of the connection.
func (s *Session) Run(ctx context.Context) error {
	serializer := serializers.NewTwilioFrameSerializer(s.streamSid, s.callSid)

	transport, err := transports.NewWebSocketTransport(transports.WebSocketConfig{
		Conn:       s.conn,
		Serializer: serializer,
	})
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	analyzer := vad.NewEnergyVADAnalyzer(vad.EnergyVADConfig{
		SampleRate: serializers.TwilioSampleRate,
		Params:     vad.DefaultVADParams(),
	})
	vadInput := vad.NewVADInputProcessor(analyzer)

	stt := deepgram.NewSTTService(deepgram.STTConfig{
		APIKey:     s.cfg.Services.DeepgramAPIKey,
		Language:   "en-US",
		Model:      s.cfg.Services.DeepgramModel,
		Encoding:   "mulaw",
		SampleRate: serializers.TwilioSampleRate,
	})

	llm, err := s.buildLLM()
	if err != nil {
		return err
	}
	llmContext := llm.GetContext()

	userAgg := aggregators.NewLLMUserAggregator(llmContext, nil)
	assistantAgg := aggregators.NewLLMAssistantAggregator(llmContext)

	idle := processors.NewIdleMonitorProcessor(s.idleConfig())

	tts, err := s.buildTTS()
	if err != nil {
		return err
	}

	stages := []processors.FrameProcessor{
		transport.Input(),
		vadInput,
		stt,
		userAgg,
		idle,
	}
	if logger.IsDebugEnabled() {
		// Trace frames leaving the STT/aggregation stages; audio is too
		// chatty at one frame per 20ms.
		stages = append(stages, processors.NewFrameLogger(processors.FrameLoggerConfig{
			Prefix: "trace",
			IgnoredFrameTypes: []frames.Frame{
				&frames.AudioFrame{},
				&frames.TTSAudioFrame{},
			},
		}))
	}
	stages = append(stages,
		llm,
		tts,
		transport.Output(),
		assistantAgg,
	)

	pipe := pipeline.NewPipeline(stages)

	task := pipeline.NewPipelineTaskWithConfig(pipe, &pipeline.PipelineTaskConfig{
		AllowInterruptions: true,
		InterruptionStrategies: []interruptions.InterruptionStrategy{
			interruptions.NewMinWordsInterruptionStrategy(3),
		},
	})

	// Once the StartFrame reaches the sink every processor is live; replay the
	// consumed Twilio start event and begin pumping the socket.
	started := make(chan struct{})
	task.OnStarted(func() {
		close(started)
	})

	go func() {
		select {
		case <-started:
		case <-ctx.Done():
			return
		}

		if err := transport.HandleMessage(s.startEvent); err != nil {
			s.log.Error("error replaying start event: %v", err)
		}
		transport.ReadLoop(ctx)
	}()

	runner := pipeline.NewPipelineRunner(fmt.Sprintf("call-%s", s.callSid), task)
	defer transport.Close()

	s.log.Info("session starting (callSid=%s streamSid=%s llm=%s tts=%s)",
		s.callSid, s.streamSid, s.cfg.Agent.LLMProvider, s.cfg.Agent.TTSProvider)
	return runner.Run(ctx)
}

func (s *Session) buildLLM() (llmProcessor, error) {
	systemPrompt := s.cfg.Agent.SystemPrompt
	if override, ok := s.customParameters["llm_context"]; ok && override != "" {
		systemPrompt = override
	}

	switch s.cfg.Agent.LLMProvider {
	case "openai", "":
		return openai.NewLLMService(openai.LLMConfig{
			APIKey:       s.cfg.Services.OpenAIAPIKey,
			Model:        s.cfg.Services.OpenAIModel,
			SystemPrompt: systemPrompt,
			Temperature:  0.7,
		}), nil
	case "gemini":
		return gemini.NewLLMService(gemini.LLMConfig{
			APIKey:       s.cfg.Services.GeminiAPIKey,
			Model:        s.cfg.Services.GeminiModel,
			SystemPrompt: systemPrompt,
			Temperature:  0.7,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", s.cfg.Agent.LLMProvider)
	}
}

func (s *Session) buildTTS() (processors.FrameProcessor, error) {
	switch s.cfg.Agent.TTSProvider {
	case "cartesia", "":
		return cartesia.NewTTSService(cartesia.TTSConfig{
			APIKey:             s.cfg.Services.CartesiaAPIKey,
			VoiceID:            s.cfg.Services.CartesiaVoiceID,
			AggregateSentences: true,
		}), nil
	case "elevenlabs":
		return elevenlabs.NewTTSService(elevenlabs.TTSConfig{
			APIKey:       s.cfg.Services.ElevenLabsAPIKey,
			VoiceID:      s.cfg.Services.ElevenLabsVoiceID,
			Model:        "eleven_turbo_v2",
			UseStreaming: true,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported TTS provider: %q", s.cfg.Agent.TTSProvider)
	}
}

// idleConfig builds the watchdog timers, applying any per-call overrides
// delivered as TwiML parameters.
func (s *Session) idleConfig() processors.IdleMonitorConfig {
	cfg := processors.DefaultIdleMonitorConfig()

	if v := s.paramSeconds("session_duration"); v > 0 {
		cfg.SessionDuration = v
	}
	if v := s.paramSeconds("idle_warning_timeout"); v > 0 {
		cfg.WarningTimeout = v
	}
	if v := s.paramSeconds("idle_disconnect_timeout"); v > 0 {
		cfg.DisconnectTimeout = v
	}
	return cfg
}

func (s *Session) paramSeconds(key string) time.Duration {
	raw, ok := s.customParameters[key]
	if !ok || raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		s.log.Warn("invalid %s parameter: %q", key, raw)
		return 0
	}
	return time.Duration(secs) * time.Second
}
