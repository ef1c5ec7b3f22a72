package gemini

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
	"github.com/square-key-labs/twilio-voice-agent/src/services"
)

// LLMService streams completions from Google Gemini. It implements the same
// contract as the OpenAI service: LLMContextFrame in, TextFrames between
// response markers out.
type LLMService struct {
	*processors.BaseProcessor
	apiKey      string
	model       string
	temperature float64
	context     *services.LLMContext

	client *genai.Client
	ctx    context.Context
	cancel context.CancelFunc

	streamCancel context.CancelFunc
	log          *logger.Logger
}

// LLMConfig configures the Gemini service.
type LLMConfig struct {
	APIKey       string
	Model        string // e.g. "gemini-2.0-flash"
	SystemPrompt string
	Temperature  float64
}

// NewLLMService creates a Gemini LLM service.
func NewLLMService(config LLMConfig) *LLMService {
	model := config.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	s := &LLMService{
		apiKey:      config.APIKey,
		model:       model,
		temperature: config.Temperature,
		context:     services.NewLLMContext(config.SystemPrompt),
		log:         logger.WithPrefix("gemini"),
	}
	s.BaseProcessor = processors.NewBaseProcessor("GeminiLLM", s)
	return s
}

func (s *LLMService) SetModel(model string) {
	s.model = model
}

func (s *LLMService) SetSystemPrompt(prompt string) {
	s.context.SystemPrompt = prompt
}

func (s *LLMService) SetTemperature(temp float64) {
	s.temperature = temp
}

func (s *LLMService) AddMessage(role, content string) {
	s.context.Messages = append(s.context.Messages, services.LLMMessage{Role: role, Content: content})
}

func (s *LLMService) ClearContext() {
	s.context.Clear()
}

// GetContext returns the conversation context for aggregator wiring.
func (s *LLMService) GetContext() *services.LLMContext {
	return s.context
}

func (s *LLMService) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	client, err := genai.NewClient(s.ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return fmt.Errorf("failed to create Gemini client: %w", err)
	}
	s.client = client

	s.log.Info("initialized (model=%s)", s.model)
	return nil
}

func (s *LLMService) Cleanup() error {
	if s.streamCancel != nil {
		s.streamCancel()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *LLMService) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.LLMContextFrame:
		llmContext, ok := f.Context.(*services.LLMContext)
		if !ok {
			return nil
		}
		if len(llmContext.Messages) == 0 || llmContext.Messages[len(llmContext.Messages)-1].Role != "user" {
			return nil
		}
		s.context = llmContext

		s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)
		if err := s.streamCompletion(ctx, llmContext); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("completion error: %v", err)
			s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
		}
		s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
		return nil

	case *frames.InterruptionFrame:
		if s.streamCancel != nil {
			s.streamCancel()
		}
		return s.PushFrame(frame, direction)

	case *frames.EndFrame:
		if err := s.Cleanup(); err != nil {
			s.log.Error("cleanup error: %v", err)
		}
		return s.PushFrame(frame, direction)
	}

	return s.PushFrame(frame, direction)
}

func (s *LLMService) streamCompletion(ctx context.Context, llmContext *services.LLMContext) error {
	if s.client == nil {
		if err := s.Initialize(ctx); err != nil {
			return err
		}
	}

	contents := make([]*genai.Content, 0, len(llmContext.Messages))
	for _, msg := range llmContext.Messages {
		role := genai.RoleUser
		switch msg.Role {
		case "assistant":
			role = genai.RoleModel
		case "system":
			// System text travels via SystemInstruction.
			continue
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, genai.Role(role)))
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(s.temperature)),
	}
	if llmContext.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(llmContext.SystemPrompt, genai.RoleUser)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.streamCancel = cancel
	defer func() {
		cancel()
		s.streamCancel = nil
	}()

	for response, err := range s.client.Models.GenerateContentStream(streamCtx, s.model, contents, config) {
		if err != nil {
			return fmt.Errorf("stream receive error: %w", err)
		}

		text := response.Text()
		if text == "" {
			continue
		}
		if err := s.PushFrame(frames.NewTextFrame(text), frames.Downstream); err != nil {
			return err
		}
	}

	return nil
}
