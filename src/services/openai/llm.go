package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
	"github.com/square-key-labs/twilio-voice-agent/src/services"
)

// LLMService streams chat completions from OpenAI. An LLMContextFrame from
// the user aggregator triggers a completion; tokens are pushed downstream as
// TextFrames between LLMFullResponseStart/End markers. Committing the
// finished response to the context is the assistant aggregator's job.
type LLMService struct {
	*processors.BaseProcessor
	client      *gopenai.Client
	model       string
	temperature float64
	context     *services.LLMContext

	ctx    context.Context
	cancel context.CancelFunc

	// streamCancel aborts an in-flight completion on interruption.
	streamCancel context.CancelFunc
	log          *logger.Logger
}

// LLMConfig configures the OpenAI service.
type LLMConfig struct {
	APIKey       string
	Model        string // e.g. "gpt-4o"
	SystemPrompt string
	Temperature  float64
}

// NewLLMService creates an OpenAI LLM service.
func NewLLMService(config LLMConfig) *LLMService {
	model := config.Model
	if model == "" {
		model = gopenai.GPT4o
	}

	s := &LLMService{
		client:      gopenai.NewClient(config.APIKey),
		model:       model,
		temperature: config.Temperature,
		context:     services.NewLLMContext(config.SystemPrompt),
		log:         logger.WithPrefix("openai"),
	}
	s.BaseProcessor = processors.NewBaseProcessor("OpenAILLM", s)
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
		// Only user turns trigger completions; the assistant aggregator
		// also emits context frames when it commits.
		if len(llmContext.Messages) == 0 || llmContext.Messages[len(llmContext.Messages)-1].Role != "user" {
			return nil
		}
		s.context = llmContext
		s.runCompletion(ctx, llmContext)
		return nil

	case *frames.InterruptionFrame:
		if s.streamCancel != nil {
			s.log.Debug("interruption, aborting in-flight completion")
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

func (s *LLMService) runCompletion(ctx context.Context, llmContext *services.LLMContext) {
	s.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream)

	if err := s.streamCompletion(ctx, llmContext); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("completion error: %v", err)
		s.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
	}

	s.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream)
}

func (s *LLMService) streamCompletion(ctx context.Context, llmContext *services.LLMContext) error {
	messages := make([]gopenai.ChatCompletionMessage, 0, len(llmContext.Messages)+1)
	if llmContext.SystemPrompt != "" {
		messages = append(messages, gopenai.ChatCompletionMessage{
			Role:    gopenai.ChatMessageRoleSystem,
			Content: llmContext.SystemPrompt,
		})
	}
	for _, msg := range llmContext.Messages {
		messages = append(messages, gopenai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.streamCancel = cancel
	defer func() {
		cancel()
		s.streamCancel = nil
	}()

	stream, err := s.client.CreateChatCompletionStream(streamCtx, gopenai.ChatCompletionRequest{
		Model:       s.model,
		Messages:    messages,
		Temperature: float32(s.temperature),
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to create completion stream: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream receive error: %w", err)
		}

		if len(response.Choices) == 0 {
			continue
		}
		content := response.Choices[0].Delta.Content
		if content == "" {
			continue
		}

		if err := s.PushFrame(frames.NewTextFrame(content), frames.Downstream); err != nil {
			return err
		}
	}
}
