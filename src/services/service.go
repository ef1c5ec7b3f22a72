package services

import (
	"context"

	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

// AIService is the base interface for the speech and language services. Each
// service is a pipeline processor with explicit lifecycle hooks for its
// upstream connection.
type AIService interface {
	processors.FrameProcessor

	Initialize(ctx context.Context) error
	Cleanup() error
}

// STTService converts streamed audio into transcriptions.
type STTService interface {
	AIService

	SetLanguage(lang string)
	SetModel(model string)
}

// TTSService converts text into streamed audio.
type TTSService interface {
	AIService

	SetVoice(voiceID string)
	SetModel(model string)
}

// LLMService produces streamed completions from a conversation context.
type LLMService interface {
	AIService

	SetModel(model string)
	SetSystemPrompt(prompt string)
	SetTemperature(temp float64)

	AddMessage(role, content string)
	ClearContext()
}

// LLMMessage is one turn in the conversation.
type LLMMessage struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// LLMContext holds the conversation state shared by the aggregators and the
// LLM service. The aggregators own writes; the service reads a snapshot when
// a completion is requested.
type LLMContext struct {
	Messages     []LLMMessage
	SystemPrompt string
	Model        string
	Temperature  float64
}

// NewLLMContext creates a conversation context with the given system prompt.
func NewLLMContext(systemPrompt string) *LLMContext {
	return &LLMContext{
		Messages:     make([]LLMMessage, 0),
		SystemPrompt: systemPrompt,
		Temperature:  0.7,
	}
}

func (c *LLMContext) AddUserMessage(content string) {
	c.Messages = append(c.Messages, LLMMessage{Role: "user", Content: content})
}

func (c *LLMContext) AddAssistantMessage(content string) {
	c.Messages = append(c.Messages, LLMMessage{Role: "assistant", Content: content})
}

func (c *LLMContext) AddSystemMessage(content string) {
	c.Messages = append(c.Messages, LLMMessage{Role: "system", Content: content})
}

func (c *LLMContext) Clear() {
	c.Messages = make([]LLMMessage, 0)
}

// Clone returns a deep copy, used when a service needs a stable snapshot.
func (c *LLMContext) Clone() *LLMContext {
	clone := &LLMContext{
		SystemPrompt: c.SystemPrompt,
		Model:        c.Model,
		Temperature:  c.Temperature,
		Messages:     make([]LLMMessage, len(c.Messages)),
	}
	copy(clone.Messages, c.Messages)
	return clone
}
