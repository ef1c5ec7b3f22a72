package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var ErrEmptyEnvironmentVariable = errors.New("empty environment variable")

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Twilio   TwilioConfig
	Services ServicesConfig
	Agent    AgentConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int
	// BaseURL is the public base URL Twilio reaches us at. Falls back to
	// NgrokURL, then to the request host.
	BaseURL  string
	NgrokURL string
}

// TwilioConfig holds Twilio REST credentials. Required only for outbound
// calling; inbound calls work without them.
type TwilioConfig struct {
	AccountSID  string
	AuthToken   string
	PhoneNumber string
}

// ServicesConfig holds external AI service API keys and model overrides.
type ServicesConfig struct {
	DeepgramAPIKey string
	DeepgramModel  string

	OpenAIAPIKey string
	OpenAIModel  string
	GeminiAPIKey string
	GeminiModel  string

	CartesiaAPIKey  string
	CartesiaVoiceID string

	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
}

// AgentConfig holds conversational behavior settings.
type AgentConfig struct {
	// LLMProvider selects "openai" (default) or "gemini".
	LLMProvider string
	// TTSProvider selects "cartesia" (default) or "elevenlabs".
	TTSProvider  string
	SystemPrompt string
}

const defaultSystemPrompt = "You are a friendly voice assistant on a phone call. " +
	"Keep your responses short and conversational. Do not use markdown, emoji " +
	"or any formatting that cannot be spoken aloud."

// Load reads .env (when present) and validates required variables for the
// selected providers.
func Load() (*Config, error) {
	// Missing .env is fine in deployed environments.
	_ = godotenv.Load()

	cfg := &Config{}

	port := getEnvWithDefault("PORT", "8000")
	var err error
	cfg.Server.Port, err = strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PORT: %w", err)
	}
	cfg.Server.BaseURL = os.Getenv("BASE_URL")
	cfg.Server.NgrokURL = os.Getenv("NGROK_URL")

	cfg.Twilio.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	cfg.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	cfg.Twilio.PhoneNumber = os.Getenv("TWILIO_PHONE_NUMBER")

	if cfg.Services.DeepgramAPIKey, err = requireEnv("DEEPGRAM_API_KEY"); err != nil {
		return nil, err
	}
	cfg.Services.DeepgramModel = getEnvWithDefault("DEEPGRAM_MODEL", "nova-2-phonecall")

	cfg.Agent.LLMProvider = getEnvWithDefault("LLM_PROVIDER", "openai")
	switch cfg.Agent.LLMProvider {
	case "openai":
		if cfg.Services.OpenAIAPIKey, err = requireEnv("OPENAI_API_KEY"); err != nil {
			return nil, err
		}
	case "gemini":
		if cfg.Services.GeminiAPIKey, err = requireEnv("GEMINI_API_KEY"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported LLM_PROVIDER: %q", cfg.Agent.LLMProvider)
	}
	cfg.Services.OpenAIModel = os.Getenv("OPENAI_MODEL")
	cfg.Services.GeminiModel = os.Getenv("GEMINI_MODEL")

	cfg.Agent.TTSProvider = getEnvWithDefault("TTS_PROVIDER", "cartesia")
	switch cfg.Agent.TTSProvider {
	case "cartesia":
		if cfg.Services.CartesiaAPIKey, err = requireEnv("CARTESIA_API_KEY"); err != nil {
			return nil, err
		}
		if cfg.Services.CartesiaVoiceID, err = requireEnv("CARTESIA_VOICE_ID"); err != nil {
			return nil, err
		}
	case "elevenlabs":
		if cfg.Services.ElevenLabsAPIKey, err = requireEnv("ELEVENLABS_API_KEY"); err != nil {
			return nil, err
		}
		if cfg.Services.ElevenLabsVoiceID, err = requireEnv("ELEVENLABS_VOICE_ID"); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported TTS_PROVIDER: %q", cfg.Agent.TTSProvider)
	}

	cfg.Agent.SystemPrompt = getEnvWithDefault("SYSTEM_PROMPT", defaultSystemPrompt)

	return cfg, nil
}

// OutboundEnabled reports whether Twilio REST credentials are configured.
func (c *TwilioConfig) OutboundEnabled() bool {
	return c.AccountSID != "" && c.AuthToken != "" && c.PhoneNumber != ""
}

func requireEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%s is not set: %w", key, ErrEmptyEnvironmentVariable)
	}
	return value, nil
}

func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
