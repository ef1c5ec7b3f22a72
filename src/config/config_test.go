package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setValidEnv pins every variable Load reads so the test is isolated from the
// ambient environment.
func setValidEnv(t *testing.T) {
	t.Helper()

	vars := map[string]string{
		"PORT":                "",
		"BASE_URL":            "",
		"NGROK_URL":           "",
		"TWILIO_ACCOUNT_SID":  "",
		"TWILIO_AUTH_TOKEN":   "",
		"TWILIO_PHONE_NUMBER": "",
		"DEEPGRAM_API_KEY":    "dg-key",
		"DEEPGRAM_MODEL":      "",
		"LLM_PROVIDER":        "",
		"OPENAI_API_KEY":      "oa-key",
		"OPENAI_MODEL":        "",
		"GEMINI_API_KEY":      "",
		"GEMINI_MODEL":        "",
		"TTS_PROVIDER":        "",
		"CARTESIA_API_KEY":    "ca-key",
		"CARTESIA_VOICE_ID":   "ca-voice",
		"ELEVENLABS_API_KEY":  "",
		"ELEVENLABS_VOICE_ID": "",
		"SYSTEM_PROMPT":       "",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.Agent.LLMProvider)
	assert.Equal(t, "cartesia", cfg.Agent.TTSProvider)
	assert.Equal(t, "nova-2-phonecall", cfg.Services.DeepgramModel)
	assert.NotEmpty(t, cfg.Agent.SystemPrompt)
	assert.False(t, cfg.Twilio.OutboundEnabled())
}

func TestLoadCustomPort(t *testing.T) {
	setValidEnv(t)
	t.Setenv("PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadInvalidPort(t *testing.T) {
	setValidEnv(t)
	t.Setenv("PORT", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMissingDeepgramKey(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DEEPGRAM_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyEnvironmentVariable)
	assert.Contains(t, err.Error(), "DEEPGRAM_API_KEY")
}

func TestLoadGeminiProvider(t *testing.T) {
	setValidEnv(t)
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "gm-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini", cfg.Agent.LLMProvider)
	assert.Equal(t, "gm-key", cfg.Services.GeminiAPIKey)
}

func TestLoadGeminiProviderMissingKey(t *testing.T) {
	setValidEnv(t)
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyEnvironmentVariable)
}

func TestLoadUnsupportedLLMProvider(t *testing.T) {
	setValidEnv(t)
	t.Setenv("LLM_PROVIDER", "llama")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_PROVIDER")
}

func TestLoadElevenLabsProvider(t *testing.T) {
	setValidEnv(t)
	t.Setenv("TTS_PROVIDER", "elevenlabs")
	t.Setenv("CARTESIA_API_KEY", "")
	t.Setenv("CARTESIA_VOICE_ID", "")
	t.Setenv("ELEVENLABS_API_KEY", "el-key")
	t.Setenv("ELEVENLABS_VOICE_ID", "el-voice")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "elevenlabs", cfg.Agent.TTSProvider)
	assert.Equal(t, "el-key", cfg.Services.ElevenLabsAPIKey)
}

func TestLoadCartesiaMissingVoice(t *testing.T) {
	setValidEnv(t)
	t.Setenv("CARTESIA_VOICE_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CARTESIA_VOICE_ID")
}

func TestOutboundEnabled(t *testing.T) {
	tc := TwilioConfig{}
	assert.False(t, tc.OutboundEnabled())

	tc.AccountSID = "AC1"
	tc.AuthToken = "token"
	assert.False(t, tc.OutboundEnabled())

	tc.PhoneNumber = "+15550001234"
	assert.True(t, tc.OutboundEnabled())
}

func TestLoadSystemPromptOverride(t *testing.T) {
	setValidEnv(t)
	t.Setenv("SYSTEM_PROMPT", "You are a pirate.")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "You are a pirate.", cfg.Agent.SystemPrompt)
}
