package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/twilio-voice-agent/src/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:     8000,
			NgrokURL: "https://tunnel.example.com",
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := New(testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestStartRejectsMissingPhoneNumber(t *testing.T) {
	srv := New(testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "phone_number")
}

func TestStartRejectsInvalidJSON(t *testing.T) {
	srv := New(testConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{not json`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartWithoutTwilioCredentials(t *testing.T) {
	srv := New(testConfig()) // no Twilio credentials: outbound disabled

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/start",
		strings.NewReader(`{"phone_number":"+15550001234"}`))
	req.Header.Set("Content-Type", "application/json")
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "credentials")
}

func TestTwiMLResponse(t *testing.T) {
	srv := New(testConfig())

	form := url.Values{"CallSid": {"CA123"}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/twiml", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")

	body := w.Body.String()
	assert.Contains(t, body, "<Connect>")
	assert.Contains(t, body, "wss://tunnel.example.com/ws")
	assert.Contains(t, body, "<Pause")
}

func TestTwiMLIncludesStoredParameters(t *testing.T) {
	srv := New(testConfig())
	srv.storeCallBody("CA456", map[string]string{
		"llm_context":      "You are confirming a reservation.",
		"session_duration": "120",
	})

	form := url.Values{"CallSid": {"CA456"}}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/twiml", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "llm_context")
	assert.Contains(t, body, "You are confirming a reservation.")
	assert.Contains(t, body, "session_duration")
	assert.Contains(t, body, "120")
}

func TestPublicBaseURLPrecedence(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BaseURL = "https://prod.example.com/"

	srv := New(cfg)
	assert.Equal(t, "https://prod.example.com", srv.publicBaseURL("ignored.example.com"))

	cfg.Server.BaseURL = ""
	assert.Equal(t, "https://tunnel.example.com", srv.publicBaseURL("ignored.example.com"))

	cfg.Server.NgrokURL = ""
	assert.Equal(t, "https://request.example.com", srv.publicBaseURL("request.example.com"))
}

func TestWebsocketURL(t *testing.T) {
	assert.Equal(t, "wss://x.example.com/ws", websocketURL("https://x.example.com"))
	assert.Equal(t, "ws://localhost:8000/ws", websocketURL("http://localhost:8000"))
}

func TestCallBodyDeletedOnRead(t *testing.T) {
	srv := New(testConfig())
	srv.storeCallBody("CA789", map[string]string{"k": "v"})

	first := srv.popCallBody("CA789")
	assert.Equal(t, "v", first["k"])

	second := srv.popCallBody("CA789")
	assert.Nil(t, second)
}
