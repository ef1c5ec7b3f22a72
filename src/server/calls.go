package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

const defaultOutboundPrompt = "You are a friendly assistant making an outbound " +
	"phone call. Your responses will be read aloud, so keep them concise and " +
	"conversational. Avoid special characters or formatting. Begin by politely " +
	"greeting the person and explaining why you're calling."

// startRequest is the body of POST /start.
type startRequest struct {
	PhoneNumber           string                 `json:"phone_number"`
	Body                  map[string]interface{} `json:"body"`
	LLMContext            string                 `json:"llm_context"`
	SessionDuration       int                    `json:"session_duration"`
	IdleWarningTimeout    int                    `json:"idle_warning_timeout"`
	IdleDisconnectTimeout int                    `json:"idle_disconnect_timeout"`
}

// handleStart initiates an outbound call via Twilio REST and stores the
// call's parameter data for the /twiml webhook.
func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.PhoneNumber == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing 'phone_number' in the request body"})
		return
	}

	if s.twilioClient == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Twilio credentials not configured"})
		return
	}

	baseURL := s.cfg.Server.BaseURL
	if baseURL == "" {
		baseURL = s.cfg.Server.NgrokURL
	}
	if baseURL == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "BASE_URL or NGROK_URL must be set for outbound calls"})
		return
	}
	twimlURL := s.publicBaseURL(c.Request.Host) + "/twiml"

	bodyData := make(map[string]string, len(req.Body)+4)
	for k, v := range req.Body {
		bodyData[k] = fmt.Sprint(v)
	}

	// Behavior parameters travel as TwiML <Parameter>s so the media stream
	// session can pick them up without shared state.
	llmContext := req.LLMContext
	if llmContext == "" {
		llmContext = defaultOutboundPrompt
	}
	bodyData["llm_context"] = llmContext
	bodyData["session_duration"] = fmt.Sprint(intOrDefault(req.SessionDuration, 180))
	bodyData["idle_warning_timeout"] = fmt.Sprint(intOrDefault(req.IdleWarningTimeout, 8))
	bodyData["idle_disconnect_timeout"] = fmt.Sprint(intOrDefault(req.IdleDisconnectTimeout, 30))

	params := &openapi.CreateCallParams{}
	params.SetTo(req.PhoneNumber)
	params.SetFrom(s.cfg.Twilio.PhoneNumber)
	params.SetUrl(twimlURL)
	params.SetMethod("POST")

	call, err := s.twilioClient.Api.CreateCall(params)
	if err != nil {
		s.log.Error("failed to create call: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	callSid := ""
	if call.Sid != nil {
		callSid = *call.Sid
	}
	s.storeCallBody(callSid, bodyData)

	s.log.Info("outbound call initiated (callSid=%s to=%s)", callSid, req.PhoneNumber)
	c.JSON(http.StatusOK, gin.H{
		"call_sid":     callSid,
		"status":       "call_initiated",
		"phone_number": req.PhoneNumber,
	})
}

// handleTwiML answers Twilio's webhook with stream-connect instructions,
// attaching any parameter data stored for the call.
func (s *Server) handleTwiML(c *gin.Context) {
	callSid := c.PostForm("CallSid")
	bodyData := s.popCallBody(callSid)

	if c.Request.Host == "" && s.cfg.Server.BaseURL == "" && s.cfg.Server.NgrokURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to determine server host"})
		return
	}

	wsURL := websocketURL(s.publicBaseURL(c.Request.Host))
	s.log.Info("serving TwiML (callSid=%s ws=%s params=%d)", callSid, wsURL, len(bodyData))

	var streamParams []twiml.Element
	for name, value := range bodyData {
		streamParams = append(streamParams, twiml.VoiceParameter{
			Name:  name,
			Value: value,
		})
	}

	stream := twiml.VoiceStream{
		Url:           wsURL,
		InnerElements: streamParams,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}
	// The pause keeps the call leg alive while the stream is established.
	pause := twiml.VoicePause{Length: "20"}

	doc, err := twiml.Voice([]twiml.Element{connect, pause})
	if err != nil {
		s.log.Error("failed to generate TwiML: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to generate TwiML: %v", err)})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, doc)
}

func intOrDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
