package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go"

	"github.com/square-key-labs/twilio-voice-agent/src/config"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
)

// Server exposes the voice agent's HTTP surface: health check, outbound call
// initiation, the TwiML webhook and the Media Streams WebSocket endpoint.
type Server struct {
	cfg          *config.Config
	engine       *gin.Engine
	twilioClient *twilio.RestClient

	// callBodies holds per-call TwiML parameter data between /start and the
	// /twiml webhook, keyed by CallSid. Entries are deleted on read.
	callBodies map[string]map[string]string
	mu         sync.Mutex

	log *logger.Logger
}

// New creates the server and registers its routes.
func New(cfg *config.Config) *Server {
	s := &Server{
		cfg:        cfg,
		callBodies: make(map[string]map[string]string),
		log:        logger.WithPrefix("server"),
	}

	if cfg.Twilio.OutboundEnabled() {
		s.twilioClient = twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.Twilio.AccountSID,
			Password: cfg.Twilio.AuthToken,
		})
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"*"},
		AllowCredentials: false,
	}))

	engine.GET("/", s.handleHealth)
	engine.POST("/start", s.handleStart)
	engine.POST("/twiml", s.handleTwiML)
	engine.GET("/ws", s.handleWebSocket)

	s.engine = engine
	return s
}

// Run serves HTTP on the configured port. Blocks.
func (s *Server) Run() error {
	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Server.Port)
	s.log.Info("listening on %s", addr)
	return s.engine.Run(addr)
}

// Handler returns the underlying HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "Twilio voice agent is running",
	})
}

// publicBaseURL resolves the externally reachable base URL: explicit BASE_URL
// first, then the tunnel URL, then the request host.
func (s *Server) publicBaseURL(requestHost string) string {
	if s.cfg.Server.BaseURL != "" {
		return strings.TrimSuffix(s.cfg.Server.BaseURL, "/")
	}
	if s.cfg.Server.NgrokURL != "" {
		return strings.TrimSuffix(s.cfg.Server.NgrokURL, "/")
	}
	return "https://" + requestHost
}

// websocketURL rewrites the public base URL to its WebSocket equivalent.
func websocketURL(baseURL string) string {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return wsURL + "/ws"
}

// storeCallBody saves TwiML parameter data for a pending call.
func (s *Server) storeCallBody(callSid string, body map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callBodies[callSid] = body
}

// popCallBody removes and returns the stored data for a call.
func (s *Server) popCallBody(callSid string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	body := s.callBodies[callSid]
	delete(s.callBodies, callSid)
	return body
}
