package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/square-key-labs/twilio-voice-agent/src/bot"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Twilio connects server-to-server; there is no browser origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	startEventAttempts = 10
	startEventTimeout  = 2 * time.Second
)

// startEvent is the slice of Twilio's start message the server needs to
// route the call.
type startEvent struct {
	Event string `json:"event"`
	Start struct {
		CallSid          string            `json:"callSid"`
		StreamSid        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
}

// handleWebSocket accepts a Media Streams connection, waits for the start
// event and hands the connection to a bot session. The consumed start event
// is replayed into the session so the pipeline still sees it.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed: %v", err)
		return
	}

	raw, event, err := awaitStartEvent(conn)
	if err != nil {
		s.log.Error("no start event received: %v", err)
		conn.Close()
		return
	}

	s.log.Info("media stream connected (callSid=%s streamSid=%s params=%d)",
		event.Start.CallSid, event.Start.StreamSid, len(event.Start.CustomParameters))

	session := bot.NewSession(bot.SessionConfig{
		Conn:             conn,
		Config:           s.cfg,
		CallSid:          event.Start.CallSid,
		StreamSid:        event.Start.StreamSid,
		StartEvent:       raw,
		CustomParameters: event.Start.CustomParameters,
	})

	if err := session.Run(c.Request.Context()); err != nil {
		s.log.Error("session error (callSid=%s): %v", event.Start.CallSid, err)
	}
	s.log.Info("session ended (callSid=%s)", event.Start.CallSid)
}

// awaitStartEvent reads messages until Twilio's start event arrives, skipping
// the connected event. Bounded attempts with per-read deadlines so a silent
// connection cannot hold the handler forever.
func awaitStartEvent(conn *websocket.Conn) (string, *startEvent, error) {
	defer conn.SetReadDeadline(time.Time{})

	for attempt := 0; attempt < startEventAttempts; attempt++ {
		if err := conn.SetReadDeadline(time.Now().Add(startEventTimeout)); err != nil {
			return "", nil, err
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if netTimeout(err) {
				continue
			}
			return "", nil, err
		}

		var event startEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.Event == "start" {
			return string(message), &event, nil
		}
	}

	return "", nil, fmt.Errorf("start event not received after %d attempts", startEventAttempts)
}

func netTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
