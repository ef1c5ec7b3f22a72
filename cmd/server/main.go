package main

import (
	"fmt"
	"os"

	"github.com/square-key-labs/twilio-voice-agent/src/config"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/server"
)

func main() {
	logger.Init()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg)
	if err := srv.Run(); err != nil {
		logger.Error("server exited: %v", err)
		os.Exit(1)
	}
}
