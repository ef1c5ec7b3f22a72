package processors

import (
	"context"
	"reflect"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
)

// FrameLogger is a passthrough processor that logs every frame crossing it.
// Place one between stages to debug pipeline wiring; audio frames are usually
// ignored because they arrive every 20ms.
type FrameLogger struct {
	*BaseProcessor
	log          *logger.Logger
	ignoredTypes map[reflect.Type]bool
}

// FrameLoggerConfig configures a FrameLogger.
type FrameLoggerConfig struct {
	// Prefix tags log lines, e.g. "stt-out".
	Prefix string

	// IgnoredFrameTypes lists sample frames whose types are skipped.
	IgnoredFrameTypes []frames.Frame
}

// NewFrameLogger creates a frame logger processor.
func NewFrameLogger(config FrameLoggerConfig) *FrameLogger {
	if config.Prefix == "" {
		config.Prefix = "frames"
	}

	fl := &FrameLogger{
		log:          logger.WithPrefix(config.Prefix),
		ignoredTypes: make(map[reflect.Type]bool),
	}
	for _, f := range config.IgnoredFrameTypes {
		fl.ignoredTypes[reflect.TypeOf(f)] = true
	}

	fl.BaseProcessor = NewBaseProcessor("FrameLogger:"+config.Prefix, fl)
	return fl
}

func (fl *FrameLogger) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if frame == nil || reflect.ValueOf(frame).IsNil() {
		fl.log.Warn("nil frame, skipping")
		return nil
	}

	if !fl.ignoredTypes[reflect.TypeOf(frame)] && logger.IsDebugEnabled() {
		arrow := "->"
		if direction == frames.Upstream {
			arrow = "<-"
		}
		fl.log.Debug("%s %s", arrow, frame.String())
	}

	return fl.PushFrame(frame, direction)
}
