package processors

import (
	"context"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
)

// PassthroughProcessor forwards frames unchanged. Useful as a placeholder
// stage and in pipeline tests.
type PassthroughProcessor struct {
	*BaseProcessor
	logFrames bool
}

func NewPassthroughProcessor(name string, logFrames bool) *PassthroughProcessor {
	pp := &PassthroughProcessor{logFrames: logFrames}
	pp.BaseProcessor = NewBaseProcessor(name, pp)
	return pp
}

func (p *PassthroughProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.logFrames {
		p.Logger().Debug("%s frame %s", direction, frame.Name())
	}
	return p.PushFrame(frame, direction)
}
