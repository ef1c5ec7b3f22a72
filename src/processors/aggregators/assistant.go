package aggregators

import (
	"context"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/services"
)

// LLMAssistantAggregator collects the streamed LLM response between
// LLMFullResponseStart/End markers and commits the full text to the
// conversation context. On interruption it commits whatever the bot managed
// to say so the context reflects the truncated response.
type LLMAssistantAggregator struct {
	*LLMContextAggregator

	// started counts response nesting so overlapping responses do not
	// commit prematurely.
	started int
}

func NewLLMAssistantAggregator(context *services.LLMContext) *LLMAssistantAggregator {
	a := &LLMAssistantAggregator{}
	a.LLMContextAggregator = NewLLMContextAggregator("LLMAssistantAggregator", context, "assistant", a)
	return a
}

func (a *LLMAssistantAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.InterruptionFrame:
		a.Logger().Debug("interruption, committing partial response")
		if len(a.aggregation) > 0 {
			if err := a.pushAggregation(); err != nil {
				a.Logger().Error("error committing partial response: %v", err)
			}
		}
		a.started = 0
		if err := a.Reset(); err != nil {
			a.Logger().Error("error resetting on interruption: %v", err)
		}
		a.HandleInterruptionFrame()
		return a.PushFrame(frame, direction)

	case *frames.LLMFullResponseStartFrame:
		a.started++
		return a.PushFrame(frame, direction)

	case *frames.LLMFullResponseEndFrame:
		a.started--
		if a.started <= 0 {
			if err := a.pushAggregation(); err != nil {
				a.Logger().Error("error committing response: %v", err)
			}
		}
		return a.PushFrame(frame, direction)

	case *frames.TextFrame:
		if a.started > 0 {
			a.AppendToAggregation(f.Text)
		}
		return a.PushFrame(frame, direction)

	case *frames.LLMTextFrame:
		if a.started > 0 {
			a.AppendToAggregation(f.Text)
		}
		return a.PushFrame(frame, direction)
	}

	return a.PushFrame(frame, direction)
}

// pushAggregation commits the accumulated assistant text to the context.
func (a *LLMAssistantAggregator) pushAggregation() error {
	if len(a.aggregation) == 0 {
		return nil
	}

	text := a.AggregationString()
	if err := a.Reset(); err != nil {
		return err
	}

	if text != "" {
		a.Logger().Debug("committing assistant turn: %q", text)
		a.context.AddAssistantMessage(text)
	}

	return a.PushContextFrame(frames.Downstream)
}

// Reset clears response tracking in addition to the aggregation buffer.
func (a *LLMAssistantAggregator) Reset() error {
	a.started = 0
	return a.LLMContextAggregator.Reset()
}
