package aggregators

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/twilio-voice-agent/src/audio"
	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/services"
)

// UserAggregatorParams configures the user-side aggregation behavior.
type UserAggregatorParams struct {
	// AggregationTimeout flushes accumulated text if no further final
	// transcription arrives within this window.
	AggregationTimeout time.Duration
}

// DefaultUserAggregatorParams returns the defaults (500ms flush window).
func DefaultUserAggregatorParams() *UserAggregatorParams {
	return &UserAggregatorParams{
		AggregationTimeout: 500 * time.Millisecond,
	}
}

// LLMUserAggregator collects the user's transcribed speech into one turn and
// decides whether that turn may interrupt the bot. Final transcriptions are
// accumulated; interim results only feed the interruption strategies. When a
// turn is committed the aggregator pushes an LLMContextFrame downstream to
// trigger a completion.
type LLMUserAggregator struct {
	*LLMContextAggregator

	// stateMu guards the turn state below plus the aggregation buffer:
	// speaking flags arrive on the system queue while transcriptions and the
	// flush loop touch the same state from other goroutines.
	stateMu            sync.Mutex
	userSpeaking       bool
	botSpeaking        bool
	seenInterimResults bool

	aggregationCtx    context.Context
	aggregationCancel context.CancelFunc
	aggregationEvent  chan struct{}

	params *UserAggregatorParams
}

func NewLLMUserAggregator(context *services.LLMContext, params *UserAggregatorParams) *LLMUserAggregator {
	if params == nil {
		params = DefaultUserAggregatorParams()
	}

	u := &LLMUserAggregator{
		aggregationEvent: make(chan struct{}, 1),
		params:           params,
	}
	u.LLMContextAggregator = NewLLMContextAggregator("LLMUserAggregator", context, "user", u)
	return u
}

func (u *LLMUserAggregator) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		u.HandleStartFrame(f)
		u.Logger().Debug("interruptions allowed=%v strategies=%d", u.InterruptionsAllowed(), len(u.InterruptionStrategies()))

		// Transports replay their protocol start event as a second
		// StartFrame; only the first one starts the flush loop.
		u.stateMu.Lock()
		if u.aggregationCancel == nil {
			u.aggregationCtx, u.aggregationCancel = context.WithCancel(ctx)
			go u.flushLoop()
		}
		u.stateMu.Unlock()
		return u.PushFrame(frame, direction)

	case *frames.EndFrame:
		u.stateMu.Lock()
		if u.aggregationCancel != nil {
			u.aggregationCancel()
			u.aggregationCancel = nil
		}
		u.stateMu.Unlock()
		return u.PushFrame(frame, direction)

	case *frames.UserStartedSpeakingFrame:
		u.stateMu.Lock()
		u.userSpeaking = true
		u.stateMu.Unlock()
		return u.PushFrame(frame, direction)

	case *frames.UserStoppedSpeakingFrame:
		u.stateMu.Lock()
		u.userSpeaking = false
		// The turn may already be complete; flush whatever we have.
		if len(u.aggregation) > 0 && !u.seenInterimResults {
			if err := u.pushAggregation(); err != nil {
				u.Logger().Error("error pushing aggregation: %v", err)
			}
		}
		u.stateMu.Unlock()
		return u.PushFrame(frame, direction)

	case *frames.TTSStartedFrame:
		u.stateMu.Lock()
		u.botSpeaking = true
		u.stateMu.Unlock()
		return u.PushFrame(frame, direction)

	case *frames.TTSStoppedFrame:
		u.stateMu.Lock()
		u.botSpeaking = false
		u.stateMu.Unlock()
		return u.PushFrame(frame, direction)

	case *frames.AudioFrame:
		// Audio-driven strategies (volume, VAD) only matter while the bot is
		// audible and the user could be barging in.
		u.stateMu.Lock()
		feed := u.botSpeaking && len(u.InterruptionStrategies()) > 0
		u.stateMu.Unlock()
		if feed {
			u.feedStrategyAudio(f)
		}
		return u.PushFrame(frame, direction)

	case *frames.TranscriptionFrame:
		return u.handleTranscription(f)

	case *frames.LLMMessagesAppendFrame:
		if messages, ok := f.Messages.([]services.LLMMessage); ok {
			u.context.Messages = append(u.context.Messages, messages...)
			if f.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil

	case *frames.LLMMessagesUpdateFrame:
		if messages, ok := f.Messages.([]services.LLMMessage); ok {
			u.context.Messages = messages
			if f.RunLLM {
				return u.PushContextFrame(frames.Downstream)
			}
		}
		return nil
	}

	return u.PushFrame(frame, direction)
}

// handleTranscription consumes STT output. Transcriptions never continue
// downstream; the committed turn travels as an LLMContextFrame instead.
func (u *LLMUserAggregator) handleTranscription(f *frames.TranscriptionFrame) error {
	if f.Text == "" {
		return nil
	}

	u.Logger().Debug("transcription final=%v text=%q", f.IsFinal, f.Text)

	u.stateMu.Lock()
	defer u.stateMu.Unlock()

	if !f.IsFinal {
		// Interim results are not accumulated (the final result repeats
		// them) but they let strategies react before the turn completes.
		u.seenInterimResults = true
		u.feedStrategies(f.Text)
		return nil
	}

	u.AppendToAggregation(f.Text)
	u.seenInterimResults = false
	u.feedStrategies(f.Text)

	select {
	case u.aggregationEvent <- struct{}{}:
	default:
	}

	if !u.userSpeaking {
		return u.pushAggregation()
	}
	return nil
}

// feedStrategyAudio hands decoded PCM to the strategies. Telephony frames
// carry mulaw/alaw; the strategies analyze linear PCM.
func (u *LLMUserAggregator) feedStrategyAudio(f *frames.AudioFrame) {
	codec, _ := f.Metadata()["codec"].(string)
	pcm, err := audio.DecodeToPCM(f.Data, codec)
	if err != nil {
		u.Logger().Warn("cannot decode audio for strategies: %v", err)
		return
	}
	data := audio.PCMToBytes(pcm)
	for _, strategy := range u.InterruptionStrategies() {
		if err := strategy.AppendAudio(data, f.SampleRate); err != nil {
			u.Logger().Error("strategy audio append error: %v", err)
		}
	}
}

func (u *LLMUserAggregator) feedStrategies(text string) {
	for _, strategy := range u.InterruptionStrategies() {
		if err := strategy.AppendText(text); err != nil {
			u.Logger().Error("strategy append error: %v", err)
		}
	}
}

// pushAggregation commits the turn, first arbitrating against the
// interruption strategies when the bot is mid-speech. Callers hold stateMu.
func (u *LLMUserAggregator) pushAggregation() error {
	if len(u.aggregation) == 0 {
		return nil
	}

	if u.botSpeaking && len(u.InterruptionStrategies()) > 0 {
		shouldInterrupt, err := u.shouldInterrupt()
		if err != nil {
			return err
		}

		if !shouldInterrupt {
			u.Logger().Debug("interruption conditions not met, discarding %q", u.AggregationString())
			return u.Reset()
		}

		u.Logger().Info("user interrupted bot speech")
		if err := u.PushInterruptionTaskFrame(); err != nil {
			return err
		}
	}

	return u.processAggregation()
}

// processAggregation moves the turn into the context and triggers the LLM.
func (u *LLMUserAggregator) processAggregation() error {
	text := u.AggregationString()
	u.Logger().Debug("committing user turn: %q", text)

	if err := u.Reset(); err != nil {
		return err
	}

	u.context.AddUserMessage(text)
	return u.PushContextFrame(frames.Downstream)
}

func (u *LLMUserAggregator) shouldInterrupt() (bool, error) {
	for _, strategy := range u.InterruptionStrategies() {
		interrupt, err := strategy.ShouldInterrupt()
		if err != nil {
			u.Logger().Error("strategy check error: %v", err)
			continue
		}
		if interrupt {
			for _, s := range u.InterruptionStrategies() {
				if err := s.Reset(); err != nil {
					u.Logger().Error("strategy reset error: %v", err)
				}
			}
			return true, nil
		}
	}
	return false, nil
}

// flushLoop flushes turns whose final transcription arrived after the user
// already stopped speaking.
func (u *LLMUserAggregator) flushLoop() {
	for {
		select {
		case <-u.aggregationCtx.Done():
			return

		case <-time.After(u.params.AggregationTimeout):
			u.stateMu.Lock()
			if !u.userSpeaking && len(u.aggregation) > 0 {
				u.Logger().Debug("aggregation timeout, flushing turn")
				if err := u.pushAggregation(); err != nil {
					u.Logger().Error("error flushing aggregation: %v", err)
				}
			}
			u.stateMu.Unlock()

		case <-u.aggregationEvent:
			// New transcription restarts the timeout window.
		}
	}
}

// Reset clears turn state in addition to the base aggregation buffer.
func (u *LLMUserAggregator) Reset() error {
	u.seenInterimResults = false
	return u.LLMContextAggregator.Reset()
}
