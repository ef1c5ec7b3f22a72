package frames

import "github.com/square-key-labs/twilio-voice-agent/src/interruptions"

// SystemFrame is the base for frames that must not wait behind queued data
// (lifecycle, interruptions, errors).
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

// StartFrame signals the beginning of pipeline execution. It carries the
// interruption configuration every processor needs at startup; transports add
// call metadata (stream/call identifiers, sample rate, codec).
type StartFrame struct {
	*SystemFrame
	AllowInterruptions     bool
	InterruptionStrategies []interruptions.InterruptionStrategy

	hasInterruptionConfig bool
}

// NewStartFrame creates a metadata-only StartFrame, as produced when a
// transport protocol event is replayed into the pipeline. It carries no
// interruption settings, so processors keep whatever the task configured.
func NewStartFrame() *StartFrame {
	return &StartFrame{SystemFrame: newSystemFrame("StartFrame")}
}

// NewStartFrameWithConfig creates a StartFrame with explicit interruption settings.
func NewStartFrameWithConfig(allowInterruptions bool, strategies []interruptions.InterruptionStrategy) *StartFrame {
	return &StartFrame{
		SystemFrame:            newSystemFrame("StartFrame"),
		AllowInterruptions:     allowInterruptions,
		InterruptionStrategies: strategies,
		hasInterruptionConfig:  true,
	}
}

// HasInterruptionConfig reports whether this frame carries interruption
// settings or is metadata-only.
func (f *StartFrame) HasInterruptionConfig() bool {
	return f.hasInterruptionConfig
}

// EndFrame requests graceful shutdown after in-flight frames are flushed.
type EndFrame struct {
	*SystemFrame
}

func NewEndFrame() *EndFrame {
	return &EndFrame{SystemFrame: newSystemFrame("EndFrame")}
}

// CancelFrame requests immediate shutdown without flushing.
type CancelFrame struct {
	*SystemFrame
}

func NewCancelFrame() *CancelFrame {
	return &CancelFrame{SystemFrame: newSystemFrame("CancelFrame")}
}

// InterruptionFrame is broadcast downstream by the task when the user
// interrupts bot speech. Processors drop pending bot output when they see it.
type InterruptionFrame struct {
	*SystemFrame
}

func NewInterruptionFrame() *InterruptionFrame {
	return &InterruptionFrame{SystemFrame: newSystemFrame("InterruptionFrame")}
}

// InterruptionTaskFrame travels upstream to the task, which converts it into
// a downstream InterruptionFrame so every processor sees the interruption.
type InterruptionTaskFrame struct {
	*SystemFrame
}

func NewInterruptionTaskFrame() *InterruptionTaskFrame {
	return &InterruptionTaskFrame{SystemFrame: newSystemFrame("InterruptionTaskFrame")}
}

// ErrorFrame carries an error toward the task.
type ErrorFrame struct {
	*SystemFrame
	Error error
}

func NewErrorFrame(err error) *ErrorFrame {
	return &ErrorFrame{
		SystemFrame: newSystemFrame("ErrorFrame"),
		Error:       err,
	}
}

// UserStartedSpeakingFrame signals that VAD detected user speech.
type UserStartedSpeakingFrame struct {
	*SystemFrame
}

func NewUserStartedSpeakingFrame() *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{SystemFrame: newSystemFrame("UserStartedSpeakingFrame")}
}

// UserStoppedSpeakingFrame signals that VAD detected the end of user speech.
type UserStoppedSpeakingFrame struct {
	*SystemFrame
}

func NewUserStoppedSpeakingFrame() *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{SystemFrame: newSystemFrame("UserStoppedSpeakingFrame")}
}

func newSystemFrame(name string) *SystemFrame {
	return &SystemFrame{BaseFrame: NewBaseFrame(name)}
}
