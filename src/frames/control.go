package frames

// ControlFrame is the base for ordered lifecycle markers that flow with the
// data stream (response boundaries, synthesis state).
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

// LLMFullResponseStartFrame marks the beginning of a streamed LLM response.
type LLMFullResponseStartFrame struct {
	*ControlFrame
}

func NewLLMFullResponseStartFrame() *LLMFullResponseStartFrame {
	return &LLMFullResponseStartFrame{ControlFrame: newControlFrame("LLMFullResponseStartFrame")}
}

// LLMFullResponseEndFrame marks the end of a streamed LLM response.
type LLMFullResponseEndFrame struct {
	*ControlFrame
}

func NewLLMFullResponseEndFrame() *LLMFullResponseEndFrame {
	return &LLMFullResponseEndFrame{ControlFrame: newControlFrame("LLMFullResponseEndFrame")}
}

// TTSStartedFrame marks the beginning of speech synthesis. The user
// aggregator uses it to track when the bot is audible.
type TTSStartedFrame struct {
	*ControlFrame
}

func NewTTSStartedFrame() *TTSStartedFrame {
	return &TTSStartedFrame{ControlFrame: newControlFrame("TTSStartedFrame")}
}

// TTSStoppedFrame marks the end of speech synthesis.
type TTSStoppedFrame struct {
	*ControlFrame
}

func NewTTSStoppedFrame() *TTSStoppedFrame {
	return &TTSStoppedFrame{ControlFrame: newControlFrame("TTSStoppedFrame")}
}

// HeartbeatFrame is emitted periodically for pipeline health monitoring.
type HeartbeatFrame struct {
	*ControlFrame
}

func NewHeartbeatFrame() *HeartbeatFrame {
	return &HeartbeatFrame{ControlFrame: newControlFrame("HeartbeatFrame")}
}

func newControlFrame(name string) *ControlFrame {
	return &ControlFrame{BaseFrame: NewBaseFrame(name)}
}
