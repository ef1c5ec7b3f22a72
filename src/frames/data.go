package frames

import "fmt"

// DataFrame is the base for ordered media and text payloads.
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

// AudioFrame carries raw input audio. Data encoding depends on the transport;
// Twilio delivers 8 kHz mono mulaw.
type AudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewAudioFrame(data []byte, sampleRate, channels int) *AudioFrame {
	return &AudioFrame{
		DataFrame:  newDataFrame("AudioFrame"),
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func (f *AudioFrame) String() string {
	return fmt.Sprintf("AudioFrame[id=%d, bytes=%d, rate=%d]", f.ID(), len(f.Data), f.SampleRate)
}

// TTSAudioFrame carries synthesized bot audio headed for the transport output.
// Kept distinct from AudioFrame so input processors never re-analyze bot speech.
type TTSAudioFrame struct {
	*DataFrame
	Data       []byte
	SampleRate int
	Channels   int
}

func NewTTSAudioFrame(data []byte, sampleRate, channels int) *TTSAudioFrame {
	return &TTSAudioFrame{
		DataFrame:  newDataFrame("TTSAudioFrame"),
		Data:       data,
		SampleRate: sampleRate,
		Channels:   channels,
	}
}

func (f *TTSAudioFrame) String() string {
	return fmt.Sprintf("TTSAudioFrame[id=%d, bytes=%d, rate=%d]", f.ID(), len(f.Data), f.SampleRate)
}

// TextFrame carries a chunk of text, typically streamed LLM output on its way
// to TTS.
type TextFrame struct {
	*DataFrame
	Text string
}

func NewTextFrame(text string) *TextFrame {
	return &TextFrame{
		DataFrame: newDataFrame("TextFrame"),
		Text:      text,
	}
}

func (f *TextFrame) String() string {
	return fmt.Sprintf("TextFrame[id=%d, text=%q]", f.ID(), f.Text)
}

// LLMTextFrame carries a raw LLM token chunk before any downstream processing.
type LLMTextFrame struct {
	*DataFrame
	Text string
}

func NewLLMTextFrame(text string) *LLMTextFrame {
	return &LLMTextFrame{
		DataFrame: newDataFrame("LLMTextFrame"),
		Text:      text,
	}
}

// TranscriptionFrame carries STT output. Interim results update interruption
// state but never reach the conversation context; only final results do.
type TranscriptionFrame struct {
	*DataFrame
	Text    string
	IsFinal bool
}

func NewTranscriptionFrame(text string, isFinal bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		DataFrame: newDataFrame("TranscriptionFrame"),
		Text:      text,
		IsFinal:   isFinal,
	}
}

func (f *TranscriptionFrame) String() string {
	return fmt.Sprintf("TranscriptionFrame[id=%d, final=%v, text=%q]", f.ID(), f.IsFinal, f.Text)
}

// LLMContextFrame asks the LLM service to run a completion over the given
// conversation context. Context is stored untyped to keep this package free
// of service dependencies; services assert to their context type.
type LLMContextFrame struct {
	*DataFrame
	Context interface{}
}

func NewLLMContextFrame(context interface{}) *LLMContextFrame {
	return &LLMContextFrame{
		DataFrame: newDataFrame("LLMContextFrame"),
		Context:   context,
	}
}

// LLMMessagesAppendFrame appends messages to the conversation context. When
// RunLLM is set the aggregator triggers a completion afterwards.
type LLMMessagesAppendFrame struct {
	*DataFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesAppendFrame(messages interface{}, runLLM bool) *LLMMessagesAppendFrame {
	return &LLMMessagesAppendFrame{
		DataFrame: newDataFrame("LLMMessagesAppendFrame"),
		Messages:  messages,
		RunLLM:    runLLM,
	}
}

// LLMMessagesUpdateFrame replaces the conversation context messages wholesale.
type LLMMessagesUpdateFrame struct {
	*DataFrame
	Messages interface{}
	RunLLM   bool
}

func NewLLMMessagesUpdateFrame(messages interface{}, runLLM bool) *LLMMessagesUpdateFrame {
	return &LLMMessagesUpdateFrame{
		DataFrame: newDataFrame("LLMMessagesUpdateFrame"),
		Messages:  messages,
		RunLLM:    runLLM,
	}
}

func newDataFrame(name string) *DataFrame {
	return &DataFrame{BaseFrame: NewBaseFrame(name)}
}
