package serializers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
)

// Twilio Media Streams deliver and accept 8 kHz mono mulaw.
const (
	TwilioSampleRate = 8000
	TwilioChannels   = 1
)

// TwilioFrameSerializer implements the Twilio Media Streams WebSocket
// protocol: JSON events carrying base64 mulaw payloads on a bidirectional
// stream.
type TwilioFrameSerializer struct {
	streamSid        string
	callSid          string
	accountSid       string
	customParameters map[string]string
}

type twilioMessage struct {
	Event     string                 `json:"event"`
	StreamSid string                 `json:"streamSid,omitempty"`
	Media     *twilioMedia           `json:"media,omitempty"`
	Start     *twilioStart           `json:"start,omitempty"`
	Mark      *twilioMark            `json:"mark,omitempty"`
	Stop      map[string]interface{} `json:"stop,omitempty"`
}

type twilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // base64-encoded mulaw audio
}

type twilioStart struct {
	StreamSid        string                 `json:"streamSid"`
	CallSid          string                 `json:"callSid"`
	AccountSid       string                 `json:"accountSid"`
	Tracks           []string               `json:"tracks"`
	MediaFormat      map[string]interface{} `json:"mediaFormat"`
	CustomParameters map[string]string      `json:"customParameters,omitempty"`
}

type twilioMark struct {
	Name string `json:"name"`
}

// NewTwilioFrameSerializer creates a serializer. The SIDs may be empty; they
// are refreshed from the stream's start event.
func NewTwilioFrameSerializer(streamSid, callSid string) *TwilioFrameSerializer {
	return &TwilioFrameSerializer{
		streamSid: streamSid,
		callSid:   callSid,
	}
}

// Type returns text: Twilio messages are JSON.
func (s *TwilioFrameSerializer) Type() SerializerType {
	return SerializerTypeText
}

// Setup refreshes the SIDs from StartFrame metadata when present.
func (s *TwilioFrameSerializer) Setup(frame frames.Frame) error {
	meta := frame.Metadata()
	if meta == nil {
		return nil
	}
	if sid, ok := meta["streamSid"].(string); ok && sid != "" {
		s.streamSid = sid
	}
	if sid, ok := meta["callSid"].(string); ok && sid != "" {
		s.callSid = sid
	}
	return nil
}

// Serialize converts outbound frames to Twilio JSON messages.
func (s *TwilioFrameSerializer) Serialize(frame frames.Frame) (interface{}, error) {
	switch f := frame.(type) {
	case *frames.TTSAudioFrame:
		return s.mediaMessage(f.Data)

	case *frames.AudioFrame:
		return s.mediaMessage(f.Data)

	case *frames.InterruptionFrame:
		// clear tells Twilio to discard buffered playback immediately.
		return s.marshal(twilioMessage{
			Event:     "clear",
			StreamSid: s.streamSid,
		})

	case *frames.TTSStoppedFrame:
		// A mark after the last media message lets Twilio report playback
		// completion for the utterance.
		return s.marshal(twilioMessage{
			Event:     "mark",
			StreamSid: s.streamSid,
			Mark:      &twilioMark{Name: fmt.Sprintf("utterance-%d", f.ID())},
		})

	default:
		// No wire representation.
		return nil, nil
	}
}

func (s *TwilioFrameSerializer) mediaMessage(audio []byte) (interface{}, error) {
	return s.marshal(twilioMessage{
		Event:     "media",
		StreamSid: s.streamSid,
		Media: &twilioMedia{
			Payload: base64.StdEncoding.EncodeToString(audio),
		},
	})
}

func (s *TwilioFrameSerializer) marshal(msg twilioMessage) (interface{}, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal Twilio %s message: %w", msg.Event, err)
	}
	return string(data), nil
}

// Deserialize converts Twilio JSON messages to frames. Unknown events and
// synchronization marks yield a nil frame.
func (s *TwilioFrameSerializer) Deserialize(data interface{}) (frames.Frame, error) {
	var jsonData string
	switch d := data.(type) {
	case string:
		jsonData = d
	case []byte:
		jsonData = string(d)
	default:
		return nil, fmt.Errorf("expected string or []byte, got %T", data)
	}

	var msg twilioMessage
	if err := json.Unmarshal([]byte(jsonData), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Twilio message: %w", err)
	}

	switch msg.Event {
	case "start":
		if msg.Start != nil {
			s.streamSid = msg.Start.StreamSid
			s.callSid = msg.Start.CallSid
			s.accountSid = msg.Start.AccountSid
			s.customParameters = msg.Start.CustomParameters
		}

		startFrame := frames.NewStartFrame()
		startFrame.SetMetadata("streamSid", s.streamSid)
		startFrame.SetMetadata("callSid", s.callSid)
		startFrame.SetMetadata("accountSid", s.accountSid)
		startFrame.SetMetadata("sampleRate", TwilioSampleRate)
		startFrame.SetMetadata("codec", "mulaw")
		if len(s.customParameters) > 0 {
			startFrame.SetMetadata("customParameters", s.customParameters)
		}
		return startFrame, nil

	case "media":
		if msg.Media == nil {
			return nil, fmt.Errorf("media event missing media data")
		}

		audioData, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}

		audioFrame := frames.NewAudioFrame(audioData, TwilioSampleRate, TwilioChannels)
		audioFrame.SetMetadata("codec", "mulaw")
		audioFrame.SetMetadata("streamSid", s.streamSid)
		return audioFrame, nil

	case "stop":
		endFrame := frames.NewEndFrame()
		endFrame.SetMetadata("streamSid", s.streamSid)
		return endFrame, nil

	case "connected", "mark":
		return nil, nil

	default:
		return nil, nil
	}
}

// Cleanup releases resources (none held).
func (s *TwilioFrameSerializer) Cleanup() error {
	return nil
}

// GetStreamSid returns the stream SID from the most recent start event.
func (s *TwilioFrameSerializer) GetStreamSid() string {
	return s.streamSid
}

// GetCallSid returns the call SID from the most recent start event.
func (s *TwilioFrameSerializer) GetCallSid() string {
	return s.callSid
}

// GetCustomParameters returns the TwiML <Parameter> values from the start event.
func (s *TwilioFrameSerializer) GetCustomParameters() map[string]string {
	return s.customParameters
}
