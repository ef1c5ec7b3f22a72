package serializers

import (
	"github.com/square-key-labs/twilio-voice-agent/src/frames"
)

// SerializerType tells the transport which WebSocket message type to use.
type SerializerType string

const (
	SerializerTypeBinary SerializerType = "binary"
	SerializerTypeText   SerializerType = "text"
)

// FrameSerializer translates between pipeline frames and a provider's wire
// format. Serialize may return nil data for frames the protocol has no
// representation for; Deserialize may return a nil frame for protocol events
// the pipeline does not care about.
type FrameSerializer interface {
	// Type returns the wire format (text for JSON protocols, binary for raw audio).
	Type() SerializerType

	// Setup configures the serializer from the pipeline StartFrame.
	Setup(frame frames.Frame) error

	// Serialize converts a frame to wire data (string or []byte).
	Serialize(frame frames.Frame) (interface{}, error)

	// Deserialize converts wire data (string or []byte) to a frame.
	Deserialize(data interface{}) (frames.Frame, error)

	// Cleanup releases serializer resources.
	Cleanup() error
}
