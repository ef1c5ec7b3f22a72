package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

// AudioConverterProcessor converts audio frames between codecs and sample
// rates. Twilio only speaks 8 kHz mulaw, so a converter is needed whenever a
// service in the pipeline wants linear PCM at a different rate.
type AudioConverterProcessor struct {
	*processors.BaseProcessor
	inputSampleRate  int
	inputCodec       string
	outputSampleRate int
	outputCodec      string
	log              *logger.Logger
}

// AudioConverterConfig holds conversion parameters. Codec names accept the
// common aliases ("ulaw"/"PCMU", "PCMA", "pcm").
type AudioConverterConfig struct {
	InputSampleRate  int
	InputCodec       string
	OutputSampleRate int
	OutputCodec      string
}

// NewAudioConverterProcessor creates an audio converter.
func NewAudioConverterProcessor(config AudioConverterConfig) *AudioConverterProcessor {
	p := &AudioConverterProcessor{
		inputSampleRate:  config.InputSampleRate,
		inputCodec:       NormalizeCodec(config.InputCodec),
		outputSampleRate: config.OutputSampleRate,
		outputCodec:      NormalizeCodec(config.OutputCodec),
		log:              logger.WithPrefix("converter"),
	}
	p.BaseProcessor = processors.NewBaseProcessor("AudioConverter", p)
	return p
}

func (p *AudioConverterProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	audioFrame, ok := frame.(*frames.AudioFrame)
	if !ok {
		return p.PushFrame(frame, direction)
	}

	converted, err := p.convert(audioFrame.Data, audioFrame.SampleRate)
	if err != nil {
		p.log.Error("conversion error: %v", err)
		return p.PushFrame(frames.NewErrorFrame(err), frames.Upstream)
	}

	newFrame := frames.NewAudioFrame(converted, p.outputSampleRate, audioFrame.Channels)
	for k, v := range audioFrame.Metadata() {
		newFrame.SetMetadata(k, v)
	}
	newFrame.SetMetadata("codec", p.outputCodec)

	return p.PushFrame(newFrame, direction)
}

func (p *AudioConverterProcessor) convert(data []byte, inputRate int) ([]byte, error) {
	pcm, err := DecodeToPCM(data, p.inputCodec)
	if err != nil {
		return nil, err
	}

	if inputRate != p.outputSampleRate {
		pcm = Resample(pcm, inputRate, p.outputSampleRate)
	}

	return EncodeFromPCM(pcm, p.outputCodec)
}

// NormalizeCodec maps codec aliases onto the internal canonical names.
func NormalizeCodec(codec string) string {
	switch codec {
	case "mulaw", "ulaw", "PCMU":
		return "mulaw"
	case "alaw", "PCMA":
		return "alaw"
	case "", "linear16", "pcm", "PCM":
		return "linear16"
	default:
		return codec
	}
}

// DecodeToPCM decodes codec-encoded audio to linear PCM samples.
func DecodeToPCM(data []byte, codec string) ([]int16, error) {
	switch NormalizeCodec(codec) {
	case "mulaw":
		return MulawToPCM(data), nil
	case "alaw":
		return AlawToPCM(data), nil
	case "linear16":
		return BytesToPCM(data)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

// EncodeFromPCM encodes linear PCM samples into the given codec.
func EncodeFromPCM(pcm []int16, codec string) ([]byte, error) {
	switch NormalizeCodec(codec) {
	case "mulaw":
		return PCMToMulaw(pcm), nil
	case "alaw":
		return PCMToAlaw(pcm), nil
	case "linear16":
		return PCMToBytes(pcm), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", codec)
	}
}

// MulawToPCM converts mulaw audio to linear PCM.
func MulawToPCM(mulaw []byte) []int16 {
	pcm := make([]int16, len(mulaw))
	for i, val := range mulaw {
		pcm[i] = mulawDecodeTable[val]
	}
	return pcm
}

// PCMToMulaw converts linear PCM to mulaw.
func PCMToMulaw(pcm []int16) []byte {
	mulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		mulaw[i] = mulawEncode(val)
	}
	return mulaw
}

// AlawToPCM converts A-law audio to linear PCM.
func AlawToPCM(alaw []byte) []int16 {
	pcm := make([]int16, len(alaw))
	for i, val := range alaw {
		pcm[i] = alawDecodeTable[val]
	}
	return pcm
}

// PCMToAlaw converts linear PCM to A-law.
func PCMToAlaw(pcm []int16) []byte {
	alaw := make([]byte, len(pcm))
	for i, val := range pcm {
		alaw[i] = alawEncode(val)
	}
	return alaw
}

// BytesToPCM reinterprets little-endian bytes as PCM samples.
func BytesToPCM(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("invalid PCM data length: %d", len(data))
	}
	pcm := make([]int16, len(data)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return pcm, nil
}

// PCMToBytes serializes PCM samples as little-endian bytes.
func PCMToBytes(pcm []int16) []byte {
	data := make([]byte, len(pcm)*2)
	for i, val := range pcm {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(val))
	}
	return data
}

// Resample converts between sample rates with linear interpolation. Good
// enough for telephony speech; not suitable for music.
func Resample(input []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || len(input) == 0 {
		return input
	}

	ratio := float64(inputRate) / float64(outputRate)
	outputLen := int(float64(len(input)) / ratio)
	output := make([]int16, outputLen)

	for i := 0; i < outputLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 < len(input) {
			sample1 := float64(input[srcIdx])
			sample2 := float64(input[srcIdx+1])
			output[i] = int16(sample1 + (sample2-sample1)*frac)
		} else if srcIdx < len(input) {
			output[i] = input[srcIdx]
		}
	}

	return output
}

// RMS computes the root-mean-square level of PCM samples, normalized to
// [0.0, 1.0].
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sumSquares float64
	for _, sample := range pcm {
		normalized := float64(sample) / 32768.0
		sumSquares += normalized * normalized
	}
	return math.Sqrt(sumSquares / float64(len(pcm)))
}

const (
	mulawBias = 0x84
	mulawClip = 32635
	alawClip  = 32767
)

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

func mulawEncode(pcm int16) byte {
	sample := int(pcm)
	sign := 0
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	// Segment is the position of the highest set bit above the bias; the
	// mantissa is the four bits below it.
	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F

	return byte(^(sign | exponent<<4 | mantissa))
}

var alawDecodeTable = [256]int16{
	-5504, -5248, -6016, -5760, -4480, -4224, -4992, -4736,
	-7552, -7296, -8064, -7808, -6528, -6272, -7040, -6784,
	-2752, -2624, -3008, -2880, -2240, -2112, -2496, -2368,
	-3776, -3648, -4032, -3904, -3264, -3136, -3520, -3392,
	-22016, -20992, -24064, -23040, -17920, -16896, -19968, -18944,
	-30208, -29184, -32256, -31232, -26112, -25088, -28160, -27136,
	-11008, -10496, -12032, -11520, -8960, -8448, -9984, -9472,
	-15104, -14592, -16128, -15616, -13056, -12544, -14080, -13568,
	-344, -328, -376, -360, -280, -264, -312, -296,
	-472, -456, -504, -488, -408, -392, -440, -424,
	-88, -72, -120, -104, -24, -8, -56, -40,
	-216, -200, -248, -232, -152, -136, -184, -168,
	-1376, -1312, -1504, -1440, -1120, -1056, -1248, -1184,
	-1888, -1824, -2016, -1952, -1632, -1568, -1760, -1696,
	-688, -656, -752, -720, -560, -528, -624, -592,
	-944, -912, -1008, -976, -816, -784, -880, -848,
	5504, 5248, 6016, 5760, 4480, 4224, 4992, 4736,
	7552, 7296, 8064, 7808, 6528, 6272, 7040, 6784,
	2752, 2624, 3008, 2880, 2240, 2112, 2496, 2368,
	3776, 3648, 4032, 3904, 3264, 3136, 3520, 3392,
	22016, 20992, 24064, 23040, 17920, 16896, 19968, 18944,
	30208, 29184, 32256, 31232, 26112, 25088, 28160, 27136,
	11008, 10496, 12032, 11520, 8960, 8448, 9984, 9472,
	15104, 14592, 16128, 15616, 13056, 12544, 14080, 13568,
	344, 328, 376, 360, 280, 264, 312, 296,
	472, 456, 504, 488, 408, 392, 440, 424,
	88, 72, 120, 104, 24, 8, 56, 40,
	216, 200, 248, 232, 152, 136, 184, 168,
	1376, 1312, 1504, 1440, 1120, 1056, 1248, 1184,
	1888, 1824, 2016, 1952, 1632, 1568, 1760, 1696,
	688, 656, 752, 720, 560, 528, 624, 592,
	944, 912, 1008, 976, 816, 784, 880, 848,
}

func alawEncode(pcm int16) byte {
	sample := int(pcm)
	sign := 0xD5
	if sample < 0 {
		sign = 0x55
		sample = -sample - 1
	}
	if sample > alawClip {
		sample = alawClip
	}

	// Segment 0 is linear; above 256 the code is exponent plus the four
	// mantissa bits under the leading bit, even bits inverted per G.711.
	if sample < 256 {
		return byte(sample>>4) ^ byte(sign)
	}

	exponent := 7
	for mask := 0x4000; sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F

	return byte(exponent<<4|mantissa) ^ byte(sign)
}
