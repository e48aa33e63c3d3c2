package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
)

// TargetSampleRate is the only input rate the upstream realtime API accepts.
// Callers must resample before frames reach DecodeFrame.
const TargetSampleRate = 24000

const bytesPerSample = 2

var ErrMalformedFrame = errors.New("malformed audio frame")

// Verdict classifies a decoded frame.
type Verdict uint8

const (
	VerdictAccepted Verdict = iota
	VerdictSilent
	VerdictMalformed
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccepted:
		return "accepted"
	case VerdictSilent:
		return "silent"
	case VerdictMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Frame is the measurement of one inbound base64 PCM16LE mono chunk.
type Frame struct {
	Verdict       Verdict
	ByteLength    int
	SampleCount   int
	DurationMs    float64
	PeakAbsSample int
	IsEven        bool
	// Err is set only for VerdictMalformed and always wraps ErrMalformedFrame.
	Err error
}

// Forwardable reports whether the frame may be appended upstream.
func (f Frame) Forwardable() bool { return f.Verdict == VerdictAccepted }

// DecodeFrame validates and measures a base64-encoded PCM16LE mono chunk
// recorded at TargetSampleRate. It never returns an error: rejected input is
// reported through the Verdict.
func DecodeFrame(audioBase64 string) Frame {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return Frame{Verdict: VerdictMalformed, Err: fmt.Errorf("%w: base64: %v", ErrMalformedFrame, err)}
	}
	return MeasurePCM16(raw)
}

// MeasurePCM16 measures raw PCM16LE mono bytes.
func MeasurePCM16(raw []byte) Frame {
	f := Frame{
		ByteLength: len(raw),
		IsEven:     len(raw)%bytesPerSample == 0,
	}
	if !f.IsEven {
		f.Verdict = VerdictMalformed
		f.Err = fmt.Errorf("%w: odd byte length %d", ErrMalformedFrame, len(raw))
		return f
	}

	f.SampleCount = len(raw) / bytesPerSample
	f.DurationMs = float64(f.SampleCount) / TargetSampleRate * 1000

	peak := 0
	for i := 0; i+1 < len(raw); i += bytesPerSample {
		s := int(int16(binary.LittleEndian.Uint16(raw[i:])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	f.PeakAbsSample = peak
	if peak == 0 {
		f.Verdict = VerdictSilent
	} else {
		f.Verdict = VerdictAccepted
	}
	return f
}
