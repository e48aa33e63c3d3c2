package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pcmOf(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestDecodeFrameMeasuresNonSilentAudio(t *testing.T) {
	raw := make([]byte, 24000*2)
	copy(raw, pcmOf(12, -900, 300))

	f := DecodeFrame(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, f.Err)
	assert.Equal(t, VerdictAccepted, f.Verdict)
	assert.True(t, f.Forwardable())
	assert.Equal(t, 48000, f.ByteLength)
	assert.Equal(t, 24000, f.SampleCount)
	assert.InDelta(t, 1000.0, f.DurationMs, 1e-9)
	assert.Equal(t, 900, f.PeakAbsSample)
	assert.True(t, f.IsEven)
}

func TestDecodeFramePeakHandlesMinInt16(t *testing.T) {
	f := MeasurePCM16(pcmOf(-32768, 5))
	assert.Equal(t, 32768, f.PeakAbsSample)
	assert.Equal(t, VerdictAccepted, f.Verdict)
}

func TestDecodeFrameRejectsOddLengths(t *testing.T) {
	for _, n := range []int{1, 3, 101, 4801} {
		raw := make([]byte, n)
		for i := range raw {
			raw[i] = 0x7f
		}
		f := DecodeFrame(base64.StdEncoding.EncodeToString(raw))
		assert.Equal(t, VerdictMalformed, f.Verdict, "len=%d", n)
		assert.False(t, f.Forwardable())
		assert.False(t, f.IsEven)
		assert.True(t, errors.Is(f.Err, ErrMalformedFrame))
	}
}

func TestDecodeFrameRejectsInvalidBase64(t *testing.T) {
	f := DecodeFrame("%%%not-base64")
	assert.Equal(t, VerdictMalformed, f.Verdict)
	assert.ErrorIs(t, f.Err, ErrMalformedFrame)
}

func TestDecodeFrameClassifiesZeroBuffersAsSilent(t *testing.T) {
	for _, n := range []int{0, 2, 480, 48000} {
		f := DecodeFrame(base64.StdEncoding.EncodeToString(make([]byte, n)))
		assert.Equal(t, VerdictSilent, f.Verdict, "len=%d", n)
		assert.Equal(t, 0, f.PeakAbsSample)
		assert.False(t, f.Forwardable())
		assert.NoError(t, f.Err)
	}
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "accepted", VerdictAccepted.String())
	assert.Equal(t, "silent", VerdictSilent.String())
	assert.Equal(t, "malformed", VerdictMalformed.String())
}
