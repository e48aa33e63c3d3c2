package audio

import (
	"encoding/binary"
	"fmt"
)

// ResamplePCM16 converts PCM16LE mono audio between sample rates using linear
// interpolation.
func ResamplePCM16(input []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: from=%d, to=%d", fromRate, toRate)
	}
	if len(input)%bytesPerSample != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedFrame, len(input))
	}
	if fromRate == toRate {
		return append([]byte(nil), input...), nil
	}

	in := len(input) / bytesPerSample
	n := int(float64(in) * float64(toRate) / float64(fromRate))
	if in == 0 || n == 0 {
		return []byte{}, nil
	}

	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(input[i*bytesPerSample:])))
	}
	ratio := float64(fromRate) / float64(toRate)
	out := make([]byte, n*bytesPerSample)
	for i := 0; i < n; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		var v float64
		if idx >= in-1 {
			v = sample(in - 1)
		} else {
			s0, s1 := sample(idx), sample(idx+1)
			v = s0 + (pos-float64(idx))*(s1-s0)
		}
		binary.LittleEndian.PutUint16(out[i*bytesPerSample:], uint16(int16(v)))
	}
	return out, nil
}
