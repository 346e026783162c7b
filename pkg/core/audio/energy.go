package audio

import (
	"encoding/binary"
	"math"
)

// RMS computes the root-mean-square energy of samples, normalized to 0..1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		n := float64(s) / 32768.0
		sum += n * n
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// Peak returns the maximum absolute amplitude of samples, normalized to 0..1.
func Peak(samples []int16) float64 {
	var maxAbs float64
	for _, s := range samples {
		// float64 so that negating -32768 cannot overflow
		if abs := math.Abs(float64(s)); abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// DecodePCM16 converts 16-bit signed little-endian PCM to samples. A trailing
// odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodePCM16 converts samples to 16-bit signed little-endian PCM.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
