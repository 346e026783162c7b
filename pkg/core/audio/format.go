package audio

import (
	"math"
	"time"

	"github.com/vango-go/vai-converse/pkg/core/protocol"
)

// Format describes interleaved 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// WireFormat is the format every outgoing audio chunk uses.
var WireFormat = Format{SampleRate: protocol.AudioSampleRateHz, Channels: protocol.AudioChannels}

// SamplesFor returns the number of interleaved samples covering d.
func (f Format) SamplesFor(d time.Duration) int {
	return int(int64(f.SampleRate) * int64(f.Channels) * int64(d) / int64(time.Second))
}

// Duration returns the playback length of n interleaved samples.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	frames := n / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Resample converts interleaved samples in format from to mono at the wire
// rate. Channels are averaged, rates are linearly interpolated and the result
// is clamped to the signed 16-bit range.
func Resample(samples []int16, from Format) []int16 {
	channels := from.Channels
	if channels <= 0 {
		channels = 1
	}
	frames := len(samples) / channels
	if frames == 0 {
		return nil
	}
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(samples[i*channels+c])
		}
		mono[i] = sum / float64(channels)
	}

	if from.SampleRate <= 0 || from.SampleRate == WireFormat.SampleRate {
		return clampAll(mono)
	}

	ratio := float64(from.SampleRate) / float64(WireFormat.SampleRate)
	n := int(math.Floor(float64(frames) / ratio))
	if n == 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= frames-1 {
			out[i] = mono[frames-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = mono[j]*(1-frac) + mono[j+1]*frac
	}
	return clampAll(out)
}

func clampAll(in []float64) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		out[i] = clamp16(v)
	}
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
