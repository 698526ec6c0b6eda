// ABOUTME: PCM audio format description and frame arithmetic
// ABOUTME: Shared by the flow builder, transcoder and player adapters
package audio

import "time"

// Format describes a PCM or encoded audio stream.
type Format struct {
	Codec      string
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultPCM is the engine's internal mixing format.
var DefaultPCM = Format{Codec: "pcm", SampleRate: 48000, Channels: 2, BitDepth: 16}

// FrameSize returns the size of one sample frame in bytes.
func (f Format) FrameSize() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the PCM byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameSize()
}

// BytesFor returns the byte count covering d, aligned down to a frame boundary.
func (f Format) BytesFor(d time.Duration) int64 {
	n := int64(f.BytesPerSecond()) * int64(d) / int64(time.Second)
	return n - n%int64(f.FrameSize())
}

// DurationFor returns the play time of n PCM bytes.
func (f Format) DurationFor(n int64) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(bps))
}

// Valid reports whether the format carries enough information for PCM math.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BitDepth > 0
}
