// ABOUTME: Sample conversion helpers for 16-bit little-endian PCM
// ABOUTME: Used by the gain mixer and software volume scaling
package audio

import "encoding/binary"

// SampleAt reads the int16 sample starting at buf[i*2].
func SampleAt(buf []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(buf[i*2:]))
}

// PutSampleAt writes an int16 sample at buf[i*2].
func PutSampleAt(buf []byte, i int, s int16) {
	binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
}

// Clamp16 clamps a mixed value into the int16 range.
func Clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// ScaleSamples applies a gain multiplier in place to s16le PCM bytes.
func ScaleSamples(buf []byte, gain float64) {
	for i := 0; i < len(buf)/2; i++ {
		PutSampleAt(buf, i, Clamp16(float64(SampleAt(buf, i))*gain))
	}
}
