// ABOUTME: Crossfade gain curves applied during track boundary mixing
// ABOUTME: Equal-power keeps perceived loudness flat through the fade
package flow

import "math"

// Curve selects the gain shape used while crossfading.
type Curve string

const (
	CurveLinear     Curve = "linear"
	CurveEqualPower Curve = "equal_power"
)

// FadeIn returns the incoming track's gain at progress in [0,1].
func (c Curve) FadeIn(progress float64) float64 {
	if progress <= 0 {
		return 0
	}
	if progress >= 1 {
		return 1
	}
	if c == CurveEqualPower {
		return math.Sin(progress * math.Pi / 2)
	}
	return progress
}

// FadeOut returns the outgoing track's gain at progress in [0,1].
func (c Curve) FadeOut(progress float64) float64 {
	if progress <= 0 {
		return 1
	}
	if progress >= 1 {
		return 0
	}
	if c == CurveEqualPower {
		return math.Cos(progress * math.Pi / 2)
	}
	return 1 - progress
}
