package entity

import "fmt"

// Rational is an exact frame rate as reported by the container, kept as a
// fraction so frame/time conversions do not accumulate rounding drift.
type Rational struct {
	Num int64
	Den int64
}

func (r Rational) Float() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Timestamp renders a frame count as seconds at this rate, truncated to
// microsecond precision. Pure integer num/den math, so NTSC-style rates
// convert without a float rounding step.
func (r Rational) Timestamp(frames int64) string {
	if r.Num <= 0 {
		return "0.000000"
	}
	us := frames * r.Den * 1_000_000 / r.Num
	return fmt.Sprintf("%d.%06d", us/1_000_000, us%1_000_000)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// SourceInfo describes one probed input container. Created once per export by
// the prober and read-only afterwards.
type SourceInfo struct {
	Path       string
	FrameRate  Rational
	FrameCount int64
	HasAudio   bool
	Width      int
	Height     int
}
