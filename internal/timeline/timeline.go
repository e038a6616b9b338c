// Package timeline computes the overlapping frame window shared by a set of
// video sources placed on a common master timeline.
//
// The master timeline is anchored to the first source: its local frame 0 is
// master frame 0. Every other source is positioned by a signed frame offset,
// meaning its local frame 0 sits at master frame `offset`. Reconciliation is
// closed-form arithmetic over frame counts and offsets; no media is touched.
package timeline

import "fmt"

// Window is an inclusive frame range on the master timeline.
type Window struct {
	Start int64
	End   int64
}

// Frames returns the number of frames covered by the window.
func (w Window) Frames() int64 {
	return w.End - w.Start + 1
}

// Bounds is an optional operator-requested trim range, in master-timeline
// frame units.
type Bounds struct {
	Start int64
	End   int64
}

// TrimPlan is the window translated into one source's local frame numbering.
type TrimPlan struct {
	LocalStart int64
	LocalEnd   int64
}

// Frames returns the number of frames covered by the plan.
func (p TrimPlan) Frames() int64 {
	return p.LocalEnd - p.LocalStart + 1
}

// EmptyOverlapError reports that no common frame window exists for the given
// counts, offsets and trim bounds. Start and End hold the degenerate range
// that reconciliation arrived at.
type EmptyOverlapError struct {
	Start int64
	End   int64
}

func (e *EmptyOverlapError) Error() string {
	return fmt.Sprintf("no overlapping frames: reconciled window [%d, %d] is empty", e.Start, e.End)
}

// Reconcile computes the tightest master-timeline window for which every
// source has a decodable frame.
//
// frameCounts and offsets are index-aligned; index 0 anchors the master
// timeline and its offset is conventionally (not necessarily) zero. A source
// with count c and offset o covers master frames [-o, c-1-o]. The window
// starts as the master source's own extent and is intersected with every
// other source's coverage, then clamped to the user bounds when given.
//
// A window of fewer than two frames is rejected with *EmptyOverlapError.
func Reconcile(frameCounts []int64, offsets []int64, user *Bounds) (Window, error) {
	if len(frameCounts) == 0 {
		return Window{}, fmt.Errorf("reconcile: no sources")
	}
	if len(frameCounts) != len(offsets) {
		return Window{}, fmt.Errorf("reconcile: %d frame counts but %d offsets", len(frameCounts), len(offsets))
	}
	for i, c := range frameCounts {
		if c <= 0 {
			return Window{}, fmt.Errorf("reconcile: source %d has non-positive frame count %d", i, c)
		}
	}

	start := int64(0)
	end := frameCounts[0] - 1

	for i := 1; i < len(frameCounts); i++ {
		o := offsets[i]
		if s := -o; s > start {
			start = s
		}
		if e := frameCounts[i] - 1 - o; e < end {
			end = e
		}
	}

	if user != nil {
		if user.Start > start {
			start = user.Start
		}
		if user.End < end {
			end = user.End
		}
	}

	if start >= end {
		return Window{}, &EmptyOverlapError{Start: start, End: end}
	}
	return Window{Start: start, End: end}, nil
}

// PlanFor translates the window into one source's local frame range.
func PlanFor(w Window, offset int64) TrimPlan {
	return TrimPlan{
		LocalStart: w.Start + offset,
		LocalEnd:   w.End + offset,
	}
}
