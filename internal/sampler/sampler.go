// Package sampler thins long animations down to a frame budget while keeping
// their total running time.
package sampler

import "github.com/aliskhannn/gifmark/internal/model"

// Sample returns at most maxFrames frames picked at evenly spaced indices.
//
// The first and last frames are always kept. Each kept frame takes over the
// delays of the dropped frames that follow it, so the summed delay of the
// result equals that of the input. maxFrames <= 0 or a short enough input
// returns frames unchanged. Pixel buffers are shared with the input.
func Sample(frames []model.Frame, maxFrames int) []model.Frame {
	n := len(frames)
	if maxFrames <= 0 || n <= maxFrames {
		return frames
	}

	if maxFrames == 1 {
		f := frames[0]
		f.Delay = totalDelay(frames)
		return []model.Frame{f}
	}

	idx := Indices(n, maxFrames)
	out := make([]model.Frame, len(idx))
	for k, i := range idx {
		end := n
		if k+1 < len(idx) {
			end = idx[k+1]
		}

		f := frames[i]
		f.Delay = totalDelay(frames[i:end])
		out[k] = f
	}

	return out
}

// Indices returns m strictly increasing indices into a sequence of length n,
// round(k*(n-1)/(m-1)) for k in [0, m). It requires 2 <= m <= n.
func Indices(n, m int) []int {
	idx := make([]int, m)
	span, steps := n-1, m-1
	for k := range idx {
		// round half up in integers
		idx[k] = (2*k*span + steps) / (2 * steps)
	}
	return idx
}

func totalDelay(frames []model.Frame) int {
	total := 0
	for _, f := range frames {
		total += f.Delay
	}
	return total
}
