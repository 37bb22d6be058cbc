package vision

import "image"

// LineSegments counts long horizontal and vertical strokes of a binary image.
// A stroke is a component that survives a directional opening with a kernel of
// minLen pixels.
func LineSegments(bin *image.Gray, minLen int) (horizontal, vertical int) {
	if minLen < 2 {
		minLen = 2
	}
	h, _ := Components(Open(bin, Rect(minLen, 1)))
	v, _ := Components(Open(bin, Rect(1, minLen)))
	return len(h), len(v)
}

// GridLines estimates the number of table rules in each direction. It takes
// the larger of the segment count and the number of peaks in the smoothed
// projection profile, and never reports fewer than two.
func GridLines(bin *image.Gray) (horizontal, vertical int) {
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	if w == 0 || h == 0 {
		return 2, 2
	}
	hs, vs := LineSegments(bin, max(10, w/10))
	_, vs2 := LineSegments(bin, max(10, h/10))
	vs = max(vs, vs2)

	rows := make([]float64, h)
	cols := make([]float64, w)
	for y := range h {
		for x := range w {
			if bin.Pix[y*bin.Stride+x] >= 128 {
				rows[y]++
				cols[x]++
			}
		}
	}
	for i := range rows {
		rows[i] /= float64(w)
	}
	for i := range cols {
		cols[i] /= float64(h)
	}
	hp := profilePeaks(smooth(rows, 2), 0.5, max(3, h/100))
	vp := profilePeaks(smooth(cols, 2), 0.5, max(3, w/100))
	return max(hs, hp, 2), max(vs, vp, 2)
}

// smooth applies a moving average of radius r.
func smooth(p []float64, r int) []float64 {
	out := make([]float64, len(p))
	for i := range p {
		lo, hi := max(0, i-r), min(len(p), i+r+1)
		s := 0.0
		for _, v := range p[lo:hi] {
			s += v
		}
		out[i] = s / float64(hi-lo)
	}
	return out
}

// profilePeaks counts local maxima of p that reach minValue and are at least
// gap samples apart.
func profilePeaks(p []float64, minValue float64, gap int) int {
	count := 0
	last := -gap - 1
	for i := range p {
		if p[i] < minValue {
			continue
		}
		if i > 0 && p[i-1] > p[i] {
			continue
		}
		if i+1 < len(p) && p[i+1] > p[i] {
			continue
		}
		if i-last <= gap {
			continue
		}
		count++
		last = i
	}
	return count
}
