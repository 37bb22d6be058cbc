package vision

import (
	"image"
	"math"
)

// Quad holds the corners of a quadrilateral in top-left, top-right,
// bottom-right, bottom-left order.
type Quad [4]Point

// OrderCorners orders four points: top-left has the smallest x+y, bottom-right
// the largest, top-right the smallest y-x and bottom-left the largest.
func OrderCorners(pts []Point) Quad {
	var q Quad
	if len(pts) < 4 {
		return q
	}
	minSum, maxSum := math.Inf(1), math.Inf(-1)
	minDiff, maxDiff := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		s, d := p.X+p.Y, p.Y-p.X
		if s < minSum {
			minSum, q[0] = s, p
		}
		if s > maxSum {
			maxSum, q[2] = s, p
		}
		if d < minDiff {
			minDiff, q[1] = d, p
		}
		if d > maxDiff {
			maxDiff, q[3] = d, p
		}
	}
	return q
}

// TargetSize returns the output rectangle size for q: the longer of each pair
// of opposite edges.
func (q Quad) TargetSize() (int, int) {
	dist := func(a, b Point) float64 { return math.Hypot(a.X-b.X, a.Y-b.Y) }
	w := math.Max(dist(q[0], q[1]), dist(q[3], q[2]))
	h := math.Max(dist(q[0], q[3]), dist(q[1], q[2]))
	return int(math.Round(w)), int(math.Round(h))
}

// WarpQuad maps the quadrilateral q of g onto a w x h rectangle with bilinear
// sampling. It returns false when the homography is degenerate.
func WarpQuad(g *image.Gray, q Quad, w, h int) (*image.Gray, bool) {
	if w <= 0 || h <= 0 {
		return nil, false
	}
	dst := Quad{{0, 0}, {float64(w - 1), 0}, {float64(w - 1), float64(h - 1)}, {0, float64(h - 1)}}
	// map destination pixels back into the source
	hm, ok := homography(dst, q)
	if !ok {
		return nil, false
	}
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			sx, sy := project(hm, float64(x), float64(y))
			out.Pix[y*out.Stride+x] = bilinear(g, sx, sy)
		}
	}
	return out, true
}

// homography solves for H with H·src[i] ~ dst[i] and h22 fixed at 1.
func homography(src, dst Quad) ([9]float64, bool) {
	var m [8][9]float64
	for i := range 4 {
		X, Y := src[i].X, src[i].Y
		x, y := dst[i].X, dst[i].Y
		m[2*i] = [9]float64{X, Y, 1, 0, 0, 0, -X * x, -Y * x, x}
		m[2*i+1] = [9]float64{0, 0, 0, X, Y, 1, -X * y, -Y * y, y}
	}
	for col := range 8 {
		pivot := col
		for r := col + 1; r < 8; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-12 {
			return [9]float64{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		div := m[col][col]
		for c := col; c < 9; c++ {
			m[col][c] /= div
		}
		for r := range 8 {
			if r == col || m[r][col] == 0 {
				continue
			}
			f := m[r][col]
			for c := col; c < 9; c++ {
				m[r][c] -= f * m[col][c]
			}
		}
	}
	var h [9]float64
	for i := range 8 {
		h[i] = m[i][8]
	}
	h[8] = 1
	return h, true
}

func project(h [9]float64, x, y float64) (float64, float64) {
	d := h[6]*x + h[7]*y + h[8]
	if d == 0 {
		return -1, -1
	}
	return (h[0]*x + h[1]*y + h[2]) / d, (h[3]*x + h[4]*y + h[5]) / d
}

// bilinear samples g at a fractional position; outside samples are black.
func bilinear(g *image.Gray, x, y float64) uint8 {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if x < 0 || y < 0 || x > float64(w-1) || y > float64(h-1) {
		return 0
	}
	x0, y0 := int(x), int(y)
	x1, y1 := min(x0+1, w-1), min(y0+1, h-1)
	fx, fy := x-float64(x0), y-float64(y0)
	at := func(px, py int) float64 { return float64(g.Pix[py*g.Stride+px]) }
	top := at(x0, y0)*(1-fx) + at(x1, y0)*fx
	bot := at(x0, y1)*(1-fx) + at(x1, y1)*fx
	return uint8(math.Round(top*(1-fy) + bot*fy))
}
