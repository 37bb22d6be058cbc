package vision

import (
	"image"
	"math"
	"sort"
)

// Point is a 2-D coordinate in pixel space.
type Point struct {
	X float64
	Y float64
}

// Component is an 8-connected foreground region of a binary image.
type Component struct {
	Label int
	Box   image.Rectangle
	Area  int
}

// Labels maps every pixel to its component label; 0 is background.
type Labels struct {
	W, H int
	L    []int32
}

// Components labels the 8-connected foreground regions of a binary image.
// Components are returned in raster order of their first pixel.
func Components(g *image.Gray) ([]Component, *Labels) {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	labels := &Labels{W: w, H: h, L: make([]int32, w*h)}
	var comps []Component
	queue := make([]int, 0, 256)
	next := int32(1)
	for y := range h {
		for x := range w {
			idx := y*w + x
			if labels.L[idx] != 0 || g.Pix[y*g.Stride+x] < 128 {
				continue
			}
			st := Component{Label: int(next), Box: image.Rect(x, y, x+1, y+1)}
			queue = append(queue[:0], idx)
			labels.L[idx] = next
			for len(queue) > 0 {
				ci := queue[len(queue)-1]
				queue = queue[:len(queue)-1]
				cx, cy := ci%w, ci/w
				st.Area++
				st.Box = st.Box.Union(image.Rect(cx, cy, cx+1, cy+1))
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := cx+dx, cy+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						ni := ny*w + nx
						if labels.L[ni] == 0 && g.Pix[ny*g.Stride+nx] >= 128 {
							labels.L[ni] = next
							queue = append(queue, ni)
						}
					}
				}
			}
			comps = append(comps, st)
			next++
		}
	}
	return comps, labels
}

// Largest returns the component with the largest area, or false when comps is empty.
func Largest(comps []Component) (Component, bool) {
	if len(comps) == 0 {
		return Component{}, false
	}
	best := comps[0]
	for _, c := range comps[1:] {
		if c.Area > best.Area {
			best = c
		}
	}
	return best, true
}

// UnionBox returns the bounding box of all components, or an empty rectangle.
func UnionBox(comps []Component) image.Rectangle {
	var r image.Rectangle
	for i, c := range comps {
		if i == 0 {
			r = c.Box
			continue
		}
		r = r.Union(c.Box)
	}
	return r
}

// SortByY orders components top to bottom, then left to right.
func SortByY(comps []Component) {
	sort.SliceStable(comps, func(i, j int) bool {
		if comps[i].Box.Min.Y != comps[j].Box.Min.Y {
			return comps[i].Box.Min.Y < comps[j].Box.Min.Y
		}
		return comps[i].Box.Min.X < comps[j].Box.Min.X
	})
}

// TraceContour extracts the outer boundary of the component with Moore
// neighbour tracing, starting from its top-most, left-most pixel. Collinear
// runs are collapsed.
func TraceContour(lb *Labels, c Component) []Point {
	label := int32(c.Label)
	is := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < lb.W && y < lb.H && lb.L[y*lb.W+x] == label
	}
	sx, sy := -1, -1
	for y := c.Box.Min.Y; y < c.Box.Max.Y && sx < 0; y++ {
		for x := c.Box.Min.X; x < c.Box.Max.X; x++ {
			if is(x, y) {
				sx, sy = x, y
				break
			}
		}
	}
	if sx < 0 {
		return nil
	}

	// clockwise from east: E, SE, S, SW, W, NW, N, NE
	ndx := [8]int{1, 1, 0, -1, -1, -1, 0, 1}
	ndy := [8]int{0, 1, 1, 1, 0, -1, -1, -1}
	dirOf := func(dx, dy int) int {
		for i := range 8 {
			if ndx[i] == dx && ndy[i] == dy {
				return i
			}
		}
		return 0
	}

	pts := []Point{{X: float64(sx), Y: float64(sy)}}
	add := func(x, y int) {
		p := Point{X: float64(x), Y: float64(y)}
		n := len(pts)
		if n > 0 && pts[n-1] == p {
			return
		}
		if n >= 2 {
			a, b := pts[n-2], pts[n-1]
			if (b.X-a.X)*(p.Y-b.Y)-(b.Y-a.Y)*(p.X-b.X) == 0 {
				pts = pts[:n-1]
			}
		}
		pts = append(pts, p)
	}

	cx, cy := sx, sy
	bx, by := sx-1, sy
	startB := [2]int{bx, by}
	for steps := 0; steps < 4*lb.W*lb.H+8; steps++ {
		start := (dirOf(bx-cx, by-cy) + 1) % 8
		found := false
		for k := range 8 {
			i := (start + k) % 8
			tx, ty := cx+ndx[i], cy+ndy[i]
			if is(tx, ty) {
				cx, cy = tx, ty
				found = true
				break
			}
			bx, by = tx, ty
		}
		if !found {
			break
		}
		if cx == sx && cy == sy && bx == startB[0] && by == startB[1] {
			break
		}
		if cx == sx && cy == sy && len(pts) > 2 {
			break
		}
		add(cx, cy)
	}
	if n := len(pts); n >= 2 && pts[0] == pts[n-1] {
		pts = pts[:n-1]
	}
	return pts
}

// Perimeter returns the length of the closed polygon pts.
func Perimeter(pts []Point) float64 {
	if len(pts) < 2 {
		return 0
	}
	sum := 0.0
	for i := range pts {
		j := (i + 1) % len(pts)
		sum += math.Hypot(pts[j].X-pts[i].X, pts[j].Y-pts[i].Y)
	}
	return sum
}

// PolygonArea returns the absolute shoelace area of a closed polygon.
func PolygonArea(pts []Point) float64 {
	if len(pts) < 3 {
		return 0
	}
	s := 0.0
	for i := range pts {
		j := (i + 1) % len(pts)
		s += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return math.Abs(s) / 2
}

// ApproxPolygon simplifies a closed contour with Douglas-Peucker at tolerance
// eps. The contour is split at the point farthest from its first point so
// both halves are simplified as open chains.
func ApproxPolygon(pts []Point, eps float64) []Point {
	n := len(pts)
	if n <= 3 || eps <= 0 {
		return append([]Point(nil), pts...)
	}
	far, farDist := 0, -1.0
	for i := 1; i < n; i++ {
		d := math.Hypot(pts[i].X-pts[0].X, pts[i].Y-pts[0].Y)
		if d > farDist {
			far, farDist = i, d
		}
	}
	closed := append(append([]Point(nil), pts...), pts[0])
	keep := make([]bool, len(closed))
	keep[0], keep[far], keep[n] = true, true, true
	douglasPeucker(closed, 0, far, eps, keep)
	douglasPeucker(closed, far, n, eps, keep)
	out := make([]Point, 0, 8)
	for i := 0; i < n; i++ {
		if keep[i] {
			out = append(out, closed[i])
		}
	}
	return out
}

func douglasPeucker(pts []Point, start, end int, eps float64, keep []bool) {
	if end <= start+1 {
		return
	}
	idx, maxDist := -1, -1.0
	for i := start + 1; i < end; i++ {
		d := segmentDistance(pts[i], pts[start], pts[end])
		if d > maxDist {
			idx, maxDist = i, d
		}
	}
	if maxDist > eps {
		keep[idx] = true
		douglasPeucker(pts, start, idx, eps, keep)
		douglasPeucker(pts, idx, end, eps, keep)
	}
}

func segmentDistance(p, a, b Point) float64 {
	vx, vy := b.X-a.X, b.Y-a.Y
	if vx == 0 && vy == 0 {
		return math.Hypot(p.X-a.X, p.Y-a.Y)
	}
	return math.Abs((p.X-a.X)*vy-(p.Y-a.Y)*vx) / math.Hypot(vx, vy)
}
