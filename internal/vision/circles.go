package vision

import (
	"image"
	"math"
	"sort"
)

// Circle is a detected circle in pixel coordinates.
type Circle struct {
	X, Y, R int
	Votes   int
}

// HoughCircles finds circles with radius in [minR, maxR] on the edges of a
// binary image, strongest first. A candidate needs at least minSupport of its circumference
// covered by edge pixels. Centres closer than minR are suppressed.
func HoughCircles(bin *image.Gray, minR, maxR int, minSupport float64) []Circle {
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	if minR < 2 || maxR < minR || w == 0 || h == 0 {
		return nil
	}
	edges := edgePixels(bin)
	if len(edges) == 0 {
		return nil
	}
	var found []Circle
	acc := make([]int32, w*h)
	for r := minR; r <= maxR; r++ {
		clear(acc)
		steps := max(24, int(math.Ceil(2*math.Pi*float64(r))))
		for _, p := range edges {
			last := -1
			for i := range steps {
				a := 2 * math.Pi * float64(i) / float64(steps)
				cx := p.X - int(math.Round(float64(r)*math.Cos(a)))
				cy := p.Y - int(math.Round(float64(r)*math.Sin(a)))
				if cx < 0 || cy < 0 || cx >= w || cy >= h {
					continue
				}
				idx := cy*w + cx
				if idx == last {
					continue
				}
				acc[idx]++
				last = idx
			}
		}
		need := max(1, int32(minSupport*2*math.Pi*float64(r)))
		for i, v := range acc {
			if v < need {
				continue
			}
			c := Circle{X: i % w, Y: i / w, R: r, Votes: int(v)}
			found = mergeCircle(found, c, minR)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Votes > found[j].Votes })
	return found
}

func mergeCircle(list []Circle, c Circle, minDist int) []Circle {
	for i, o := range list {
		dx, dy := o.X-c.X, o.Y-c.Y
		if dx*dx+dy*dy < minDist*minDist {
			if c.Votes > o.Votes {
				list[i] = c
			}
			return list
		}
	}
	return append(list, c)
}

// edgePixels returns foreground pixels with at least one background
// 4-neighbour.
func edgePixels(bin *image.Gray) []image.Point {
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	on := func(x, y int) bool {
		return x >= 0 && y >= 0 && x < w && y < h && bin.Pix[y*bin.Stride+x] >= 128
	}
	var pts []image.Point
	for y := range h {
		for x := range w {
			if !on(x, y) {
				continue
			}
			if !on(x-1, y) || !on(x+1, y) || !on(x, y-1) || !on(x, y+1) {
				pts = append(pts, image.Point{X: x, Y: y})
			}
		}
	}
	return pts
}
