package features

import (
	"image"
	"math"
	"sort"

	"github.com/MeKo-Tech/tally/internal/vision"
)

// GridResult describes the grid of enclosed vote cells.
type GridResult struct {
	Present bool `json:"present"`
	Cells   int  `json:"cells"`
	Aligned bool `json:"aligned"`
	Lines   bool `json:"lines"`
	Regular bool `json:"regular"`
}

// VotingGrid looks for enclosed cells, the paper areas fully bounded by
// table rules. A grid needs enough cells plus one of: column or row
// alignment, a ruled central region or regular row spacing.
func (d *Detector) VotingGrid(bin *image.Gray) GridResult {
	var res GridResult
	cells := d.cells(bin)
	res.Cells = len(cells)
	if res.Cells < d.cfg.GridMinCells {
		return res
	}
	res.Aligned = aligned(cells)

	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	central := vision.Crop(bin, fracRect(w, h, 0.2, 0.2, 0.8, 0.8))
	cb := central.Bounds()
	hs, vs := vision.LineSegments(central, max(10, min(cb.Dx(), cb.Dy())/10))
	res.Lines = hs >= d.cfg.GridMinRowsSeg && vs >= d.cfg.GridMinColsSeg

	res.Regular = regularSpacing(cells, d.cfg.SpacingMaxCV)
	res.Present = res.Aligned || res.Lines || res.Regular
	return res
}

func (d *Detector) cells(bin *image.Gray) []image.Rectangle {
	b := bin.Bounds()
	area := float64(b.Dx() * b.Dy())
	if area == 0 {
		return nil
	}
	comps, _ := vision.Components(vision.Invert(bin))
	var out []image.Rectangle
	for _, c := range comps {
		a := float64(c.Area) / area
		if a < d.cfg.CellMinArea || a > d.cfg.CellMaxArea {
			continue
		}
		bw, bh := c.Box.Dx(), c.Box.Dy()
		aspect := float64(bw) / float64(bh)
		if aspect < 0.4 || aspect > 2.5 {
			continue
		}
		// enclosed cells fill most of their box
		if float64(c.Area) < 0.6*float64(bw*bh) {
			continue
		}
		out = append(out, c.Box)
	}
	return out
}

// aligned reports whether at least two columns or two rows hold three or
// more cells each.
func aligned(cells []image.Rectangle) bool {
	return groups(cells, func(r image.Rectangle) (int, int) { return r.Min.X, r.Dx() }) >= 2 ||
		groups(cells, func(r image.Rectangle) (int, int) { return r.Min.Y, r.Dy() }) >= 2
}

// groups clusters cells on one axis and counts clusters with at least three
// members. Cells are sorted by their centre on the axis; a cell joins the
// current cluster when its centre lies less than 0.7 of the larger extent
// from the previous member's centre.
func groups(cells []image.Rectangle, axis func(image.Rectangle) (pos, size int)) int {
	centre := func(r image.Rectangle) float64 {
		pos, size := axis(r)
		return float64(pos) + float64(size)/2
	}
	sorted := append([]image.Rectangle(nil), cells...)
	sort.Slice(sorted, func(i, j int) bool { return centre(sorted[i]) < centre(sorted[j]) })

	count, members := 0, 0
	var prev float64
	prevSize := 0
	for i, c := range sorted {
		_, size := axis(c)
		mid := centre(c)
		if i > 0 && mid-prev < 0.7*float64(max(size, prevSize)) {
			members++
		} else {
			if members >= 3 {
				count++
			}
			members = 1
		}
		prev, prevSize = mid, size
	}
	if members >= 3 {
		count++
	}
	return count
}

// regularSpacing checks the gaps between distinct cell rows vary little.
func regularSpacing(cells []image.Rectangle, maxCV float64) bool {
	ys := make([]int, 0, len(cells))
	for _, c := range cells {
		ys = append(ys, c.Min.Y)
	}
	sort.Ints(ys)
	var rows []int
	for _, y := range ys {
		if len(rows) == 0 || y-rows[len(rows)-1] > 5 {
			rows = append(rows, y)
		}
	}
	if len(rows) < 4 {
		return false
	}
	gaps := make([]float64, len(rows)-1)
	sum := 0.0
	for i := 1; i < len(rows); i++ {
		gaps[i-1] = float64(rows[i] - rows[i-1])
		sum += gaps[i-1]
	}
	mean := sum / float64(len(gaps))
	if mean == 0 {
		return false
	}
	v := 0.0
	for _, g := range gaps {
		v += (g - mean) * (g - mean)
	}
	return math.Sqrt(v/float64(len(gaps)))/mean < maxCV
}
