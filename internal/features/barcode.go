package features

import (
	"image"

	"github.com/MeKo-Tech/tally/internal/vision"
)

// BarcodeResult reports where barcode evidence was found.
type BarcodeResult struct {
	Present  bool              `json:"present"`
	Boxes    []image.Rectangle `json:"boxes,omitempty"`
	Regional bool              `json:"regional"`
}

// Barcode combines a whole-page search for bar clusters with a transition
// count in the two header bands where tally sheets print their codes.
func (d *Detector) Barcode(bin *image.Gray) BarcodeResult {
	res := BarcodeResult{Boxes: d.barcodeBoxes(bin)}
	res.Regional = d.barcodeRegional(bin)
	res.Present = len(res.Boxes) > 0 || res.Regional
	return res
}

// barcodeBoxes keeps vertical strokes, joins neighbouring bars and returns
// the wide clusters.
func (d *Detector) barcodeBoxes(bin *image.Gray) []image.Rectangle {
	bars := vision.Open(bin, vision.Rect(1, max(2, d.cfg.BarcodeKernel)))
	if d.cfg.BarcodeDilate > 1 {
		bars = vision.Dilate(bars, vision.Rect(d.cfg.BarcodeDilate, 1))
	}
	comps, _ := vision.Components(bars)
	var out []image.Rectangle
	for _, c := range comps {
		bw, bh := c.Box.Dx(), c.Box.Dy()
		if bw <= d.cfg.BarcodeMinWidth || bh <= d.cfg.BarcodeMinHeight {
			continue
		}
		if float64(bw)/float64(bh) <= d.cfg.BarcodeMinAspect {
			continue
		}
		out = append(out, c.Box)
	}
	return out
}

func (d *Detector) barcodeRegional(bin *image.Gray) bool {
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	regions := []image.Rectangle{
		fracRect(w, h, 0, 0.02, 0.35, 0.08),
		fracRect(w, h, 0.65, 0.02, 1, 0.08),
	}
	for _, r := range regions {
		if meanTransitions(vision.Crop(bin, r), 4) > d.cfg.BarcodeTransitions {
			return true
		}
	}
	return false
}

// meanTransitions averages the number of ink/paper changes over every
// step-th row.
func meanTransitions(g *image.Gray, step int) float64 {
	b := g.Bounds()
	if b.Dx() < 2 || b.Dy() == 0 {
		return 0
	}
	rows, total := 0, 0
	for y := 0; y < b.Dy(); y += step {
		line := g.Pix[y*g.Stride : y*g.Stride+b.Dx()]
		for x := 1; x < len(line); x++ {
			if (line[x] >= 128) != (line[x-1] >= 128) {
				total++
			}
		}
		rows++
	}
	return float64(total) / float64(rows)
}
