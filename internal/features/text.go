package features

import (
	"image"

	"github.com/MeKo-Tech/tally/internal/vision"
)

// band is a fractional page region with the ink density range and minimum
// glyph count that identify a text block.
type band struct {
	x0, y0, x1, y1 float64
	minDensity     float64
	maxDensity     float64
	minComponents  int
}

var (
	titleBand       = band{0.15, 0, 0.85, 0.12, 0.01, 0.3, 5}
	textPatternBand = band{0.25, 0.3, 0.75, 0.7, 0.03, 0.4, 0}
	keyTextBand     = band{0.02, 0.25, 0.28, 0.72, 0.005, 0.3, 9}
)

// Title checks the header band carries a line of large print.
func (d *Detector) Title(bin *image.Gray) bool { return textBlock(bin, titleBand) }

// TextPattern checks the central band is inked like a filled-in form.
func (d *Detector) TextPattern(bin *image.Gray) bool { return textBlock(bin, textPatternBand) }

// KeyText checks the left column holds the printed party names.
func (d *Detector) KeyText(bin *image.Gray) bool { return textBlock(bin, keyTextBand) }

func textBlock(bin *image.Gray, b band) bool {
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	region := vision.Crop(bin, fracRect(w, h, b.x0, b.y0, b.x1, b.y1))
	if region.Bounds().Empty() {
		return false
	}
	density := vision.ForegroundRatio(region)
	if density < b.minDensity || density > b.maxDensity {
		return false
	}
	if b.minComponents > 0 {
		comps, _ := vision.Components(region)
		return len(comps) >= b.minComponents
	}
	return true
}
