package features

import (
	"image"
	"math"

	"github.com/MeKo-Tech/tally/internal/vision"
)

// Logo sub-signal names.
const (
	SignalShape   = "shape"
	SignalColor   = "color"
	SignalDensity = "density"
	SignalCircles = "circles"
)

// LogoResult is the outcome of the seal ensemble. Confidence is the share of
// enabled sub-signals that voted for a seal.
type LogoResult struct {
	Present    bool            `json:"present"`
	Confidence float64         `json:"confidence"`
	Votes      int             `json:"votes"`
	Enabled    int             `json:"enabled"`
	Signals    map[string]bool `json:"signals"`
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Logo looks for the official seal in the top-left corner of the sheet.
func (d *Detector) Logo(in Input) LogoResult {
	res := LogoResult{Signals: make(map[string]bool, 4)}
	bin := in.Binary
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	frac := math.Min(math.Max(d.cfg.LogoRegion, 0.01), 0.25)
	region := vision.Crop(bin, fracRect(w, h, 0, 0, frac, frac))
	if region.Bounds().Empty() {
		return res
	}

	vote := func(name string, enabled bool, check func() bool) {
		if !enabled {
			return
		}
		res.Enabled++
		ok := check()
		res.Signals[name] = ok
		if ok {
			res.Votes++
		}
	}
	vote(SignalShape, d.cfg.LogoShape, func() bool { return d.logoShape(region) })
	vote(SignalColor, d.cfg.LogoColor && in.Color != nil && vision.IsColor(in.Color), func() bool {
		return d.logoColor(in.Color, frac)
	})
	vote(SignalDensity, d.cfg.LogoDensity, func() bool {
		r := vision.ForegroundRatio(region)
		return r >= d.cfg.LogoDensityMin && r <= d.cfg.LogoDensityMax
	})
	vote(SignalCircles, d.cfg.LogoCircles, func() bool { return d.logoCircles(region) })

	if res.Enabled > 0 {
		res.Confidence = float64(res.Votes) / float64(res.Enabled)
	}
	res.Present = res.Votes >= max(1, d.cfg.LogoMinVotes)
	return res
}

// logoShape checks the largest blob is roughly as wide as it is tall and
// not a speck.
func (d *Detector) logoShape(region *image.Gray) bool {
	comps, _ := vision.Components(region)
	c, ok := vision.Largest(comps)
	if !ok {
		return false
	}
	bw, bh := c.Box.Dx(), c.Box.Dy()
	if bw == 0 || bh == 0 {
		return false
	}
	rb := region.Bounds()
	if float64(bw*bh) < 0.05*float64(rb.Dx()*rb.Dy()) {
		return false
	}
	aspect := float64(bw) / float64(bh)
	return aspect >= d.cfg.LogoAspectMin && aspect <= d.cfg.LogoAspectMax
}

// logoColor measures the share of the region's pixels in the seal's hue band
// on the original photo.
func (d *Detector) logoColor(img image.Image, frac float64) bool {
	si, ok := img.(subImager)
	if !ok {
		return false
	}
	b := img.Bounds()
	r := image.Rect(b.Min.X, b.Min.Y,
		b.Min.X+int(frac*float64(b.Dx())), b.Min.Y+int(frac*float64(b.Dy())))
	const bins = 72
	hist, total := vision.HueHistogram(si.SubImage(r), bins, d.cfg.LogoMinSat, 0.2)
	if total == 0 {
		return false
	}
	inBand := 0
	for i, n := range hist {
		centre := (float64(i) + 0.5) * 360 / bins
		if centre >= d.cfg.LogoHueMin && centre <= d.cfg.LogoHueMax {
			inBand += n
		}
	}
	return float64(inBand)/float64(total) >= d.cfg.LogoColorRatio
}

// logoCircles runs the circle transform on a shrunken copy of the region.
func (d *Detector) logoCircles(region *image.Gray) bool {
	rb := region.Bounds()
	side := min(rb.Dx(), rb.Dy())
	if target := d.cfg.LogoHoughSide; target > 0 && side > target {
		f := float64(target) / float64(side)
		region = vision.Threshold(vision.Scale(region, f), 127, false)
		rb = region.Bounds()
		side = min(rb.Dx(), rb.Dy())
	}
	minR := max(4, int(0.15*float64(side)))
	maxR := int(0.5 * float64(side))
	return len(vision.HoughCircles(region, minR, maxR, d.cfg.LogoCircleRatio)) > 0
}
