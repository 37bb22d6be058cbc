// Package preprocess turns a raw ballot photograph into the canonical binary
// image used by the detectors and the field extractor: grayscale, scaled into
// a working size band, perspective corrected when the page outline is a
// quadrilateral, denoised, contrast enhanced and binarized with ink bright.
package preprocess

import (
	"image"
	"log/slog"
	"math"

	"github.com/MeKo-Tech/tally/internal/vision"
)

// Config controls the preprocessing steps.
type Config struct {
	MinSide       int     // upscale when either side is below this (default: 1000)
	MaxSide       int     // downscale when either side is above this (default: 3000)
	ApproxEpsilon float64 // polygon tolerance as a fraction of the perimeter (default: 0.02)
	DenoiseSigma  float64 // Gaussian sigma before contrast enhancement (default: 1.0)
	CLAHEClip     float64 // contrast limit (default: 2.0)
	CLAHETiles    int     // tile grid size (default: 8)
	AdaptiveBlock int     // adaptive threshold block size (default: 11)
	AdaptiveC     float64 // constant subtracted from the local mean (default: 2)
	OpenSize      int     // speckle removal kernel, 1 disables (default: 2)
	MinPageArea   float64 // smallest page outline worth rectifying, as a fraction of the image (default: 0.5)
}

// DefaultConfig returns the default preprocessing configuration.
func DefaultConfig() Config {
	return Config{
		MinSide:       1000,
		MaxSide:       3000,
		ApproxEpsilon: 0.02,
		DenoiseSigma:  1.0,
		CLAHEClip:     2.0,
		CLAHETiles:    8,
		AdaptiveBlock: 11,
		AdaptiveC:     2,
		OpenSize:      2,
		MinPageArea:   0.5,
	}
}

// Result is the output of Process.
type Result struct {
	Image     *image.Gray // binary, ink = 255
	Gray      *image.Gray // scaled and rectified grayscale before binarization
	Corrected bool        // perspective correction applied
	Scale     float64     // resize factor applied to the input
}

// Width of the processed image.
func (r *Result) Width() int { return r.Image.Bounds().Dx() }

// Height of the processed image.
func (r *Result) Height() int { return r.Image.Bounds().Dy() }

// Preprocessor runs the preprocessing steps with a fixed configuration. It is
// stateless and safe for concurrent use.
type Preprocessor struct {
	cfg Config
}

// New creates a Preprocessor, filling unset fields from DefaultConfig.
func New(cfg Config) *Preprocessor {
	def := DefaultConfig()
	if cfg.MinSide <= 0 {
		cfg.MinSide = def.MinSide
	}
	if cfg.MaxSide <= 0 {
		cfg.MaxSide = def.MaxSide
	}
	if cfg.ApproxEpsilon <= 0 {
		cfg.ApproxEpsilon = def.ApproxEpsilon
	}
	if cfg.CLAHETiles <= 0 {
		cfg.CLAHETiles = def.CLAHETiles
	}
	if cfg.AdaptiveBlock <= 0 {
		cfg.AdaptiveBlock = def.AdaptiveBlock
	}
	if cfg.MinPageArea <= 0 {
		cfg.MinPageArea = def.MinPageArea
	}
	if cfg.OpenSize <= 0 {
		cfg.OpenSize = 1
	}
	return &Preprocessor{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Preprocessor) Config() Config { return p.cfg }

// ProcessBytes decodes data and processes it. Only undecodable input fails.
func (p *Preprocessor) ProcessBytes(data []byte) (*Result, error) {
	img, _, err := vision.Decode(data)
	if err != nil {
		return nil, err
	}
	return p.Process(img), nil
}

// Process never fails; steps that find nothing to act on pass the image
// through unchanged.
func (p *Preprocessor) Process(img image.Image) *Result {
	gray := vision.ToGray(img)
	gray, scale := p.Rescale(gray)
	gray, corrected := p.CorrectPerspective(gray)

	enhanced := vision.CLAHE(vision.Blur(gray, p.cfg.DenoiseSigma), p.cfg.CLAHEClip, p.cfg.CLAHETiles)
	// ink falls below the local mean, so the inverse threshold leaves it bright
	binary := vision.AdaptiveThreshold(enhanced, p.cfg.AdaptiveBlock, p.cfg.AdaptiveC, vision.AdaptiveGaussian, true)
	if p.cfg.OpenSize > 1 {
		binary = vision.Open(binary, vision.Rect(p.cfg.OpenSize, p.cfg.OpenSize))
	}

	slog.Debug("Preprocessed image",
		"width", binary.Bounds().Dx(),
		"height", binary.Bounds().Dy(),
		"scale", scale,
		"perspective_corrected", corrected)

	return &Result{Image: binary, Gray: gray, Corrected: corrected, Scale: scale}
}

// Rescale brings the image into the [MinSide, MaxSide] band. Large images
// are shrunk so both sides fit under MaxSide; small images are enlarged until
// both sides reach MinSide, but never so far that a side exceeds MaxSide.
func (p *Preprocessor) Rescale(g *image.Gray) (*image.Gray, float64) {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	if w == 0 || h == 0 {
		return g, 1
	}
	fw, fh := float64(w), float64(h)
	maxSide := float64(p.cfg.MaxSide)
	var scale float64
	switch {
	case w > p.cfg.MaxSide || h > p.cfg.MaxSide:
		scale = math.Min(maxSide/fw, maxSide/fh)
	case w < p.cfg.MinSide || h < p.cfg.MinSide:
		scale = math.Max(float64(p.cfg.MinSide)/fw, float64(p.cfg.MinSide)/fh)
		scale = math.Min(scale, maxSide/math.Max(fw, fh))
	default:
		return g, 1
	}
	if scale == 1 {
		return g, 1
	}
	nw, nh := max(1, int(fw*scale)), max(1, int(fh*scale))
	return vision.Resize(g, nw, nh), scale
}

// CorrectPerspective warps the page to a rectangle when the largest outline
// approximates to exactly four corners. Any other shape leaves g untouched.
func (p *Preprocessor) CorrectPerspective(g *image.Gray) (*image.Gray, bool) {
	quad, ok := p.FindPage(g)
	if !ok {
		return g, false
	}
	w, h := quad.TargetSize()
	if w < 2 || h < 2 {
		return g, false
	}
	warped, ok := vision.WarpQuad(g, quad, w, h)
	if !ok {
		return g, false
	}
	return warped, true
}

// FindPage returns the ordered corners of the page outline: the largest
// bright region, approximated to a polygon. It reports false when the
// outline is not a quadrilateral, is too small, or already fills the frame.
func (p *Preprocessor) FindPage(g *image.Gray) (vision.Quad, bool) {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	binary := vision.OtsuBinarize(g, false)
	comps, labels := vision.Components(binary)
	largest, ok := vision.Largest(comps)
	if !ok {
		return vision.Quad{}, false
	}
	if fillsFrame(largest.Box, w, h) {
		return vision.Quad{}, false
	}
	contour := vision.TraceContour(labels, largest)
	approx := vision.ApproxPolygon(contour, p.cfg.ApproxEpsilon*vision.Perimeter(contour))
	if len(approx) != 4 {
		slog.Debug("Perspective correction skipped", "vertices", len(approx))
		return vision.Quad{}, false
	}
	if vision.PolygonArea(approx) < p.cfg.MinPageArea*float64(w*h) {
		slog.Debug("Perspective correction skipped", "reason", "outline too small")
		return vision.Quad{}, false
	}
	return vision.OrderCorners(approx), true
}

func fillsFrame(r image.Rectangle, w, h int) bool {
	const slack = 2
	return r.Min.X <= slack && r.Min.Y <= slack && r.Max.X >= w-slack && r.Max.Y >= h-slack
}
