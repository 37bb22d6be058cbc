// Package validator decides whether a preprocessed image is an electoral
// tally sheet. A cheap quick filter runs first; images that pass it get
// three detailed checks and a decision ladder, and every accepted image must
// still show one definitive feature.
package validator

import (
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/features"
	"github.com/MeKo-Tech/tally/internal/vision"
)

// Check names used in ValidationResult.Checks.
const (
	CheckQuickFilter    = "quickFilter"
	CheckRectangularity = "rectangularity"
	CheckTable          = "table"
	CheckElectoral      = "electoralFeatures"
)

// Weights of the electoral features. They are normalised by their sum.
type Weights struct {
	Logo        float64 `mapstructure:"logo" yaml:"logo" json:"logo"`
	VotingGrid  float64 `mapstructure:"voting_grid" yaml:"voting_grid" json:"voting_grid"`
	Barcode     float64 `mapstructure:"barcode" yaml:"barcode" json:"barcode"`
	Title       float64 `mapstructure:"title" yaml:"title" json:"title"`
	TextPattern float64 `mapstructure:"text_pattern" yaml:"text_pattern" json:"text_pattern"`
	KeyText     float64 `mapstructure:"key_text" yaml:"key_text" json:"key_text"`
}

func (w Weights) sum() float64 {
	return w.Logo + w.VotingGrid + w.Barcode + w.Title + w.TextPattern + w.KeyText
}

// Config holds the validator thresholds.
type Config struct {
	// Quick filter
	MinAspect         float64 // width over height (default: 0.4)
	MaxAspect         float64 // (default: 2.5)
	MinLines          int     // straight segments, both orientations (default: 3)
	MinInk            float64 // ink pixel share (default: 0.01)
	MaxInk            float64 // (default: 0.6)
	HueBins           int     // (default: 18)
	MaxHueBins        int     // populated hue bins before rejecting as a photo (default: 12)
	MinSaturatedShare float64 // hue check applies above this share of saturated pixels (default: 0.05)
	QuickRejectScore  float64 // confidence of a quick-filter rejection (default: 0.1)

	// Detailed checks
	MinRectangularity  float64 // largest blob box over image area (default: 0.2)
	RectangularityFull float64 // ratio mapped to confidence 1 (default: 0.6)
	MinHorizontal      int     // (default: 5)
	MinVertical        int     // (default: 2)
	GridLinesFull      int     // rule count mapped to confidence 1 (default: 20)
	Weights            Weights
	ElectoralPass      float64 // (default: 0.5)

	// Decision ladder
	AllPassFloor   float64 // (default: 0.6)
	PartialFloor   float64 // (default: 0.45)
	LogoTableFloor float64 // confidence floor of the seal + table path (default: 0.6)

	Features features.Config
}

// DefaultConfig returns the default validator configuration.
func DefaultConfig() Config {
	return Config{
		MinAspect:          0.4,
		MaxAspect:          2.5,
		MinLines:           3,
		MinInk:             0.01,
		MaxInk:             0.6,
		HueBins:            18,
		MaxHueBins:         12,
		MinSaturatedShare:  0.05,
		QuickRejectScore:   0.1,
		MinRectangularity:  0.2,
		RectangularityFull: 0.6,
		MinHorizontal:      5,
		MinVertical:        2,
		GridLinesFull:      20,
		Weights: Weights{
			Logo:        0.3,
			VotingGrid:  0.25,
			Barcode:     0.15,
			Title:       0.1,
			TextPattern: 0.1,
			KeyText:     0.1,
		},
		ElectoralPass:  0.5,
		AllPassFloor:   0.6,
		PartialFloor:   0.45,
		LogoTableFloor: 0.6,
		Features:       features.DefaultConfig(),
	}
}

// Validator is safe for concurrent use.
type Validator struct {
	cfg      Config
	detector *features.Detector
}

// New creates a Validator.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg, detector: features.NewDetector(cfg.Features)}
}

// Config returns the validator configuration.
func (v *Validator) Config() Config { return v.cfg }

// Report is a validation verdict plus the structural features behind it.
// Features is nil when the quick filter rejected the image.
type Report struct {
	Result   ballot.ValidationResult
	Features *features.Result
}

// Validate classifies a preprocessed image.
func (v *Validator) Validate(in features.Input) Report {
	checks := make(map[string]ballot.CheckDetail, 4)

	quick := v.QuickFilter(in)
	checks[CheckQuickFilter] = quick
	if !quick.IsValid {
		return Report{Result: ballot.ValidationResult{
			IsValid:    false,
			Confidence: v.cfg.QuickRejectScore,
			Reason:     quick.Reason,
			Checks:     checks,
		}}
	}

	feat := v.detector.Detect(in)
	rect := v.rectangularity(in.Binary)
	table := v.table(feat)
	electoral := v.electoral(feat)
	checks[CheckRectangularity] = rect
	checks[CheckTable] = table
	checks[CheckElectoral] = electoral

	res := v.decide(rect, table, electoral, feat)
	res.Checks = checks

	slog.Debug("Validation decision",
		"valid", res.IsValid,
		"confidence", res.Confidence,
		"reason", res.Reason,
		"rectangularity", rect.Confidence,
		"table", table.Confidence,
		"electoral", electoral.Confidence)
	return Report{Result: res, Features: &feat}
}

// decide applies the decision ladder and the definitive-feature gate.
func (v *Validator) decide(rect, table, electoral ballot.CheckDetail, feat features.Result) ballot.ValidationResult {
	ordered := []ballot.CheckDetail{rect, table, electoral}
	passed := 0
	for _, c := range ordered {
		if c.IsValid {
			passed++
		}
	}
	combined := (rect.Confidence + table.Confidence + electoral.Confidence) / 3

	var res ballot.ValidationResult
	switch {
	case passed == 3 && combined >= v.cfg.AllPassFloor:
		res = ballot.ValidationResult{IsValid: true, Confidence: combined}
	case passed >= 2 && electoral.IsValid && combined >= v.cfg.PartialFloor:
		res = ballot.ValidationResult{IsValid: true, Confidence: combined}
	case feat.Logo.Present && table.IsValid:
		res = ballot.ValidationResult{IsValid: true, Confidence: math.Max(combined, v.cfg.LogoTableFloor)}
	default:
		res = ballot.ValidationResult{IsValid: false, Confidence: combined}
		for _, c := range ordered {
			if !c.IsValid {
				res.Reason = c.Reason
				break
			}
		}
		if res.Reason == "" {
			res.Reason = fmt.Sprintf("combined confidence %.2f below %.2f", combined, v.cfg.AllPassFloor)
		}
		return res
	}

	if !feat.Logo.Present && !(feat.VotingGrid.Present && feat.Barcode.Present) {
		res.IsValid = false
		res.Reason = "no definitive electoral feature: official seal or voting grid with barcode required"
	}
	return res
}

// QuickFilter runs the cheap rejection checks in order and stops at the
// first failure.
func (v *Validator) QuickFilter(in features.Input) ballot.CheckDetail {
	bin := in.Binary
	w, h := bin.Bounds().Dx(), bin.Bounds().Dy()
	metrics := map[string]float64{}
	fail := func(format string, args ...any) ballot.CheckDetail {
		return ballot.CheckDetail{
			IsValid:    false,
			Confidence: v.cfg.QuickRejectScore,
			Reason:     fmt.Sprintf(format, args...),
			Metrics:    metrics,
		}
	}
	if w == 0 || h == 0 {
		return fail("empty image")
	}

	aspect := float64(w) / float64(h)
	metrics["aspectRatio"] = aspect
	if aspect < v.cfg.MinAspect || aspect > v.cfg.MaxAspect {
		return fail("aspect ratio %.2f outside [%.2f, %.2f]", aspect, v.cfg.MinAspect, v.cfg.MaxAspect)
	}

	hs, vs := vision.LineSegments(bin, max(20, min(w, h)/20))
	metrics["lines"] = float64(hs + vs)
	if hs+vs < v.cfg.MinLines {
		return fail("only %d straight lines, need %d", hs+vs, v.cfg.MinLines)
	}

	ink := vision.ForegroundRatio(bin)
	metrics["inkDensity"] = ink
	if ink < v.cfg.MinInk || ink > v.cfg.MaxInk {
		return fail("text density %.3f outside [%.2f, %.2f]", ink, v.cfg.MinInk, v.cfg.MaxInk)
	}

	if in.Color != nil && vision.IsColor(in.Color) {
		bins, share := v.hueDiversity(in.Color)
		metrics["hueBins"] = float64(bins)
		metrics["saturatedShare"] = share
		if share > v.cfg.MinSaturatedShare && bins > v.cfg.MaxHueBins {
			return fail("color histogram too diverse: %d hue bins populated", bins)
		}
	}
	return ballot.CheckDetail{IsValid: true, Confidence: 1, Metrics: metrics}
}

// hueDiversity returns the number of populated hue bins and the share of
// saturated pixels. A bin counts when it holds at least 1% of the saturated
// pixels.
func (v *Validator) hueDiversity(img image.Image) (int, float64) {
	hist, total := vision.HueHistogram(img, max(1, v.cfg.HueBins), 0.3, 0.2)
	saturated := 0
	for _, n := range hist {
		saturated += n
	}
	if total == 0 || saturated == 0 {
		return 0, 0
	}
	bins := 0
	for _, n := range hist {
		if float64(n) >= 0.01*float64(saturated) {
			bins++
		}
	}
	return bins, float64(saturated) / float64(total)
}

func (v *Validator) rectangularity(bin *image.Gray) ballot.CheckDetail {
	b := bin.Bounds()
	comps, _ := vision.Components(bin)
	largest, ok := vision.Largest(comps)
	if !ok || b.Empty() {
		return ballot.CheckDetail{Reason: "no contours found"}
	}
	ratio := float64(largest.Box.Dx()*largest.Box.Dy()) / float64(b.Dx()*b.Dy())
	d := ballot.CheckDetail{
		IsValid:    ratio >= v.cfg.MinRectangularity,
		Confidence: math.Min(1, ratio/v.cfg.RectangularityFull),
		Metrics:    map[string]float64{"areaRatio": ratio},
	}
	if !d.IsValid {
		d.Reason = fmt.Sprintf("largest contour covers %.2f of the image, need %.2f", ratio, v.cfg.MinRectangularity)
	}
	return d
}

func (v *Validator) table(feat features.Result) ballot.CheckDetail {
	hs, vs := feat.HorizontalLines, feat.VerticalLines
	d := ballot.CheckDetail{
		IsValid:    hs >= v.cfg.MinHorizontal && vs >= v.cfg.MinVertical,
		Confidence: math.Min(1, float64(hs+vs)/float64(max(1, v.cfg.GridLinesFull))),
		Metrics:    map[string]float64{"horizontal": float64(hs), "vertical": float64(vs)},
	}
	if !d.IsValid {
		d.Reason = fmt.Sprintf("no electoral table structure: %d horizontal and %d vertical lines", hs, vs)
	}
	return d
}

func (v *Validator) electoral(feat features.Result) ballot.CheckDetail {
	w := v.cfg.Weights
	score := w.Logo * feat.Logo.Confidence
	metrics := map[string]float64{"logo": feat.Logo.Confidence}
	for _, f := range []struct {
		name    string
		present bool
		weight  float64
	}{
		{"votingGrid", feat.VotingGrid.Present, w.VotingGrid},
		{"barcode", feat.Barcode.Present, w.Barcode},
		{"title", feat.Title, w.Title},
		{"textPattern", feat.TextPattern, w.TextPattern},
		{"keyText", feat.KeyText, w.KeyText},
	} {
		metrics[f.name] = boolScore(f.present)
		score += f.weight * boolScore(f.present)
	}
	if s := w.sum(); s > 0 {
		score /= s
	}
	d := ballot.CheckDetail{
		IsValid:    score >= v.cfg.ElectoralPass,
		Confidence: score,
		Metrics:    metrics,
	}
	if !d.IsValid {
		d.Reason = fmt.Sprintf("document does not look like an electoral tally sheet (feature score %.2f)", score)
	}
	return d
}

func boolScore(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
