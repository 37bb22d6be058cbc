// Package features locates the structural anchors of a tally sheet on a
// preprocessed (ink bright) image: the vote table and its rules, the official
// seal, barcodes, the grid of vote cells and the text blocks of the form.
package features

import (
	"image"
	"log/slog"
)

// Config holds the detector thresholds. Kernel sizes are in pixels of the
// preprocessed image; regions and densities are fractions.
type Config struct {
	// Table
	TableKernel int // directional opening length for table rules (default: 40)
	TableDilate int // dilation joining rule fragments (default: 3)

	// Logo ensemble
	LogoRegion      float64 // top-left fraction searched for the seal (default: 0.10)
	LogoMinVotes    int     // sub-signals that must agree (default: 2)
	LogoShape       bool    // enable the aspect-ratio signal
	LogoColor       bool    // enable the hue-band signal
	LogoDensity     bool    // enable the ink-density signal
	LogoCircles     bool    // enable the Hough circle signal
	LogoAspectMin   float64 // (default: 0.5)
	LogoAspectMax   float64 // (default: 2.0)
	LogoHueMin      float64 // hue band in degrees (default: 180)
	LogoHueMax      float64 // (default: 260)
	LogoMinSat      float64 // (default: 0.3)
	LogoColorRatio  float64 // share of region pixels in the hue band (default: 0.02)
	LogoDensityMin  float64 // (default: 0.02)
	LogoDensityMax  float64 // (default: 0.35)
	LogoHoughSide   int     // the region is shrunk to this side before the circle search (default: 160)
	LogoCircleRatio float64 // circumference support for a circle (default: 0.4)

	// Barcode
	BarcodeKernel      int     // vertical opening length (default: 20)
	BarcodeDilate      int     // horizontal dilation joining bars (default: 5)
	BarcodeMinWidth    int     // (default: 50)
	BarcodeMinHeight   int     // (default: 20)
	BarcodeMinAspect   float64 // width over height (default: 1.5)
	BarcodeTransitions float64 // mean transitions per sampled row (default: 15)

	// Voting grid
	GridMinCells   int     // (default: 8)
	CellMinArea    float64 // fraction of the image (default: 0.0005)
	CellMaxArea    float64 // (default: 0.03)
	SpacingMaxCV   float64 // coefficient of variation of row spacing (default: 0.35)
	GridMinRowsSeg int     // horizontal rules in the central region (default: 3)
	GridMinColsSeg int     // vertical rules in the central region (default: 2)
}

// DefaultConfig returns the default detector configuration.
func DefaultConfig() Config {
	return Config{
		TableKernel:        40,
		TableDilate:        3,
		LogoRegion:         0.10,
		LogoMinVotes:       2,
		LogoShape:          true,
		LogoColor:          true,
		LogoDensity:        true,
		LogoCircles:        true,
		LogoAspectMin:      0.5,
		LogoAspectMax:      2.0,
		LogoHueMin:         180,
		LogoHueMax:         260,
		LogoMinSat:         0.3,
		LogoColorRatio:     0.02,
		LogoDensityMin:     0.02,
		LogoDensityMax:     0.35,
		LogoHoughSide:      160,
		LogoCircleRatio:    0.4,
		BarcodeKernel:      20,
		BarcodeDilate:      5,
		BarcodeMinWidth:    50,
		BarcodeMinHeight:   20,
		BarcodeMinAspect:   1.5,
		BarcodeTransitions: 15,
		GridMinCells:       8,
		CellMinArea:        0.0005,
		CellMaxArea:        0.03,
		SpacingMaxCV:       0.35,
		GridMinRowsSeg:     3,
		GridMinColsSeg:     2,
	}
}

// Input is the image material the detectors work on.
type Input struct {
	Binary *image.Gray // preprocessed, ink = 255
	Color  image.Image // original decoded photo, optional
}

// Result collects every detector output.
type Result struct {
	TableBox        image.Rectangle `json:"tableBox"`
	HorizontalLines int             `json:"horizontalLines"`
	VerticalLines   int             `json:"verticalLines"`
	Logo            LogoResult      `json:"logo"`
	Barcode         BarcodeResult   `json:"barcode"`
	VotingGrid      GridResult      `json:"votingGrid"`
	Title           bool            `json:"title"`
	TextPattern     bool            `json:"textPattern"`
	KeyText         bool            `json:"keyText"`
}

// HasTable reports whether table rules were found.
func (r Result) HasTable() bool { return !r.TableBox.Empty() }

// Detector runs the structural detectors. It is stateless.
type Detector struct {
	cfg Config
}

// NewDetector creates a Detector.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// Detect runs every detector on in.
func (d *Detector) Detect(in Input) Result {
	var r Result
	r.TableBox = d.TableBox(in.Binary)
	r.HorizontalLines, r.VerticalLines = d.GridLines(in.Binary)
	r.Logo = d.Logo(in)
	r.Barcode = d.Barcode(in.Binary)
	r.VotingGrid = d.VotingGrid(in.Binary)
	r.Title = d.Title(in.Binary)
	r.TextPattern = d.TextPattern(in.Binary)
	r.KeyText = d.KeyText(in.Binary)

	slog.Debug("Structural features",
		"table_box", r.TableBox.String(),
		"h_lines", r.HorizontalLines,
		"v_lines", r.VerticalLines,
		"logo", r.Logo.Present,
		"logo_votes", r.Logo.Votes,
		"barcode", r.Barcode.Present,
		"voting_grid", r.VotingGrid.Present,
		"title", r.Title,
		"text_pattern", r.TextPattern,
		"key_text", r.KeyText)
	return r
}

// fracRect converts a fractional rectangle to pixels of a w x h image.
func fracRect(w, h int, x0, y0, x1, y1 float64) image.Rectangle {
	return image.Rect(int(x0*float64(w)), int(y0*float64(h)), int(x1*float64(w)), int(y1*float64(h)))
}
