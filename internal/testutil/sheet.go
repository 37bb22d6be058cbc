package testutil

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"

	"github.com/MeKo-Tech/tally/internal/barcode"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Layout fractions of the synthetic tally sheet. They follow the default
// presidential template so ROIs land on the printed cells.
const (
	TableLeft   = 0.30
	TableTop    = 0.25
	TableRight  = 0.90
	TableBottom = 0.71
	FirstRow    = 0.26
	RowStep     = 0.035
	VotesColumn = 0.34
	VotesRight  = 0.40
)

// PartyVote is one printed party row.
type PartyVote struct {
	Party string
	Votes int
}

// SheetConfig describes a synthetic tally sheet.
type SheetConfig struct {
	Width, Height int
	TableCode     string
	Location      [5]string
	Parties       []PartyVote
	ValidVotes    int
	BlankVotes    int
	NullVotes     int
	Logo          bool
	Barcode       bool
	Code128       bool // print a decodable symbol instead of plain bars
	Title         bool
	Table         bool
	Ink           color.Color
	LogoColor     color.Color
	Paper         color.Color
}

// DefaultSheetConfig returns a 1200x1600 sheet with every feature printed and
// party votes that add up to the valid total.
func DefaultSheetConfig() SheetConfig {
	parties := []PartyVote{
		{"CC", 120}, {"FPV", 4}, {"MTS", 3}, {"UCS", 2}, {"MAS", 98},
		{"21F", 25}, {"PDC", 7}, {"MNR", 1}, {"PAN", 2},
	}
	valid := 0
	for _, p := range parties {
		valid += p.Votes
	}
	return SheetConfig{
		Width:      1200,
		Height:     1600,
		TableCode:  "10234",
		Location:   [5]string{"LA PAZ", "MURILLO", "LA PAZ", "LA PAZ", "ESCUELA BOLIVIA"},
		Parties:    parties,
		ValidVotes: valid,
		BlankVotes: 5,
		NullVotes:  3,
		Logo:       true,
		Barcode:    true,
		Title:      true,
		Table:      true,
		Ink:        color.RGBA{R: 20, G: 20, B: 20, A: 255},
		LogoColor:  color.RGBA{R: 20, G: 70, B: 200, A: 255},
		Paper:      color.RGBA{R: 250, G: 250, B: 250, A: 255},
	}
}

// GenerateTallySheet renders a synthetic electoral tally sheet.
func GenerateTallySheet(cfg SheetConfig) *image.RGBA {
	w, h := cfg.Width, cfg.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{cfg.Paper}, image.Point{}, draw.Src)
	fx := func(f float64) int { return int(f * float64(w)) }
	fy := func(f float64) int { return int(f * float64(h)) }

	if cfg.Logo {
		r := float64(w) * 0.033
		DrawRing(img, fx(0.05), fy(0.047), r, r-5, cfg.LogoColor)
	}
	if cfg.Barcode {
		drawBarcode(img, image.Rect(fx(0.70), fy(0.03), fx(0.90), fy(0.0525)), cfg, cfg.Ink)
	}
	if cfg.Title {
		DrawText(img, "ACTA ELECTORAL", fx(0.36), fy(0.07), 3, cfg.Ink)
	}

	DrawText(img, cfg.TableCode, fx(0.15)+6, fy(0.125)+10, 3, cfg.Ink)
	for i, loc := range cfg.Location {
		DrawText(img, loc, fx(0.28)+4, fy(0.14+0.01*float64(i))+2, 1, cfg.Ink)
	}

	if cfg.Table {
		rules := []float64{TableTop}
		for i := range 10 {
			rules = append(rules, FirstRow+RowStep*float64(i))
		}
		rules = append(rules, 0.585, 0.62, 0.64, 0.675, TableBottom)
		for _, y := range rules {
			FillRect(img, image.Rect(fx(TableLeft), fy(y), fx(TableRight)+3, fy(y)+3), cfg.Ink)
		}
		for _, x := range []float64{TableLeft, VotesColumn, VotesRight, TableRight} {
			FillRect(img, image.Rect(fx(x), fy(TableTop), fx(x)+3, fy(TableBottom)+3), cfg.Ink)
		}
	}

	for i, p := range cfg.Parties {
		y := FirstRow + RowStep*float64(i)
		DrawText(img, p.Party, fx(0.05), fy(y)+15, 2, cfg.Ink)
		DrawText(img, strconv.Itoa(p.Votes), fx(VotesColumn)+10, fy(y)+14, 2, cfg.Ink)
	}
	totals := []struct {
		label string
		y     float64
		votes int
	}{
		{"VALIDOS", 0.585, cfg.ValidVotes},
		{"BLANCOS", 0.64, cfg.BlankVotes},
		{"NULOS", 0.675, cfg.NullVotes},
	}
	for _, t := range totals {
		DrawText(img, t.label, fx(0.05), fy(t.y)+15, 2, cfg.Ink)
		DrawText(img, strconv.Itoa(t.votes), fx(VotesColumn)+10, fy(t.y)+14, 2, cfg.Ink)
	}
	return img
}

// drawBarcode prints evenly spaced bars inside r, or the table code as
// Code 128 when cfg.Code128 is set.
func drawBarcode(img draw.Image, r image.Rectangle, cfg SheetConfig, ink color.Color) {
	var sym *image.Gray
	if cfg.Code128 && cfg.TableCode != "" {
		sym, _ = barcode.Code128(cfg.TableCode, r.Dx(), r.Dy())
	}
	if sym == nil {
		for x := r.Min.X; x+3 <= r.Max.X; x += 6 {
			FillRect(img, image.Rect(x, r.Min.Y, x+3, r.Max.Y), ink)
		}
		return
	}
	for y := range r.Dy() {
		for x := range r.Dx() {
			if sym.GrayAt(x, y).Y == 0 {
				img.Set(r.Min.X+x, r.Min.Y+y, ink)
			}
		}
	}
}

// FillRect paints r with c.
func FillRect(img draw.Image, r image.Rectangle, c color.Color) {
	draw.Draw(img, r, &image.Uniform{c}, image.Point{}, draw.Src)
}

// DrawRing paints an annulus centred on (cx, cy).
func DrawRing(img draw.Image, cx, cy int, outer, inner float64, c color.Color) {
	ro := int(math.Ceil(outer))
	for y := cy - ro; y <= cy+ro; y++ {
		for x := cx - ro; x <= cx+ro; x++ {
			d := math.Hypot(float64(x-cx), float64(y-cy))
			if d <= outer && d >= inner {
				img.Set(x, y, c)
			}
		}
	}
}

// FillPolygon paints the interior of a convex or concave polygon.
func FillPolygon(img draw.Image, pts []image.Point, c color.Color) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if insidePolygon(pts, float64(x)+0.5, float64(y)+0.5) {
				img.Set(x, y, c)
			}
		}
	}
}

func insidePolygon(pts []image.Point, x, y float64) bool {
	in := false
	for i, j := 0, len(pts)-1; i < len(pts); j, i = i, i+1 {
		xi, yi := float64(pts[i].X), float64(pts[i].Y)
		xj, yj := float64(pts[j].X), float64(pts[j].Y)
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			in = !in
		}
	}
	return in
}

// DrawText renders text with the 7x13 bitmap face enlarged by scale, with
// the top-left corner of the text box at (x, y).
func DrawText(img draw.Image, text string, x, y, scale int, c color.Color) {
	face := basicfont.Face7x13
	tw := font.MeasureString(face, text).Ceil()
	th := face.Metrics().Height.Ceil()
	if tw == 0 {
		return
	}
	glyphs := image.NewRGBA(image.Rect(0, 0, tw, th))
	d := &font.Drawer{Dst: glyphs, Src: &image.Uniform{c}, Face: face, Dot: fixed.P(0, face.Metrics().Ascent.Ceil())}
	d.DrawString(text)
	if scale > 1 {
		scaled := imaging.Resize(glyphs, tw*scale, th*scale, imaging.NearestNeighbor)
		draw.Draw(img, image.Rect(x, y, x+tw*scale, y+th*scale), scaled, image.Point{}, draw.Over)
		return
	}
	draw.Draw(img, image.Rect(x, y, x+tw, y+th), glyphs, image.Point{}, draw.Over)
}
