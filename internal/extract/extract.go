// Package extract reads the fields of a tally sheet. Numeric cells are read
// with several OCR passes and a majority vote; text cells get one pass and
// are snapped to the template's gazetteer.
package extract

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/ocr"
	"github.com/MeKo-Tech/tally/internal/roi"
	"github.com/MeKo-Tech/tally/internal/vision"
)

// Numeric pass names.
const (
	PassDefault  = "default"
	PassInverted = "inverted"
	PassWord     = "word"
	PassUpscaled = "upscaled"
)

// PassNames lists the known numeric passes in their default order.
var PassNames = []string{PassDefault, PassInverted, PassWord, PassUpscaled}

type pass struct {
	name     string
	mode     ocr.PageSegMode
	inverted bool
	scale    float64
}

var knownPasses = map[string]pass{
	PassDefault:  {PassDefault, ocr.PSMSingleLine, false, 1},
	PassInverted: {PassInverted, ocr.PSMSingleLine, true, 1},
	PassWord:     {PassWord, ocr.PSMSingleWord, false, 1},
	PassUpscaled: {PassUpscaled, ocr.PSMSingleLine, false, 2},
}

// Config holds the enhancement and recognition settings.
type Config struct {
	DigitUpscale      float64  // (default: 4)
	DigitSmoothSigma  float64  // (default: 0.8)
	DigitCLAHEClip    float64  // (default: 3.0)
	DigitBlock        int      // adaptive threshold block (default: 21)
	DigitC            float64  // (default: 10)
	TextUpscale       float64  // (default: 2)
	TextBlock         int      // (default: 15)
	TextC             float64  // (default: 8)
	Languages         []string // text languages (default: spa, eng)
	Passes            []string // numeric passes, see PassNames
	GazetteerDistance int      // maximum edit distance for snapping, negative disables (default: 2)
}

// DefaultConfig returns the default extractor configuration.
func DefaultConfig() Config {
	return Config{
		DigitUpscale:      4,
		DigitSmoothSigma:  0.8,
		DigitCLAHEClip:    3.0,
		DigitBlock:        21,
		DigitC:            10,
		TextUpscale:       2,
		TextBlock:         15,
		TextC:             8,
		Languages:         []string{"spa", "eng"},
		Passes:            append([]string(nil), PassNames...),
		GazetteerDistance: 2,
	}
}

// Extractor reads ROIs through an OCR engine.
type Extractor struct {
	cfg    Config
	engine ocr.Engine
	passes []pass
}

// New creates an Extractor. Unknown pass names are ignored; with no valid
// pass the default set is used.
func New(cfg Config, engine ocr.Engine) *Extractor {
	e := &Extractor{cfg: cfg, engine: engine}
	for _, name := range cfg.Passes {
		if p, ok := knownPasses[name]; ok {
			e.passes = append(e.passes, p)
		} else {
			slog.Warn("Ignoring unknown OCR pass", "pass", name)
		}
	}
	if len(e.passes) == 0 {
		for _, name := range PassNames {
			e.passes = append(e.passes, knownPasses[name])
		}
	}
	if e.cfg.DigitUpscale < 1 {
		e.cfg.DigitUpscale = 1
	}
	if e.cfg.TextUpscale < 1 {
		e.cfg.TextUpscale = 1
	}
	return e
}

// Result holds one FieldResult per ROI key, in template order.
type Result struct {
	Keys   []string
	Fields map[string]ballot.FieldResult
}

// Get returns the field for key; a missing key reads as empty.
func (r *Result) Get(key string) ballot.FieldResult {
	return r.Fields[key]
}

type cacheKey struct {
	rect image.Rectangle
	mode roi.Mode
}

// Extract reads every region of m from a preprocessed image (ink bright).
// Regions sharing a rectangle and mode are read once. Engine failures abort
// the extraction.
func (e *Extractor) Extract(ctx context.Context, img *image.Gray, m *roi.Map, tpl *roi.Template) (*Result, error) {
	res := &Result{Keys: make([]string, 0, len(m.Entries)), Fields: make(map[string]ballot.FieldResult, len(m.Entries))}
	cache := make(map[cacheKey]ballot.FieldResult, len(m.Entries))
	for _, entry := range m.Entries {
		ck := cacheKey{entry.Rect, entry.Mode}
		f, ok := cache[ck]
		if !ok {
			var err error
			f, err = e.Field(ctx, img, entry)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", entry.Key, err)
			}
			cache[ck] = f
		}
		if entry.Mode == roi.ModeText && tpl != nil {
			if snapped, ok := Snap(f.Value, tpl.Gazetteer[entry.Key], e.cfg.GazetteerDistance); ok {
				f = ballot.NewFieldResult(snapped, f.Confidence)
			}
		}
		res.Keys = append(res.Keys, entry.Key)
		res.Fields[entry.Key] = f
	}
	return res, nil
}

// Field reads a single region.
func (e *Extractor) Field(ctx context.Context, img *image.Gray, entry roi.Entry) (ballot.FieldResult, error) {
	crop := vision.Crop(img, entry.Rect)
	if crop.Bounds().Empty() {
		return ballot.NewFieldResult("", 0), nil
	}
	confidence := clarity(crop)
	paper := vision.Invert(crop)

	var (
		value string
		err   error
	)
	if entry.Mode == roi.ModeNumeric {
		value, err = e.numeric(ctx, paper)
	} else {
		value, err = e.text(ctx, paper)
	}
	if err != nil {
		return ballot.FieldResult{}, err
	}
	slog.Debug("Field read", "field", entry.Key, "value", value, "confidence", confidence)
	return ballot.NewFieldResult(value, confidence), nil
}

// numeric runs every configured pass on the enhanced digits and returns the
// most frequent purely numeric reading, or "" when no pass produced one.
// Ties go to the reading seen first.
func (e *Extractor) numeric(ctx context.Context, paper *image.Gray) (string, error) {
	mask := e.digitMask(paper)
	dark := vision.Invert(mask)

	counts := make(map[string]int, len(e.passes))
	var order []string
	for _, p := range e.passes {
		src := dark
		if p.inverted {
			src = mask
		}
		if p.scale > 1 {
			src = vision.Scale(src, p.scale)
		}
		text, err := e.engine.Recognize(ctx, ocr.Request{Image: src, Mode: p.mode, Whitelist: ocr.DigitWhitelist})
		if err != nil {
			return "", fmt.Errorf("%s pass: %w", p.name, err)
		}
		text = strings.TrimSpace(text)
		if !ballot.IsDigits(text) {
			continue
		}
		if counts[text] == 0 {
			order = append(order, text)
		}
		counts[text]++
	}

	best := ""
	for _, v := range order {
		if counts[v] > counts[best] {
			best = v
		}
	}
	return best, nil
}

func (e *Extractor) text(ctx context.Context, paper *image.Gray) (string, error) {
	text, err := e.engine.Recognize(ctx, ocr.Request{
		Image:     e.textImage(paper),
		Mode:      ocr.PSMSingleBlock,
		Languages: e.cfg.Languages,
	})
	if err != nil {
		return "", err
	}
	return CollapseWhitespace(text), nil
}
