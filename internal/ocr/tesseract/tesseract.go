// Package tesseract implements ocr.Engine on libtesseract. It is the only
// package linking the cgo binding.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/MeKo-Tech/tally/internal/ocr"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/otiai10/gosseract/v2"
)

// Config configures the Tesseract engine.
type Config struct {
	Languages      []string // trained data to load (default: spa, eng)
	TessdataPrefix string   // directory holding *.traineddata, empty for the system default
}

// DefaultConfig returns the default Tesseract configuration.
func DefaultConfig() Config {
	return Config{Languages: []string{"spa", "eng"}}
}

// Engine recognizes text through libtesseract. Each call uses its own
// client, so the engine is safe for concurrent use.
type Engine struct {
	cfg           Config
	clientFactory func() *gosseract.Client
}

// New creates a Tesseract engine.
func New(cfg Config) *Engine {
	if len(cfg.Languages) == 0 {
		cfg.Languages = DefaultConfig().Languages
	}
	return &Engine{cfg: cfg, clientFactory: gosseract.NewClient}
}

// Name implements ocr.Engine.
func (e *Engine) Name() string { return "tesseract" }

// Version reports the linked libtesseract version.
func (e *Engine) Version() string { return gosseract.Version() }

// Recognize implements ocr.Engine.
func (e *Engine) Recognize(ctx context.Context, req ocr.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Image == nil || req.Image.Bounds().Empty() {
		return "", nil
	}
	data, err := vision.EncodePNG(req.Image)
	if err != nil {
		return "", err
	}

	c := e.clientFactory()
	defer func() { _ = c.Close() }()

	if e.cfg.TessdataPrefix != "" {
		if err := c.SetTessdataPrefix(e.cfg.TessdataPrefix); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	langs := req.Languages
	if len(langs) == 0 {
		langs = e.cfg.Languages
	}
	if err := c.SetLanguage(langs...); err != nil {
		return "", fmt.Errorf("set languages: %w", err)
	}
	if req.Mode != 0 {
		if err := c.SetPageSegMode(gosseract.PageSegMode(req.Mode)); err != nil {
			return "", fmt.Errorf("set page segmentation mode: %w", err)
		}
	}
	if req.Whitelist != "" {
		if err := c.SetWhitelist(req.Whitelist); err != nil {
			return "", fmt.Errorf("set whitelist: %w", err)
		}
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
