// Package ocr defines the optical character recognition seam used by the
// field extractor. The libtesseract engine lives in ocr/tesseract.
package ocr

import (
	"context"
	"image"
)

// PageSegMode selects Tesseract's layout analysis for a request.
type PageSegMode int

const (
	PSMSingleBlock PageSegMode = 6
	PSMSingleLine  PageSegMode = 7
	PSMSingleWord  PageSegMode = 8
)

// DigitWhitelist restricts recognition to decimal digits.
const DigitWhitelist = "0123456789"

// Request is one recognition call on an already enhanced crop. Text should
// be dark on a light background.
type Request struct {
	Image     *image.Gray
	Mode      PageSegMode
	Whitelist string   // empty allows every character
	Languages []string // empty uses the engine default
}

// Engine recognizes text in a single image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, req Request) (string, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, req Request) (string, error)

// Name implements Engine.
func (f EngineFunc) Name() string { return "func" }

// Recognize implements Engine.
func (f EngineFunc) Recognize(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
