// Package scan expands scanned tally PDFs into the page images they embed,
// one ballot image per embedded picture.
package scan

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// Page is one image extracted from a PDF.
type Page struct {
	Source string // PDF path
	Page   int
	Name   string // extracted file name
	Data   []byte // encoded image as stored in the PDF
}

// IsPDF reports whether data starts with the PDF signature.
func IsPDF(data []byte) bool {
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// ExtractFile extracts the embedded images of filename. pages uses pdfcpu's
// page selection syntax ("1-3,5"); empty selects every page. Images Go cannot
// decode are skipped. Results are ordered by page, then by file name.
func ExtractFile(filename, pages string) ([]Page, error) {
	dir, err := os.MkdirTemp("", "tally-scan-*")
	if err != nil {
		return nil, fmt.Errorf("create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	var selected []string
	if pages = strings.TrimSpace(pages); pages != "" {
		selected = strings.Split(pages, ",")
	}
	if err := api.ExtractImagesFile(filename, dir, selected, nil); err != nil {
		return nil, fmt.Errorf("extract images from %s: %w", filename, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read extracted images: %w", err)
	}
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	var out []Page
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		page, ok := pageOf(base, e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // file created by pdfcpu in our temp dir
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if _, _, err := vision.Decode(data); err != nil {
			slog.Warn("Skipping undecodable PDF image", "pdf", filename, "image", e.Name(), "error", err)
			continue
		}
		out = append(out, Page{Source: filename, Page: page, Name: e.Name(), Data: data})
	}
	slices.SortStableFunc(out, func(a, b Page) int {
		if a.Page != b.Page {
			return a.Page - b.Page
		}
		return strings.Compare(a.Name, b.Name)
	})
	slog.Debug("Extracted PDF images", "pdf", filename, "images", len(out))
	return out, nil
}

// pageOf parses the page number from pdfcpu's extracted file names,
// <base>_<page>.<ext> or <base>_<page>_<image>.<ext>.
func pageOf(base, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, base+"_")
	if !ok {
		return 0, false
	}
	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end <= 0 {
		return 0, false
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
