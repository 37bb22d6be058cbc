package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/ocr/tesseract"
	"github.com/MeKo-Tech/tally/internal/pipeline"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/spf13/cobra"
)

// validateCmd runs the pipeline on local files without a broker.
var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate (and optionally extract) ballot images locally",
	Long: `Preprocess and validate images in-process and print one JSON report per
image. PDFs are expanded into their embedded page images.

With --extract, valid images are also read with the local OCR engine; with
--fallback, readings below the confidence threshold are sent to the remote
fallback as the worker would.

Examples:
  tally validate acta-001.jpg
  tally validate scans.pdf --extract
  tally validate acta-001.jpg --extract --fallback --save-processed ./out`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		extract, _ := cmd.Flags().GetBool("extract")
		withFallback, _ := cmd.Flags().GetBool("fallback")
		pages, _ := cmd.Flags().GetString("pages")
		saveDir, _ := cmd.Flags().GetString("save-processed")

		images, err := collectImages(args, pages)
		if err != nil {
			return err
		}

		v := &localValidator{inspector: buildInspector(cfg), threshold: cfg.Consistency.Threshold}
		if extract {
			if v.reader, err = buildReader(cfg, tesseract.New(tesseractConfig(cfg))); err != nil {
				return err
			}
			if withFallback {
				fb, err := buildFallback(cfg)
				if err != nil {
					return err
				}
				if fb != nil {
					v.fallback = fb
				}
			}
		}
		if saveDir != "" {
			if err := os.MkdirAll(saveDir, 0o750); err != nil {
				return fmt.Errorf("create %s: %w", saveDir, err)
			}
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		for _, img := range images {
			rep, insp, err := v.run(ctx, img)
			if err != nil {
				return err
			}
			if saveDir != "" && insp != nil {
				if err := saveProcessed(saveDir, img.name, insp); err != nil {
					return err
				}
			}
			if err := enc.Encode(rep); err != nil {
				return err
			}
		}
		return nil
	},
}

// report is the JSON printed for one image.
type report struct {
	Source     string                   `json:"source"`
	ImageHash  string                   `json:"imageHash"`
	Validation ballot.ValidationResult  `json:"validation"`
	Record     *ballot.ExtractionRecord `json:"record,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// localValidator mirrors the worker's decisions on a single image.
type localValidator struct {
	inspector *pipeline.Inspector
	reader    pipeline.Reader   // nil unless extracting
	fallback  pipeline.Fallback // nil unless the fallback is enabled
	threshold float64
}

func (v *localValidator) run(ctx context.Context, img namedImage) (report, *pipeline.Inspection, error) {
	insp, err := v.inspector.Inspect(img.data)
	if err != nil {
		return report{}, nil, fmt.Errorf("%s: %w", img.name, err)
	}
	rep := report{Source: img.name, ImageHash: insp.ImageHash, Validation: insp.Validation.Result}
	if v.reader == nil || !rep.Validation.IsValid {
		return rep, insp, nil
	}

	rec, err := v.reader.Read(ctx, insp.Processed.Image, insp.TableBox())
	if err != nil {
		slog.Warn("Local extraction failed", "source", img.name, "error", err)
		rep.Error = err.Error()
	}
	if v.fallback != nil && (rec == nil || rec.OverallConfidence < v.threshold) {
		remote, ferr := v.fallback.Extract(ctx, img.data)
		if ferr != nil {
			rep.Error = ferr.Error()
		} else {
			rec, rep.Error = remote, ""
		}
	}
	rep.Record = rec
	return rep, insp, nil
}

func saveProcessed(dir, name string, insp *pipeline.Inspection) error {
	data, err := vision.EncodePNG(insp.Processed.Image)
	if err != nil {
		return err
	}
	base := strings.NewReplacer("/", "_", "#", "_", "=", "").Replace(name)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	path := filepath.Join(dir, base+"_processed.png")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	slog.Debug("Saved processed image", "path", path)
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().Bool("extract", false, "read the fields of valid images with the local OCR engine")
	validateCmd.Flags().Bool("fallback", false, "send low-confidence readings to the remote fallback (with --extract)")
	validateCmd.Flags().String("pages", "", "PDF page selection, e.g. 1-3,5")
	validateCmd.Flags().String("save-processed", "", "directory to write the preprocessed images to")
}
